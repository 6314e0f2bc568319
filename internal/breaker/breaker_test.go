package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cb := New[int]("psi", Config{FailureThreshold: 2, OpenTimeout: time.Hour}, zap.NewNop())
	boom := errors.New("503")
	for i := 0; i < 2; i++ {
		_, err := cb.Execute(func() (int, error) { return 0, boom })
		require.ErrorIs(t, err, boom)
	}

	_, err := cb.Execute(func() (int, error) { return 1, nil })
	require.True(t, IsOpen(err))

	status := Snapshot(cb)
	require.Equal(t, "psi", status.Name)
	require.Equal(t, "open", status.State)
}

func TestBreakerIgnoresCancellationAndAcceptedErrors(t *testing.T) {
	t.Parallel()

	notFound := errors.New("no data")
	cb := New[int]("ai", Config{
		FailureThreshold: 1,
		IsSuccessful:     func(err error) bool { return errors.Is(err, notFound) },
	}, nil)

	_, err := cb.Execute(func() (int, error) { return 0, context.Canceled })
	require.ErrorIs(t, err, context.Canceled)
	_, err = cb.Execute(func() (int, error) { return 0, notFound })
	require.ErrorIs(t, err, notFound)

	require.Equal(t, "closed", Snapshot(cb).State)
	require.False(t, IsOpen(err))
}
