package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "transient", err: Transient(base), want: ErrorKindTransient},
		{name: "wrapped permanent", err: fmt.Errorf("stage: %w", Permanent(base)), want: ErrorKindPermanent},
		{name: "exhausted", err: &ResourceExhaustedError{Resource: "browser", Err: context.DeadlineExceeded}, want: ErrorKindResourceExhausted},
		{name: "cancelled", err: context.Canceled, want: ErrorKindCancelled},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorKindTransient},
		{name: "unmarked", err: base, want: ErrorKindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	require.True(t, p.ShouldRetry(Transient(errors.New("x")), 1))
	require.False(t, p.ShouldRetry(Transient(errors.New("x")), 3))
	require.False(t, p.ShouldRetry(Permanent(errors.New("x")), 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 300*time.Millisecond)
	}
	require.Zero(t, RetryPolicy{}.Backoff(2))
	require.Equal(t, 1, RetryPolicy{}.Attempts())
}
