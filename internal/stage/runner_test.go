package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/pool"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func fastPolicy(attempts int) audit.RetryPolicy {
	return audit.RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	r := NewRunner(nil, WithSleep(noSleep))
	outcome := r.Run(context.Background(), Spec{
		Stage:  audit.StageFieldData,
		Policy: fastPolicy(3),
		Do: func(context.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, audit.Transient(errors.New("503"))
			}
			return "ok", nil
		},
	})
	require.True(t, outcome.Succeeded())
	require.Equal(t, "ok", outcome.Payload)
	require.Equal(t, 3, outcome.Attempts)
	require.EqualValues(t, 3, calls.Load())
}

func TestRunStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	r := NewRunner(nil, WithSleep(noSleep))
	outcome := r.Run(context.Background(), Spec{
		Stage:  audit.StageAISummary,
		Policy: fastPolicy(5),
		Do: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, audit.Permanent(errors.New("401 unauthorized"))
		},
	})
	require.False(t, outcome.Succeeded())
	require.Nil(t, outcome.Payload)
	require.Equal(t, audit.ErrorKindPermanent, outcome.ErrorKind)
	require.Equal(t, 1, outcome.Attempts)
	require.EqualValues(t, 1, calls.Load())
}

func TestRunExhaustsAttempts(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil, WithSleep(noSleep))
	outcome := r.Run(context.Background(), Spec{
		Stage:  audit.StageFieldData,
		Policy: fastPolicy(3),
		Do: func(context.Context) (any, error) {
			return nil, audit.Transient(errors.New("connection reset"))
		},
	})
	require.Equal(t, audit.ErrorKindTransient, outcome.ErrorKind)
	require.Equal(t, 3, outcome.Attempts)
	require.Contains(t, outcome.Error, "connection reset")
}

func TestRunAttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	r := NewRunner(nil, WithSleep(noSleep))
	outcome := r.Run(context.Background(), Spec{
		Stage:          audit.StageLabMobile,
		Policy:         fastPolicy(2),
		AttemptTimeout: 10 * time.Millisecond,
		Do: func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return 42, nil
		},
	})
	require.True(t, outcome.Succeeded())
	require.Equal(t, 2, outcome.Attempts)
}

func TestRunHeavyStageHoldsTokenPerAttempt(t *testing.T) {
	t.Parallel()

	p := pool.New("browser", 1)
	r := NewRunner(p, WithSleep(noSleep))
	outcome := r.Run(context.Background(), Spec{
		Stage:  audit.StageLabDesktop,
		Heavy:  true,
		Policy: fastPolicy(1),
		Do: func(context.Context) (any, error) {
			require.Equal(t, 1, p.Stats().InUse)
			return "lab", nil
		},
	})
	require.True(t, outcome.Succeeded())
	require.Equal(t, 0, p.Stats().InUse)
}

func TestRunPoolExhaustionIsResourceExhausted(t *testing.T) {
	t.Parallel()

	p := pool.New("browser", 1)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	r := NewRunner(p, WithSleep(noSleep))
	outcome := r.Run(context.Background(), Spec{
		Stage:        audit.StageLabMobile,
		Heavy:        true,
		Policy:       fastPolicy(3),
		StageTimeout: 20 * time.Millisecond,
		Do: func(context.Context) (any, error) {
			t.Fatal("stage must not run without a token")
			return nil, nil
		},
	})
	require.False(t, outcome.Succeeded())
	require.Equal(t, audit.ErrorKindResourceExhausted, outcome.ErrorKind)
}

func TestRunObservesCancellationBetweenAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	r := NewRunner(nil, WithSleep(noSleep))
	outcome := r.Run(ctx, Spec{
		Stage:  audit.StageFieldData,
		Policy: fastPolicy(5),
		Do: func(context.Context) (any, error) {
			calls.Add(1)
			cancel()
			return nil, audit.Transient(errors.New("flaky"))
		},
	})
	require.Equal(t, audit.ErrorKindCancelled, outcome.ErrorKind)
	require.EqualValues(t, 1, calls.Load())
}
