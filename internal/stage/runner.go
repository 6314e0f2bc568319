// Package stage executes a single pipeline stage with retry, backoff, and
// layered timeouts, turning every failure into a classified StageOutcome.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/metrics"
	"github.com/JakeFAU/webaudit/internal/pool"
)

// TokenPool hands out resource tokens for heavy stages.
type TokenPool interface {
	Acquire(ctx context.Context) (*pool.Token, error)
}

// Func performs one attempt of a stage.
type Func func(ctx context.Context) (any, error)

// Spec describes how to run one stage.
type Spec struct {
	Stage audit.Stage
	// Heavy stages borrow a pool token for each attempt.
	Heavy          bool
	Policy         audit.RetryPolicy
	AttemptTimeout time.Duration
	// StageTimeout bounds all attempts, backoff, and pool waits together.
	StageTimeout time.Duration
	Do           Func
}

// Runner executes stage specs.
type Runner struct {
	pool   TokenPool
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSleep overrides the backoff sleeper (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// NewRunner builds a Runner. tokens may be nil when no stage is heavy.
func NewRunner(tokens TokenPool, opts ...Option) *Runner {
	r := &Runner{
		pool:   tokens,
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes spec until it succeeds, fails permanently, runs out of
// attempts, or ctx is cancelled. It never returns an error; failures are
// recorded on the outcome.
func (r *Runner) Run(ctx context.Context, spec Spec) audit.StageOutcome {
	start := time.Now()
	outcome := audit.StageOutcome{Stage: spec.Stage}
	logger := r.logger.With(zap.String("stage", string(spec.Stage)))

	stageCtx := ctx
	cancel := func() {}
	if spec.StageTimeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, spec.StageTimeout)
	}
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := stageCtx.Err(); err != nil {
			lastErr = r.contextFailure(ctx, spec, err)
			break
		}
		outcome.Attempts = attempt
		payload, err := r.attempt(stageCtx, spec)
		if err == nil {
			outcome.Payload = payload
			lastErr = nil
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if !spec.Policy.ShouldRetry(err, attempt) {
			break
		}
		wait := spec.Policy.Backoff(attempt - 1)
		logger.Debug("stage attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := r.sleep(stageCtx, wait); err != nil {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
			}
			break
		}
	}

	outcome.Duration = time.Since(start)
	if lastErr != nil {
		outcome.ErrorKind = audit.Classify(lastErr)
		outcome.Error = lastErr.Error()
		logger.Info("stage failed",
			zap.Int("attempts", outcome.Attempts),
			zap.String("error_kind", string(outcome.ErrorKind)),
			zap.Error(lastErr),
		)
	}
	metrics.ObserveStage(string(spec.Stage), outcome.Succeeded(), outcome.Attempts, outcome.Duration)
	return outcome
}

func (r *Runner) attempt(stageCtx context.Context, spec Spec) (any, error) {
	if spec.Do == nil {
		return nil, audit.Permanent(fmt.Errorf("stage %s has no implementation", spec.Stage))
	}
	if spec.Heavy && r.pool != nil {
		token, err := r.pool.Acquire(stageCtx)
		if err != nil {
			return nil, err
		}
		defer token.Release()
	}

	attemptCtx := stageCtx
	cancel := func() {}
	if spec.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(stageCtx, spec.AttemptTimeout)
	}
	defer cancel()

	payload, err := spec.Do(attemptCtx)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && stageCtx.Err() == nil {
			return nil, audit.Transient(fmt.Errorf("attempt timed out after %s: %w", spec.AttemptTimeout, err))
		}
		return nil, err
	}
	return payload, nil
}

func (r *Runner) contextFailure(parent context.Context, spec Spec, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return audit.Transient(fmt.Errorf("stage timed out after %s", spec.StageTimeout))
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
