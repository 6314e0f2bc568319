// Package breaker builds the circuit breakers guarding external APIs.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Config controls when a breaker trips and how it recovers.
type Config struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker.
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
	// IsSuccessful decides whether err counts against the breaker. Context
	// cancellation never does.
	IsSuccessful func(err error) bool
}

// DefaultConfig trips after 3 consecutive failures and probes again after a
// minute.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		OpenTimeout:      60 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Status is a reportable breaker snapshot.
type Status struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Requests            uint32 `json:"requests"`
}

// New builds a breaker named name.
func New[T any](name string, cfg Config, logger *zap.Logger) *gobreaker.CircuitBreaker[T] {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	successful := cfg.IsSuccessful
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			if successful != nil {
				return successful(err)
			}
			return false
		},
	})
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Snapshot reports the current state of cb.
func Snapshot[T any](cb *gobreaker.CircuitBreaker[T]) Status {
	counts := cb.Counts()
	return Status{
		Name:                cb.Name(),
		State:               cb.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Requests:            counts.Requests,
	}
}
