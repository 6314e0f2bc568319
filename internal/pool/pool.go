// Package pool bounds the number of concurrently active heavy sub-processes
// (headless browser instances) independent of how many jobs are running.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/webaudit/internal/audit"
)

// Pool hands out capacity tokens in request order. It is safe for concurrent
// use by multiple goroutines.
type Pool struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted

	inUse    atomic.Int64
	waiting  atomic.Int64
	acquired atomic.Int64
}

// Token is one unit of borrowed capacity. Releasing it more than once is a
// no-op.
type Token struct {
	pool *Pool
	once sync.Once
}

// Stats is a point-in-time view of pool utilization.
type Stats struct {
	Name          string `json:"name"`
	Capacity      int    `json:"capacity"`
	InUse         int    `json:"in_use"`
	Available     int    `json:"available"`
	Waiting       int    `json:"waiting"`
	TotalAcquired int64  `json:"total_acquired"`
}

// New builds a pool with a fixed capacity. Capacities below one are raised
// to one.
func New(name string, capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Acquire blocks until a token is available or ctx is done. A context
// failure is reported as a ResourceExhaustedError.
func (p *Pool) Acquire(ctx context.Context) (*Token, error) {
	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		return nil, &audit.ResourceExhaustedError{Resource: p.name, Err: err}
	}
	p.inUse.Add(1)
	p.acquired.Add(1)
	return &Token{pool: p}, nil
}

// TryAcquire returns a token only if one is immediately available.
func (p *Pool) TryAcquire() (*Token, bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	p.inUse.Add(1)
	p.acquired.Add(1)
	return &Token{pool: p}, true
}

// Release returns the token to the pool.
func (p *Pool) Release(token *Token) error {
	if token == nil {
		return errors.New("nil token")
	}
	if token.pool != p {
		return errors.New("token belongs to a different pool")
	}
	token.Release()
	return nil
}

// Release returns the token to its pool. Only the first call has an effect.
func (t *Token) Release() {
	if t == nil || t.pool == nil {
		return
	}
	t.once.Do(func() {
		t.pool.inUse.Add(-1)
		t.pool.sem.Release(1)
	})
}

// Capacity returns the fixed token count.
func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// Stats returns the current utilization.
func (p *Pool) Stats() Stats {
	inUse := int(p.inUse.Load())
	return Stats{
		Name:          p.name,
		Capacity:      int(p.capacity),
		InUse:         inUse,
		Available:     int(p.capacity) - inUse,
		Waiting:       int(p.waiting.Load()),
		TotalAcquired: p.acquired.Load(),
	}
}
