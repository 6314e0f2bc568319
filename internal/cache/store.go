package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a key is absent.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one stored result.
type Entry struct {
	Key       string
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the key/value backend behind the Gateway. Implementations must be
// safe for concurrent use; writes are idempotent.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Clear(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
