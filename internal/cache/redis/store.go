// Package redis stores cached audit results in Redis so several orchestrator
// processes can share them. Each entry is a hash with native key expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/webaudit/internal/cache"
)

// DefaultPrefix namespaces cache keys.
const DefaultPrefix = "webaudit:cache:"

const scanBatch = 200

// Store implements cache.Store on top of go-redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// Options configures a Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewWithClient(rdb, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Get loads an entry.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return cache.Entry{}, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if len(fields) == 0 {
		return cache.Entry{}, cache.ErrNotFound
	}
	value, ok := fields["value"]
	if !ok {
		return cache.Entry{}, errors.New("cache entry missing value field")
	}
	entry := cache.Entry{Key: key, Value: []byte(value)}
	if entry.StoredAt, err = parseMillis(fields["stored_at"]); err != nil {
		return cache.Entry{}, fmt.Errorf("failed to parse stored_at: %w", err)
	}
	if entry.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return cache.Entry{}, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	return entry, nil
}

// Put writes an entry and sets its expiry in one transaction.
func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	k := s.key(entry.Key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k,
			"value", entry.Value,
			"stored_at", millis(entry.StoredAt),
			"expires_at", millis(entry.ExpiresAt),
		)
		if !entry.ExpiresAt.IsZero() {
			pipe.PExpireAt(ctx, k, entry.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries whose recorded expiry is not after now. Redis
// expires keys on its own clock; this catches entries written by a process
// whose clock disagrees.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.scan(ctx, func(k string) error {
		raw, err := s.rdb.HGet(ctx, k, "expires_at").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read expiry: %w", err)
		}
		expires, err := parseMillis(raw)
		if err != nil || (!expires.IsZero() && !now.Before(expires)) {
			n, err := s.rdb.Del(ctx, k).Result()
			if err != nil {
				return fmt.Errorf("failed to delete expired entry: %w", err)
			}
			removed += int(n)
		}
		return nil
	})
	return removed, err
}

// Clear removes every key under the prefix.
func (s *Store) Clear(ctx context.Context) (int, error) {
	removed := 0
	err := s.scan(ctx, func(k string) error {
		n, err := s.rdb.Del(ctx, k).Result()
		if err != nil {
			return fmt.Errorf("failed to delete cache entry: %w", err)
		}
		removed += int(n)
		return nil
	})
	return removed, err
}

// Count returns the number of keys under the prefix.
func (s *Store) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.scan(ctx, func(string) error {
		count++
		return nil
	})
	return count, err
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) scan(ctx context.Context, fn func(key string) error) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
