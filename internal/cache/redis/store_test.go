package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webaudit/internal/cache"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb, ""), mr
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, err := s.Get(ctx, "absent")
	require.True(t, errors.Is(err, cache.ErrNotFound))

	entry := cache.Entry{Key: "abc", Value: []byte(`{"status":"success"}`), StoredAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.Put(ctx, entry))
	require.True(t, mr.Exists(DefaultPrefix+"abc"))

	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, entry.Value, got.Value)
	require.True(t, entry.StoredAt.Equal(got.StoredAt))
	require.True(t, entry.ExpiresAt.Equal(got.ExpiresAt))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, "abc")
	require.True(t, errors.Is(err, cache.ErrNotFound), "redis expiry should evict the entry")
}

func TestStoreDeleteExpiredAndClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, cache.Entry{Key: "soon", Value: []byte("1"), StoredAt: now, ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.Put(ctx, cache.Entry{Key: "later", Value: []byte("2"), StoredAt: now, ExpiresAt: now.Add(48 * time.Hour)}))
	require.NoError(t, mr.Set("unrelated", "x"))

	removed, err := s.DeleteExpired(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	require.NoError(t, s.Delete(ctx, "missing"))

	cleared, err := s.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cleared)
	require.True(t, mr.Exists("unrelated"), "clear must only touch prefixed keys")
	require.NoError(t, s.Ping(ctx))
}

func TestStoreReportsConnectionErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Get(ctx, "abc")
	require.Error(t, err)
	require.False(t, errors.Is(err, cache.ErrNotFound))
	require.Error(t, s.Ping(ctx))
}
