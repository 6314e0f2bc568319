package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/cache"
	"github.com/JakeFAU/webaudit/internal/cache/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// brokenStore fails every operation.
type brokenStore struct{}

var errDown = errors.New("backend down")

func (brokenStore) Get(context.Context, string) (cache.Entry, error)      { return cache.Entry{}, errDown }
func (brokenStore) Put(context.Context, cache.Entry) error                { return errDown }
func (brokenStore) Delete(context.Context, string) error                  { return errDown }
func (brokenStore) DeleteExpired(context.Context, time.Time) (int, error) { return 0, errDown }
func (brokenStore) Clear(context.Context) (int, error)                    { return 0, errDown }
func (brokenStore) Count(context.Context) (int, error)                    { return 0, errDown }
func (brokenStore) Ping(context.Context) error                            { return errDown }
func (brokenStore) Close() error                                          { return nil }

func newGateway(t *testing.T) (*cache.Gateway, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	gw := cache.NewGateway(memory.NewStore(), cache.WithClock(clock), cache.WithTTL(time.Hour))
	return gw, clock
}

func sampleResult() audit.Result {
	return audit.Result{Status: audit.ResultSuccess, URL: "https://example.com/"}
}

func TestGatewayKeyDependsOnURLAndStageSet(t *testing.T) {
	t.Parallel()
	gw, _ := newGateway(t)

	all := []audit.Stage{audit.StageLabMobile, audit.StageLabDesktop, audit.StageFieldData, audit.StageAISummary}
	reordered := []audit.Stage{audit.StageAISummary, audit.StageFieldData, audit.StageLabDesktop, audit.StageLabMobile}

	require.Equal(t, gw.Key("https://example.com/", all), gw.Key("https://example.com/", reordered))
	require.NotEqual(t, gw.Key("https://example.com/", all), gw.Key("https://example.org/", all))
	require.NotEqual(t, gw.Key("https://example.com/", all), gw.Key("https://example.com/", all[:3]))
}

func TestGatewayStoreAndLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, _ := newGateway(t)

	_, ok := gw.Lookup(ctx, "k")
	require.False(t, ok)

	gw.Store(ctx, "k", sampleResult(), 0)
	got, ok := gw.Lookup(ctx, "k")
	require.True(t, ok)
	require.Equal(t, sampleResult().URL, got.URL)
	require.Equal(t, audit.ResultSuccess, got.Status)

	stats := gw.Stats(ctx)
	require.Equal(t, "memory", stats.Backend)
	require.Equal(t, 1, stats.Count)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func TestGatewayExpiredEntryIsMissAndRemoved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, clock := newGateway(t)

	gw.Store(ctx, "k", sampleResult(), time.Minute)
	clock.Advance(time.Minute)

	_, ok := gw.Lookup(ctx, "k")
	require.False(t, ok)
	require.Equal(t, 0, gw.Stats(ctx).Count)
}

func TestGatewayCleanupAndClear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, clock := newGateway(t)

	gw.Store(ctx, "short", sampleResult(), time.Minute)
	gw.Store(ctx, "long", sampleResult(), 2*time.Hour)
	clock.Advance(30 * time.Minute)

	require.Equal(t, 1, gw.Cleanup(ctx))
	_, ok := gw.Lookup(ctx, "long")
	require.True(t, ok)

	require.Equal(t, 1, gw.Clear(ctx))
	require.Equal(t, 0, gw.Stats(ctx).Count)
}

func TestGatewayInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw, _ := newGateway(t)

	gw.Store(ctx, "k", sampleResult(), 0)
	gw.Invalidate(ctx, "k")
	_, ok := gw.Lookup(ctx, "k")
	require.False(t, ok)
}

func TestGatewayFailsOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gw := cache.NewGateway(brokenStore{}, cache.WithBackendName("redis"))

	require.NotPanics(t, func() { gw.Store(ctx, "k", sampleResult(), 0) })
	_, ok := gw.Lookup(ctx, "k")
	require.False(t, ok)
	require.Zero(t, gw.Cleanup(ctx))
	require.Zero(t, gw.Clear(ctx))

	stats := gw.Stats(ctx)
	require.Equal(t, "redis", stats.Backend)
	require.Equal(t, -1, stats.Count)

	err := gw.Ping(ctx)
	require.ErrorIs(t, err, errDown)
}

func TestGatewayRunStopsWithContext(t *testing.T) {
	t.Parallel()
	gw, _ := newGateway(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		gw.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
