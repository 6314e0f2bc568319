package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/cache"
	"github.com/JakeFAU/webaudit/internal/cache/memory"
	"github.com/JakeFAU/webaudit/internal/pipeline"
	"github.com/JakeFAU/webaudit/internal/progress"
	"github.com/JakeFAU/webaudit/internal/registry"
)

// gatedExecutor blocks each job until its URL is released or its context ends.
type gatedExecutor struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	started chan string
	calls   atomic.Int32
	status  audit.ResultStatus
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 64),
		status:  audit.ResultSuccess,
	}
}

func (e *gatedExecutor) gate(url string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.gates[url]
	if !ok {
		ch = make(chan struct{})
		e.gates[url] = ch
	}
	return ch
}

func (e *gatedExecutor) release(url string) {
	close(e.gate(url))
}

func (e *gatedExecutor) Execute(ctx context.Context, job pipeline.Job) audit.Result {
	e.calls.Add(1)
	e.started <- job.URL
	select {
	case <-e.gate(job.URL):
		return audit.Result{Status: e.status, URL: job.URL, Timing: map[string]int64{}}
	case <-ctx.Done():
		msg := "cancelled"
		return audit.Result{Status: audit.ResultFailed, URL: job.URL, Error: &msg, Timing: map[string]int64{}}
	}
}

func (e *gatedExecutor) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case url := <-e.started:
		return url
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not start")
		return ""
	}
}

type harness struct {
	d     *Dispatcher
	exec  *gatedExecutor
	cache *cache.Gateway
	pub   *progress.Publisher
	reg   *registry.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	exec := newGatedExecutor()
	reg := registry.New()
	gw := cache.NewGateway(memory.NewStore())
	pub := progress.NewPublisher()
	d := New(cfg, reg, exec, WithCache(gw), WithPublisher(pub))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return &harness{d: d, exec: exec, cache: gw, pub: pub, reg: reg}
}

func await(t *testing.T, d *Dispatcher, id string) audit.JobView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	view, err := d.Await(ctx, id)
	require.NoError(t, err)
	return view
}

func TestConcurrentIdenticalRequestsRunOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 4, MaxQueue: 4})
	const callers = 8

	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := h.d.Submit(context.Background(), audit.Request{URL: "Example.com"})
			ids[i], errs[i] = sub.JobID, err
		}(i)
	}
	wg.Wait()
	for i, id := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], id)
	}

	require.Equal(t, "https://example.com/", h.exec.waitStarted(t))
	h.exec.release("https://example.com/")
	view := await(t, h.d, ids[0])
	require.Equal(t, audit.JobStatusCompleted, view.Status)
	require.EqualValues(t, 1, h.exec.calls.Load())

	sub, err := h.d.Submit(context.Background(), audit.Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.True(t, sub.Cached)
	require.Equal(t, audit.JobStatusCompleted, sub.Status)
	require.NotEqual(t, ids[0], sub.JobID)
	require.EqualValues(t, 1, h.exec.calls.Load())

	cached, err := h.d.Get(sub.JobID)
	require.NoError(t, err)
	require.True(t, cached.Cached)
	require.NotNil(t, cached.Result)
	require.Equal(t, audit.ResultSuccess, cached.Result.Status)
}

func TestQueueIsFIFOAndBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 1, MaxQueue: 3})
	urls := []string{"https://a.example.com/", "https://b.example.com/", "https://c.example.com/", "https://d.example.com/"}

	ids := make([]string, len(urls))
	for i, u := range urls {
		sub, err := h.d.Submit(context.Background(), audit.Request{URL: u})
		require.NoError(t, err)
		ids[i] = sub.JobID
		if i == 0 {
			require.Equal(t, audit.JobStatusRunning, sub.Status)
			require.Nil(t, sub.QueuePosition)
			continue
		}
		require.Equal(t, audit.JobStatusQueued, sub.Status)
		require.NotNil(t, sub.QueuePosition)
		require.Equal(t, i, *sub.QueuePosition)
	}

	_, err := h.d.Submit(context.Background(), audit.Request{URL: "https://e.example.com/"})
	var capErr *audit.QueueCapacityError
	require.True(t, errors.As(err, &capErr))
	require.Equal(t, 3, capErr.Capacity)
	require.Equal(t, 4, h.reg.Len())

	require.Equal(t, urls[0], h.exec.waitStarted(t))
	for i := 1; i < len(urls); i++ {
		h.exec.release(urls[i-1])
		require.Equal(t, urls[i], h.exec.waitStarted(t))

		if i+1 < len(urls) {
			next, err := h.d.Get(ids[i+1])
			require.NoError(t, err)
			require.Equal(t, audit.JobStatusQueued, next.Status)
			require.Equal(t, 1, *next.QueuePosition)
		}
	}
	h.exec.release(urls[len(urls)-1])
	for _, id := range ids {
		require.Equal(t, audit.JobStatusCompleted, await(t, h.d, id).Status)
	}
	require.Eventually(t, func() bool { return h.d.Stats().Running == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 1, MaxQueue: 2})
	first, err := h.d.Submit(context.Background(), audit.Request{URL: "https://a.example.com/"})
	require.NoError(t, err)
	queued, err := h.d.Submit(context.Background(), audit.Request{URL: "https://b.example.com/"})
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusQueued, queued.Status)

	res, err := h.d.Cancel(queued.JobID)
	require.NoError(t, err)
	require.Equal(t, registry.CancelAccepted, res)
	require.Equal(t, audit.JobStatusCancelled, await(t, h.d, queued.JobID).Status)

	h.exec.waitStarted(t)
	h.exec.release("https://a.example.com/")
	require.Equal(t, audit.JobStatusCompleted, await(t, h.d, first.JobID).Status)
	require.EqualValues(t, 1, h.exec.calls.Load())

	res, err = h.d.Cancel(queued.JobID)
	require.NoError(t, err)
	require.Equal(t, registry.CancelAlreadyTerminal, res)
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 1, MaxQueue: 1})
	sub, err := h.d.Submit(context.Background(), audit.Request{URL: "https://a.example.com/"})
	require.NoError(t, err)
	h.exec.waitStarted(t)

	res, err := h.d.Cancel(sub.JobID)
	require.NoError(t, err)
	require.Equal(t, registry.CancelAccepted, res)

	view := await(t, h.d, sub.JobID)
	require.Equal(t, audit.JobStatusCancelled, view.Status)
	require.Equal(t, "cancelled", view.Error)
	require.Nil(t, view.Result)
	require.Eventually(t, func() bool { return h.d.Stats().Running == 0 }, 2*time.Second, 5*time.Millisecond)

	next, err := h.d.Submit(context.Background(), audit.Request{URL: "https://b.example.com/"})
	require.NoError(t, err)
	require.Equal(t, audit.JobStatusRunning, next.Status)
	h.exec.release("https://b.example.com/")
	await(t, h.d, next.JobID)
}

func TestQueueTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 1, MaxQueue: 1, QueueTimeout: 20 * time.Millisecond})
	_, err := h.d.Submit(context.Background(), audit.Request{URL: "https://a.example.com/"})
	require.NoError(t, err)
	queued, err := h.d.Submit(context.Background(), audit.Request{URL: "https://b.example.com/"})
	require.NoError(t, err)

	view := await(t, h.d, queued.JobID)
	require.Equal(t, audit.JobStatusFailed, view.Status)
	require.Contains(t, view.Error, "waiting in queue")
	require.Zero(t, h.d.Stats().Queued)
	h.exec.release("https://a.example.com/")
}

func TestValidationRejectsBeforeCreatingJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	_, err := h.d.Submit(context.Background(), audit.Request{URL: "ftp://example.com"})
	var verr *audit.ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = h.d.Submit(context.Background(), audit.Request{
		URL:     "https://example.com",
		Options: audit.Options{Timeout: -time.Second},
	})
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "timeout", verr.Field)
	require.Zero(t, h.reg.Len())
}

func TestClientLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 4, MaxQueue: 4, MaxActivePerClient: 2})
	for i := 0; i < 2; i++ {
		_, err := h.d.Submit(context.Background(), audit.Request{
			URL:      fmt.Sprintf("https://site%d.example.com/", i),
			ClientID: "10.0.0.1",
		})
		require.NoError(t, err)
	}
	_, err := h.d.Submit(context.Background(), audit.Request{URL: "https://other.example.com/", ClientID: "10.0.0.1"})
	var limitErr *audit.ClientLimitError
	require.True(t, errors.As(err, &limitErr))

	_, err = h.d.Submit(context.Background(), audit.Request{URL: "https://other.example.com/", ClientID: "10.0.0.2"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		h.exec.release(fmt.Sprintf("https://site%d.example.com/", i))
	}
	h.exec.release("https://other.example.com/")
}

func TestBypassCacheSkipsLookupAndStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 2, MaxQueue: 2})
	url := "https://example.com/"
	key := h.cache.Key(url, audit.Stages())
	h.cache.Store(context.Background(), key, audit.Result{Status: audit.ResultSuccess, URL: "stale"}, time.Hour)

	sub, err := h.d.Submit(context.Background(), audit.Request{URL: url, Options: audit.Options{BypassCache: true}})
	require.NoError(t, err)
	require.False(t, sub.Cached)
	h.exec.release(url)
	view := await(t, h.d, sub.JobID)
	require.Equal(t, audit.JobStatusCompleted, view.Status)

	cached, hit := h.cache.Lookup(context.Background(), key)
	require.True(t, hit)
	require.Equal(t, "stale", cached.URL)
}

func TestFailedResultsAreNotCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 2, MaxQueue: 2})
	h.exec.status = audit.ResultFailed
	url := "https://example.com/"

	sub, err := h.d.Submit(context.Background(), audit.Request{URL: url})
	require.NoError(t, err)
	h.exec.release(url)
	view := await(t, h.d, sub.JobID)
	require.Equal(t, audit.JobStatusFailed, view.Status)
	require.NotEmpty(t, view.Error)
	require.Nil(t, view.Result)

	_, hit := h.cache.Lookup(context.Background(), h.cache.Key(url, audit.Stages()))
	require.False(t, hit)
}

func TestProgressStreamEndsAtTerminalStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConcurrent: 1, MaxQueue: 1})
	url := "https://example.com/"
	sub, err := h.d.Submit(context.Background(), audit.Request{URL: url})
	require.NoError(t, err)

	stream := h.pub.Subscribe(context.Background(), sub.JobID)
	h.exec.release(url)

	var statuses []string
	for evt := range stream.Events() {
		statuses = append(statuses, evt.Status)
	}
	require.Equal(t, []string{string(audit.JobStatusRunning), string(audit.JobStatusCompleted)}, statuses)
}

func TestEvictForgetsFinishedJobs(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(1000, 0)}
	exec := newGatedExecutor()
	reg := registry.New(registry.WithClock(clock))
	pub := progress.NewPublisher()
	d := New(Config{Retention: time.Minute}, reg, exec, WithPublisher(pub), WithClock(clock))
	defer func() { _ = d.Close(context.Background()) }()

	sub, err := d.Submit(context.Background(), audit.Request{URL: "https://example.com/"})
	require.NoError(t, err)
	exec.release("https://example.com/")
	await(t, d, sub.JobID)
	require.NotEmpty(t, pub.Backlog(sub.JobID))

	clock.advance(2 * time.Minute)
	require.Equal(t, 1, d.Evict())
	require.Empty(t, pub.Backlog(sub.JobID))
	_, err = d.Get(sub.JobID)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSubmitAfterClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	require.NoError(t, h.d.Close(context.Background()))
	_, err := h.d.Submit(context.Background(), audit.Request{URL: "https://example.com/"})
	require.ErrorIs(t, err, ErrClosed)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 10, cfg.MaxConcurrent)
	require.Equal(t, 50, cfg.MaxQueue)
	require.Equal(t, 5, cfg.MaxActivePerClient)
	require.Equal(t, 24*time.Hour, cfg.Retention)
}
