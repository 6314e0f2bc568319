// Package dispatcher admits audit requests: it serves cache hits, coalesces
// identical in-flight requests, bounds concurrent pipeline executions, and
// queues the overflow in FIFO order.
package dispatcher

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/clock/system"
	"github.com/JakeFAU/webaudit/internal/logging"
	"github.com/JakeFAU/webaudit/internal/metrics"
	"github.com/JakeFAU/webaudit/internal/pipeline"
	"github.com/JakeFAU/webaudit/internal/progress"
	"github.com/JakeFAU/webaudit/internal/registry"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher is shutting down")

// Executor runs the pipeline for one job.
type Executor interface {
	Execute(ctx context.Context, job pipeline.Job) audit.Result
}

// Cache is the subset of the cache gateway used for admission.
type Cache interface {
	Key(normalizedURL string, stages []audit.Stage) string
	Lookup(ctx context.Context, key string) (audit.Result, bool)
	Store(ctx context.Context, key string, result audit.Result, ttl time.Duration)
}

// Publisher receives job lifecycle events.
type Publisher interface {
	Publish(evt progress.Event)
	Forget(jobID string)
}

// Config bounds admission.
type Config struct {
	MaxConcurrent      int
	MaxQueue           int
	QueueTimeout       time.Duration
	JobTimeout         time.Duration
	MaxActivePerClient int
	CacheTTL           time.Duration
	Retention          time.Duration
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      10,
		MaxQueue:           50,
		QueueTimeout:       300 * time.Second,
		JobTimeout:         600 * time.Second,
		MaxActivePerClient: 5,
		Retention:          24 * time.Hour,
	}
}

// Submission is the immediate answer to Submit.
type Submission struct {
	JobID         string          `json:"job_id"`
	Status        audit.JobStatus `json:"status"`
	Cached        bool            `json:"cached"`
	Coalesced     bool            `json:"coalesced"`
	QueuePosition *int            `json:"queue_position,omitempty"`
}

// Stats is a snapshot of admission state.
type Stats struct {
	MaxConcurrent int                     `json:"max_concurrent"`
	Running       int                     `json:"running"`
	Available     int                     `json:"available"`
	Queued        int                     `json:"queued"`
	MaxQueue      int                     `json:"max_queue"`
	InFlightKeys  int                     `json:"in_flight_keys"`
	Jobs          map[audit.JobStatus]int `json:"jobs"`
}

type work struct {
	jobID    string
	url      string
	key      string
	clientID string
	bypass   bool
	timeout  time.Duration
	queuedAt time.Time
	timer    *time.Timer
}

// group tracks the single in-flight job for a cache key.
type group struct {
	jobID   string
	waiters int
}

// Dispatcher implements admission control over a Registry.
type Dispatcher struct {
	cfg       Config
	registry  *registry.Registry
	executor  Executor
	cache     Cache
	publisher Publisher
	clock     audit.Clock
	logger    *zap.Logger

	slots *semaphore.Weighted

	mu       sync.Mutex
	groups   map[string]*group
	queue    *list.List
	queued   map[string]*list.Element
	running  int
	clients  map[string]int
	closed   bool
	baseCtx  context.Context
	stopJobs context.CancelFunc
	wg       sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithCache enables result caching.
func WithCache(c Cache) Option {
	return func(d *Dispatcher) {
		d.cache = c
	}
}

// WithPublisher routes lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) {
		d.publisher = p
	}
}

// WithClock overrides the time source.
func WithClock(clock audit.Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a Dispatcher.
func New(cfg Config, reg *registry.Registry, executor Executor, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxQueue < 0 {
		cfg.MaxQueue = 0
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = def.QueueTimeout
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		registry: reg,
		executor: executor,
		clock:    system.New(),
		logger:   zap.NewNop(),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		groups:   make(map[string]*group),
		queue:    list.New(),
		queued:   make(map[string]*list.Element),
		clients:  make(map[string]int),
		baseCtx:  ctx,
		stopJobs: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit admits req. Validation, client-limit and queue-capacity failures
// are returned before any job is created.
func (d *Dispatcher) Submit(ctx context.Context, req audit.Request) (Submission, error) {
	normalized, err := audit.NormalizeURL(req.URL)
	if err != nil {
		metrics.ObserveSubmission("invalid")
		return Submission{}, err
	}
	if req.Options.Timeout < 0 {
		metrics.ObserveSubmission("invalid")
		return Submission{}, &audit.ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	key := normalized
	if d.cache != nil {
		key = d.cache.Key(normalized, audit.Stages())
		if !req.Options.BypassCache {
			if res, hit := d.cache.Lookup(ctx, key); hit {
				return d.fromCache(normalized, key, req, res)
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return Submission{}, ErrClosed
	}

	if g, ok := d.groups[key]; ok {
		g.waiters++
		sub := Submission{JobID: g.jobID, Coalesced: true}
		if view, err := d.registry.Get(g.jobID); err == nil {
			sub.Status = view.Status
			sub.QueuePosition = view.QueuePosition
		}
		metrics.ObserveSubmission("coalesced")
		d.logger.Debug("request coalesced", zap.String("job_id", g.jobID), zap.Int("waiters", g.waiters))
		return sub, nil
	}

	if limit := d.cfg.MaxActivePerClient; limit > 0 && req.ClientID != "" && d.clients[req.ClientID] >= limit {
		metrics.ObserveSubmission("rejected")
		return Submission{}, &audit.ClientLimitError{ClientID: req.ClientID, Limit: limit}
	}

	admitted := d.slots.TryAcquire(1)
	if !admitted && d.queue.Len() >= d.cfg.MaxQueue {
		metrics.ObserveSubmission("rejected")
		return Submission{}, &audit.QueueCapacityError{Capacity: d.cfg.MaxQueue}
	}

	view, err := d.registry.Create(registry.JobSpec{
		URL:      normalized,
		Options:  req.Options,
		CacheKey: key,
		ClientID: req.ClientID,
	})
	if err != nil {
		if admitted {
			d.slots.Release(1)
		}
		return Submission{}, fmt.Errorf("create job: %w", err)
	}
	w := &work{
		jobID:    view.ID,
		url:      normalized,
		key:      key,
		clientID: req.ClientID,
		bypass:   req.Options.BypassCache,
		timeout:  d.cfg.JobTimeout,
	}
	if req.Options.Timeout > 0 {
		w.timeout = req.Options.Timeout
	}
	d.groups[key] = &group{jobID: view.ID, waiters: 1}
	if req.ClientID != "" {
		d.clients[req.ClientID]++
	}

	if admitted {
		if err := d.startLocked(w); err != nil {
			return Submission{}, err
		}
		metrics.ObserveSubmission("running")
		return Submission{JobID: view.ID, Status: audit.JobStatusRunning}, nil
	}

	pos := d.queue.Len() + 1
	if err := d.registry.Transition(view.ID, audit.JobStatusQueued, registry.WithQueuePosition(pos)); err != nil {
		d.releaseLocked(w)
		return Submission{}, fmt.Errorf("queue job: %w", err)
	}
	w.queuedAt = d.clock.Now()
	d.queued[view.ID] = d.queue.PushBack(w)
	w.timer = time.AfterFunc(d.cfg.QueueTimeout, func() { d.expire(w.jobID) })
	metrics.SetQueueDepth(d.queue.Len())
	metrics.ObserveSubmission("queued")
	d.publish(progress.StatusEvent(view.ID, audit.JobStatusQueued, "", d.clock.Now()))
	d.logger.Info("audit queued", zap.String("job_id", view.ID), zap.Int("position", pos))
	return Submission{JobID: view.ID, Status: audit.JobStatusQueued, QueuePosition: &pos}, nil
}

func (d *Dispatcher) fromCache(normalized, key string, req audit.Request, res audit.Result) (Submission, error) {
	view, err := d.registry.Create(registry.JobSpec{
		URL:      normalized,
		Options:  req.Options,
		CacheKey: key,
		ClientID: req.ClientID,
		Cached:   true,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}
	if err := d.registry.Transition(view.ID, audit.JobStatusCompleted, registry.WithResult(&res)); err != nil {
		return Submission{}, fmt.Errorf("complete cached job: %w", err)
	}
	metrics.ObserveSubmission("cached")
	d.publish(progress.StatusEvent(view.ID, audit.JobStatusCompleted, "", d.clock.Now()))
	d.logger.Debug("audit served from cache", zap.String("job_id", view.ID))
	return Submission{JobID: view.ID, Status: audit.JobStatusCompleted, Cached: true}, nil
}

// startLocked moves w to running and launches the pipeline. The caller holds
// a concurrency slot on w's behalf.
func (d *Dispatcher) startLocked(w *work) error {
	if err := d.registry.Transition(w.jobID, audit.JobStatusRunning); err != nil {
		d.releaseLocked(w)
		d.slots.Release(1)
		return fmt.Errorf("start job: %w", err)
	}
	ctx, cancel := context.WithTimeout(d.baseCtx, w.timeout)
	if err := d.registry.BindCancel(w.jobID, cancel); err != nil {
		d.logger.Warn("bind cancel failed", zap.String("job_id", w.jobID), zap.Error(err))
	}
	d.running++
	metrics.SetRunningJobs(d.running)
	d.publish(progress.StatusEvent(w.jobID, audit.JobStatusRunning, "", d.clock.Now()))

	d.wg.Add(1)
	go d.run(ctx, cancel, w)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, w *work) {
	defer d.wg.Done()
	defer cancel()

	logger := logging.ForJob(d.logger, w.jobID, w.url)
	logger.Info("audit started")
	result := d.executor.Execute(ctx, pipeline.Job{ID: w.jobID, URL: w.url})

	status := audit.JobStatusCompleted
	errText := ""
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status = audit.JobStatusCancelled
		errText = pipeline.ErrCancelled.Error()
	case result.Status == audit.ResultFailed:
		status = audit.JobStatusFailed
		errText = "audit failed"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			errText = fmt.Sprintf("audit timed out after %s", w.timeout)
		} else if result.Error != nil {
			errText = *result.Error
		}
	}

	if status == audit.JobStatusCompleted && !w.bypass && d.cache != nil {
		storeCtx, storeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		d.cache.Store(storeCtx, w.key, result, d.cfg.CacheTTL)
		storeCancel()
	}

	var opts []registry.TransitionOption
	if status == audit.JobStatusCompleted {
		opts = append(opts, registry.WithResult(&result))
	}
	if errText != "" {
		opts = append(opts, registry.WithError(errText))
	}
	if err := d.registry.Transition(w.jobID, status, opts...); err != nil {
		logger.Warn("final transition rejected", zap.Error(err))
	}
	metrics.ObserveJob(string(status))
	d.publish(progress.StatusEvent(w.jobID, status, errText, d.clock.Now()))
	logger.Info("audit finished",
		zap.String("status", string(status)),
		zap.String("result_status", string(result.Status)),
	)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.running--
	metrics.SetRunningJobs(d.running)
	d.releaseLocked(w)
	d.admitNextLocked()
}

// admitNextLocked hands the slot freed by a finished job to the oldest queued
// job, or returns it to the semaphore when the queue is empty.
func (d *Dispatcher) admitNextLocked() {
	for {
		front := d.queue.Front()
		if front == nil || d.closed {
			d.slots.Release(1)
			return
		}
		w := d.queue.Remove(front).(*work)
		delete(d.queued, w.jobID)
		w.timer.Stop()
		d.renumberLocked()
		if err := d.startLocked(w); err != nil {
			d.logger.Warn("queued job could not start", zap.String("job_id", w.jobID), zap.Error(err))
			if !d.slots.TryAcquire(1) {
				return
			}
			continue
		}
		return
	}
}

// expire fails a job that waited past the queue timeout.
func (d *Dispatcher) expire(jobID string) {
	d.mu.Lock()
	elem, ok := d.queued[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	w := d.queue.Remove(elem).(*work)
	delete(d.queued, jobID)
	d.releaseLocked(w)
	d.renumberLocked()
	d.mu.Unlock()

	qerr := &audit.QueueTimeoutError{Waited: d.clock.Now().Sub(w.queuedAt)}
	if err := d.registry.Transition(jobID, audit.JobStatusFailed, registry.WithError(qerr.Error())); err != nil {
		d.logger.Debug("queue timeout ignored", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(audit.JobStatusFailed))
	d.publish(progress.StatusEvent(jobID, audit.JobStatusFailed, qerr.Error(), d.clock.Now()))
	d.logger.Info("queued audit timed out", zap.String("job_id", jobID))
}

// releaseLocked drops the group and client accounting for w.
func (d *Dispatcher) releaseLocked(w *work) {
	if g, ok := d.groups[w.key]; ok && g.jobID == w.jobID {
		delete(d.groups, w.key)
	}
	if w.clientID != "" {
		d.clients[w.clientID]--
		if d.clients[w.clientID] <= 0 {
			delete(d.clients, w.clientID)
		}
	}
}

func (d *Dispatcher) renumberLocked() {
	pos := 1
	for e := d.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*work)
		if err := d.registry.SetQueuePosition(w.jobID, pos); err != nil {
			d.logger.Debug("queue position not updated", zap.String("job_id", w.jobID), zap.Error(err))
		}
		pos++
	}
	metrics.SetQueueDepth(d.queue.Len())
}

// Cancel cancels a job. Queued jobs leave the queue without running; running
// jobs are signalled and settle as cancelled once the pipeline returns.
func (d *Dispatcher) Cancel(jobID string) (registry.CancelResult, error) {
	d.mu.Lock()
	elem, wasQueued := d.queued[jobID]
	if wasQueued {
		w := d.queue.Remove(elem).(*work)
		delete(d.queued, jobID)
		w.timer.Stop()
		d.releaseLocked(w)
		d.renumberLocked()
	}
	d.mu.Unlock()

	res, err := d.registry.Cancel(jobID)
	if err != nil {
		return "", err
	}
	if wasQueued && res == registry.CancelAccepted {
		metrics.ObserveJob(string(audit.JobStatusCancelled))
		d.publish(progress.StatusEvent(jobID, audit.JobStatusCancelled, pipeline.ErrCancelled.Error(), d.clock.Now()))
	}
	d.logger.Info("cancel requested", zap.String("job_id", jobID), zap.String("result", string(res)))
	return res, nil
}

// Get returns the current job view.
func (d *Dispatcher) Get(jobID string) (audit.JobView, error) {
	view, err := d.registry.Get(jobID)
	if err != nil {
		return audit.JobView{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return view, nil
}

// Await blocks until the job is terminal.
func (d *Dispatcher) Await(ctx context.Context, jobID string) (audit.JobView, error) {
	view, err := d.registry.Wait(ctx, jobID)
	if err != nil {
		return audit.JobView{}, err
	}
	return view, nil
}

// ListActive returns every non-terminal job.
func (d *Dispatcher) ListActive() []audit.JobView {
	return d.registry.ListActive()
}

// Stats returns an admission snapshot.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	s := Stats{
		MaxConcurrent: d.cfg.MaxConcurrent,
		Running:       d.running,
		Available:     d.cfg.MaxConcurrent - d.running,
		Queued:        d.queue.Len(),
		MaxQueue:      d.cfg.MaxQueue,
		InFlightKeys:  len(d.groups),
	}
	d.mu.Unlock()
	s.Jobs = d.registry.Counts()
	return s
}

// Janitor evicts finished jobs older than the retention window until ctx is
// done.
func (d *Dispatcher) Janitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Evict()
		}
	}
}

// Evict removes finished jobs older than the retention window.
func (d *Dispatcher) Evict() int {
	ids := d.registry.Evict(d.clock.Now().Add(-d.cfg.Retention))
	for _, id := range ids {
		if d.publisher != nil {
			d.publisher.Forget(id)
		}
	}
	if len(ids) > 0 {
		d.logger.Info("evicted finished audits", zap.Int("count", len(ids)))
	}
	return len(ids)
}

// Close stops admission, cancels queued and running jobs, and waits for the
// running pipelines to return.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var pending []string
	for e := d.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*work)
		w.timer.Stop()
		d.releaseLocked(w)
		pending = append(pending, w.jobID)
	}
	d.queue.Init()
	d.queued = make(map[string]*list.Element)
	metrics.SetQueueDepth(0)
	d.mu.Unlock()

	for _, id := range pending {
		if _, err := d.registry.Cancel(id); err == nil {
			d.publish(progress.StatusEvent(id, audit.JobStatusCancelled, pipeline.ErrCancelled.Error(), d.clock.Now()))
		}
	}
	d.stopJobs()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running audits: %w", ctx.Err())
	}
}

func (d *Dispatcher) publish(evt progress.Event) {
	if d.publisher != nil {
		d.publisher.Publish(evt)
	}
}
