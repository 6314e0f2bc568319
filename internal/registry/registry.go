// Package registry tracks audit jobs and their state transitions.
//
// Each job is guarded by its own mutex so transitions for one job are
// serialized while unrelated jobs proceed independently. The registry map
// lock is only held long enough to find or insert an entry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/clock/system"
	"github.com/JakeFAU/webaudit/internal/id/uuid"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyTerminal is returned when a terminal job is asked to change.
	ErrAlreadyTerminal = errors.New("job already in terminal state")
)

// InvalidTransitionError reports a transition the state table does not allow.
type InvalidTransitionError struct {
	From audit.JobStatus
	To   audit.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

var transitions = map[audit.JobStatus][]audit.JobStatus{
	audit.JobStatusPending: {
		audit.JobStatusQueued,
		audit.JobStatusRunning,
		audit.JobStatusCompleted,
		audit.JobStatusFailed,
		audit.JobStatusCancelled,
	},
	audit.JobStatusQueued: {
		audit.JobStatusRunning,
		audit.JobStatusFailed,
		audit.JobStatusCancelled,
	},
	audit.JobStatusRunning: {
		audit.JobStatusCompleted,
		audit.JobStatusFailed,
		audit.JobStatusCancelled,
	},
}

func allowed(from, to audit.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CancelResult describes what Cancel did.
type CancelResult string

// Cancel results.
const (
	CancelAccepted        CancelResult = "accepted"
	CancelAlreadyTerminal CancelResult = "already_terminal"
)

// JobSpec describes a job at creation.
type JobSpec struct {
	URL      string
	Options  audit.Options
	CacheKey string
	ClientID string
	Cached   bool
}

type entry struct {
	mu     sync.Mutex
	job    audit.JobView
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry stores job state in memory.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*entry
	ids    audit.IDGenerator
	clock  audit.Clock
	logger *zap.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(clock audit.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithIDGenerator overrides job ID generation.
func WithIDGenerator(ids audit.IDGenerator) Option {
	return func(r *Registry) {
		if ids != nil {
			r.ids = ids
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:   make(map[string]*entry),
		ids:    uuid.New(),
		clock:  system.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new pending job.
func (r *Registry) Create(spec JobSpec) (audit.JobView, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return audit.JobView{}, fmt.Errorf("generate job id: %w", err)
	}
	e := &entry{
		job: audit.JobView{
			ID:        id,
			URL:       spec.URL,
			Options:   spec.Options,
			Status:    audit.JobStatusPending,
			Outcomes:  []audit.StageOutcome{},
			CreatedAt: r.clock.Now(),
			CacheKey:  spec.CacheKey,
			ClientID:  spec.ClientID,
			Cached:    spec.Cached,
		},
		done: make(chan struct{}),
	}
	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return audit.JobView{}, fmt.Errorf("duplicate job id %s", id)
	}
	r.jobs[id] = e
	r.mu.Unlock()

	r.logger.Debug("job created", zap.String("job_id", id), zap.String("url", spec.URL))
	return snapshot(&e.job), nil
}

// TransitionOption adjusts the job alongside a status change.
type TransitionOption func(*audit.JobView)

// WithResult attaches the final result.
func WithResult(result *audit.Result) TransitionOption {
	return func(j *audit.JobView) {
		j.Result = result
	}
}

// WithError records a human-readable failure.
func WithError(msg string) TransitionOption {
	return func(j *audit.JobView) {
		j.Error = msg
	}
}

// WithQueuePosition sets the 1-based queue position. Only meaningful with
// the queued status.
func WithQueuePosition(pos int) TransitionOption {
	return func(j *audit.JobView) {
		j.QueuePosition = &pos
	}
}

// Transition moves a job to status. Terminal jobs reject every transition
// with ErrAlreadyTerminal.
func (r *Registry) Transition(id string, status audit.JobStatus, opts ...TransitionOption) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.transitionLocked(e, status, opts...)
}

func (r *Registry) transitionLocked(e *entry, status audit.JobStatus, opts ...TransitionOption) error {
	from := e.job.Status
	if from.Terminal() {
		return ErrAlreadyTerminal
	}
	if !allowed(from, status) {
		return &InvalidTransitionError{From: from, To: status}
	}
	now := r.clock.Now()
	e.job.Status = status
	for _, opt := range opts {
		opt(&e.job)
	}
	switch {
	case status == audit.JobStatusRunning:
		e.job.StartedAt = &now
		e.job.QueuePosition = nil
	case status.Terminal():
		e.job.FinishedAt = &now
		e.job.QueuePosition = nil
		e.cancel = nil
		close(e.done)
	}
	r.logger.Debug("job transition",
		zap.String("job_id", e.job.ID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)
	return nil
}

// AppendOutcome records a settled stage. Outcomes keep completion order.
func (r *Registry) AppendOutcome(id string, outcome audit.StageOutcome) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	e.job.Outcomes = append(e.job.Outcomes, outcome)
	return nil
}

// SetQueuePosition updates the position of a queued job.
func (r *Registry) SetQueuePosition(id string, pos int) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status != audit.JobStatusQueued {
		return &InvalidTransitionError{From: e.job.Status, To: audit.JobStatusQueued}
	}
	e.job.QueuePosition = &pos
	return nil
}

// BindCancel associates the cancel func of a running job's context. If a
// cancellation was already requested the func is invoked immediately.
func (r *Registry) BindCancel(id string, cancel context.CancelFunc) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	e.cancel = cancel
	if e.job.CancelRequested && cancel != nil {
		cancel()
	}
	return nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (audit.JobView, error) {
	e, err := r.entry(id)
	if err != nil {
		return audit.JobView{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.job), nil
}

// Cancel stops a job. Pending and queued jobs become cancelled at once;
// running jobs receive a cooperative cancellation through their bound
// context and settle later.
func (r *Registry) Cancel(id string) (CancelResult, error) {
	e, err := r.entry(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.job.Status {
	case audit.JobStatusPending, audit.JobStatusQueued:
		if err := r.transitionLocked(e, audit.JobStatusCancelled, WithError("cancelled")); err != nil {
			return "", err
		}
		return CancelAccepted, nil
	case audit.JobStatusRunning:
		e.job.CancelRequested = true
		if e.cancel != nil {
			e.cancel()
		}
		return CancelAccepted, nil
	default:
		return CancelAlreadyTerminal, nil
	}
}

// Wait blocks until the job is terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (audit.JobView, error) {
	e, err := r.entry(id)
	if err != nil {
		return audit.JobView{}, err
	}
	select {
	case <-e.done:
		return r.Get(id)
	case <-ctx.Done():
		return audit.JobView{}, fmt.Errorf("wait for job %s: %w", id, ctx.Err())
	}
}

// Done returns a channel closed when the job reaches a terminal state.
func (r *Registry) Done(id string) (<-chan struct{}, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

// ListActive returns non-terminal jobs ordered by creation time.
func (r *Registry) ListActive() []audit.JobView {
	entries := r.all()
	out := make([]audit.JobView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.job.Status.Terminal() {
			out = append(out, snapshot(&e.job))
		}
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of jobs per status.
func (r *Registry) Counts() map[audit.JobStatus]int {
	counts := make(map[audit.JobStatus]int)
	for _, e := range r.all() {
		e.mu.Lock()
		counts[e.job.Status]++
		e.mu.Unlock()
	}
	return counts
}

// Evict drops terminal jobs that finished before cutoff and returns their IDs.
func (r *Registry) Evict(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, e := range r.jobs {
		e.mu.Lock()
		stale := e.job.Status.Terminal() && e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(r.jobs, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		r.logger.Debug("evicted finished jobs", zap.Int("count", len(evicted)))
	}
	return evicted
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (r *Registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e)
	}
	return out
}

func snapshot(j *audit.JobView) audit.JobView {
	out := *j
	out.Outcomes = make([]audit.StageOutcome, len(j.Outcomes))
	copy(out.Outcomes, j.Outcomes)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.QueuePosition != nil {
		p := *j.QueuePosition
		out.QueuePosition = &p
	}
	return out
}
