package progress

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	defaultSubscriberBuffer = 16
	// forgottenLimit bounds how many forgotten job IDs are remembered.
	forgottenLimit = 4096
)

// PublisherStats reports delivery counters.
type PublisherStats struct {
	Jobs        int   `json:"jobs"`
	Subscribers int   `json:"subscribers"`
	Sent        int64 `json:"sent"`
	Dropped     int64 `json:"dropped"`
}

// Publisher fans job events out to subscribers. Publish never blocks on a
// slow subscriber: when a subscriber's buffer is full its oldest undelivered
// event is discarded.
type Publisher struct {
	mu         sync.Mutex
	jobs       map[string]*topic
	forgotten  map[string]struct{}
	forgotOrd  []string
	nextID     uint64
	bufferSize int
	emitter    Emitter
	logger     *zap.Logger

	sent    atomic.Int64
	dropped atomic.Int64
}

type topic struct {
	backlog  []Event
	subs     map[uint64]*Subscription
	finished bool
}

// Subscription is one observer's view of a job stream. The Events channel is
// closed after the terminal event or when the subscription is closed.
type Subscription struct {
	id     uint64
	jobID  string
	ch     chan Event
	pub    *Publisher
	closed bool
	stop   chan struct{}
	once   sync.Once
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*Publisher)

// WithEmitter forwards every published event to emitter as well.
func WithEmitter(emitter Emitter) PublisherOption {
	return func(p *Publisher) { p.emitter = emitter }
}

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher builds an empty Publisher.
func NewPublisher(opts ...PublisherOption) *Publisher {
	p := &Publisher{
		jobs:       make(map[string]*topic),
		forgotten:  make(map[string]struct{}),
		bufferSize: defaultSubscriberBuffer,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish records evt in the job backlog and delivers it to current
// subscribers. A terminal event closes every subscriber stream; events
// published after it are ignored.
func (p *Publisher) Publish(evt Event) {
	if err := evt.Validate(); err != nil {
		p.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	p.mu.Lock()
	if _, gone := p.forgotten[evt.JobID]; gone {
		p.mu.Unlock()
		return
	}
	t := p.topicLocked(evt.JobID)
	if t.finished {
		p.mu.Unlock()
		return
	}
	t.backlog = append(t.backlog, evt)
	for _, sub := range t.subs {
		p.deliverLocked(sub, evt)
	}
	if evt.Terminal() {
		t.finished = true
		for id, sub := range t.subs {
			sub.closeLocked()
			delete(t.subs, id)
		}
	}
	p.mu.Unlock()

	if p.emitter != nil {
		p.emitter.Emit(evt)
	}
}

// Subscribe attaches an observer to jobID. The backlog is replayed before any
// live event. The subscription ends when ctx is done, Close is called, or the
// job reaches a terminal state. A job that was already forgotten yields a
// subscription that is closed immediately.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) *Subscription {
	p.mu.Lock()
	p.nextID++
	if _, gone := p.forgotten[jobID]; gone {
		sub := &Subscription{id: p.nextID, jobID: jobID, ch: make(chan Event), pub: p, stop: make(chan struct{})}
		sub.closeLocked()
		p.mu.Unlock()
		return sub
	}
	t := p.topicLocked(jobID)
	sub := &Subscription{
		id:    p.nextID,
		jobID: jobID,
		ch:    make(chan Event, p.bufferSize+len(t.backlog)),
		pub:   p,
		stop:  make(chan struct{}),
	}
	for _, evt := range t.backlog {
		sub.ch <- evt
		p.sent.Add(1)
	}
	if t.finished {
		sub.closeLocked()
		p.mu.Unlock()
		return sub
	}
	t.subs[sub.id] = sub
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.stop:
		}
	}()
	return sub
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	p := s.pub
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.jobs[s.jobID]; ok {
		delete(t.subs, s.id)
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	s.once.Do(func() { close(s.stop) })
}

func (p *Publisher) deliverLocked(sub *Subscription, evt Event) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- evt:
		p.sent.Add(1)
		return
	default:
	}
	select {
	case <-sub.ch:
		p.dropped.Add(1)
	default:
	}
	select {
	case sub.ch <- evt:
		p.sent.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) topicLocked(jobID string) *topic {
	t, ok := p.jobs[jobID]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		p.jobs[jobID] = t
	}
	return t
}

// Backlog returns a copy of the events recorded for jobID.
func (p *Publisher) Backlog(jobID string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.jobs[jobID]
	if !ok {
		return nil
	}
	return append([]Event(nil), t.backlog...)
}

// Forget drops the backlog for jobID and closes any remaining subscribers.
// Later subscriptions and events for jobID are ignored; the most recent
// forgottenLimit IDs are remembered.
func (p *Publisher) Forget(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.jobs[jobID]; ok {
		for _, sub := range t.subs {
			sub.closeLocked()
		}
		delete(p.jobs, jobID)
	}
	if _, ok := p.forgotten[jobID]; ok {
		return
	}
	p.forgotten[jobID] = struct{}{}
	p.forgotOrd = append(p.forgotOrd, jobID)
	if len(p.forgotOrd) > forgottenLimit {
		delete(p.forgotten, p.forgotOrd[0])
		p.forgotOrd = p.forgotOrd[1:]
	}
}

// Stats returns delivery counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	subs := 0
	for _, t := range p.jobs {
		subs += len(t.subs)
	}
	jobs := len(p.jobs)
	p.mu.Unlock()
	return PublisherStats{
		Jobs:        jobs,
		Subscribers: subs,
		Sent:        p.sent.Load(),
		Dropped:     p.dropped.Load(),
	}
}
