package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/progress"
)

// PrometheusSink derives job lifecycle metrics from the progress stream.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsActive    prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	stagesSettled *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_progress_jobs_started_total",
			Help: "Jobs that started executing the pipeline.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_progress_jobs_finished_total",
			Help: "Jobs that reached a terminal state, partitioned by status.",
		}, []string{"status"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_progress_jobs_active",
			Help: "Jobs that have started and not yet finished.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_progress_job_runtime_seconds",
			Help:    "Wall time from start to terminal state.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		stagesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_progress_stages_total",
			Help: "Settled stages partitioned by stage and outcome.",
		}, []string{"stage", "outcome"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsActive,
		s.jobRuntime,
		s.stagesSettled,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindStage:
			s.stagesSettled.WithLabelValues(string(evt.Stage), evt.Status).Inc()
		case progress.KindStatus:
			s.handleStatus(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleStatus(evt progress.Event) {
	status := audit.JobStatus(evt.Status)
	if status == audit.JobStatusRunning {
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsStarted.Inc()
			s.jobsActive.Inc()
		}
		return
	}
	if !status.Terminal() {
		return
	}
	s.jobsFinished.WithLabelValues(evt.Status).Inc()
	if started, ok := s.tracker.complete(evt.JobID); ok {
		s.jobsActive.Dec()
		if runtime := evt.TS.Sub(started); runtime > 0 {
			s.jobRuntime.WithLabelValues(evt.Status).Observe(runtime.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, id)
	return started, true
}
