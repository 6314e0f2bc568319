// Package pipeline drives the fixed audit stage graph for one job.
//
// lab-mobile, lab-desktop and field-data run concurrently; ai-summary runs
// once all three have settled and only sees the outputs that succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/clock/system"
	"github.com/JakeFAU/webaudit/internal/logging"
	"github.com/JakeFAU/webaudit/internal/progress"
	"github.com/JakeFAU/webaudit/internal/stage"
)

// ErrCancelled is the job error reported when a run is cancelled.
var ErrCancelled = errors.New("cancelled")

// StageConfig is the retry and timeout policy for one stage.
type StageConfig struct {
	Policy         audit.RetryPolicy
	AttemptTimeout time.Duration
	StageTimeout   time.Duration
}

// Config holds the policy for each stage family.
type Config struct {
	Lab   StageConfig
	Field StageConfig
	AI    StageConfig
}

// DefaultConfig mirrors the service defaults.
func DefaultConfig() Config {
	return Config{
		Lab: StageConfig{
			Policy:         audit.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second},
			AttemptTimeout: 120 * time.Second,
			StageTimeout:   300 * time.Second,
		},
		Field: StageConfig{
			Policy:         audit.DefaultRetryPolicy(),
			AttemptTimeout: 30 * time.Second,
			StageTimeout:   60 * time.Second,
		},
		AI: StageConfig{
			Policy:         audit.DefaultRetryPolicy(),
			AttemptTimeout: 60 * time.Second,
			StageTimeout:   120 * time.Second,
		},
	}
}

// Recorder stores settled outcomes against a job.
type Recorder interface {
	AppendOutcome(id string, outcome audit.StageOutcome) error
}

// Publisher receives progress events.
type Publisher interface {
	Publish(evt progress.Event)
}

// Job identifies the work to execute.
type Job struct {
	ID  string
	URL string
}

// Executor runs the pipeline.
type Executor struct {
	runner     *stage.Runner
	lab        audit.LabRunner
	field      audit.FieldFetcher
	summarizer audit.Summarizer
	cfg        Config
	recorder   Recorder
	publisher  Publisher
	clock      audit.Clock
	logger     *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRecorder sets where outcomes are appended.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithPublisher sets the progress publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) {
		e.publisher = p
	}
}

// WithClock overrides the time source for events.
func WithClock(clock audit.Clock) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an Executor.
func New(
	runner *stage.Runner,
	lab audit.LabRunner,
	field audit.FieldFetcher,
	summarizer audit.Summarizer,
	cfg Config,
	opts ...Option,
) *Executor {
	e := &Executor{
		runner:     runner,
		lab:        lab,
		field:      field,
		summarizer: summarizer,
		cfg:        cfg,
		clock:      system.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type run struct {
	job      Job
	mu       sync.Mutex
	outcomes map[audit.Stage]audit.StageOutcome
}

// Execute runs every stage for job and assembles the result. Stage failures
// are absorbed into the result; Execute itself never fails. When ctx is
// cancelled the result is failed with a "cancelled" error.
func (e *Executor) Execute(ctx context.Context, job Job) audit.Result {
	r := &run{job: job, outcomes: make(map[audit.Stage]audit.StageOutcome, 4)}
	logger := logging.ForJob(e.logger, job.ID, job.URL)
	logger.Info("pipeline started")

	var g errgroup.Group
	for _, s := range []audit.Stage{audit.StageLabMobile, audit.StageLabDesktop, audit.StageFieldData} {
		g.Go(func() error {
			e.settle(r, e.runner.Run(ctx, e.spec(job, s, nil)))
			return nil
		})
	}
	_ = g.Wait()

	mobile := labPayload(r.get(audit.StageLabMobile))
	desktop := labPayload(r.get(audit.StageLabDesktop))
	field := fieldPayload(r.get(audit.StageFieldData))

	if ctx.Err() == nil && (mobile != nil || desktop != nil) {
		input := &audit.SummaryInput{
			URL:     job.URL,
			Mobile:  mobile,
			Desktop: desktop,
			Field:   field,
			Metrics: audit.BuildMetrics(mobile, desktop, field),
		}
		e.settle(r, e.runner.Run(ctx, e.spec(job, audit.StageAISummary, input)))
	}

	result := r.assemble()
	if errors.Is(ctx.Err(), context.Canceled) {
		result.Status = audit.ResultFailed
		msg := ErrCancelled.Error()
		result.Error = &msg
	}
	logger.Info("pipeline finished", zap.String("status", string(result.Status)))
	return result
}

func (e *Executor) spec(job Job, s audit.Stage, input *audit.SummaryInput) stage.Spec {
	var cfg StageConfig
	var do stage.Func
	switch s {
	case audit.StageLabMobile, audit.StageLabDesktop:
		cfg = e.cfg.Lab
		device := s.Device()
		do = func(ctx context.Context) (any, error) {
			if e.lab == nil {
				return nil, audit.Permanent(errors.New("lab runner not configured"))
			}
			res, err := e.lab.RunLabAudit(ctx, job.URL, device)
			if err != nil {
				return nil, err
			}
			return res, nil
		}
	case audit.StageFieldData:
		cfg = e.cfg.Field
		do = func(ctx context.Context) (any, error) {
			if e.field == nil {
				return nil, audit.Permanent(errors.New("field fetcher not configured"))
			}
			res, err := e.field.FetchFieldData(ctx, job.URL)
			if err != nil {
				return nil, err
			}
			return res, nil
		}
	case audit.StageAISummary:
		cfg = e.cfg.AI
		do = func(ctx context.Context) (any, error) {
			if e.summarizer == nil {
				return nil, audit.Permanent(errors.New("summarizer not configured"))
			}
			res, err := e.summarizer.Summarize(ctx, *input)
			if err != nil {
				return nil, err
			}
			return res, nil
		}
	}
	return stage.Spec{
		Stage:          s,
		Heavy:          s.Heavy(),
		Policy:         cfg.Policy,
		AttemptTimeout: cfg.AttemptTimeout,
		StageTimeout:   cfg.StageTimeout,
		Do:             do,
	}
}

func (e *Executor) settle(r *run, outcome audit.StageOutcome) {
	r.mu.Lock()
	r.outcomes[outcome.Stage] = outcome
	settled := len(r.outcomes)
	r.mu.Unlock()

	if e.recorder != nil {
		if err := e.recorder.AppendOutcome(r.job.ID, outcome); err != nil {
			e.logger.Debug("outcome not recorded",
				zap.String("job_id", r.job.ID),
				zap.String("stage", string(outcome.Stage)),
				zap.Error(err),
			)
		}
	}
	if e.publisher != nil {
		e.publisher.Publish(progress.StageEvent(r.job.ID, outcome, settled, e.clock.Now()))
	}
}

func (r *run) get(s audit.Stage) (audit.StageOutcome, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[s]
	return o, ok
}

// assemble builds the result in canonical stage order regardless of the
// order stages settled in.
func (r *run) assemble() audit.Result {
	mobile := labPayload(r.get(audit.StageLabMobile))
	desktop := labPayload(r.get(audit.StageLabDesktop))
	field := fieldPayload(r.get(audit.StageFieldData))
	report := aiPayload(r.get(audit.StageAISummary))

	result := audit.Result{
		URL: r.job.URL,
		Lighthouse: audit.LighthouseResult{
			Mobile:  mobile,
			Desktop: desktop,
		},
		CrUX: field,
		Insights: audit.Insights{
			AIReport: report,
		},
		Timing: make(map[string]int64),
	}
	if mobile != nil || desktop != nil || field != nil {
		m := audit.BuildMetrics(mobile, desktop, field)
		result.Insights.Metrics = &m
	}

	var errs []string
	for _, s := range audit.Stages() {
		o, ok := r.get(s)
		if !ok {
			continue
		}
		if o.Succeeded() {
			result.Timing[s.TimingKey()] = o.Duration.Milliseconds()
			continue
		}
		errs = append(errs, fmt.Sprintf("%s: %s", s, o.Error))
	}
	if len(errs) > 0 {
		msg := strings.Join(errs, "; ")
		result.Error = &msg
	}

	switch {
	case mobile == nil && desktop == nil:
		result.Status = audit.ResultFailed
	case mobile != nil && desktop != nil && field != nil && report != nil:
		result.Status = audit.ResultSuccess
	default:
		result.Status = audit.ResultPartial
	}
	return result
}

func labPayload(o audit.StageOutcome, ok bool) *audit.LabResult {
	if !ok || !o.Succeeded() {
		return nil
	}
	res, _ := o.Payload.(*audit.LabResult)
	return res
}

func fieldPayload(o audit.StageOutcome, ok bool) *audit.FieldResult {
	if !ok || !o.Succeeded() {
		return nil
	}
	res, _ := o.Payload.(*audit.FieldResult)
	return res
}

func aiPayload(o audit.StageOutcome, ok bool) *audit.AIReport {
	if !ok || !o.Succeeded() {
		return nil
	}
	res, _ := o.Payload.(*audit.AIReport)
	return res
}
