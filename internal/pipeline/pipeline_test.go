package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/pool"
	"github.com/JakeFAU/webaudit/internal/progress"
	"github.com/JakeFAU/webaudit/internal/stage"
)

func ptr[T any](v T) *T { return &v }

type fakeLab struct {
	mu      sync.Mutex
	active  int
	peak    int
	calls   atomic.Int32
	results map[audit.Device]*audit.LabResult
	errs    map[audit.Device]error
	delay   time.Duration
}

func (f *fakeLab) RunLabAudit(ctx context.Context, _ string, device audit.Device) (*audit.LabResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[device]; err != nil {
		return nil, err
	}
	return f.results[device], nil
}

type fakeField struct {
	calls  atomic.Int32
	result *audit.FieldResult
	err    error
}

func (f *fakeField) FetchFieldData(context.Context, string) (*audit.FieldResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSummarizer struct {
	mu     sync.Mutex
	calls  int
	input  audit.SummaryInput
	report *audit.AIReport
	err    error
}

func (f *fakeSummarizer) Summarize(_ context.Context, input audit.SummaryInput) (*audit.AIReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []audit.StageOutcome
	events   []progress.Event
}

func (r *recordingSink) AppendOutcome(_ string, o audit.StageOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recordingSink) Publish(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func labResult(device audit.Device, perf float64) *audit.LabResult {
	return &audit.LabResult{
		Device:     device,
		Categories: audit.CategoryScores{Performance: ptr(perf)},
		Vitals:     audit.LabVitals{LCPMs: ptr(2100.0), CLS: ptr(0.05)},
	}
}

func testConfig() Config {
	sc := StageConfig{
		Policy:         audit.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		AttemptTimeout: time.Second,
		StageTimeout:   5 * time.Second,
	}
	return Config{Lab: sc, Field: sc, AI: sc}
}

func newExecutor(tokens *pool.Pool, lab *fakeLab, field *fakeField, ai *fakeSummarizer, sink *recordingSink) *Executor {
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	runner := stage.NewRunner(tokens, stage.WithSleep(noSleep))
	return New(runner, lab, field, ai, testConfig(), WithRecorder(sink), WithPublisher(sink))
}

func TestExecuteAllStagesSucceed(t *testing.T) {
	t.Parallel()

	lab := &fakeLab{results: map[audit.Device]*audit.LabResult{
		audit.DeviceMobile:  labResult(audit.DeviceMobile, 0.8),
		audit.DeviceDesktop: labResult(audit.DeviceDesktop, 0.9),
	}}
	field := &fakeField{result: &audit.FieldResult{LCP: &audit.FieldMetric{P75: 2400, Rating: audit.RatingGood}}}
	ai := &fakeSummarizer{report: &audit.AIReport{ExecutiveSummary: "fast"}}
	sink := &recordingSink{}

	exec := newExecutor(pool.New("browsers", 2), lab, field, ai, sink)
	result := exec.Execute(context.Background(), Job{ID: "job-1", URL: "https://example.com/"})

	require.Equal(t, audit.ResultSuccess, result.Status)
	require.Nil(t, result.Error)
	require.NotNil(t, result.Lighthouse.Mobile)
	require.NotNil(t, result.Lighthouse.Desktop)
	require.NotNil(t, result.CrUX)
	require.NotNil(t, result.Insights.AIReport)
	require.NotNil(t, result.Insights.Metrics)
	require.InDelta(t, 0.8, *result.Insights.Metrics.MobilePerformance, 1e-9)
	require.Len(t, result.Timing, 4)
	for _, s := range audit.Stages() {
		require.Contains(t, result.Timing, s.TimingKey())
	}
	require.Len(t, sink.outcomes, 4)
	require.Equal(t, audit.StageAISummary, sink.outcomes[3].Stage)
	require.Equal(t, 100, sink.events[3].Progress)
}

func TestExecutePartialWhenFieldFails(t *testing.T) {
	t.Parallel()

	lab := &fakeLab{results: map[audit.Device]*audit.LabResult{
		audit.DeviceMobile:  labResult(audit.DeviceMobile, 0.8),
		audit.DeviceDesktop: labResult(audit.DeviceDesktop, 0.9),
	}}
	field := &fakeField{err: audit.Transient(errors.New("connection reset"))}
	ai := &fakeSummarizer{report: &audit.AIReport{ExecutiveSummary: "lab only"}}
	sink := &recordingSink{}

	exec := newExecutor(pool.New("browsers", 2), lab, field, ai, sink)
	result := exec.Execute(context.Background(), Job{ID: "job-2", URL: "https://example.com"})

	require.Equal(t, audit.ResultPartial, result.Status)
	require.NotNil(t, result.Lighthouse.Mobile)
	require.NotNil(t, result.Lighthouse.Desktop)
	require.Nil(t, result.CrUX)
	require.NotNil(t, result.Insights.AIReport)
	require.EqualValues(t, 3, field.calls.Load())

	require.Equal(t, 1, ai.calls)
	require.Nil(t, ai.input.Field)
	require.NotNil(t, ai.input.Mobile)
	require.Nil(t, ai.input.Metrics.FieldLCPMs)

	require.Len(t, result.Timing, 3)
	require.Contains(t, result.Timing, "lab_mobile_ms")
	require.Contains(t, result.Timing, "lab_desktop_ms")
	require.Contains(t, result.Timing, "ai_summary_ms")
	require.NotContains(t, result.Timing, "field_data_ms")
	require.NotNil(t, result.Error)
	require.Contains(t, *result.Error, "field-data: connection reset")
}

func TestExecuteFailsWhenBothLabsFail(t *testing.T) {
	t.Parallel()

	lab := &fakeLab{errs: map[audit.Device]error{
		audit.DeviceMobile:  audit.Permanent(errors.New("lighthouse not installed")),
		audit.DeviceDesktop: audit.Permanent(errors.New("lighthouse not installed")),
	}}
	field := &fakeField{result: &audit.FieldResult{}}
	ai := &fakeSummarizer{report: &audit.AIReport{}}
	sink := &recordingSink{}

	exec := newExecutor(pool.New("browsers", 2), lab, field, ai, sink)
	result := exec.Execute(context.Background(), Job{ID: "job-3", URL: "https://example.com/"})

	require.Equal(t, audit.ResultFailed, result.Status)
	require.Nil(t, result.Lighthouse.Mobile)
	require.Nil(t, result.Lighthouse.Desktop)
	require.Nil(t, result.Insights.AIReport)
	require.Zero(t, ai.calls)
	require.EqualValues(t, 2, lab.calls.Load())
	require.Len(t, sink.outcomes, 3)
	require.Equal(t, map[string]int64{"field_data_ms": result.Timing["field_data_ms"]}, result.Timing)
}

func TestExecutePartialWhenOneLabFails(t *testing.T) {
	t.Parallel()

	lab := &fakeLab{
		results: map[audit.Device]*audit.LabResult{audit.DeviceMobile: labResult(audit.DeviceMobile, 0.7)},
		errs:    map[audit.Device]error{audit.DeviceDesktop: audit.Permanent(errors.New("invalid report"))},
	}
	field := &fakeField{result: &audit.FieldResult{}}
	ai := &fakeSummarizer{report: &audit.AIReport{}}

	exec := newExecutor(pool.New("browsers", 2), lab, field, ai, &recordingSink{})
	result := exec.Execute(context.Background(), Job{ID: "job-4", URL: "https://example.com/"})

	require.Equal(t, audit.ResultPartial, result.Status)
	require.NotNil(t, result.Lighthouse.Mobile)
	require.Nil(t, result.Lighthouse.Desktop)
	require.Nil(t, ai.input.Desktop)
}

func TestExecuteHeavyStagesShareThePool(t *testing.T) {
	t.Parallel()

	lab := &fakeLab{
		delay: 20 * time.Millisecond,
		results: map[audit.Device]*audit.LabResult{
			audit.DeviceMobile:  labResult(audit.DeviceMobile, 0.8),
			audit.DeviceDesktop: labResult(audit.DeviceDesktop, 0.9),
		},
	}
	tokens := pool.New("browsers", 1)
	exec := newExecutor(tokens, lab, &fakeField{result: &audit.FieldResult{}}, &fakeSummarizer{report: &audit.AIReport{}}, &recordingSink{})
	result := exec.Execute(context.Background(), Job{ID: "job-5", URL: "https://example.com/"})

	require.Equal(t, audit.ResultSuccess, result.Status)
	require.Equal(t, 1, lab.peak)
	require.Zero(t, tokens.Stats().InUse)
}

func TestExecuteCancelled(t *testing.T) {
	t.Parallel()

	lab := &fakeLab{delay: time.Second}
	ai := &fakeSummarizer{report: &audit.AIReport{}}
	tokens := pool.New("browsers", 2)
	exec := newExecutor(tokens, lab, &fakeField{result: &audit.FieldResult{}}, ai, &recordingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	result := exec.Execute(ctx, Job{ID: "job-6", URL: "https://example.com/"})

	require.Equal(t, audit.ResultFailed, result.Status)
	require.NotNil(t, result.Error)
	require.Equal(t, "cancelled", *result.Error)
	require.Zero(t, ai.calls)
	require.Zero(t, tokens.Stats().InUse)
}

func TestResultShapeIsStable(t *testing.T) {
	t.Parallel()

	lab := &fakeLab{errs: map[audit.Device]error{
		audit.DeviceMobile:  audit.Permanent(errors.New("boom")),
		audit.DeviceDesktop: audit.Permanent(errors.New("boom")),
	}}
	exec := newExecutor(pool.New("browsers", 2), lab, &fakeField{err: audit.Permanent(errors.New("no data"))}, &fakeSummarizer{}, &recordingSink{})
	result := exec.Execute(context.Background(), Job{ID: "job-7", URL: "https://example.com/"})

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"status", "url", "lighthouse", "crux", "insights", "error", "timing"} {
		require.Contains(t, doc, key)
	}
	lighthouse := doc["lighthouse"].(map[string]any)
	require.Contains(t, lighthouse, "mobile")
	require.Nil(t, lighthouse["mobile"])
	insights := doc["insights"].(map[string]any)
	require.Contains(t, insights, "ai_report")
	require.Nil(t, insights["ai_report"])
	require.Nil(t, doc["crux"])
}
