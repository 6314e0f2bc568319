package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/webaudit/internal/audit"
)

// Kind distinguishes stage completions from job lifecycle changes.
type Kind string

// Supported event kinds.
const (
	KindStage  Kind = "stage"
	KindStatus Kind = "status"
)

// Stage outcome labels carried in Event.Status for stage events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a single progress notification for one job.
type Event struct {
	JobID string `json:"job_id"`
	Kind  Kind   `json:"kind"`
	// Stage is set for stage events only.
	Stage audit.Stage `json:"stage,omitempty"`
	// Status is success/failure for stage events and the job status otherwise.
	Status string `json:"status"`
	// Progress is the percentage of pipeline stages settled so far.
	Progress   int       `json:"progress"`
	DurationMs int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	TS         time.Time `json:"timestamp"`
}

// StageEvent builds the event emitted after a stage settles. settled is the
// number of stages that have settled including this one.
func StageEvent(jobID string, outcome audit.StageOutcome, settled int, ts time.Time) Event {
	status := OutcomeSuccess
	if !outcome.Succeeded() {
		status = OutcomeFailure
	}
	return Event{
		JobID:      jobID,
		Kind:       KindStage,
		Stage:      outcome.Stage,
		Status:     status,
		Progress:   percent(settled),
		DurationMs: outcome.Duration.Milliseconds(),
		Attempts:   outcome.Attempts,
		Error:      outcome.Error,
		TS:         ts.UTC(),
	}
}

// StatusEvent builds a job lifecycle event.
func StatusEvent(jobID string, status audit.JobStatus, errText string, ts time.Time) Event {
	evt := Event{
		JobID:  jobID,
		Kind:   KindStatus,
		Status: string(status),
		Error:  errText,
		TS:     ts.UTC(),
	}
	if status.Terminal() {
		evt.Progress = 100
	}
	return evt
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	return e.Kind == KindStatus && audit.JobStatus(e.Status).Terminal()
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindStage:
		if !e.Stage.Valid() {
			return fmt.Errorf("unknown stage %q", e.Stage)
		}
		if e.Status != OutcomeSuccess && e.Status != OutcomeFailure {
			return fmt.Errorf("stage event status %q must be success or failure", e.Status)
		}
	case KindStatus:
		if e.Status == "" {
			return errors.New("status event requires a status")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.DurationMs < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

func percent(settled int) int {
	total := len(audit.Stages())
	if settled >= total {
		return 100
	}
	if settled < 0 {
		return 0
	}
	return settled * 100 / total
}
