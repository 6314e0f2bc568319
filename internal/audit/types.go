package audit

import (
	"strings"
	"time"
)

// Stage identifies one unit of work in the fixed audit pipeline.
type Stage string

// Pipeline stages in canonical order.
const (
	StageLabMobile  Stage = "lab-mobile"
	StageLabDesktop Stage = "lab-desktop"
	StageFieldData  Stage = "field-data"
	StageAISummary  Stage = "ai-summary"
)

var allStages = []Stage{StageLabMobile, StageLabDesktop, StageFieldData, StageAISummary}

// Stages returns every pipeline stage in canonical order.
func Stages() []Stage {
	return append([]Stage(nil), allStages...)
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageLabMobile, StageLabDesktop, StageFieldData, StageAISummary:
		return true
	default:
		return false
	}
}

// Heavy reports whether the stage consumes a browser from the resource pool.
func (s Stage) Heavy() bool {
	return s == StageLabMobile || s == StageLabDesktop
}

// TimingKey is the key used for the stage in the result timing map.
func (s Stage) TimingKey() string {
	return strings.ReplaceAll(string(s), "-", "_") + "_ms"
}

// Device is the form factor used for a lab run.
type Device string

// Supported lab devices.
const (
	DeviceMobile  Device = "mobile"
	DeviceDesktop Device = "desktop"
)

// Device returns the lab device a lab stage measures, or "" for other stages.
func (s Stage) Device() Device {
	switch s {
	case StageLabMobile:
		return DeviceMobile
	case StageLabDesktop:
		return DeviceDesktop
	default:
		return ""
	}
}

// Fingerprint joins the stage set in canonical order. It is part of the cache
// key so that requests producing different payload shapes never collide.
func Fingerprint(stages []Stage) string {
	seen := make(map[Stage]bool, len(stages))
	for _, s := range stages {
		seen[s] = true
	}
	parts := make([]string, 0, len(allStages)+1)
	parts = append(parts, ResultSchemaVersion)
	for _, s := range allStages {
		if seen[s] {
			parts = append(parts, string(s))
		}
	}
	return strings.Join(parts, ",")
}

// JobStatus represents the lifecycle state of an audit job.
type JobStatus string

// Job status values tracked by the registry.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is accepted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Options carries the per-request knobs that callers may set.
type Options struct {
	BypassCache bool          `json:"bypass_cache"`
	Timeout     time.Duration `json:"timeout"`
}

// Request is a submitted audit before normalization.
type Request struct {
	URL      string
	Options  Options
	ClientID string
}

// StageOutcome records how a single stage settled. Outcomes are appended to a
// job once and never mutated afterwards.
type StageOutcome struct {
	Stage     Stage         `json:"stage"`
	Payload   any           `json:"-"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports whether the stage produced a payload.
func (o StageOutcome) Succeeded() bool {
	return o.ErrorKind == "" && o.Error == ""
}

// JobView is an immutable snapshot of a job returned by the registry.
type JobView struct {
	ID              string         `json:"job_id"`
	URL             string         `json:"url"`
	Options         Options        `json:"options"`
	Status          JobStatus      `json:"status"`
	Outcomes        []StageOutcome `json:"outcomes"`
	Result          *Result        `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	QueuePosition   *int           `json:"queue_position,omitempty"`
	CacheKey        string         `json:"-"`
	ClientID        string         `json:"-"`
	Cached          bool           `json:"cached"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
}

// Progress summarizes stage completion for a job.
type Progress struct {
	CurrentStage    *Stage  `json:"current_stage"`
	CompletedStages []Stage `json:"completed_stages"`
	PendingStages   []Stage `json:"pending_stages"`
	Percent         int     `json:"percent"`
}

// Progress derives the stage progress from the recorded outcomes.
func (v JobView) Progress() Progress {
	done := make(map[Stage]bool, len(v.Outcomes))
	completed := make([]Stage, 0, len(v.Outcomes))
	for _, o := range v.Outcomes {
		if !done[o.Stage] {
			done[o.Stage] = true
			completed = append(completed, o.Stage)
		}
	}
	pending := make([]Stage, 0, len(allStages))
	for _, s := range allStages {
		if !done[s] {
			pending = append(pending, s)
		}
	}
	if v.Status.Terminal() {
		pending = pending[:0]
	}
	p := Progress{
		CompletedStages: completed,
		PendingStages:   pending,
		Percent:         len(completed) * 100 / len(allStages),
	}
	if v.Status == JobStatusRunning && len(pending) > 0 {
		current := pending[0]
		p.CurrentStage = &current
	}
	if v.Status.Terminal() {
		p.Percent = 100
	}
	return p
}
