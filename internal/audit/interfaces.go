package audit

import (
	"context"
	"time"
)

// LabRunner runs a lab measurement for one device profile.
type LabRunner interface {
	RunLabAudit(ctx context.Context, url string, device Device) (*LabResult, error)
}

// FieldFetcher retrieves real-user metrics for a URL.
type FieldFetcher interface {
	FetchFieldData(ctx context.Context, url string) (*FieldResult, error)
}

// Summarizer turns the collected metrics into a report.
type Summarizer interface {
	Summarize(ctx context.Context, input SummaryInput) (*AIReport, error)
}

// Hasher computes the digests used for cache keys.
type Hasher interface {
	HashParts(parts ...string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
