package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a backend job:
// queued -> running/retrying -> {succeeded | failed | cancelled}.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// Active reports whether the job still warrants polling.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusRetrying
}

// JobType is opaque to this subsystem beyond equality. The known values
// exist only because the reconciler special-cases evidence fetches.
type JobType string

const (
	JobTypeAnalyze        JobType = "analyze"
	JobTypeFetchEvidence  JobType = "fetch_evidence"
	JobTypeExtractVisuals JobType = "extract_visuals"
)

// Job is the canonical, UI-visible state for one backend unit of work.
// It is created the moment a submission call returns a job_id and is
// mutated only by the reconciler.
type Job struct {
	ID          string     `json:"job_id"`
	DealID      string     `json:"deal_id"`
	DocumentID  string     `json:"document_id,omitempty"`
	Type        JobType    `json:"type,omitempty"`
	Status      JobStatus  `json:"status"`
	ProgressPct *int       `json:"progress_pct,omitempty"`
	Message     string     `json:"message,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Stage       string     `json:"stage,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`

	// Version is the highest event version applied so far; 0 means no
	// versioned update has been seen.
	Version int64 `json:"version,omitempty"`
}

// ProgressLabel renders a short human-readable progress line, e.g.
// "42% complete / Crunching signals".
func (j Job) ProgressLabel() string {
	switch {
	case j.ProgressPct != nil && j.Message != "":
		return fmt.Sprintf("%d%% complete / %s", *j.ProgressPct, j.Message)
	case j.ProgressPct != nil:
		return fmt.Sprintf("%d%% complete", *j.ProgressPct)
	case j.Message != "":
		return j.Message
	default:
		return string(j.Status)
	}
}

// JobProgressEvent is a single reported update, produced by either channel
// after normalization. Zero values mean "not reported": Version 0, empty
// Status, nil pointers.
type JobProgressEvent struct {
	Version    int64          `json:"version,omitempty"`
	JobID      string         `json:"job_id"`
	DealID     string         `json:"deal_id"`
	DocumentID string         `json:"document_id,omitempty"`
	Type       JobType        `json:"type,omitempty"`
	Status     JobStatus      `json:"status,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Percent    *int           `json:"percent,omitempty"`
	Completed  *int           `json:"completed,omitempty"`
	Total      *int           `json:"total,omitempty"`
	Message    string         `json:"message,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	At         *time.Time     `json:"at,omitempty"`
}

// ResumptionCursor identifies the last event successfully processed on a
// deal-scoped stream. It lives for one subscription session and is never
// persisted across page reloads.
type ResumptionCursor string
