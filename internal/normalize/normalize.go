// Package normalize converts heterogeneous raw progress payloads, from the
// event stream or from poll responses, into one canonical event shape. Older
// and newer backend versions nest progress under different keys, rename the
// percent field, or omit fields entirely; everything here is best-effort
// field probing with no side effects.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/dealdesk/jobpulse/pkg/models"
)

// Event names carried by the deal-scoped stream. Poll responses are
// normalized under EventJobUpdated.
const (
	EventReady       = "ready"
	EventJobUpdated  = "job.updated"
	EventJobProgress = "job.progress"
)

// Normalize interprets raw as a progress report for some job. The event name
// tells us how to default a missing status and dealID fills in payloads that
// omit their deal scope. Returns (nil, nil) when the payload cannot be
// interpreted as progress for any job, and a non-nil error only when the
// payload is not valid JSON.
func Normalize(eventName, dealID string, raw []byte) (*models.JobProgressEvent, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parsing progress payload: %w", err)
	}
	if obj == nil {
		return nil, nil
	}

	jobID := firstString(obj, "job_id", "jobId", "id")
	if jobID == "" {
		return nil, nil
	}

	ev := &models.JobProgressEvent{
		JobID:      jobID,
		DealID:     firstString(obj, "deal_id", "dealId"),
		DocumentID: firstString(obj, "document_id", "documentId"),
		Type:       models.JobType(firstString(obj, "type", "job_type")),
		Stage:      firstString(obj, "stage", "phase"),
		Message:    firstString(obj, "message", "status_message"),
		Reason:     firstString(obj, "reason", "error"),
	}
	if ev.DealID == "" {
		ev.DealID = dealID
	}

	ev.Status = normalizeStatus(firstString(obj, "status", "state"))
	// An in-flight progress event with no explicit status still means the
	// job is running; an explicit status always wins.
	if ev.Status == "" && eventName == EventJobProgress {
		ev.Status = models.JobStatusRunning
	}

	if v, ok := firstInt(obj, "version", "seq"); ok && v > 0 {
		ev.Version = v
	}

	// Prefer the nested progress object over flat fields.
	if p, ok := obj["progress"].(map[string]any); ok {
		if pct, ok := firstInt(p, "percent", "pct"); ok {
			ev.Percent = clampPercent(pct)
		}
		if c, ok := firstInt(p, "completed"); ok {
			n := int(c)
			ev.Completed = &n
		}
		if tot, ok := firstInt(p, "total"); ok {
			n := int(tot)
			ev.Total = &n
		}
		if ev.Stage == "" {
			ev.Stage = firstString(p, "stage")
		}
		if ev.Message == "" {
			ev.Message = firstString(p, "message")
		}
	}
	if ev.Percent == nil {
		if pct, ok := firstInt(obj, "progress_pct", "percent"); ok {
			ev.Percent = clampPercent(pct)
		} else if pct, ok := firstInt(obj, "progress"); ok {
			// Oldest backends report progress as a bare number.
			ev.Percent = clampPercent(pct)
		}
	}
	if ev.Completed == nil {
		if c, ok := firstInt(obj, "completed"); ok {
			n := int(c)
			ev.Completed = &n
		}
	}
	if ev.Total == nil {
		if tot, ok := firstInt(obj, "total"); ok {
			n := int(tot)
			ev.Total = &n
		}
	}

	if ts := firstString(obj, "at", "updated_at", "timestamp"); ts != "" {
		if at, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			utc := at.UTC()
			ev.At = &utc
		}
	}

	if meta, ok := obj["meta"].(map[string]any); ok {
		ev.Meta = meta
	}

	return ev, nil
}

// normalizeStatus maps the status synonyms seen across backend versions onto
// the canonical set. Unknown values pass through untouched so a newer backend
// does not get its statuses silently erased.
func normalizeStatus(s string) models.JobStatus {
	switch s {
	case "":
		return ""
	case "pending":
		return models.JobStatusQueued
	case "in_progress":
		return models.JobStatusRunning
	case "completed", "complete", "success":
		return models.JobStatusSucceeded
	case "error":
		return models.JobStatusFailed
	case "canceled":
		return models.JobStatusCancelled
	default:
		return models.JobStatus(s)
	}
}

func clampPercent(v int64) *int {
	n := int(v)
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return &n
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(obj map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := obj[k].(type) {
		case float64:
			return int64(math.Round(v)), true
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
