package normalize

import (
	"testing"
	"time"

	"github.com/dealdesk/jobpulse/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_FullPayload(t *testing.T) {
	raw := []byte(`{
		"job_id": "job-1",
		"deal_id": "deal-7",
		"document_id": "doc-3",
		"type": "analyze",
		"status": "running",
		"version": 4,
		"stage": "scoring",
		"progress": {"percent": 42, "completed": 21, "total": 50},
		"message": "Crunching signals",
		"at": "2026-03-01T10:00:00Z",
		"meta": {"source": "worker-2"}
	}`)

	ev, err := Normalize(EventJobUpdated, "deal-default", raw)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, "deal-7", ev.DealID)
	assert.Equal(t, "doc-3", ev.DocumentID)
	assert.Equal(t, models.JobTypeAnalyze, ev.Type)
	assert.Equal(t, models.JobStatusRunning, ev.Status)
	assert.Equal(t, int64(4), ev.Version)
	assert.Equal(t, "scoring", ev.Stage)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 42, *ev.Percent)
	require.NotNil(t, ev.Completed)
	assert.Equal(t, 21, *ev.Completed)
	require.NotNil(t, ev.Total)
	assert.Equal(t, 50, *ev.Total)
	assert.Equal(t, "Crunching signals", ev.Message)
	require.NotNil(t, ev.At)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), *ev.At)
	assert.Equal(t, "worker-2", ev.Meta["source"])
}

func TestNormalize_MissingJobID(t *testing.T) {
	ev, err := Normalize(EventJobUpdated, "deal-1", []byte(`{"status": "running"}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestNormalize_InvalidJSON(t *testing.T) {
	_, err := Normalize(EventJobUpdated, "deal-1", []byte(`{not json`))
	require.Error(t, err)
}

func TestNormalize_NullPayload(t *testing.T) {
	ev, err := Normalize(EventJobUpdated, "deal-1", []byte(`null`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestNormalize_DealIDDefaulted(t *testing.T) {
	ev, err := Normalize(EventJobUpdated, "deal-9", []byte(`{"job_id": "job-1"}`))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "deal-9", ev.DealID)
}

func TestNormalize_ProgressEventDefaultsToRunning(t *testing.T) {
	ev, err := Normalize(EventJobProgress, "deal-1", []byte(`{"job_id": "job-1", "progress": {"percent": 10}}`))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.JobStatusRunning, ev.Status)
}

func TestNormalize_ExplicitStatusWinsOverEventName(t *testing.T) {
	ev, err := Normalize(EventJobProgress, "deal-1", []byte(`{"job_id": "job-1", "status": "failed"}`))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.JobStatusFailed, ev.Status)
}

func TestNormalize_UpdatedEventWithoutStatusStaysEmpty(t *testing.T) {
	ev, err := Normalize(EventJobUpdated, "deal-1", []byte(`{"job_id": "job-1", "message": "hi"}`))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.JobStatus(""), ev.Status)
}

func TestNormalize_NestedPercentPreferredOverFlat(t *testing.T) {
	raw := []byte(`{"job_id": "job-1", "progress": {"percent": 60}, "progress_pct": 30}`)
	ev, err := Normalize(EventJobUpdated, "deal-1", raw)
	require.NoError(t, err)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 60, *ev.Percent)
}

func TestNormalize_FlatProgressPct(t *testing.T) {
	ev, err := Normalize(EventJobUpdated, "deal-1", []byte(`{"job_id": "job-1", "progress_pct": 75}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 75, *ev.Percent)
}

func TestNormalize_PercentClamped(t *testing.T) {
	ev, err := Normalize(EventJobUpdated, "deal-1", []byte(`{"job_id": "job-1", "progress_pct": 140}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 100, *ev.Percent)

	ev, err = Normalize(EventJobUpdated, "deal-1", []byte(`{"job_id": "job-1", "progress_pct": -5}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 0, *ev.Percent)
}

func TestNormalize_StatusSynonyms(t *testing.T) {
	cases := map[string]models.JobStatus{
		"pending":     models.JobStatusQueued,
		"in_progress": models.JobStatusRunning,
		"completed":   models.JobStatusSucceeded,
		"success":     models.JobStatusSucceeded,
		"error":       models.JobStatusFailed,
		"canceled":    models.JobStatusCancelled,
		"retrying":    models.JobStatusRetrying,
	}
	for in, want := range cases {
		ev, err := Normalize(EventJobUpdated, "deal-1", []byte(`{"job_id": "job-1", "status": "`+in+`"}`))
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, want, ev.Status, "status %q", in)
	}
}

func TestNormalize_AlternateFieldNames(t *testing.T) {
	raw := []byte(`{"jobId": "job-2", "dealId": "deal-3", "state": "running", "updated_at": "2026-03-01T11:00:00Z"}`)
	ev, err := Normalize(EventJobUpdated, "deal-1", raw)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "job-2", ev.JobID)
	assert.Equal(t, "deal-3", ev.DealID)
	assert.Equal(t, models.JobStatusRunning, ev.Status)
	require.NotNil(t, ev.At)
}

func TestNormalize_BareNumericProgress(t *testing.T) {
	ev, err := Normalize(EventJobUpdated, "deal-1", []byte(`{"job_id": "job-1", "progress": 55}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Percent)
	assert.Equal(t, 55, *ev.Percent)
}
