package sim

import (
	"time"

	"github.com/dealdesk/jobpulse/pkg/models"
)

// step is one scripted transition of a simulated job run.
type step struct {
	status  models.JobStatus
	percent int
	message string
}

// script returns the run for a job type. Percent and message values are
// arbitrary but stable, so client-side tests can assert against them.
func script(jobType models.JobType) []step {
	switch jobType {
	case models.JobTypeAnalyze:
		return []step{
			{status: models.JobStatusRunning, percent: 10, message: "Collecting documents"},
			{status: models.JobStatusRunning, percent: 42, message: "Crunching signals"},
			{status: models.JobStatusRunning, percent: 75, message: "Drafting findings"},
		}
	case models.JobTypeFetchEvidence:
		return []step{
			{status: models.JobStatusRunning, percent: 50, message: "Fetching evidence"},
		}
	case models.JobTypeExtractVisuals:
		return []step{
			{status: models.JobStatusRunning, percent: 30, message: "Extracting figures"},
			{status: models.JobStatusRunning, percent: 80, message: "Rendering previews"},
		}
	default:
		return []step{
			{status: models.JobStatusRunning, percent: 50, message: "Working"},
		}
	}
}

// runJob advances a submitted job through its script, mutating the status
// table the poll endpoint serves and publishing every transition on the bus.
func (s *Server) runJob(jobID string) {
	s.publishState(jobID, "job.updated")

	for _, st := range script(s.jobType(jobID)) {
		time.Sleep(s.stepDelay)
		if !s.advance(jobID, st) {
			return
		}
		s.publishState(jobID, "job.progress")
	}

	time.Sleep(s.stepDelay)

	final := step{percent: 100, message: "Done"}
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if ok {
		final.status = rec.outcome
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if final.status == models.JobStatusFailed {
		final.message = "Job failed"
	}
	if final.status == models.JobStatusCancelled {
		final.message = "Job cancelled"
	}

	s.advance(jobID, final)
	s.publishState(jobID, "job.updated")

	s.logger.Info("simulated job finished", "job_id", jobID, "status", final.status)
}

func (s *Server) jobType(jobID string) models.JobType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.jobs[jobID]; ok {
		return rec.job.Type
	}
	return ""
}

// advance applies one step to the job table. Returns false when the job is
// gone (server shutting down state between tests).
func (s *Server) advance(jobID string, st step) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok {
		return false
	}

	now := s.now()
	rec.version++
	rec.job.Status = st.status
	pct := st.percent
	rec.job.ProgressPct = &pct
	rec.job.Message = st.message
	if st.status == models.JobStatusFailed {
		rec.job.Reason = st.message
	}
	rec.job.UpdatedAt = &now
	return true
}

// publishState emits the job's current state as a stream event. Stream
// payloads carry the version watermark; the poll endpoint leaves it out.
func (s *Server) publishState(jobID, eventName string) {
	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	job := rec.job
	version := rec.version
	s.mu.Unlock()

	payload := map[string]any{
		"job_id":  job.ID,
		"deal_id": job.DealID,
		"type":    job.Type,
		"status":  job.Status,
		"version": version,
	}
	if job.DocumentID != "" {
		payload["document_id"] = job.DocumentID
	}
	if job.ProgressPct != nil {
		payload["progress"] = map[string]any{"percent": *job.ProgressPct}
	}
	if job.Message != "" {
		payload["message"] = job.Message
	}
	if job.Reason != "" {
		payload["reason"] = job.Reason
	}
	if job.UpdatedAt != nil {
		payload["at"] = job.UpdatedAt.Format(time.RFC3339Nano)
	}

	s.bus.Publish(job.DealID, eventName, payload)
}
