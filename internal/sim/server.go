// Package sim is a development backend for the jobpulse client: it serves
// the deal-scoped event stream and the job status endpoints, and drives
// scripted job runs so the full sync path can be exercised without the real
// diligence pipeline.
package sim

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/dealdesk/jobpulse/pkg/models"
)

// Options configures the simulator.
type Options struct {
	// StepDelay is the pause between scripted job transitions.
	StepDelay time.Duration
	// StreamEnabled toggles the SSE endpoint; disabled it returns 404 so
	// clients degrade to polling, simulating an environment without push
	// support.
	StreamEnabled bool
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server holds simulator state: an in-memory job table and the event bus.
type Server struct {
	logger        *slog.Logger
	bus           *Bus
	stepDelay     time.Duration
	streamEnabled bool
	now           func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobRecord
}

type jobRecord struct {
	job     models.Job
	version int64
	outcome models.JobStatus
}

// NewServer creates a simulator.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stepDelay := opts.StepDelay
	if stepDelay <= 0 {
		stepDelay = 2 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Server{
		logger:        logger,
		bus:           NewBus(logger),
		stepDelay:     stepDelay,
		streamEnabled: opts.StreamEnabled,
		now:           now,
		jobs:          make(map[string]*jobRecord),
	}
}

// Handler builds the simulator's HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.recovery)

	r.Get("/api/v1/health", s.handleHealth)
	r.Post("/api/v1/deals/{dealID}/jobs", s.handleSubmit)
	r.Get("/api/v1/jobs/{jobID}", s.handleJobStatus)
	if s.streamEnabled {
		r.Get("/api/v1/deals/{dealID}/events", s.handleEvents)
	}

	// Dashboards are served from another origin in development; without
	// CORS the browser kills the event stream before the client ever sees
	// a frame.
	return cors.AllowAll().Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// submitRequest is the simulator's own request shape: outcome lets tests
// script a failing or cancelled run.
type submitRequest struct {
	Type       models.JobType   `json:"type"`
	DocumentID string           `json:"document_id"`
	Outcome    models.JobStatus `json:"outcome"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "type is required")
		return
	}
	outcome := req.Outcome
	if outcome == "" {
		outcome = models.JobStatusSucceeded
	}
	if !outcome.Terminal() {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "outcome must be a terminal status")
		return
	}

	now := s.now()
	rec := &jobRecord{
		version: 1,
		job: models.Job{
			ID:         uuid.NewString(),
			DealID:     dealID,
			DocumentID: req.DocumentID,
			Type:       req.Type,
			Status:     models.JobStatusQueued,
			UpdatedAt:  &now,
		},
		outcome: outcome,
	}

	s.mu.Lock()
	s.jobs[rec.job.ID] = rec
	s.mu.Unlock()

	go s.runJob(rec.job.ID)

	writeJSON(w, http.StatusCreated, map[string]any{
		"data": map[string]any{
			"job_id": rec.job.ID,
			"status": rec.job.Status,
		},
	})
}

// handleJobStatus serves the flat status shape the polling fallback
// consumes. It intentionally omits the version field: poll responses settle
// ties by timestamp, the way older backends did.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	s.mu.Lock()
	rec, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "No such job")
		return
	}
	job := rec.job
	s.mu.Unlock()

	resp := map[string]any{
		"job_id": job.ID,
		"type":   job.Type,
		"status": job.Status,
	}
	if job.ProgressPct != nil {
		resp["progress_pct"] = *job.ProgressPct
	}
	if job.Message != "" {
		resp["message"] = job.Message
	}
	if job.Reason != "" {
		resp["reason"] = job.Reason
	}
	if job.UpdatedAt != nil {
		resp["updated_at"] = job.UpdatedAt.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents is the SSE endpoint. It replays logged events after the
// client's cursor, signals ready once caught up, then streams live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming not supported")
		return
	}

	cursor := parseCursor(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe before replaying so nothing published in between is lost;
	// the client's reconciler drops the resulting duplicates.
	live, unsub := s.bus.Subscribe(dealID)
	defer unsub()

	lastID := cursor
	for _, ev := range s.bus.Since(dealID, cursor) {
		writeFrame(w, ev)
		lastID = ev.ID
	}
	fmt.Fprintf(w, "id: %d\nevent: ready\ndata: {}\n\n", lastID)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			writeFrame(w, ev)
			flusher.Flush()
		}
	}
}

func parseCursor(r *http.Request) int64 {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func writeFrame(w http.ResponseWriter, ev Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// --- response envelopes ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
