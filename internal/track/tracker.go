// Package track owns job tracking for one deal: it opens the deal's event
// stream, starts a polling fallback per tracked job, and feeds both into the
// reconciler. The union of the two channels is reliable even though each one
// individually is best-effort.
package track

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dealdesk/jobpulse/internal/poll"
	"github.com/dealdesk/jobpulse/internal/reconcile"
	"github.com/dealdesk/jobpulse/internal/stream"
	"github.com/dealdesk/jobpulse/pkg/models"
)

// Options configures a Tracker.
type Options struct {
	BaseURL string
	DealID  string

	Fetcher poll.StatusFetcher
	// Reconciler may be shared with other trackers of the same session;
	// when nil one is created with the given Effects.
	Reconciler *reconcile.Reconciler
	Effects    reconcile.Effects

	PollInterval        time.Duration
	PollRelaxedInterval time.Duration
	RequestTimeout      time.Duration
	StreamRetryMin      time.Duration
	StreamRetryMax      time.Duration
	QueuedWarnAfter     time.Duration

	// DisableStream skips the event stream entirely; tracking then runs on
	// polling alone. Meant for environments without push support.
	DisableStream bool

	// OnDegraded is invoked with the live flag whenever stream health
	// changes; the UI shows it as presence/absence of a "live" indicator,
	// never as a blocking error.
	OnDegraded func(live bool)

	Logger *slog.Logger
}

// Tracker is the subscription surface exposed to the UI layer for one deal.
type Tracker struct {
	dealID string
	rec    *reconcile.Reconciler
	poller *poll.Poller
	stream *stream.Client
	logger *slog.Logger

	// streamReady is deliberately one flag for the whole deal, not per job:
	// polling cadence for every tracked job relaxes and tightens together
	// with the health of the single deal-scoped stream.
	streamReady atomic.Bool
	onDegraded  func(live bool)

	mu      sync.Mutex
	cancels map[string]func()
	closed  bool
}

// New builds a Tracker and opens the deal's event stream.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rec := opts.Reconciler
	if rec == nil {
		rec = reconcile.New(reconcile.Options{
			Effects:         opts.Effects,
			QueuedWarnAfter: opts.QueuedWarnAfter,
			Logger:          logger,
		})
	}

	t := &Tracker{
		dealID:     opts.DealID,
		rec:        rec,
		logger:     logger,
		onDegraded: opts.OnDegraded,
		cancels:    make(map[string]func()),
	}

	t.poller = poll.New(poll.Options{
		Fetcher:         opts.Fetcher,
		DealID:          opts.DealID,
		StreamReady:     t.streamReady.Load,
		Interval:        opts.PollInterval,
		RelaxedInterval: opts.PollRelaxedInterval,
		RequestTimeout:  opts.RequestTimeout,
		OnUpdate:        rec.Apply,
		OnError:         t.onTransportError,
		Logger:          logger,
	})

	if !opts.DisableStream {
		t.stream = stream.Open(stream.Options{
			BaseURL:  opts.BaseURL,
			DealID:   opts.DealID,
			RetryMin: opts.StreamRetryMin,
			RetryMax: opts.StreamRetryMax,
			OnReady:  t.onStreamReady,
			OnUpdate: rec.Apply,
			OnError:  t.onStreamError,
			Logger:   logger,
		})
	}

	return t
}

// Track registers a job returned by a submission call and starts its polling
// fallback. Tracking an already-tracked job is a no-op.
func (t *Tracker) Track(job models.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if _, ok := t.cancels[job.ID]; ok {
		return
	}

	if job.DealID == "" {
		job.DealID = t.dealID
	}
	t.rec.Register(job)
	t.cancels[job.ID] = t.poller.Start(job.ID)

	t.logger.Info("tracking job", "job_id", job.ID, "deal_id", t.dealID, "type", job.Type)
}

// Untrack cancels the polling loop for one job and drops it from active
// tracking. The handled set survives, so re-tracking the same job does not
// re-fire its terminal effects.
func (t *Tracker) Untrack(jobID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[jobID]
	delete(t.cancels, jobID)
	t.mu.Unlock()

	if ok {
		cancel()
	}
	t.rec.Forget(jobID)
}

// Snapshot returns the canonical state for one job.
func (t *Tracker) Snapshot(jobID string) (models.Job, bool) {
	return t.rec.Snapshot(jobID)
}

// Jobs returns the canonical state of every tracked job for this deal.
func (t *Tracker) Jobs() []models.Job {
	return t.rec.Jobs(t.dealID)
}

// QueuedTooLong reports the derived "still queued" warning for one job.
func (t *Tracker) QueuedTooLong(jobID string) bool {
	return t.rec.QueuedTooLong(jobID)
}

// Watch subscribes to canonical job snapshots for this deal.
func (t *Tracker) Watch() (<-chan models.Job, func()) {
	return t.rec.Watch(t.dealID)
}

// Live reports whether the event stream is currently believed to deliver
// real-time updates. False only means degraded to polling, never a lost job.
func (t *Tracker) Live() bool {
	return t.streamReady.Load()
}

// Close tears the tracker down: the stream stops reconnecting, every
// in-flight or scheduled poll is cancelled, and the reconciler's handled set
// is left untouched for remounts.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancels := make([]func(), 0, len(t.cancels))
	for _, cancel := range t.cancels {
		cancels = append(cancels, cancel)
	}
	t.cancels = make(map[string]func())
	t.mu.Unlock()

	if t.stream != nil {
		t.stream.Close()
	}
	for _, cancel := range cancels {
		cancel()
	}
}

func (t *Tracker) onStreamReady() {
	if !t.streamReady.Swap(true) {
		t.logger.Info("event stream live", "deal_id", t.dealID)
		if t.onDegraded != nil {
			t.onDegraded(true)
		}
	}
}

func (t *Tracker) onStreamError(err error) {
	if t.streamReady.Swap(false) {
		t.logger.Warn("event stream degraded, relying on polling", "deal_id", t.dealID, "error", err)
		if t.onDegraded != nil {
			t.onDegraded(false)
		}
	} else {
		t.logger.Debug("event stream error while degraded", "deal_id", t.dealID, "error", err)
	}
}

func (t *Tracker) onTransportError(err error) {
	// Poll failures are transient by contract; the loop retries on its own
	// schedule so this is visibility, not control flow.
	t.logger.Debug("poll transport error", "deal_id", t.dealID, "error", err)
}
