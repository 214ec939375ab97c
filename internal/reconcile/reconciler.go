// Package reconcile merges the normalized updates arriving from the event
// stream and the polling fallback into one canonical state per job, and
// fires UI side effects exactly once per terminal outcome. It is the only
// writer of job state; neither transport touches it directly.
package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dealdesk/jobpulse/pkg/models"
)

// DefaultQueuedWarnAfter is how long a job may sit in queued before
// QueuedTooLong starts reporting true.
const DefaultQueuedWarnAfter = 20 * time.Second

// Effects are the one-shot reactions to terminal transitions. Any nil
// callback is skipped. Each is invoked at most once per (job_id, status)
// pair, no matter how many times or over which channel the transition is
// observed.
type Effects struct {
	// Notify surfaces a terminal outcome to the user.
	Notify func(job models.Job)
	// RefreshDeal reloads deal-level data after a successful job.
	RefreshDeal func(dealID string)
	// ReloadEvidence reloads the evidence pane after a successful
	// evidence fetch.
	ReloadEvidence func(dealID string)
}

// Options configures a Reconciler. Handled may be shared across reconcilers
// of the same process so remounted views do not re-fire effects; when nil a
// fresh bounded set is created.
type Options struct {
	Effects         Effects
	Handled         *HandledSet
	QueuedWarnAfter time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Reconciler holds canonical per-job state. All methods are safe for
// concurrent use; updates are serialized internally, so correctness rests on
// the version/timestamp last-write-wins rule rather than on arrival order.
type Reconciler struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	queuedSince map[string]time.Time
	watchers    map[string][]chan models.Job

	handled         *HandledSet
	effects         Effects
	queuedWarnAfter time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	handled := opts.Handled
	if handled == nil {
		handled = NewHandledSet(DefaultHandledCap)
	}
	warnAfter := opts.QueuedWarnAfter
	if warnAfter <= 0 {
		warnAfter = DefaultQueuedWarnAfter
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{
		jobs:            make(map[string]*models.Job),
		queuedSince:     make(map[string]time.Time),
		watchers:        make(map[string][]chan models.Job),
		handled:         handled,
		effects:         opts.Effects,
		queuedWarnAfter: warnAfter,
		now:             now,
		logger:          logger,
	}
}

// Register creates the canonical record for a job the moment its submission
// call returns. Registering an already-tracked job is a no-op.
func (r *Reconciler) Register(job models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return
	}
	stored := job
	r.jobs[job.ID] = &stored
	if stored.Status == models.JobStatusQueued {
		r.queuedSince[job.ID] = r.now()
	}
	r.notifyWatchersLocked(stored)
}

// Apply folds one normalized update into canonical state, using
// last-write-wins by version, then by timestamp. Stale and duplicate updates
// are dropped entirely; duplicate terminal observations update state but
// suppress side effects.
func (r *Reconciler) Apply(ev models.JobProgressEvent) {
	if ev.JobID == "" {
		return
	}

	r.mu.Lock()

	job, ok := r.jobs[ev.JobID]
	if !ok {
		// First sight over a channel before Register: still track it, the
		// submission acknowledgement may have raced the first event.
		job = &models.Job{ID: ev.JobID, DealID: ev.DealID}
		r.jobs[ev.JobID] = job
	}

	if !r.supersedesLocked(job, ev) {
		r.logger.Debug("dropping stale job update",
			"job_id", ev.JobID, "version", ev.Version, "at", ev.At)
		r.mu.Unlock()
		return
	}

	prevStatus := job.Status
	r.mergeLocked(job, ev)

	// Track when queued was first observed; clear the moment status moves on.
	if job.Status == models.JobStatusQueued {
		if _, ok := r.queuedSince[job.ID]; !ok {
			r.queuedSince[job.ID] = r.now()
		}
	} else {
		delete(r.queuedSince, job.ID)
	}

	snapshot := *job
	transitioned := job.Status.Terminal() && job.Status != prevStatus
	fire := job.Status.Terminal() && r.handled.Mark(job.ID, job.Status)
	r.notifyWatchersLocked(snapshot)
	r.mu.Unlock()

	if transitioned && !fire {
		r.logger.Debug("terminal transition already handled, suppressing side effects",
			"job_id", snapshot.ID, "status", snapshot.Status)
	}
	if fire {
		r.fireEffects(snapshot)
	}
}

// supersedesLocked decides whether ev may overwrite the stored record. A
// present version must be strictly greater than the stored one; without a
// version the event timestamp must not be older than the stored updated_at
// (ties are applied, favoring freshness since in-order delivery across two
// channels cannot be guaranteed).
func (r *Reconciler) supersedesLocked(job *models.Job, ev models.JobProgressEvent) bool {
	if ev.Version > 0 {
		return ev.Version > job.Version
	}
	if ev.At != nil && job.UpdatedAt != nil {
		return !ev.At.Before(*job.UpdatedAt)
	}
	return true
}

func (r *Reconciler) mergeLocked(job *models.Job, ev models.JobProgressEvent) {
	if ev.DealID != "" {
		job.DealID = ev.DealID
	}
	if ev.DocumentID != "" {
		job.DocumentID = ev.DocumentID
	}
	if ev.Type != "" {
		job.Type = ev.Type
	}
	if ev.Status != "" {
		job.Status = ev.Status
	}
	if ev.Percent != nil {
		pct := *ev.Percent
		job.ProgressPct = &pct
	}
	if ev.Message != "" {
		job.Message = ev.Message
	}
	if ev.Reason != "" {
		job.Reason = ev.Reason
	}
	if ev.Stage != "" {
		job.Stage = ev.Stage
	}
	if ev.At != nil {
		at := *ev.At
		job.UpdatedAt = &at
	}
	if ev.Version > job.Version {
		job.Version = ev.Version
	}
}

// fireEffects runs outside the lock so a slow callback cannot stall either
// transport.
func (r *Reconciler) fireEffects(job models.Job) {
	r.logger.Info("job reached terminal state",
		"job_id", job.ID, "deal_id", job.DealID, "type", job.Type, "status", job.Status)

	// Evidence fetches succeeding only refresh the evidence pane; a generic
	// "analysis complete" notification there would be noise.
	if job.Type == models.JobTypeFetchEvidence && job.Status == models.JobStatusSucceeded {
		if r.effects.ReloadEvidence != nil {
			r.effects.ReloadEvidence(job.DealID)
		}
		return
	}

	if r.effects.Notify != nil {
		r.effects.Notify(job)
	}
	if job.Status == models.JobStatusSucceeded && r.effects.RefreshDeal != nil {
		r.effects.RefreshDeal(job.DealID)
	}
}

// Snapshot returns a copy of the canonical state for one job.
func (r *Reconciler) Snapshot(jobID string) (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return models.Job{}, false
	}
	return *job, true
}

// Jobs returns copies of all tracked jobs for a deal.
func (r *Reconciler) Jobs(dealID string) []models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Job
	for _, job := range r.jobs {
		if job.DealID == dealID {
			out = append(out, *job)
		}
	}
	return out
}

// QueuedTooLong reports whether the job has been continuously queued for at
// least the configured threshold. It is a derived UI warning, not job state:
// it clears the instant the status moves away from queued.
func (r *Reconciler) QueuedTooLong(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.Status != models.JobStatusQueued {
		return false
	}
	since, ok := r.queuedSince[jobID]
	if !ok {
		return false
	}
	return r.now().Sub(since) >= r.queuedWarnAfter
}

// Forget drops a job from active tracking, e.g. when the owning view
// unmounts. The handled set is left untouched so a remount of the same job
// does not re-fire its effects.
func (r *Reconciler) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobs, jobID)
	delete(r.queuedSince, jobID)
}

// Watch subscribes to canonical job snapshots for a deal. The channel is
// buffered and lossy under backpressure; the latest Snapshot call is always
// authoritative. The returned function unsubscribes.
func (r *Reconciler) Watch(dealID string) (<-chan models.Job, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan models.Job, 64)
	r.watchers[dealID] = append(r.watchers[dealID], ch)

	unsub := func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		subs := r.watchers[dealID]
		for i, sub := range subs {
			if sub == ch {
				close(ch)
				r.watchers[dealID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(r.watchers[dealID]) == 0 {
			delete(r.watchers, dealID)
		}
	}
	return ch, unsub
}

func (r *Reconciler) notifyWatchersLocked(job models.Job) {
	for _, ch := range r.watchers[job.DealID] {
		select {
		case ch <- job:
		default:
			// Slow watcher: drop rather than stall reconciliation.
			r.logger.Warn("watcher channel full, dropping snapshot",
				"deal_id", job.DealID, "job_id", job.ID)
		}
	}
}
