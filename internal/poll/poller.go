// Package poll guarantees progress visibility when the event stream is not:
// it re-requests a job's status over plain request/response for as long as
// the job is active. The next request is always scheduled by the response
// handler, never by a fixed-rate timer, so at most one poll per job is ever
// outstanding.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dealdesk/jobpulse/internal/normalize"
	"github.com/dealdesk/jobpulse/pkg/models"
)

const (
	defaultInterval        = 2 * time.Second
	defaultRelaxedInterval = 10 * time.Second
)

// StatusFetcher is the request/response collaborator, satisfied by
// statusclient.HTTPClient.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (json.RawMessage, error)
}

// Options configures a Poller. StreamReady lets the poller relax its cadence
// while the event stream is believed to be carrying real-time updates; when
// nil the poller always runs at the tight interval.
type Options struct {
	Fetcher     StatusFetcher
	DealID      string
	StreamReady func() bool

	// Interval applies while the stream is not ready, RelaxedInterval once
	// it is.
	Interval        time.Duration
	RelaxedInterval time.Duration
	RequestTimeout  time.Duration

	OnUpdate func(models.JobProgressEvent)
	OnError  func(error)

	Logger *slog.Logger
}

// Poller polls job statuses for one deal. Each tracked job gets its own
// polling loop; Start returns that loop's cancel function.
type Poller struct {
	fetcher     StatusFetcher
	dealID      string
	streamReady func() bool

	interval        time.Duration
	relaxedInterval time.Duration
	requestTimeout  time.Duration

	onUpdate func(models.JobProgressEvent)
	onError  func(error)
	logger   *slog.Logger
}

// New creates a Poller.
func New(opts Options) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	relaxed := opts.RelaxedInterval
	if relaxed < interval {
		relaxed = defaultRelaxedInterval
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = interval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		fetcher:         opts.Fetcher,
		dealID:          opts.DealID,
		streamReady:     opts.StreamReady,
		interval:        interval,
		relaxedInterval: relaxed,
		requestTimeout:  requestTimeout,
		onUpdate:        opts.OnUpdate,
		onError:         opts.OnError,
		logger:          logger,
	}
}

// Start begins polling jobID until a terminal status is observed or the
// returned cancel function is called. The first request fires immediately.
// Cancel is idempotent and safe to call after the loop has already stopped.
func (p *Poller) Start(jobID string) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})

	go p.loop(ctx, jobID, done)

	var once sync.Once
	return func() {
		once.Do(stop)
		<-done
	}
}

func (p *Poller) loop(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)

	for {
		terminal := p.pollOnce(ctx, jobID)
		if terminal {
			p.logger.Debug("polling stopped on terminal status", "job_id", jobID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.nextInterval()):
		}
	}
}

// pollOnce performs a single status request and reports the outcome. A
// transient failure is reported and the loop keeps its schedule; only an
// actually observed terminal status (or cancellation) ends the loop.
func (p *Poller) pollOnce(ctx context.Context, jobID string) (terminal bool) {
	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	raw, err := p.fetcher.JobStatus(reqCtx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.reportError(fmt.Errorf("polling job %s: %w", jobID, err))
		return false
	}

	ev, err := normalize.Normalize(normalize.EventJobUpdated, p.dealID, raw)
	if err != nil {
		p.reportError(fmt.Errorf("polling job %s: %w", jobID, err))
		return false
	}
	if ev == nil {
		p.reportError(fmt.Errorf("polling job %s: response not interpretable as job status", jobID))
		return false
	}

	if p.onUpdate != nil {
		p.onUpdate(*ev)
	}

	return ev.Status.Terminal()
}

// nextInterval picks the cadence for the next request: tight while the
// stream is down, relaxed once it reports ready and polling is only a
// safety net.
func (p *Poller) nextInterval() time.Duration {
	if p.streamReady != nil && p.streamReady() {
		return p.relaxedInterval
	}
	return p.interval
}

func (p *Poller) reportError(err error) {
	p.logger.Debug("poll error", "deal_id", p.dealID, "error", err)
	if p.onError != nil {
		p.onError(err)
	}
}
