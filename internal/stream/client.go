// Package stream maintains a single active subscription to a deal-scoped
// server-sent event stream, with automatic reconnect and cursor-based
// resumption. The stream is best-effort by design: every failure is reported
// to the owner and retried, never surfaced as a hard error, because the
// polling fallback keeps progress visible while the stream is down.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dealdesk/jobpulse/internal/normalize"
	"github.com/dealdesk/jobpulse/pkg/models"
)

// Sentinel errors for stream failures.
var (
	ErrStreamClosed    = errors.New("event stream closed by server")
	ErrStreamStatus    = errors.New("event stream request rejected")
	ErrMalformedEvent  = errors.New("malformed stream event")
	ErrStreamTransport = errors.New("event stream transport error")
)

const (
	defaultRetryMin = 1 * time.Second
	defaultRetryMax = 10 * time.Second
)

// Options configures a stream subscription. OnReady, OnUpdate and OnError are
// invoked from the client's own goroutine; they must not block for long.
type Options struct {
	BaseURL string
	DealID  string
	// Cursor resumes a previous subscription session; empty requests the
	// live stream from now.
	Cursor models.ResumptionCursor

	RetryMin time.Duration
	RetryMax time.Duration

	OnReady  func()
	OnUpdate func(models.JobProgressEvent)
	OnError  func(error)

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a subscription handle. Open starts it; Close stops it and
// prevents any further reconnect attempts.
type Client struct {
	baseURL string
	dealID  string
	client  *http.Client
	logger  *slog.Logger

	onReady  func()
	onUpdate func(models.JobProgressEvent)
	onError  func(error)

	bo *backoff.ExponentialBackOff

	mu      sync.Mutex
	stopped bool
	cursor  models.ResumptionCursor

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open establishes a deal-scoped subscription and returns its handle. The
// connection is managed in a background goroutine; Open never blocks on the
// network.
func Open(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No global timeout: the connection is long-lived by design.
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		dealID:   opts.DealID,
		client:   httpClient,
		logger:   logger,
		onReady:  opts.OnReady,
		onUpdate: opts.OnUpdate,
		onError:  opts.OnError,
		bo:       newRetryPolicy(opts.RetryMin, opts.RetryMax),
		cursor:   opts.Cursor,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go c.run()
	return c
}

// newRetryPolicy builds the reconnect schedule: min, doubling on each
// consecutive failure, capped at max, reset to min on a successful ready.
func newRetryPolicy(min, max time.Duration) *backoff.ExponentialBackOff {
	if min <= 0 {
		min = defaultRetryMin
	}
	if max < min {
		max = defaultRetryMax
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Close stops the subscription. It is synchronous and idempotent: calling it
// twice, or after the stream already closed itself, does nothing and never
// panics. No reconnect is attempted after Close returns.
func (c *Client) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
}

// Cursor returns the identifier of the last successfully processed event,
// for observability and tests.
func (c *Client) Cursor() models.ResumptionCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Done is closed once the connection loop has fully exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) run() {
	defer close(c.done)

	for {
		if c.isStopped() {
			return
		}

		err := c.connectOnce()
		if c.isStopped() {
			return
		}
		if err != nil {
			c.reportError(err)
		}

		delay := c.bo.NextBackOff()
		c.logger.Debug("stream reconnect scheduled", "deal_id", c.dealID, "delay", delay)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce opens one connection and consumes it until it drops. A nil
// return means the server ended the stream cleanly, which still triggers a
// resubscribe from the caller.
func (c *Client) connectOnce() error {
	u := fmt.Sprintf("%s/api/v1/deals/%s/events", c.baseURL, url.PathEscape(c.dealID))
	cursor := c.Cursor()
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(string(cursor))
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if cursor != "" {
		req.Header.Set("Last-Event-ID", string(cursor))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrStreamStatus, resp.StatusCode)
	}

	return c.consume(bufio.NewScanner(resp.Body))
}

// consume reads SSE frames until the connection drops. The resumption cursor
// advances only after an event has been fully processed, so a reconnect never
// skips an unprocessed event.
func (c *Client) consume(scanner *bufio.Scanner) error {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName, eventID string
	var data strings.Builder

	flush := func() {
		if eventName != "" || data.Len() > 0 {
			c.dispatch(eventName, eventID, data.String())
		}
		eventName, eventID = "", ""
		data.Reset()
	}

	for scanner.Scan() {
		if c.isStopped() {
			return nil
		}
		line := scanner.Text()

		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// Keep-alive comment.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil && c.ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrStreamTransport, err)
	}
	if c.ctx.Err() != nil {
		return nil
	}
	return ErrStreamClosed
}

func (c *Client) dispatch(eventName, eventID, data string) {
	switch eventName {
	case normalize.EventReady:
		// Connected and caught up: consecutive-failure backoff starts over.
		c.bo.Reset()
		if c.onReady != nil {
			c.onReady()
		}
	case normalize.EventJobUpdated, normalize.EventJobProgress:
		ev, err := normalize.Normalize(eventName, c.dealID, []byte(data))
		if err != nil {
			c.reportError(fmt.Errorf("%w: %v", ErrMalformedEvent, err))
			return
		}
		if ev == nil {
			c.logger.Debug("stream event not interpretable as job progress", "event", eventName, "deal_id", c.dealID)
			return
		}
		if c.onUpdate != nil {
			c.onUpdate(*ev)
		}
		if eventID != "" {
			c.setCursor(models.ResumptionCursor(eventID))
		}
	default:
		c.logger.Debug("ignoring unknown stream event", "event", eventName, "deal_id", c.dealID)
	}
}

func (c *Client) setCursor(cur models.ResumptionCursor) {
	c.mu.Lock()
	c.cursor = cur
	c.mu.Unlock()
}

func (c *Client) reportError(err error) {
	c.logger.Debug("stream error", "deal_id", c.dealID, "error", err)
	if c.onError != nil {
		c.onError(err)
	}
}
