package stream

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dealdesk/jobpulse/pkg/models"
)

// --- retry policy ---

func TestRetryPolicy_Monotonic(t *testing.T) {
	bo := newRetryPolicy(1*time.Second, 10*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		got := bo.NextBackOff()
		if got != w {
			t.Errorf("failure %d: expected delay %s, got %s", i+1, w, got)
		}
	}
}

func TestRetryPolicy_ResetAfterReady(t *testing.T) {
	bo := newRetryPolicy(1*time.Second, 10*time.Second)

	bo.NextBackOff()
	bo.NextBackOff()
	bo.NextBackOff()

	bo.Reset()
	if got := bo.NextBackOff(); got != 1*time.Second {
		t.Errorf("expected delay to reset to 1s, got %s", got)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	bo := newRetryPolicy(0, 0)
	if got := bo.NextBackOff(); got != 1*time.Second {
		t.Errorf("expected default min 1s, got %s", got)
	}
}

// --- SSE helpers ---

func writeEvent(w http.ResponseWriter, id, name, data string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	w.(http.Flusher).Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
}

// --- subscription behavior ---

func TestOpen_ResumesWithCursorAfterDrop(t *testing.T) {
	var conns atomic.Int32
	secondConnCursor := make(chan string, 1)
	hold := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		sseHeaders(w)

		switch n {
		case 1:
			writeEvent(w, "1", "ready", `{}`)
			writeEvent(w, "2", "job.updated", `{"job_id":"job-1","status":"running"}`)
			// Drop the connection mid-stream.
			return
		default:
			secondConnCursor <- r.Header.Get("Last-Event-ID") + "|" + r.URL.Query().Get("cursor")
			writeEvent(w, "2", "ready", `{}`)
			writeEvent(w, "3", "job.updated", `{"job_id":"job-1","status":"succeeded"}`)
			<-hold
		}
	}))
	defer ts.Close()
	defer close(hold)

	var mu sync.Mutex
	var updates []models.JobProgressEvent

	c := Open(Options{
		BaseURL:  ts.URL,
		DealID:   "deal-1",
		RetryMin: 10 * time.Millisecond,
		RetryMax: 20 * time.Millisecond,
		OnUpdate: func(ev models.JobProgressEvent) {
			mu.Lock()
			updates = append(updates, ev)
			mu.Unlock()
		},
	})
	defer c.Close()

	select {
	case got := <-secondConnCursor:
		if got != "2|2" {
			t.Errorf("expected resume with cursor 2 in header and query, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if updates[0].Status != models.JobStatusRunning {
		t.Errorf("unexpected first update status: %s", updates[0].Status)
	}
	if updates[1].Status != models.JobStatusSucceeded {
		t.Errorf("unexpected second update status: %s", updates[1].Status)
	}
	if c.Cursor() != "3" {
		t.Errorf("expected cursor 3, got %q", c.Cursor())
	}
}

func TestClose_IdempotentAndStopsReconnects(t *testing.T) {
	var conns atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		sseHeaders(w)
		// Close immediately so the client keeps reconnecting until stopped.
	}))
	defer ts.Close()

	c := Open(Options{
		BaseURL:  ts.URL,
		DealID:   "deal-1",
		RetryMin: 5 * time.Millisecond,
		RetryMax: 10 * time.Millisecond,
	})

	waitFor(t, func() bool { return conns.Load() >= 2 })

	c.Close()
	c.Close() // must not panic

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit after Close")
	}

	before := conns.Load()
	time.Sleep(50 * time.Millisecond)
	if after := conns.Load(); after != before {
		t.Errorf("reconnect attempted after Close: %d -> %d connections", before, after)
	}
}

func TestOpen_ErrorsReportedNotThrown(t *testing.T) {
	errCh := make(chan error, 8)

	c := Open(Options{
		BaseURL:  "http://127.0.0.1:1",
		DealID:   "deal-1",
		RetryMin: 5 * time.Millisecond,
		RetryMax: 10 * time.Millisecond,
		OnError:  func(err error) { errCh <- err },
	})
	defer c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStreamTransport) {
			t.Errorf("expected ErrStreamTransport, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transport error")
	}
}

func TestDispatch_MalformedPayloadReported(t *testing.T) {
	hold := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		writeEvent(w, "1", "job.updated", `{broken`)
		<-hold
	}))
	defer ts.Close()
	defer close(hold)

	errCh := make(chan error, 1)
	c := Open(Options{
		BaseURL:  ts.URL,
		DealID:   "deal-1",
		RetryMin: 5 * time.Millisecond,
		OnError:  func(err error) { errCh <- err },
	})
	defer c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("expected ErrMalformedEvent, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for malformed event report")
	}

	// A malformed event must not advance the cursor.
	if c.Cursor() != "" {
		t.Errorf("expected empty cursor, got %q", c.Cursor())
	}
}

func TestOpen_RejectedStatusReported(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	errCh := make(chan error, 8)
	c := Open(Options{
		BaseURL:  ts.URL,
		DealID:   "deal-1",
		RetryMin: 5 * time.Millisecond,
		OnError:  func(err error) { errCh <- err },
	})
	defer c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStreamStatus) {
			t.Errorf("expected ErrStreamStatus, got: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
