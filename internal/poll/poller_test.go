package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dealdesk/jobpulse/pkg/models"
)

// fakeFetcher serves a scripted sequence of responses; once the script is
// exhausted it keeps returning the last entry.
type fakeFetcher struct {
	mu        sync.Mutex
	script    []fakeResponse
	callTimes []time.Time
}

type fakeResponse struct {
	body string
	err  error
}

func (f *fakeFetcher) JobStatus(ctx context.Context, jobID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.callTimes = append(f.callTimes, time.Now())
	i := len(f.callTimes) - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	r := f.script[i]
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(r.body), nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callTimes)
}

func (f *fakeFetcher) gaps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var gaps []time.Duration
	for i := 1; i < len(f.callTimes); i++ {
		gaps = append(gaps, f.callTimes[i].Sub(f.callTimes[i-1]))
	}
	return gaps
}

func statusBody(status string, pct int) string {
	return fmt.Sprintf(`{"job_id":"job-1","status":"%s","progress_pct":%d}`, status, pct)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStart_StopsOnTerminalStatus(t *testing.T) {
	fetcher := &fakeFetcher{script: []fakeResponse{
		{body: statusBody("queued", 0)},
		{body: statusBody("running", 40)},
		{body: statusBody("succeeded", 100)},
	}}

	var mu sync.Mutex
	var seen []models.JobStatus

	p := New(Options{
		Fetcher:  fetcher,
		DealID:   "deal-1",
		Interval: 5 * time.Millisecond,
		OnUpdate: func(ev models.JobProgressEvent) {
			mu.Lock()
			seen = append(seen, ev.Status)
			mu.Unlock()
		},
	})
	cancel := p.Start("job-1")
	defer cancel()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	// No further request may be scheduled after the terminal observation.
	time.Sleep(30 * time.Millisecond)
	if got := fetcher.calls(); got != 3 {
		t.Errorf("expected exactly 3 polls, got %d", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[2] != models.JobStatusSucceeded {
		t.Errorf("expected final status succeeded, got %s", seen[2])
	}
}

func TestStart_TransientFailureDoesNotStopLoop(t *testing.T) {
	fetcher := &fakeFetcher{script: []fakeResponse{
		{body: statusBody("running", 10)},
		{err: errors.New("connection reset")},
		{body: statusBody("succeeded", 100)},
	}}

	var mu sync.Mutex
	var errs []error
	var finals []models.JobStatus

	p := New(Options{
		Fetcher:  fetcher,
		DealID:   "deal-1",
		Interval: 5 * time.Millisecond,
		OnUpdate: func(ev models.JobProgressEvent) {
			mu.Lock()
			finals = append(finals, ev.Status)
			mu.Unlock()
		},
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	cancel := p.Start("job-1")
	defer cancel()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finals) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Errorf("expected 1 reported error, got %d", len(errs))
	}
	if finals[1] != models.JobStatusSucceeded {
		t.Errorf("expected recovery to succeeded, got %s", finals[1])
	}
}

func TestStart_UninterpretableResponseReported(t *testing.T) {
	fetcher := &fakeFetcher{script: []fakeResponse{
		{body: `{"status":"running"}`}, // no job_id
		{body: statusBody("succeeded", 100)},
	}}

	errCh := make(chan error, 1)
	p := New(Options{
		Fetcher:  fetcher,
		DealID:   "deal-1",
		Interval: 5 * time.Millisecond,
		OnError:  func(err error) { errCh <- err },
	})
	cancel := p.Start("job-1")
	defer cancel()

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error report")
	}
}

func TestStart_CadenceSwitchesOnStreamReady(t *testing.T) {
	fetcher := &fakeFetcher{script: []fakeResponse{
		{body: statusBody("running", 10)},
	}}

	var ready sync.Mutex
	streamReady := false
	setReady := func(v bool) { ready.Lock(); streamReady = v; ready.Unlock() }
	getReady := func() bool { ready.Lock(); defer ready.Unlock(); return streamReady }

	p := New(Options{
		Fetcher:         fetcher,
		DealID:          "deal-1",
		Interval:        10 * time.Millisecond,
		RelaxedInterval: 80 * time.Millisecond,
		StreamReady:     getReady,
	})
	cancel := p.Start("job-1")
	defer cancel()

	waitFor(t, func() bool { return fetcher.calls() >= 3 })
	setReady(true)
	callsAtSwitch := fetcher.calls()

	waitFor(t, func() bool { return fetcher.calls() >= callsAtSwitch+2 })
	cancel()

	gaps := fetcher.gaps()
	// Gaps before the switch follow the tight interval, after it the
	// relaxed one. Generous bounds keep this stable under CI jitter.
	if gaps[0] > 60*time.Millisecond {
		t.Errorf("expected tight cadence before ready, got gap %s", gaps[0])
	}
	last := gaps[len(gaps)-1]
	if last < 70*time.Millisecond {
		t.Errorf("expected relaxed cadence after ready, got gap %s", last)
	}
}

func TestStart_CancelStopsPolling(t *testing.T) {
	fetcher := &fakeFetcher{script: []fakeResponse{
		{body: statusBody("running", 10)},
	}}

	p := New(Options{
		Fetcher:  fetcher,
		DealID:   "deal-1",
		Interval: 5 * time.Millisecond,
	})
	cancel := p.Start("job-1")

	waitFor(t, func() bool { return fetcher.calls() >= 2 })
	cancel()
	cancel() // idempotent

	before := fetcher.calls()
	time.Sleep(30 * time.Millisecond)
	if after := fetcher.calls(); after != before {
		t.Errorf("poll issued after cancel: %d -> %d", before, after)
	}
}
