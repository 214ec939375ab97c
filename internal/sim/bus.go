package sim

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// replayLogSize bounds the per-deal event log kept for cursor replay.
const replayLogSize = 256

// Event is one stream frame: a named event with a monotonically increasing
// per-deal id, used by clients as their resumption cursor.
type Event struct {
	ID     int64
	DealID string
	Name   string
	Data   []byte
}

// Bus fans job events out to stream subscribers and keeps a bounded replay
// log per deal so a reconnecting client can resume from its cursor.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int64
	log    map[string][]Event
	subs   map[string][]chan Event
}

// NewBus creates a Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		log:    make(map[string][]Event),
		subs:   make(map[string][]chan Event),
	}
}

// Publish marshals payload, assigns the event its id, appends it to the
// replay log and delivers it to current subscribers. A full subscriber
// channel is skipped rather than blocked on.
func (b *Bus) Publish(dealID, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("marshaling event payload", "deal_id", dealID, "event", name, "error", err)
		return
	}

	b.mu.Lock()
	b.nextID++
	ev := Event{ID: b.nextID, DealID: dealID, Name: name, Data: data}

	entries := append(b.log[dealID], ev)
	if len(entries) > replayLogSize {
		entries = entries[len(entries)-replayLogSize:]
	}
	b.log[dealID] = entries

	subs := b.subs[dealID]
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber channel full, dropping event", "deal_id", dealID, "event_id", ev.ID)
		}
	}
}

// Subscribe returns a channel receiving events for one deal plus an
// unsubscribe function.
func (b *Bus) Subscribe(dealID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subs[dealID] = append(b.subs[dealID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subs[dealID]
		for i, sub := range subs {
			if sub == ch {
				close(ch)
				b.subs[dealID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[dealID]) == 0 {
			delete(b.subs, dealID)
		}
	}
	return ch, unsub
}

// Since returns the logged events for a deal with id greater than afterID.
// afterID 0 means the full retained log.
func (b *Bus) Since(dealID string, afterID int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, ev := range b.log[dealID] {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}
