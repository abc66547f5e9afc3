// Package events fans pipeline progress out to live subscribers.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published while a pipeline runs.
const (
	PipelineStarted  = "pipeline.started"
	PipelineFinished = "pipeline.finished"
	JobStarted       = "job.started"
	JobStep          = "job.step"
	JobFinished      = "job.finished"
	JobSkipped       = "job.skipped"
)

const subscriberBuffer = 128

// Event is one progress notification. Data is the JSON encoding of the
// payload handed to Publish.
type Event struct {
	ID    int64           `json:"id"`
	RunID string          `json:"run_id,omitempty"`
	Type  string          `json:"type"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

// Filter selects events for Snapshot and Subscribe. The zero Filter
// matches everything.
type Filter struct {
	RunID   string
	AfterID int64
}

func (f Filter) match(ev Event) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	return ev.ID > f.AfterID
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Hub is an in-memory pub/sub that keeps the most recent events so late
// subscribers can catch up. A nil *Hub drops everything published to it.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Uint64

	mu     sync.Mutex
	recent []Event
	head   int
	count  int
	closed bool

	subs      map[int]*subscriber
	nextSubID int
}

// NewHub returns a hub remembering the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		recent: make([]Event, capacity),
		subs:   make(map[int]*subscriber),
	}
}

// Publish records an event for runID and delivers it to every matching
// subscriber. Subscribers that are not keeping up miss the event.
func (h *Hub) Publish(runID, eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	ev := Event{
		ID:    h.nextID.Add(1),
		RunID: runID,
		Type:  eventType,
		At:    time.Now().UTC(),
		Data:  payload,
	}
	h.remember(ev)
	for _, s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe streams future events matching f. The returned func
// unsubscribes and closes the channel; Close does the same for everyone.
func (h *Hub) Subscribe(f Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = &subscriber{filter: f, ch: ch}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
}

// Snapshot returns the remembered events matching f, oldest first.
func (h *Hub) Snapshot(f Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	oldest := (h.head - h.count + len(h.recent)) % len(h.recent)
	for i := 0; i < h.count; i++ {
		ev := h.recent[(oldest+i)%len(h.recent)]
		if f.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

func (h *Hub) remember(ev Event) {
	h.recent[h.head] = ev
	h.head = (h.head + 1) % len(h.recent)
	if h.count < len(h.recent) {
		h.count++
	}
}
