// Package stream provides the broadcast hub that fans a job's live log
// stream out to any number of concurrent subscribers.
package stream

import (
	"log/slog"
	"sync"

	"controlplane/internal/job"
)

// Event is one server-sent event on a job stream.
type Event struct {
	Type   string `json:"type"` // "log" or "status"
	Line   string `json:"line,omitempty"`
	Status string `json:"status,omitempty"`
}

// LogEvent builds a log-line event.
func LogEvent(line string) Event {
	return Event{Type: "log", Line: line}
}

// StatusEvent builds a status event.
func StatusEvent(status job.Status) Event {
	return Event{Type: "status", Status: string(status)}
}

// subscriberHeadroom is the channel capacity reserved beyond the replayed
// backlog. A subscriber that falls this far behind is dropped rather than
// allowed to block delivery to others.
const subscriberHeadroom = 256

// Subscriber is one live viewer of a job's log stream. It never outlives its
// transport connection: the owner must call Hub.Unsubscribe on disconnect.
type Subscriber struct {
	ch      chan Event
	dropped bool // write under hub mutex
}

// Events returns the subscriber's event channel. The channel is closed when
// the job reaches a terminal state or the subscriber is dropped.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Hub multiplexes per-job event streams. All log delivery flows through the
// job store, which publishes here under its own serialization, so events for
// one subscriber arrive in exact append order.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	logger *slog.Logger

	// Drops is incremented for observability when a slow subscriber is shed.
	onDrop func()
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscriber]struct{}),
		logger: slog.With("component", "stream-hub"),
	}
}

// SetDropHook installs a callback invoked whenever a subscriber is dropped
// for falling behind. Used to wire metrics without a package dependency.
func (h *Hub) SetDropHook(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Subscribe registers a live subscriber for jobID and preloads it with the
// backlog of the job's current attempt. The caller must hold whatever lock
// makes the backlog snapshot and the registration atomic with respect to
// appends (the job store does this).
func (h *Hub) Subscribe(jobID string, backlog []Event) *Subscriber {
	sub := &Subscriber{
		ch: make(chan Event, len(backlog)+subscriberHeadroom),
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscriber]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber, typically on transport disconnect.
// Safe to call for subscribers already removed by Terminal or a drop.
func (h *Hub) Unsubscribe(jobID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
	if !sub.dropped {
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber of jobID. A subscriber whose
// buffer is full is dropped without affecting the rest.
func (h *Hub) Publish(jobID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked(jobID, ev)
}

func (h *Hub) publishLocked(jobID string, ev Event) {
	for sub := range h.subs[jobID] {
		select {
		case sub.ch <- ev:
		default:
			delete(h.subs[jobID], sub)
			sub.dropped = true
			close(sub.ch)
			if h.onDrop != nil {
				h.onDrop()
			}
			h.logger.Warn("Dropped slow subscriber", "jobId", jobID)
		}
	}
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Terminal emits one final status event to every subscriber of jobID and
// closes their streams. No further events are possible for this id+attempt.
func (h *Hub) Terminal(jobID string, status job.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.publishLocked(jobID, StatusEvent(status))
	for sub := range h.subs[jobID] {
		close(sub.ch)
	}
	delete(h.subs, jobID)
}

// Subscribers returns the number of live subscribers for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}
