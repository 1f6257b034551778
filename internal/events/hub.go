// Package events is an in-process observability stream. Coordinator
// components publish what they did; the API relays it over SSE and the
// monitor renders it. Nothing in the command path depends on delivery.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by scriptd components.
const (
	TypeCommand             = "dispatch.command"
	TypeBroadcast           = "broadcast.sent"
	TypeBadgeUpdated        = "badge.updated"
	TypeBadgeExpired        = "badge.expired"
	TypeAutoUpdateSkipped   = "autoupdate.skipped"
	TypeAutoUpdateStarted   = "autoupdate.started"
	TypeAutoUpdateFinished  = "autoupdate.finished"
	TypeNotificationClicked = "notification.clicked"
	TypeNotificationClosed  = "notification.closed"
	TypeConnected           = "gateway.connected"
	TypeDisconnected        = "gateway.disconnected"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps the last few for late clients.
type Hub struct {
	mu sync.Mutex
	// nextID is assigned under mu so backlog and subscribers see IDs in order.
	nextID  int64
	backlog []Event
	limit   int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		backlog: make([]Event, 0, capacity),
		limit:   capacity,
		subs:    make(map[int]chan Event),
	}
}

// Publish records an event. A nil Hub drops it, so components may run without one.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ev := Event{
		ID:   h.nextID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	if len(h.backlog) == h.limit {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:h.limit-1]
	}
	h.backlog = append(h.backlog, ev)

	for _, ch := range h.subs {
		// Slow subscribers lose events rather than stall publishers.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Since returns buffered events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.backlog))
	for _, ev := range h.backlog {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
