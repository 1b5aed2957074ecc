package engine

import (
	"sync"
	"time"
)

// EventType enumerates run lifecycle events.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventRunFinished   EventType = "run_finished"
	EventNodeStarted   EventType = "node_started"
	EventNodeFinished  EventType = "node_finished"
	EventNodeRetry     EventType = "node_retry"
	EventNodeSkipped   EventType = "node_skipped"
	EventRunCancelling EventType = "run_cancelling"
)

// Event is one scheduler notification.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id,omitempty"`
	NodeRunID string    `json:"node_run_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Listener receives scheduler events. Callbacks run on the scheduler
// goroutine and must not block.
type Listener interface {
	OnRunEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnRunEvent(e Event) { f(e) }

// broadcaster fans events out to registered listeners.
type broadcaster struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (b *broadcaster) subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *broadcaster) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		l.OnRunEvent(e)
	}
}
