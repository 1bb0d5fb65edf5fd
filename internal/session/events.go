package session

import (
	"slices"
	"sync"
	"time"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventKeepaliveFailed  EventType = "keepalive_failed"
	EventTransportLost    EventType = "transport_lost"
	EventReconnecting     EventType = "reconnecting"
	EventReconnectSuccess EventType = "reconnect_success"
	EventReconnectFailed  EventType = "reconnect_failed"
	EventSessionLost      EventType = "session_lost"
)

// Event is a session lifecycle event.
type Event struct {
	Identity  string    `json:"identity"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// EventListener receives events synchronously from the goroutine that
// produced them. Listeners must not block.
type EventListener func(Event)

const maxEvents = 100

type eventLog struct {
	mu        sync.RWMutex
	events    []Event
	listeners []EventListener
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > maxEvents {
		l.events = l.events[len(l.events)-maxEvents:]
	}
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (l *eventLog) subscribe(fn EventListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *eventLog) recent() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.events)
}
