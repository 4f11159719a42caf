// Package events is the in-process push channel between the controller
// and its observers (the admin websocket stream, tests). The event log
// publishes each status line here, the orchestrator publishes identity
// list changes, and the connectivity supervisor publishes link edges.
// A nil *Bus is valid and discards everything, so components never need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Sources name the component that emitted an event.
const (
	SourceLog          = "log"
	SourceOrchestrator = "orchestrator"
	SourceConnectivity = "connectivity"
	SourceDevice       = "device"
)

// Kinds describe what happened.
const (
	// KindMessage is an ordinary status line. Data: message, lines.
	KindMessage = "message"
	// KindSecurity is a security status line (pairing mismatch, match
	// suppressed). Data: message, lines.
	KindSecurity = "security"
	// KindIdentities carries the current enrolled identity list.
	// Data: identities.
	KindIdentities = "identities"
	// KindLink reports a WiFi or broker connectivity edge.
	// Data: link, up.
	KindLink = "link"
	// KindMode reports an operating mode change. Data: from, to.
	KindMode = "mode"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A subscriber
// that falls behind loses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with the given buffer size.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
