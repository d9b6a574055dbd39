// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (orchestrator,
// index rebuilds, command execution) to subscribers (MQTT status
// publisher, future metrics collectors). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the utterance pipeline.
	SourceOrchestrator = "orchestrator"
	// SourceIndex identifies events from vector index rebuilds.
	SourceIndex = "index"
	// SourceSession identifies events from the confirmation state machine.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an utterance.
	// Data: request_id, conversation_id, text_len.
	KindRequestStart = "request_start"
	// KindRequestComplete signals the end of an utterance.
	// Data: request_id, conversation_id, intent, success, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindCommandsExecuted signals a confirmed command batch ran.
	// Data: conversation_id, commands, failed.
	KindCommandsExecuted = "commands_executed"
	// KindSessionExpired signals a confirmation session was swept.
	// Data: conversation_id, age_seconds.
	KindSessionExpired = "session_expired"
	// KindRebuildStart signals an index rebuild has begun.
	// Data: (none).
	KindRebuildStart = "rebuild_start"
	// KindRebuildComplete signals an index rebuild has finished.
	// Data: documents, ok, elapsed_ms.
	KindRebuildComplete = "rebuild_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
