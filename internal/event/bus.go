// Package event provides the in-process publish/subscribe bus carrying stack
// lifecycle events to the audit trail, hooks and watchers.
package event

import (
	"log/slog"
	"sync"
	"time"
)

// Lifecycle event types.
const (
	StackCreated      = "stack.created"
	StackCreateFailed = "stack.create_failed"
	StackStarted      = "stack.started"
	StackStopped      = "stack.stopped"
	StackDeleted      = "stack.deleted"
	StackDeleteFailed = "stack.delete_failed"
)

// Event represents something that happened to a stack.
type Event struct {
	Type    string    `json:"type"`
	StackID int       `json:"stack_id"`
	Detail  string    `json:"detail,omitempty"`
	Error   string    `json:"error,omitempty"`
	Source  string    `json:"source,omitempty"` // client address or "cli"
	Time    time.Time `json:"time"`
}

// Failed reports whether the event records a failed operation.
func (e Event) Failed() bool { return e.Error != "" }

// Handler is a callback that processes an event.
type Handler func(event Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-memory publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
	logger   *slog.Logger
}

// NewBus creates a new Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// Subscribe registers a handler for the given event type.
// Use "*" to subscribe to all events. The returned func removes the handler.
func (b *Bus) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish dispatches an event to all matching subscribers.
// Handlers are invoked synchronously in registration order.
// A panicking handler is recovered and logged without affecting others.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	for _, s := range b.handlers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.handlers["*"] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", event.Type,
						"stack_id", event.StackID,
						"panic", r,
					)
				}
			}()
			h(event)
		}()
	}
}
