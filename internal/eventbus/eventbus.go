package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the stack registry.
const (
	StackState     = "stack.state"     // Payload: StateChange
	StackOperation = "stack.operation" // Payload: OperationStarted
)

// Event represents something that happened in the system.
type Event struct {
	Type    string    `json:"type"`
	Stack   string    `json:"stack,omitempty"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Handler is a callback that processes an event.
type Handler func(event Event)

// Bus is an in-memory publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
	logger   *slog.Logger
}

type subscription struct {
	id uint64
	fn Handler
}

// New creates a new Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// Subscribe registers a handler for the given event type and returns a
// function that removes it. Use "*" to subscribe to all events.
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, fn: handler})

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
		handlers = append(handlers, s.fn)
	}
	for _, s := range b.handlers["*"] {
		handlers = append(handlers, s.fn)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", event.Type,
						"stack", event.Stack,
						"panic", r,
					)
				}
			}()
			h(event)
		}()
	}
}
