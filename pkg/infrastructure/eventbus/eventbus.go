// Package eventbus provides the in-process implementation of the hub that
// every pipeline component publishes normalized events to. Dispatch is
// synchronous on the publishing goroutine; there is no persistence and no
// replay for late subscribers.
package eventbus

import (
	"sync"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/logger"
)

type wildcardEntry struct {
	id      uint64
	handler domain.EventHandler
}

// InProcessEventBus dispatches events to registered handlers immediately on
// Publish. Handler panics are contained per handler so one bad consumer
// cannot starve the others or propagate to the publisher.
type InProcessEventBus struct {
	handlers map[domain.EventType][]domain.EventHandler
	wildcard []wildcardEntry
	nextID   uint64
	mu       sync.RWMutex
	closed   bool
}

// New creates a new in-process event bus.
func New() *InProcessEventBus {
	return &InProcessEventBus{
		handlers: make(map[domain.EventType][]domain.EventHandler),
	}
}

// Publish dispatches an event to handlers for its exact type, then to
// wildcard handlers, in registration order.
func (b *InProcessEventBus) Publish(event domain.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	typed := b.handlers[event.Type]
	wild := make([]domain.EventHandler, 0, len(b.wildcard))
	for _, entry := range b.wildcard {
		wild = append(wild, entry.handler)
	}
	b.mu.RUnlock()

	for _, handler := range typed {
		b.dispatch(handler, event)
	}
	for _, handler := range wild {
		b.dispatch(handler, event)
	}
}

func (b *InProcessEventBus) dispatch(handler domain.EventHandler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("hub", "Event handler panicked", map[string]interface{}{
				"type":  string(event.Type),
				"panic": r,
			})
		}
	}()
	handler(event)
}

// Subscribe registers a handler for a specific event type.
func (b *InProcessEventBus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a wildcard handler. The returned function removes
// it; calling it more than once is harmless.
func (b *InProcessEventBus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.wildcard = append(b.wildcard, wildcardEntry{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, entry := range b.wildcard {
				if entry.id == id {
					b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
					break
				}
			}
		})
	}
}

// Close marks the bus as closed. No more events will be dispatched.
func (b *InProcessEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// HandlerCount returns the total number of registered handlers (diagnostics).
func (b *InProcessEventBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.wildcard)
	for _, handlers := range b.handlers {
		count += len(handlers)
	}
	return count
}

// Verify interface compliance at compile time.
var _ domain.EventBus = (*InProcessEventBus)(nil)
