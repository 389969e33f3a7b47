package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus. Handlers run on their own goroutines
// so a slow subscriber cannot block a publisher.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	closed      bool
	sync        bool
}

// NewMemoryBus creates an in-process bus with asynchronous dispatch.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]Handler),
	}
}

// NewSyncMemoryBus creates a bus that delivers inline on Publish.
// Tests use it where delivery ordering must be deterministic.
func NewSyncMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]Handler),
		sync:        true,
	}
}

// Subscribe registers a handler for a topic.
func (mb *MemoryBus) Subscribe(topic string, handler Handler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.subscribers[topic] = append(mb.subscribers[topic], handler)
}

// Publish delivers the payload to every subscriber of the topic.
func (mb *MemoryBus) Publish(ctx context.Context, topic string, payload map[string]interface{}) error {
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return nil
	}
	handlers := make([]Handler, len(mb.subscribers[topic]))
	copy(handlers, mb.subscribers[topic])
	mb.mu.RUnlock()

	msg := Message{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for _, h := range handlers {
		if mb.sync {
			h(msg)
		} else {
			go h(msg) // Run in goroutine to avoid blocking
		}
	}

	return nil
}

// Close stops delivery of further messages.
func (mb *MemoryBus) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	return nil
}
