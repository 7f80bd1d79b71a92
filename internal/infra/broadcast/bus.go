package broadcast

import (
	"context"
	"sync"

	"github.com/arklim/merchant-console-session/internal/core/domain"
	"github.com/arklim/merchant-console-session/internal/core/port"
)

// Bus is an in-process broadcaster for execution contexts sharing one
// process, and the transport used by tests. Delivery is synchronous and
// in order; receivers filter their own origin.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(domain.StateChange)
	closed   bool
}

// NewBus constructs an empty in-process bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]func(domain.StateChange))}
}

// Publish delivers the message to every subscriber, including the sender's
// own handler; origin filtering is the receiver's concern.
func (b *Bus) Publish(_ context.Context, msg domain.StateChange) error {
	b.mu.Lock()
	handlers := make([]func(domain.StateChange), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(_ context.Context, handler func(domain.StateChange)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

// Close detaches all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.handlers = make(map[int]func(domain.StateChange))
	b.closed = true
	b.mu.Unlock()
	return nil
}

var _ port.Broadcaster = (*Bus)(nil)
