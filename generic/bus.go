/*
bus.go - Message passing between pipeline steps

PURPOSE:
  After a command appends its events, the events are published so that the
  next step of the causal pipeline can react. Two buses exist:
    - domain bus:      in-process follow-ups of a command
    - integration bus: steps that would cross a service boundary in a real
                       deployment (calculation, payment reconciliation,
                       transaction processing)

ChannelBus:
  A bounded queue. Publish never dispatches inline; Flush drains the queue,
  running the handlers of each message. Handlers may publish further
  messages, which the same Flush drains too. Handler registration order has
  no influence on correctness because every handler is idempotent on the
  causation id of the event it reacts to.

SEE ALSO:
  - bus/redis: Integration bus over Redis pub/sub
  - welfare/pipeline.go: The handlers
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler reacts to a published event.
type Handler func(ctx context.Context, ev Event) error

// Bus publishes stored events to subscribed handlers.
type Bus interface {
	Publish(ctx context.Context, events ...Event) error
	Subscribe(t EventType, h Handler)
}

// Flusher is implemented by buses that dispatch on demand.
type Flusher interface {
	// Flush dispatches queued messages until none remain and returns the
	// joined handler errors.
	Flush(ctx context.Context) error
}

// DefaultBusCapacity is the queue size used when none is given.
const DefaultBusCapacity = 1024

// =============================================================================
// CHANNEL BUS
// =============================================================================

// ChannelBus is a bounded in-process bus.
type ChannelBus struct {
	name  string
	queue chan Event

	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewChannelBus creates a bus holding at most capacity undelivered messages.
func NewChannelBus(name string, capacity int) *ChannelBus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &ChannelBus{
		name:     name,
		queue:    make(chan Event, capacity),
		handlers: make(map[EventType][]Handler),
	}
}

// Name identifies the bus in logs.
func (b *ChannelBus) Name() string { return b.name }

// Subscribe registers h for events of type t.
func (b *ChannelBus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish enqueues events. Fails with ErrBusFull when the queue is full; the
// events remain in the log and are picked up by the next replay of the step.
func (b *ChannelBus) Publish(_ context.Context, events ...Event) error {
	for _, ev := range events {
		select {
		case b.queue <- ev:
		default:
			return fmt.Errorf("%s bus: %w (dropped %s)", b.name, ErrBusFull, ev)
		}
	}
	return nil
}

// Pending returns the number of undelivered messages.
func (b *ChannelBus) Pending() int { return len(b.queue) }

// Flush dispatches until the queue is empty.
func (b *ChannelBus) Flush(ctx context.Context) error {
	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		select {
		case ev := <-b.queue:
			if err := b.dispatch(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

func (b *ChannelBus) dispatch(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			log.WithFields(log.Fields{
				"bus":   b.name,
				"event": ev.String(),
			}).WithError(err).Warn("handler failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FlushAll flushes each bus that supports it, repeating until a full round
// dispatches nothing, so that messages bouncing between buses are drained.
func FlushAll(ctx context.Context, buses ...Bus) error {
	var errs []error
	for {
		pending := false
		for _, b := range buses {
			f, ok := b.(Flusher)
			if !ok {
				continue
			}
			if err := f.Flush(ctx); err != nil {
				errs = append(errs, err)
				if ctx.Err() != nil {
					return errors.Join(errs...)
				}
			}
		}
		for _, b := range buses {
			if cb, ok := b.(*ChannelBus); ok && cb.Pending() > 0 {
				pending = true
			}
		}
		if !pending {
			return errors.Join(errs...)
		}
	}
}
