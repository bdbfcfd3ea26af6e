/*
Package redisbus carries integration events over Redis pub/sub.

PURPOSE:
  The integration bus models a boundary a real deployment would cross
  asynchronously (calculation, payment reconciliation, transaction
  processing). This implementation publishes each stored event as JSON on a
  Redis channel; every process that called Start receives it and runs its
  handlers.

DELIVERY:
  Pub/sub is fire-and-forget: a message published while no subscriber is
  connected is lost. That is acceptable because the event itself is already
  in the log and every handler is idempotent on its causation id, so the
  step can be replayed from the log.

  With several replicas subscribed, a claim key (SET NX with a TTL) per
  consumer group and event uid makes exactly one replica handle a message.
  A failed handler releases its claim so a later redelivery can retry.

USAGE:
  rc := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
  bus := redisbus.New(rc, redisbus.Options{Channel: "welfare.integration"})
  bus.Subscribe(welfare.TypeDataPushed, handler)
  if err := bus.Start(ctx); err != nil { ... }
  defer bus.Close()
*/
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/warp/benefit-engine/generic"
)

// Options configures a Bus.
type Options struct {
	// Channel is the Redis pub/sub channel. Defaults to "welfare.integration".
	Channel string

	// Group names the consumer group sharing claims. Defaults to "welfare".
	Group string

	// ClaimTTL is how long a claim is kept. Zero disables claims, so every
	// subscribed process handles every message.
	ClaimTTL time.Duration
}

// Bus implements generic.Bus over Redis pub/sub.
type Bus struct {
	client *redis.Client
	opts   Options

	mu       sync.RWMutex
	handlers map[generic.EventType][]generic.Handler

	cancel context.CancelFunc
	done   chan struct{}
}

var _ generic.Bus = (*Bus)(nil)

// New creates a Bus. Call Start to begin receiving.
func New(client *redis.Client, opts Options) *Bus {
	if opts.Channel == "" {
		opts.Channel = "welfare.integration"
	}
	if opts.Group == "" {
		opts.Group = "welfare"
	}
	return &Bus{
		client:   client,
		opts:     opts,
		handlers: make(map[generic.EventType][]generic.Handler),
	}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t generic.EventType, h generic.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish sends events on the channel, in order.
func (b *Bus) Publish(ctx context.Context, events ...generic.Event) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ev, err)
		}
		if err := b.client.Publish(ctx, b.opts.Channel, data).Err(); err != nil {
			return &generic.StorageError{Op: "publish " + ev.String(), Err: err}
		}
	}
	return nil
}

// Start subscribes and dispatches in the background until Close or until
// ctx is done. It returns once the subscription is confirmed by Redis.
func (b *Bus) Start(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.opts.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", b.opts.Channel, err)
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		defer sub.Close()
		b.run(ctx, sub.Channel())
	}()

	log.WithField("channel", b.opts.Channel).Info("integration bus subscribed")
	return nil
}

// Close stops dispatching and waits for the running handler to return.
func (b *Bus) Close() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.cancel = nil
}

func (b *Bus) run(ctx context.Context, ch <-chan *redis.Message) {
	logger := log.WithField("channel", b.opts.Channel)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Warn("pubsub channel closed")
				return
			}
			var ev generic.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.WithError(err).Error("unable to parse message")
				continue
			}
			if err := b.deliver(ctx, ev); err != nil {
				logger.WithField("event", ev.String()).WithError(err).Warn("handler failed")
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev generic.Event) error {
	b.mu.RLock()
	handlers := append([]generic.Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return nil
	}

	claimed, err := b.claim(ctx, ev)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.release(ctx, ev)
		return err
	}
	return nil
}

func (b *Bus) claimKey(ev generic.Event) string {
	return fmt.Sprintf("%s:%s:%s", b.opts.Group, b.opts.Channel, ev.EventUID)
}

// claim records the event uid if it does not already exist. It returns true
// when this process should handle the event.
func (b *Bus) claim(ctx context.Context, ev generic.Event) (bool, error) {
	if b.opts.ClaimTTL <= 0 {
		return true, nil
	}
	return b.client.SetNX(ctx, b.claimKey(ev), 1, b.opts.ClaimTTL).Result()
}

func (b *Bus) release(ctx context.Context, ev generic.Event) {
	if b.opts.ClaimTTL <= 0 {
		return
	}
	if err := b.client.Del(ctx, b.claimKey(ev)).Err(); err != nil {
		log.WithField("event", ev.String()).WithError(err).Warn("release claim failed")
	}
}
