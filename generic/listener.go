/*
listener.go - Polling projection listeners

PURPOSE:
  Keeps one projection up to date in the background: poll the log from the
  projection's durable cursor, apply, sleep, repeat. A listener owns no
  state of its own; everything it needs lives in the log and the
  checkpoints, so stopping it at any moment loses nothing.

DESIGN:
  - One goroutine per projection, ticking at PollInterval
  - A failed batch is logged and retried on the next tick
  - Listeners of different projections are independent; there is no
    ordering between them

USAGE:
  l := generic.NewListener(engine, "resources", time.Second)
  l.Start(ctx)
  // ... later
  l.Stop()

  // or, blocking until ctx is done:
  err := generic.RunListeners(ctx, engine, time.Second)

SEE ALSO:
  - projection.go: Engine.CatchUp
*/
package generic

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Listener polls one projection.
type Listener struct {
	Engine       *Engine
	Projection   string
	PollInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewListener creates a listener for the named projection.
func NewListener(engine *Engine, projection string, interval time.Duration) *Listener {
	if interval <= 0 {
		interval = time.Second
	}
	return &Listener{Engine: engine, Projection: projection, PollInterval: interval}
}

// Start begins polling in a goroutine. Calling Start twice is a no-op.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_ = l.Run(ctx)
	}()
}

// Stop stops the goroutine started by Start and waits for it.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
		l.wg.Wait()
		l.cancel = nil
	}
}

// Run polls until ctx is done. It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	logger := log.WithField("projection", l.Projection)
	logger.WithField("interval", l.PollInterval).Info("listener started")

	ticker := time.NewTicker(l.PollInterval)
	defer ticker.Stop()

	// Run immediately on start
	l.Poll(ctx)

	for {
		select {
		case <-ticker.C:
			l.Poll(ctx)
		case <-ctx.Done():
			logger.Info("listener stopped")
			return nil
		}
	}
}

// Poll runs one catch-up round. Errors are logged, never returned: the
// cursor has not moved past the failing event, so the next round retries it.
func (l *Listener) Poll(ctx context.Context) int {
	n, err := l.Engine.CatchUp(ctx, l.Projection)
	logger := log.WithField("projection", l.Projection)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return n
		}
		logger.WithError(err).Warn("catch-up failed, retrying next tick")
		return n
	}
	if n > 0 {
		logger.WithField("applied", n).Debug("projection updated")
	}
	return n
}

// RunListeners runs one listener per projection of engine until ctx is done.
func RunListeners(ctx context.Context, engine *Engine, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range engine.Names() {
		l := NewListener(engine, name, interval)
		g.Go(func() error { return l.Run(ctx) })
	}
	return g.Wait()
}
