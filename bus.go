package a2abus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Bus is the central Facade: one identity, one broadcast endpoint and one query
// endpoint over a Transport, plus the handler registry the reply loop dispatches to.
//
// The publish path and the reply loop share no lock; Publish may be called from
// any goroutine while the reply loop runs.
type Bus struct {
	identity      string
	transport     Transport
	ownsTransport bool
	codec         Codec
	clock         xclock.Clock
	logger        *xlog.Logger

	broadcast *BroadcastChannel
	query     *QueryChannel
	querySock RepSocket
	registry  *HandlerRegistry

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	ctx    context.Context
	cancel context.CancelFunc

	// lifeMu orders loops.Add against Shutdown setting closed.
	lifeMu    sync.Mutex
	loops     sync.WaitGroup
	looping   atomic.Bool
	loopErrMu sync.Mutex
	loopErr   error

	errorCount atomic.Uint64
	closed     atomic.Bool
	closeOnce  sync.Once
}

// Identity is the name this bus signs its replies with.
func (b *Bus) Identity() string { return b.identity }

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Transport returns the transport the bus is bound on, so peers in the same
// process can subscribe or connect through it.
func (b *Bus) Transport() Transport { return b.transport }

func (b *Bus) BroadcastEndpoint() string { return b.broadcast.Endpoint() }

func (b *Bus) QueryEndpoint() string { return b.query.cfg.Endpoint }

// Handlers lists the message types with a registered handler.
func (b *Bus) Handlers() []string { return b.registry.Types() }

// Publish broadcasts env under topic. It never waits for subscribers.
func (b *Bus) Publish(ctx context.Context, topic string, env *Envelope) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if env == nil {
		return &ValidationError{Field: "envelope", Reason: "must not be nil"}
	}

	start := b.clock.Now()
	b.notifyAsync(Event{Type: PublishStart, Topic: topic, MsgType: env.Type, MessageID: env.ID, Source: env.Source})

	err := b.broadcast.Publish(ctx, topic, env)

	b.notifyAsync(Event{
		Type:      PublishDone,
		Topic:     topic,
		MsgType:   env.Type,
		MessageID: env.ID,
		Source:    env.Source,
		Duration:  b.clock.Since(start),
		Err:       err,
	})
	if err != nil {
		b.errorCount.Add(1)
	}
	return err
}

// RegisterHandler binds msgType to h. Re-registering a type replaces the handler;
// this is allowed while the reply loop is running.
func (b *Bus) RegisterHandler(msgType string, h Handler) error {
	return b.registry.Register(msgType, h)
}

// RegisterHandlerFunc is RegisterHandler for plain functions.
func (b *Bus) RegisterHandlerFunc(msgType string, fn func(ctx context.Context, env *Envelope) (Payload, error)) error {
	if fn == nil {
		return &ValidationError{Field: "handler", Reason: "must not be nil"}
	}
	return b.registry.Register(msgType, HandlerFunc(fn))
}

// StartReplyLoop serves the query endpoint on a background goroutine and returns
// immediately. The loop stops when ctx is done or the bus shuts down. Starting a
// second loop while one is running fails with ErrProtocolViolation.
func (b *Bus) StartReplyLoop(ctx context.Context) error {
	if err := b.enterLoop(); err != nil {
		return err
	}
	lctx, stop := b.loopContext(ctx)
	go func() {
		defer b.loops.Done()
		defer b.looping.Store(false)
		defer stop()
		if err := b.query.Serve(lctx); err != nil {
			b.errorCount.Add(1)
			b.loopErrMu.Lock()
			b.loopErr = err
			b.loopErrMu.Unlock()
		}
	}()
	b.logger.Info().Str("identity", b.identity).Str("endpoint", b.QueryEndpoint()).Msg("a2abus: reply loop started")
	return nil
}

// Serve runs the reply loop on the calling goroutine until ctx is done or the bus
// shuts down (returning nil), or the transport fails (returning a *TransportError).
func (b *Bus) Serve(ctx context.Context) error {
	if err := b.enterLoop(); err != nil {
		return err
	}
	defer b.loops.Done()
	defer b.looping.Store(false)
	lctx, stop := b.loopContext(ctx)
	defer stop()
	err := b.query.Serve(lctx)
	if err != nil {
		b.errorCount.Add(1)
	}
	return err
}

// enterLoop claims the single reply loop slot and registers it with loops.
// Once Shutdown has marked the bus closed no new loop can register.
func (b *Bus) enterLoop() error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !b.looping.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: reply loop already started", ErrProtocolViolation)
	}
	b.loops.Add(1)
	return nil
}

// loopContext derives a context cancelled by either ctx or bus shutdown.
func (b *Bus) loopContext(ctx context.Context) (context.Context, func()) {
	lctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(b.ctx, cancel)
	return lctx, func() {
		stopAfter()
		cancel()
	}
}

// GetStats returns the published and handled counters.
func (b *Bus) GetStats() Stats {
	return Stats{
		Published: b.broadcast.Published(),
		Handled:   b.query.Handled(),
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Published:          b.broadcast.Published(),
		Handled:            b.query.Handled(),
		DispatchMisses:     b.query.misses.Load(),
		HandlerFailures:    b.query.failures.Load(),
		MalformedRequests:  b.query.malformed.Load(),
		Errors:             b.errorCount.Load(),
		AvgHandlerTimeMs:   float64(b.query.handlerNs.Load()) / 1e6,
		RegisteredHandlers: b.registry.Len(),
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health checks bus health for Kubernetes probes.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "bus is closed"}
	}

	metrics := b.GetMetrics()

	b.loopErrMu.Lock()
	loopErr := b.loopErr
	b.loopErrMu.Unlock()
	if loopErr != nil {
		return HealthStatus{Status: "unhealthy", Metrics: metrics, Timestamp: now, Message: loopErr.Error()}
	}

	status := "healthy"
	// Degraded if more than 5% of handled requests failed in their handler.
	if metrics.Handled > 0 {
		failRate := float64(metrics.HandlerFailures) / float64(metrics.Handled)
		if failRate > 0.05 {
			status = "degraded"
		}
	}
	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now}
}

// Shutdown stops the reply loop, closes both endpoints, drains observers and
// closes the transport when the bus created it. Safe to call more than once.
func (b *Bus) Shutdown(ctx context.Context) error {
	var errs []error

	b.closeOnce.Do(func() {
		b.lifeMu.Lock()
		b.closed.Store(true)
		b.lifeMu.Unlock()
		b.cancel()

		if err := b.querySock.Close(); err != nil && !errors.Is(err, ErrSocketClosed) {
			errs = append(errs, err)
		}
		if err := b.broadcast.Close(); err != nil && !errors.Is(err, ErrSocketClosed) {
			errs = append(errs, err)
		}

		done := make(chan struct{})
		go func() {
			b.loops.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			b.logger.Warn().Err(ctx.Err()).Msg("a2abus: reply loop did not stop before shutdown deadline")
			errs = append(errs, ctx.Err())
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("a2abus: observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}

		if b.ownsTransport {
			if err := b.transport.Close(ctx); err != nil {
				b.logger.Error().Err(err).Msg("a2abus: transport close failed")
				errs = append(errs, err)
			}
		}
		b.logger.Info().Str("identity", b.identity).Msg("a2abus: bus shut down")
	})

	return errors.Join(errs...)
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync hands events to the observer pool without blocking.
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}
