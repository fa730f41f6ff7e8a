package memory

import (
	"fmt"

	"github.com/trickstertwo/a2abus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus on a fresh in-memory transport owned by the bus.
// Peers in the same process reach it through bus.Transport().
//
// Example:
//
//	bus := memory.Use(memory.Config{BufferSize: 4096},
//	    memory.WithIdentity("MessageBus"),
//	    memory.WithLogger(logger),
//	)
//	defer bus.Shutdown(context.Background())
//
// Use panics if the bus cannot be built.
func Use(cfg Config, opts ...Option) *a2abus.Bus {
	bb := a2abus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return bus
}

// Option configures the a2abus.Bus when calling Use.
type Option func(*a2abus.BusBuilder)

// WithIdentity names the bus (default: "MessageBus").
func WithIdentity(name string) Option {
	return func(b *a2abus.BusBuilder) { b.WithIdentity(name) }
}

// WithEndpoints overrides the broadcast and query endpoint names.
func WithEndpoints(broadcast, query string) Option {
	return func(b *a2abus.BusBuilder) { b.WithEndpoints(broadcast, query) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *a2abus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *a2abus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *a2abus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds handler middlewares (retry, timeout, etc).
func WithMiddleware(mw ...a2abus.Middleware) Option {
	return func(b *a2abus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithHandler registers a handler at build time.
func WithHandler(msgType string, h a2abus.Handler) Option {
	return func(b *a2abus.BusBuilder) { b.WithHandler(msgType, h) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...a2abus.Observer) Option {
	return func(b *a2abus.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *a2abus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
