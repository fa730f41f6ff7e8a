package redis

import (
	"time"

	"github.com/trickstertwo/a2abus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Option configures the a2abus.Bus construction when calling Use.
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

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *a2abus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds handler middlewares.
func WithMiddleware(mw ...a2abus.Middleware) Option {
	return func(b *a2abus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *a2abus.BusBuilder) { b.WithHandlerTimeout(d) }
}

// WithHandler registers a handler at build time.
func WithHandler(msgType string, h a2abus.Handler) Option {
	return func(b *a2abus.BusBuilder) { b.WithHandler(msgType, h) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...a2abus.Observer) Option {
	return func(b *a2abus.BusBuilder) { b.WithObserver(obs...) }
}
