package redis

import (
	"fmt"

	"github.com/trickstertwo/a2abus"
)

// Adapter: Redis Transport (Strategy + Adapter patterns)

const TransportName = "redis"

func init() {
	if err := a2abus.RegisterTransport(TransportName, func(cfg map[string]any) (a2abus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("a2abus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on a Redis transport owned by the bus and returns it.
// It panics if Redis is unreachable or the endpoints cannot be bound.
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
		panic(fmt.Errorf("redis.Use: %w", err))
	}
	return bus
}
