package a2abus

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the file form of a bus definition.
//
//	identity = "MessageBus"
//	transport = "redis"
//	broadcast_endpoint = "127.0.0.1:5555"
//	query_endpoint = "127.0.0.1:5556"
//	handler_timeout = "30s"
//
//	[redis]
//	addr = "127.0.0.1:6379"
type Config struct {
	Identity          string         `toml:"identity"`
	Transport         string         `toml:"transport"`
	BroadcastEndpoint string         `toml:"broadcast_endpoint"`
	QueryEndpoint     string         `toml:"query_endpoint"`
	Codec             string         `toml:"codec"`
	HandlerTimeout    string         `toml:"handler_timeout"`
	Observer          ObserverConfig `toml:"observer"`

	// Adapter sections, passed through to the transport factory.
	Memory map[string]any `toml:"memory"`
	Redis  map[string]any `toml:"redis"`
}

type ObserverConfig struct {
	Workers int `toml:"workers"`
	Buffer  int `toml:"buffer"`
}

// DefaultConfig returns a Config with the conventional identity and endpoints.
func DefaultConfig() Config {
	return Config{
		Identity:          DefaultIdentity,
		Transport:         "memory",
		BroadcastEndpoint: DefaultBroadcastEndpoint,
		QueryEndpoint:     DefaultQueryEndpoint,
		Codec:             "json",
		Observer:          ObserverConfig{Workers: 4, Buffer: 1000},
	}
}

// LoadConfig reads a TOML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig is LoadConfig for in-memory TOML.
func ParseConfig(content string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks Config for completeness.
func (c Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("config: identity required")
	}
	if c.Transport == "" {
		return fmt.Errorf("config: transport required")
	}
	if c.BroadcastEndpoint == "" || c.QueryEndpoint == "" {
		return fmt.Errorf("config: broadcast_endpoint and query_endpoint required")
	}
	if c.BroadcastEndpoint == c.QueryEndpoint {
		return fmt.Errorf("config: broadcast_endpoint and query_endpoint must differ, both are %q", c.BroadcastEndpoint)
	}
	if _, err := c.handlerTimeout(); err != nil {
		return err
	}
	if c.Observer.Workers < 0 || c.Observer.Buffer < 0 {
		return fmt.Errorf("config: observer workers and buffer must be >= 0")
	}
	return nil
}

func (c Config) handlerTimeout() (time.Duration, error) {
	if c.HandlerTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.HandlerTimeout)
	if err != nil {
		return 0, fmt.Errorf("config: handler_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: handler_timeout must be >= 0, got %v", d)
	}
	return d, nil
}

// TransportOptions returns the adapter section matching Transport.
func (c Config) TransportOptions() map[string]any {
	switch c.Transport {
	case "memory":
		return c.Memory
	case "redis":
		return c.Redis
	}
	return nil
}

// Apply copies the configuration onto a builder.
func (c Config) Apply(bb *BusBuilder) *BusBuilder {
	bb.WithTransport(c.Transport, c.TransportOptions()).
		WithIdentity(c.Identity).
		WithEndpoints(c.BroadcastEndpoint, c.QueryEndpoint).
		WithObserverPool(c.Observer.Workers, c.Observer.Buffer)
	if c.Codec != "" {
		bb.WithCodec(c.Codec)
	}
	if d, err := c.handlerTimeout(); err == nil && d > 0 {
		bb.WithHandlerTimeout(d)
	}
	return bb
}

// NewFromConfig builds a Bus from cfg; init may add handlers, observers or a logger.
func NewFromConfig(cfg Config, init func(b *BusBuilder)) (*Bus, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return New(func(b *BusBuilder) {
		cfg.Apply(b)
		if init != nil {
			init(b)
		}
	})
}
