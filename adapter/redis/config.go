package redis

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Namespace prefixes every key and channel the transport touches.
	Namespace string

	// Query streams
	Group        string
	Consumer     string
	Block        time.Duration
	ReplyTTL     time.Duration
	MaxLenApprox int64
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "a2abus"
	}

	return Config{
		Addr:         "127.0.0.1:6379",
		Namespace:    "a2abus",
		Group:        "a2abus",
		Consumer:     fmt.Sprintf("a2abus-%s-%d", hostname, os.Getpid()),
		Block:        time.Second,
		ReplyTTL:     time.Minute,
		MaxLenApprox: 10000,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Namespace == "" {
		return fmt.Errorf("config: namespace required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ReplyTTL <= 0 {
		return fmt.Errorf("config: reply_ttl must be > 0, got %v", c.ReplyTTL)
	}
	return nil
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"namespace":       c.Namespace,
		"group":           c.Group,
		"consumer":        c.Consumer,
		"block":           c.Block,
		"reply_ttl":       c.ReplyTTL,
		"max_len_approx":  c.MaxLenApprox,
	}
}

// ConfigFromMap converts a generic map (builder options or a TOML table) to Config
// with defaults. Durations may be time.Duration values or strings such as "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	getInt := func(k string) (int64, bool) {
		switch v := m[k].(type) {
		case int:
			return int64(v), true
		case int32:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			return int64(v), true
		}
		return 0, false
	}
	getDur := func(k string) (time.Duration, bool) {
		switch v := m[k].(type) {
		case time.Duration:
			return v, true
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				return d, true
			}
		}
		return 0, false
	}

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := getInt("db"); ok {
		c.DB = int(v)
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["namespace"].(string); ok && v != "" {
		c.Namespace = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := getDur("block"); ok && v > 0 {
		c.Block = v
	}
	if v, ok := getDur("reply_ttl"); ok && v > 0 {
		c.ReplyTTL = v
	}
	if v, ok := getInt("max_len_approx"); ok && v >= 0 {
		c.MaxLenApprox = v
	}

	return c
}
