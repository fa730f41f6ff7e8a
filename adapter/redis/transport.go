package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trickstertwo/a2abus"
)

type Transport struct {
	cfg    Config
	client *goredis.Client

	closed atomic.Bool

	mu      sync.Mutex
	pubs    map[string]bool
	sockets map[closer]struct{}

	metrics *transportMetrics
}

type closer interface{ Close() error }

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	received      atomic.Uint64
	requests      atomic.Uint64
	replies       atomic.Uint64
	publishErrors atomic.Uint64
	pollErrors    atomic.Uint64
}

var _ a2abus.Transport = (*Transport)(nil)

// NewTransport connects to Redis and verifies the connection with PING.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &goredis.Options{
		Addr:                  cfg.Addr,
		Username:              cfg.Username,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		MaxRetries:            3,
		PoolSize:              10,
		MinIdleConns:          2,
		ContextTimeoutEnabled: true,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := goredis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newTransport(cfg, client), nil
}

// NewTransportWithClient wraps an existing client. Close closes the client.
func NewTransportWithClient(cfg Config, client *goredis.Client) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTransport(cfg, client), nil
}

func newTransport(cfg Config, client *goredis.Client) *Transport {
	return &Transport{
		cfg:     cfg,
		client:  client,
		pubs:    make(map[string]bool),
		sockets: make(map[closer]struct{}),
		metrics: &transportMetrics{},
	}
}

// BindPublisher claims endpoint within this process. Pub/Sub itself needs no setup.
func (t *Transport) BindPublisher(_ context.Context, endpoint string) (a2abus.PubSocket, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubs[endpoint] {
		return nil, fmt.Errorf("%w: %s", a2abus.ErrEndpointInUse, endpoint)
	}
	t.pubs[endpoint] = true
	p := &pubSocket{t: t, endpoint: endpoint, prefix: t.channelPrefix(endpoint)}
	t.sockets[p] = struct{}{}
	return p, nil
}

// Subscribe issues PSUBSCRIBE and waits for the server's confirmation, so frames
// published after it returns are delivered.
func (t *Transport) Subscribe(ctx context.Context, endpoint, filter string) (a2abus.SubSocket, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	prefix := t.channelPrefix(endpoint)
	ps := t.client.PSubscribe(ctx, escapeGlob(prefix)+escapeGlob(filter)+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &subSocket{t: t, ps: ps, ch: ps.Channel(), prefix: prefix, filter: filter, done: make(chan struct{})}
	t.track(s)
	return s, nil
}

// BindReplier ensures the query stream and consumer group exist. New repliers
// start from requests added after the group was created.
func (t *Transport) BindReplier(ctx context.Context, endpoint string) (a2abus.RepSocket, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	stream := t.streamKey(endpoint)
	if err := t.client.XGroupCreateMkStream(ctx, stream, t.cfg.Group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, err
	}
	r := &repSocket{t: t, stream: stream, step: a2abus.NewReplyLockstep(), done: make(chan struct{})}
	t.track(r)
	return r, nil
}

func (t *Transport) ConnectRequester(_ context.Context, endpoint string) (a2abus.ReqSocket, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	r := &reqSocket{t: t, stream: t.streamKey(endpoint), step: a2abus.NewRequestLockstep(), done: make(chan struct{})}
	t.track(r)
	return r, nil
}

// Close shuts every socket and the client.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	socks := make([]closer, 0, len(t.sockets))
	for s := range t.sockets {
		socks = append(socks, s)
	}
	t.mu.Unlock()
	for _, s := range socks {
		_ = s.Close()
	}

	return t.client.Close()
}

// Stats returns transport telemetry.
type Stats struct {
	Published     uint64
	Received      uint64
	Requests      uint64
	Replies       uint64
	PublishErrors uint64
	PollErrors    uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Received:      t.metrics.received.Load(),
		Requests:      t.metrics.requests.Load(),
		Replies:       t.metrics.replies.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		PollErrors:    t.metrics.pollErrors.Load(),
	}
}

func (t *Transport) track(s closer) {
	t.mu.Lock()
	t.sockets[s] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) untrack(s closer) {
	t.mu.Lock()
	delete(t.sockets, s)
	t.mu.Unlock()
}

func (t *Transport) channelPrefix(endpoint string) string {
	return t.cfg.Namespace + ":" + segPub + ":" + endpoint + ":"
}

func (t *Transport) streamKey(endpoint string) string {
	return t.cfg.Namespace + ":" + segQuery + ":" + endpoint
}

func (t *Transport) replyKey(id string) string {
	return t.cfg.Namespace + ":" + segReply + ":" + id
}

// mapErr turns client shutdown into the bus-wide closed sentinel.
func (t *Transport) mapErr(err error) error {
	if errors.Is(err, goredis.ErrClosed) || t.closed.Load() {
		return a2abus.ErrSocketClosed
	}
	return err
}

// Helper functions

func ping(c *goredis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}

// escapeGlob quotes the characters PSUBSCRIBE treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
