package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/a2abus"
)

const TransportName = "memory"

func init() {
	if err := a2abus.RegisterTransport(TransportName, func(cfg map[string]any) (a2abus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("a2abus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-subscriber queue size (default: 1024).
	// Frames arriving at a full queue are dropped and counted.
	BufferSize int
	// QueueSize is the number of requests an endpoint accepts before
	// requesters block in Send (default: 64).
	QueueSize int
}

func ConfigFromMap(cfg map[string]any) Config {
	// Non-positive values fall back to the default.
	getInt := func(k string, d int) int {
		n := d
		switch v := cfg[k].(type) {
		case int:
			n = v
		case int32:
			n = int(v)
		case int64:
			n = int(v)
		case float64:
			n = int(v)
		}
		if n < 1 {
			return d
		}
		return n
	}

	return Config{
		BufferSize: getInt("buffer_size", 1024),
		QueueSize:  getInt("queue_size", 64),
	}
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size": c.BufferSize,
		"queue_size":  c.QueueSize,
	}
}

// Transport implements a2abus.Transport with in-process channels.
// Endpoints are plain names scoped to one Transport value; two buses that should
// talk to each other must share it. Intended for tests, demos and single-process
// agent systems.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	hubs   map[string]*hub
	points map[string]*point
	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	requests  atomic.Uint64
	replies   atomic.Uint64
}

var _ a2abus.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	return &Transport{
		cfg:     cfg,
		hubs:    make(map[string]*hub),
		points:  make(map[string]*point),
		metrics: &transportMetrics{},
	}
}

// BindPublisher claims a broadcast endpoint. Subscribers may attach before or after.
func (t *Transport) BindPublisher(_ context.Context, endpoint string) (a2abus.PubSocket, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.hubLocked(endpoint)
	if h.bound {
		return nil, fmt.Errorf("%w: %s", a2abus.ErrEndpointInUse, endpoint)
	}
	h.bound = true
	return &pubSocket{tr: t, hub: h}, nil
}

// Subscribe attaches a queue to the endpoint's hub.
// Frames sent before this call returns are not delivered.
func (t *Transport) Subscribe(_ context.Context, endpoint, filter string) (a2abus.SubSocket, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	t.mu.Lock()
	h := t.hubLocked(endpoint)
	t.mu.Unlock()

	s := &subSocket{
		hub:    h,
		filter: filter,
		ch:     make(chan frame, t.cfg.BufferSize),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s, nil
}

// BindReplier claims a query endpoint.
func (t *Transport) BindReplier(_ context.Context, endpoint string) (a2abus.RepSocket, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pointLocked(endpoint)
	if p.bound {
		return nil, fmt.Errorf("%w: %s", a2abus.ErrEndpointInUse, endpoint)
	}
	p.bound = true
	return &repSocket{tr: t, point: p, step: a2abus.NewReplyLockstep()}, nil
}

// ConnectRequester succeeds whether or not a replier is bound yet;
// requests queue until one is.
func (t *Transport) ConnectRequester(_ context.Context, endpoint string) (a2abus.ReqSocket, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	return &reqSocket{
		tr:       t,
		endpoint: endpoint,
		step:     a2abus.NewRequestLockstep(),
		closed:   make(chan struct{}),
	}, nil
}

// Close shuts every socket created by this transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	hubs := t.hubs
	points := t.points
	t.hubs = make(map[string]*hub)
	t.points = make(map[string]*point)
	t.mu.Unlock()

	for _, h := range hubs {
		h.mu.Lock()
		for s := range h.subs {
			s.shut()
		}
		h.subs = map[*subSocket]struct{}{}
		h.mu.Unlock()
	}
	for _, p := range points {
		p.shut()
	}
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
	Requests  uint64
	Replies   uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published: t.metrics.published.Load(),
		Delivered: t.metrics.delivered.Load(),
		Dropped:   t.metrics.dropped.Load(),
		Requests:  t.metrics.requests.Load(),
		Replies:   t.metrics.replies.Load(),
	}
}

func (t *Transport) hubLocked(endpoint string) *hub {
	if h, ok := t.hubs[endpoint]; ok {
		return h
	}
	h := &hub{endpoint: endpoint, subs: make(map[*subSocket]struct{})}
	t.hubs[endpoint] = h
	return h
}

func (t *Transport) pointLocked(endpoint string) *point {
	if p, ok := t.points[endpoint]; ok {
		return p
	}
	p := &point{
		endpoint: endpoint,
		requests: make(chan *call, t.cfg.QueueSize),
		closed:   make(chan struct{}),
	}
	t.points[endpoint] = p
	return p
}

// point returns the live endpoint for a requester, creating an unbound one if needed.
func (t *Transport) point(endpoint string) (*point, error) {
	if t.closed.Load() {
		return nil, a2abus.ErrSocketClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pointLocked(endpoint), nil
}

// Broadcast side

type frame struct {
	topic string
	body  []byte
}

type hub struct {
	endpoint string
	bound    bool

	mu   sync.RWMutex
	subs map[*subSocket]struct{}
}

type pubSocket struct {
	tr     *Transport
	hub    *hub
	closed atomic.Bool
}

// Send fans the frame out to every subscriber whose filter prefixes topic.
// It never blocks: a full subscriber queue drops the frame for that subscriber.
func (p *pubSocket) Send(ctx context.Context, topic string, body []byte) error {
	if p.closed.Load() || p.tr.closed.Load() {
		return a2abus.ErrSocketClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f := frame{topic: topic, body: append([]byte(nil), body...)}

	p.hub.mu.RLock()
	for s := range p.hub.subs {
		if !a2abus.MatchTopic(s.filter, topic) {
			continue
		}
		select {
		case s.ch <- f:
			p.tr.metrics.delivered.Add(1)
		default:
			p.tr.metrics.dropped.Add(1)
		}
	}
	p.hub.mu.RUnlock()

	p.tr.metrics.published.Add(1)
	return nil
}

func (p *pubSocket) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.tr.mu.Lock()
	p.hub.bound = false
	p.tr.mu.Unlock()
	return nil
}

type subSocket struct {
	hub    *hub
	filter string
	ch     chan frame

	once   sync.Once
	closed chan struct{}
}

func (s *subSocket) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-s.closed:
		return "", nil, a2abus.ErrSocketClosed
	case f := <-s.ch:
		return f.topic, f.body, nil
	}
}

func (s *subSocket) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.shut()
	return nil
}

func (s *subSocket) shut() {
	s.once.Do(func() { close(s.closed) })
}

// Request/reply side

type call struct {
	body  []byte
	reply chan []byte
	point *point
}

type point struct {
	endpoint string
	bound    bool
	requests chan *call

	once   sync.Once
	closed chan struct{}
}

func (p *point) shut() {
	p.once.Do(func() { close(p.closed) })
}

type repSocket struct {
	tr      *Transport
	point   *point
	step    *a2abus.Lockstep
	current *call
}

func (r *repSocket) Recv(ctx context.Context) ([]byte, error) {
	if err := r.step.Begin("recv"); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		r.step.End(ctx.Err())
		return nil, ctx.Err()
	case <-r.point.closed:
		r.step.End(a2abus.ErrSocketClosed)
		return nil, a2abus.ErrSocketClosed
	case c := <-r.point.requests:
		r.current = c
		r.step.End(nil)
		return c.body, nil
	}
}

// Send answers the request returned by the last Recv. The reply channel has
// room for exactly one reply, so Send never blocks.
func (r *repSocket) Send(_ context.Context, reply []byte) error {
	if err := r.step.Begin("send"); err != nil {
		return err
	}
	select {
	case <-r.point.closed:
		r.step.End(a2abus.ErrSocketClosed)
		return a2abus.ErrSocketClosed
	default:
	}
	r.current.reply <- append([]byte(nil), reply...)
	r.current = nil
	r.tr.metrics.replies.Add(1)
	r.step.End(nil)
	return nil
}

// Close releases the endpoint. Requests still queued or in flight fail with
// ErrSocketClosed on the requester side.
func (r *repSocket) Close() error {
	r.tr.mu.Lock()
	if cur, ok := r.tr.points[r.point.endpoint]; ok && cur == r.point {
		delete(r.tr.points, r.point.endpoint)
	}
	r.tr.mu.Unlock()
	r.point.shut()
	return nil
}

type reqSocket struct {
	tr       *Transport
	endpoint string
	step     *a2abus.Lockstep
	pending  *call

	once   sync.Once
	closed chan struct{}
}

func (r *reqSocket) Send(ctx context.Context, body []byte) error {
	if err := r.step.Begin("send"); err != nil {
		return err
	}
	p, err := r.tr.point(r.endpoint)
	if err != nil {
		r.step.End(err)
		return err
	}
	c := &call{body: append([]byte(nil), body...), reply: make(chan []byte, 1), point: p}
	select {
	case <-ctx.Done():
		r.step.End(ctx.Err())
		return ctx.Err()
	case <-r.closed:
		r.step.End(a2abus.ErrSocketClosed)
		return a2abus.ErrSocketClosed
	case <-p.closed:
		r.step.End(a2abus.ErrSocketClosed)
		return a2abus.ErrSocketClosed
	case p.requests <- c:
	}
	r.pending = c
	r.tr.metrics.requests.Add(1)
	r.step.End(nil)
	return nil
}

// Recv waits for the reply to the last Send. A cancelled wait keeps the request
// pending, so Recv may be called again to collect the reply.
func (r *reqSocket) Recv(ctx context.Context) ([]byte, error) {
	if err := r.step.Begin("recv"); err != nil {
		return nil, err
	}
	c := r.pending
	select {
	case b := <-c.reply:
		r.pending = nil
		r.step.End(nil)
		return b, nil
	case <-ctx.Done():
		r.step.End(ctx.Err())
		return nil, ctx.Err()
	case <-r.closed:
		r.step.End(a2abus.ErrSocketClosed)
		return nil, a2abus.ErrSocketClosed
	case <-c.point.closed:
		r.step.End(a2abus.ErrSocketClosed)
		return nil, a2abus.ErrSocketClosed
	}
}

func (r *reqSocket) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}
