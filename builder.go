package a2abus

import (
	"context"
	"errors"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	DefaultIdentity          = "MessageBus"
	DefaultBroadcastEndpoint = "127.0.0.1:5555"
	DefaultQueryEndpoint     = "127.0.0.1:5556"
)

type namedHandler struct {
	msgType string
	h       Handler
}

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	identity          string
	broadcastEndpoint string
	queryEndpoint     string

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	handlers    []namedHandler
	logger      *xlog.Logger
	clock       xclock.Clock

	observerWorkers int
	observerBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		identity:          DefaultIdentity,
		broadcastEndpoint: DefaultBroadcastEndpoint,
		queryEndpoint:     DefaultQueryEndpoint,
		codecName:         "json",
		observerWorkers:   4,
		observerBuffer:    1000,
	}
}

// WithTransport selects a registered adapter by name. The bus owns the resulting
// transport and closes it on Shutdown.
func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
// The caller keeps ownership of it.
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithIdentity(name string) *BusBuilder {
	bb.identity = name
	return bb
}

func (bb *BusBuilder) WithEndpoints(broadcast, query string) *BusBuilder {
	bb.broadcastEndpoint = broadcast
	bb.queryEndpoint = query
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer dispatcher.
func (bb *BusBuilder) WithObserverPool(workers, buffer int) *BusBuilder {
	if workers > 0 {
		bb.observerWorkers = workers
	}
	if buffer > 0 {
		bb.observerBuffer = buffer
	}
	return bb
}

// WithHandler registers h for msgType at build time.
func (bb *BusBuilder) WithHandler(msgType string, h Handler) *BusBuilder {
	bb.handlers = append(bb.handlers, namedHandler{msgType: msgType, h: h})
	return bb
}

// WithHandlerTimeout bounds each handler invocation.
func (bb *BusBuilder) WithHandlerTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.middlewares = append(bb.middlewares, TimeoutMiddleware(d))
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// Build binds both endpoints and returns a ready Bus. The reply loop is not
// started; call StartReplyLoop or Serve.
func (bb *BusBuilder) Build() (*Bus, error) {
	return bb.BuildContext(context.Background())
}

func (bb *BusBuilder) BuildContext(ctx context.Context) (*Bus, error) {
	if bb.identity == "" {
		return nil, &ValidationError{Field: "identity", Reason: "must not be empty"}
	}
	if bb.broadcastEndpoint == "" || bb.queryEndpoint == "" {
		return nil, &ValidationError{Field: "endpoint", Reason: "broadcast and query endpoints are required"}
	}

	registry := NewHandlerRegistry()
	for _, nh := range bb.handlers {
		if err := registry.Register(nh.msgType, nh.h); err != nil {
			return nil, err
		}
	}

	var (
		tr    Transport
		owned bool
		err   error
	)
	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
		owned = true
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, bb.abort(ctx, tr, owned, err)
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		// Default to xlog logger; Adapter pattern to platform logging.
		lg = xlog.Default()
	}

	broadcast, err := NewBroadcastChannel(ctx, tr, bb.broadcastEndpoint, cd, clk)
	if err != nil {
		return nil, bb.abort(ctx, tr, owned, err)
	}
	qsock, err := tr.BindReplier(ctx, bb.queryEndpoint)
	if err != nil {
		_ = broadcast.Close()
		return nil, bb.abort(ctx, tr, owned, &TransportError{Op: "bind", Endpoint: bb.queryEndpoint, Err: err})
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		identity:      bb.identity,
		transport:     tr,
		ownsTransport: owned,
		codec:         cd,
		clock:         clk,
		logger:        lg,
		broadcast:     broadcast,
		querySock:     qsock,
		registry:      registry,
		observerPool:  NewObserverPool(bctx, bb.observerWorkers, bb.observerBuffer),
		ctx:           bctx,
		cancel:        cancel,
	}
	b.query = NewQueryChannel(qsock, registry, QueryConfig{
		Identity:    bb.identity,
		Endpoint:    bb.queryEndpoint,
		Codec:       cd,
		Clock:       clk,
		Logger:      lg,
		Middlewares: bb.middlewares,
		Notify:      b.notifyAsync,
	})

	// Attach logging observer first unless one was supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	lg.Info().
		Str("identity", bb.identity).
		Str("broadcast", bb.broadcastEndpoint).
		Str("query", bb.queryEndpoint).
		Msg("a2abus: bus bound")
	return b, nil
}

func (bb *BusBuilder) abort(ctx context.Context, tr Transport, owned bool, err error) error {
	if owned {
		if cerr := tr.Close(ctx); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}

// New constructs a Bus via Builder and returns a shutdown func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Shutdown(context.Background()) }
	return bus, closeFn, nil
}
