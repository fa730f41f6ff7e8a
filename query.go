package a2abus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// QueryState is the position of a QueryChannel in its request/reply cycle.
type QueryState int32

const (
	AwaitingRequest QueryState = iota
	Processing
)

func (s QueryState) String() string {
	switch s {
	case AwaitingRequest:
		return "awaiting_request"
	case Processing:
		return "processing"
	}
	return fmt.Sprintf("QueryState(%d)", int32(s))
}

// QueryConfig carries the collaborators of a QueryChannel.
type QueryConfig struct {
	Identity    string
	Endpoint    string
	Codec       Codec
	Clock       xclock.Clock
	Logger      *xlog.Logger
	Middlewares []Middleware
	// Notify receives lifecycle events; nil disables them.
	Notify func(Event)
}

// QueryChannel serves a request/reply endpoint: one request in, exactly one reply out,
// strictly alternating. Every received request gets a reply, including requests that
// fail to decode, name no registered type, or whose handler fails.
type QueryChannel struct {
	sock     RepSocket
	registry *HandlerRegistry
	cfg      QueryConfig

	state     atomic.Int32
	serving   atomic.Bool
	handled   atomic.Uint64
	misses    atomic.Uint64
	failures  atomic.Uint64
	malformed atomic.Uint64
	handlerNs atomic.Int64
}

// NewQueryChannel wraps a bound replier socket.
func NewQueryChannel(sock RepSocket, registry *HandlerRegistry, cfg QueryConfig) *QueryChannel {
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Clock == nil {
		cfg.Clock = xclock.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	return &QueryChannel{sock: sock, registry: registry, cfg: cfg}
}

func (q *QueryChannel) State() QueryState { return QueryState(q.state.Load()) }

// Handled is the number of completed request/reply cycles.
func (q *QueryChannel) Handled() uint64 { return q.handled.Load() }

// Serve runs the reply loop until ctx is done or the socket is closed, in which
// case it returns nil. A transport failure ends the loop with a *TransportError.
// Only one Serve may run per channel.
func (q *QueryChannel) Serve(ctx context.Context) error {
	if !q.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: reply loop already running on %s", ErrProtocolViolation, q.cfg.Endpoint)
	}
	defer q.serving.Store(false)

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := q.sock.Recv(ctx)
		if err != nil {
			return q.stop(ctx, "recv", err)
		}

		q.state.Store(int32(Processing))
		reply := q.process(ctx, raw)

		// The reply goes out even if ctx was cancelled while the handler ran:
		// a requester blocked on this cycle must not be left waiting.
		err = q.sock.Send(context.WithoutCancel(ctx), reply)
		q.state.Store(int32(AwaitingRequest))
		if err != nil {
			return q.stop(ctx, "send", err)
		}
		q.handled.Add(1)
	}
}

func (q *QueryChannel) stop(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrSocketClosed) {
		return nil
	}
	terr := &TransportError{Op: op, Endpoint: q.cfg.Endpoint, Err: err}
	q.cfg.Logger.Error().Err(terr).Str("endpoint", q.cfg.Endpoint).Msg("a2abus: reply loop stopped")
	q.notify(Event{Type: Error, Err: terr})
	return terr
}

// process turns one raw request into encoded reply bytes. It never fails.
func (q *QueryChannel) process(ctx context.Context, raw []byte) []byte {
	start := q.cfg.Clock.Now()

	req, err := decodeEnvelope(q.cfg.Codec, raw, q.cfg.Clock)
	if err != nil {
		q.malformed.Add(1)
		q.cfg.Logger.Warn().Err(err).Msg("a2abus: malformed request")
		q.notify(Event{Type: MalformedRequest, Err: err})
		return q.encode(q.reply(sourceHint(q.cfg.Codec, raw), TypeError, errorPayload(KindMalformedEnvelope, "", err)))
	}

	q.notify(Event{Type: QueryStart, MsgType: req.Type, MessageID: req.ID, Source: req.Source})

	h, ok := q.registry.Lookup(req.Type)
	if !ok {
		q.misses.Add(1)
		derr := &DispatchError{MsgType: req.Type}
		q.notify(Event{Type: DispatchMiss, MsgType: req.Type, MessageID: req.ID, Source: req.Source, Err: derr})
		return q.encode(q.reply(req.Source, TypeError, errorPayload(KindDispatch, req.Type, derr)))
	}

	hctx := InjectAll(ctx, q.cfg.Codec, q.cfg.Logger, q.cfg.Clock)
	hctx = injectIdentity(hctx, q.cfg.Identity)
	wh := Chain(RecoveryMiddleware()(h), q.cfg.Middlewares...)

	result, err := wh.Handle(hctx, req)
	var out []byte
	if err == nil {
		if result == nil {
			result = Payload{}
		}
		out, err = q.cfg.Codec.Marshal(q.reply(req.Source, TypeResult, result).Serialize())
		if err != nil {
			err = fmt.Errorf("reply payload not encodable: %w", err)
		}
	}

	dur := q.cfg.Clock.Since(start)
	q.recordHandlerTime(dur.Nanoseconds())

	if err != nil {
		q.failures.Add(1)
		herr := &HandlerExecutionError{MsgType: req.Type, Err: err}
		q.cfg.Logger.Warn().Err(herr).Str("msg_type", req.Type).Str("source", req.Source).Msg("a2abus: handler failed")
		q.notify(Event{Type: HandlerFailed, MsgType: req.Type, MessageID: req.ID, Source: req.Source, Duration: dur, Err: herr})
		return q.encode(q.reply(req.Source, TypeError, errorPayload(KindHandlerExecution, req.Type, herr)))
	}

	q.notify(Event{Type: QueryDone, MsgType: req.Type, MessageID: req.ID, Source: req.Source, Duration: dur})
	return out
}

func (q *QueryChannel) reply(dest, msgType string, p Payload) *Envelope {
	return &Envelope{
		ID:           uuid.NewString(),
		Timestamp:    stamp(q.cfg.Clock),
		Source:       q.cfg.Identity,
		Destinations: []string{dest},
		Type:         msgType,
		Payload:      p,
		Priority:     PriorityNormal,
	}
}

// encode marshals replies built from string-only payloads.
func (q *QueryChannel) encode(env *Envelope) []byte {
	b, err := q.cfg.Codec.Marshal(env.Serialize())
	if err != nil {
		// Only reachable with a broken custom codec; fall back to JSON.
		b, _ = JSONCodec{}.Marshal(env.Serialize())
	}
	return b
}

func (q *QueryChannel) notify(e Event) {
	if q.cfg.Notify != nil {
		q.cfg.Notify(e)
	}
}

// recordHandlerTime keeps an exponential moving average of handler latency.
func (q *QueryChannel) recordHandlerTime(ns int64) {
	const alpha = 0.2
	current := q.handlerNs.Load()
	if current == 0 {
		q.handlerNs.Store(ns)
		return
	}
	q.handlerNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

// sourceHint recovers the sender of an undecodable request so the error reply
// can still be addressed; "unknown" when even that fails.
func sourceHint(c Codec, raw []byte) string {
	var m map[string]any
	if err := c.Unmarshal(raw, &m); err == nil {
		if s, ok := m[fieldSource].(string); ok && s != "" {
			return s
		}
	}
	return "unknown"
}
