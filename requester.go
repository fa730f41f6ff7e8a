package a2abus

import (
	"context"
	"errors"
	"sync"

	"github.com/trickstertwo/xclock"
)

// Requester is the client side of a query endpoint.
//
// Send and Recv strictly alternate. If a Request is abandoned after its send
// (for instance because ctx expired while waiting), the pending reply must still
// be received with Recv before the next Send; otherwise close the Requester and
// connect a new one.
type Requester struct {
	endpoint string
	sock     ReqSocket
	codec    Codec
	clock    xclock.Clock

	mu sync.Mutex
}

// Connect opens a client socket to a bus query endpoint.
func Connect(ctx context.Context, tr Transport, endpoint string, opts ...ClientOption) (*Requester, error) {
	sock, err := tr.ConnectRequester(ctx, endpoint)
	if err != nil {
		return nil, &TransportError{Op: "connect", Endpoint: endpoint, Err: err}
	}
	cc := newClientConfig(opts)
	return &Requester{endpoint: endpoint, sock: sock, codec: cc.codec, clock: cc.clock}, nil
}

// Request sends env and waits for its reply. There is no built-in timeout;
// bound the wait with ctx.
func (r *Requester) Request(ctx context.Context, env *Envelope) (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Send(ctx, env); err != nil {
		return nil, err
	}
	return r.Recv(ctx)
}

// Send writes one request. It fails with ErrProtocolViolation if the previous
// reply has not been received yet.
func (r *Requester) Send(ctx context.Context, env *Envelope) error {
	if env == nil {
		return &ValidationError{Field: "envelope", Reason: "must not be nil"}
	}
	b, err := r.codec.Marshal(env.Serialize())
	if err != nil {
		return &ValidationError{Field: fieldPayload, Reason: err.Error()}
	}
	if err := r.sock.Send(ctx, b); err != nil {
		return r.wrap("send", err)
	}
	return nil
}

// Recv reads the reply to the last Send.
func (r *Requester) Recv(ctx context.Context) (*Envelope, error) {
	b, err := r.sock.Recv(ctx)
	if err != nil {
		return nil, r.wrap("recv", err)
	}
	return decodeEnvelope(r.codec, b, r.clock)
}

func (r *Requester) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProtocolViolation) {
		return err
	}
	return &TransportError{Op: op, Endpoint: r.endpoint, Err: err}
}

func (r *Requester) Close() error { return r.sock.Close() }
