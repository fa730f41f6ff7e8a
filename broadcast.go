package a2abus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
)

// BroadcastChannel publishes envelopes under a topic to every matching subscriber.
// Delivery is fire-and-forget: Publish returns once the frame is handed to the
// transport, whether or not anyone is listening.
type BroadcastChannel struct {
	endpoint string
	sock     PubSocket
	codec    Codec
	clock    xclock.Clock

	// mu keeps frames from one channel in call order on the socket.
	mu        sync.Mutex
	published atomic.Uint64
}

// NewBroadcastChannel binds endpoint on tr for publishing.
func NewBroadcastChannel(ctx context.Context, tr Transport, endpoint string, codec Codec, clock xclock.Clock) (*BroadcastChannel, error) {
	sock, err := tr.BindPublisher(ctx, endpoint)
	if err != nil {
		return nil, &TransportError{Op: "bind", Endpoint: endpoint, Err: err}
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &BroadcastChannel{endpoint: endpoint, sock: sock, codec: codec, clock: clock}, nil
}

// Publish sends {timestamp, topic, message} as the second part of a two-part
// message whose first part is the topic. The published counter moves only when
// the transport accepted the frame.
func (c *BroadcastChannel) Publish(ctx context.Context, topic string, env *Envelope) error {
	if env == nil {
		return &ValidationError{Field: "envelope", Reason: "must not be nil"}
	}
	frame, err := c.codec.Marshal(broadcastFrame{
		Timestamp: stamp(c.clock),
		Topic:     topic,
		Message:   env.Serialize(),
	})
	if err != nil {
		return &ValidationError{Field: fieldPayload, Reason: err.Error()}
	}

	c.mu.Lock()
	err = c.sock.Send(ctx, topic, frame)
	c.mu.Unlock()
	if err != nil {
		return &TransportError{Op: "publish", Endpoint: c.endpoint, Err: err}
	}
	c.published.Add(1)
	return nil
}

// Published reports how many envelopes were handed to the transport.
func (c *BroadcastChannel) Published() uint64 { return c.published.Load() }

func (c *BroadcastChannel) Endpoint() string { return c.endpoint }

func (c *BroadcastChannel) Close() error { return c.sock.Close() }
