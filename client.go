package a2abus

import (
	"context"

	"github.com/trickstertwo/xclock"
)

// ClientOption configures a Subscriber or Requester.
type ClientOption func(*clientConfig)

type clientConfig struct {
	codec Codec
	clock xclock.Clock
}

// WithClientCodec sets the codec used to decode frames and encode requests.
// It must match the codec of the bus on the other end (default JSON).
func WithClientCodec(c Codec) ClientOption {
	return func(cc *clientConfig) {
		if c != nil {
			cc.codec = c
		}
	}
}

// WithClientClock sets the clock used to stamp envelopes that arrive without a timestamp.
func WithClientClock(c xclock.Clock) ClientOption {
	return func(cc *clientConfig) {
		if c != nil {
			cc.clock = c
		}
	}
}

func newClientConfig(opts []ClientOption) clientConfig {
	cc := clientConfig{codec: JSONCodec{}, clock: xclock.Default()}
	for _, o := range opts {
		if o != nil {
			o(&cc)
		}
	}
	return cc
}

// Subscribe attaches to this bus's broadcast endpoint with the bus codec and clock.
func (b *Bus) Subscribe(ctx context.Context, filter string) (*Subscriber, error) {
	return Subscribe(ctx, b.transport, b.BroadcastEndpoint(), filter, WithClientCodec(b.codec), WithClientClock(b.clock))
}

// Connect opens a requester on this bus's query endpoint with the bus codec and clock.
func (b *Bus) Connect(ctx context.Context) (*Requester, error) {
	return Connect(ctx, b.transport, b.QueryEndpoint(), WithClientCodec(b.codec), WithClientClock(b.clock))
}
