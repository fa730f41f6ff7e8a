package a2abus

import (
	"context"
	"errors"

	"github.com/trickstertwo/xclock"
)

// Broadcast is one delivered broadcast: the topic it was published under,
// the publish timestamp and the envelope.
type Broadcast struct {
	Topic     string
	Timestamp string
	Envelope  *Envelope
}

// Subscriber receives broadcasts whose topic starts with its filter, in publish order.
//
// A subscription only sees messages published after it is established. There is no
// replay, so a subscriber that attaches late (or a publisher that sends immediately
// after binding) may miss early messages.
type Subscriber struct {
	endpoint string
	filter   string
	sock     SubSocket
	codec    Codec
	clock    xclock.Clock
}

// Subscribe attaches to the broadcast endpoint of a bus through tr.
// Frames decode with JSON unless WithClientCodec says otherwise.
func Subscribe(ctx context.Context, tr Transport, endpoint, filter string, opts ...ClientOption) (*Subscriber, error) {
	sock, err := tr.Subscribe(ctx, endpoint, filter)
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Endpoint: endpoint, Err: err}
	}
	cc := newClientConfig(opts)
	return &Subscriber{
		endpoint: endpoint,
		filter:   filter,
		sock:     sock,
		codec:    cc.codec,
		clock:    cc.clock,
	}, nil
}

func (s *Subscriber) Filter() string { return s.filter }

// Next blocks until the next matching broadcast arrives or ctx is done.
// A frame that does not decode yields a *MalformedEnvelopeError; the subscriber
// stays usable and the following call resumes with the next frame.
func (s *Subscriber) Next(ctx context.Context) (*Broadcast, error) {
	for {
		topic, raw, err := s.sock.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSocketClosed) {
				return nil, err
			}
			return nil, &TransportError{Op: "recv", Endpoint: s.endpoint, Err: err}
		}
		if !MatchTopic(s.filter, topic) {
			continue
		}
		var frame map[string]any
		if err := s.codec.Unmarshal(raw, &frame); err != nil {
			return nil, &MalformedEnvelopeError{Reason: err.Error()}
		}
		msg, ok := frame["message"].(map[string]any)
		if !ok {
			return nil, &MalformedEnvelopeError{Field: "message", Reason: "missing or not an object"}
		}
		env, err := deserialize(msg, s.clock)
		if err != nil {
			return nil, err
		}
		ts, _ := frame[fieldTimestamp].(string)
		return &Broadcast{Topic: topic, Timestamp: ts, Envelope: env}, nil
	}
}

// Receive calls fn for every broadcast until ctx is done or the subscriber is closed.
// Malformed frames are skipped. Transport failures are returned.
func (s *Subscriber) Receive(ctx context.Context, fn func(*Broadcast)) error {
	for {
		b, err := s.Next(ctx)
		if err != nil {
			var merr *MalformedEnvelopeError
			switch {
			case errors.As(err, &merr):
				continue
			case ctx.Err() != nil, errors.Is(err, ErrSocketClosed):
				return nil
			default:
				return err
			}
		}
		fn(b)
	}
}

func (s *Subscriber) Close() error { return s.sock.Close() }
