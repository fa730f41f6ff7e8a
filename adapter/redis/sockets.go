package redis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/trickstertwo/a2abus"
)

type pubSocket struct {
	t        *Transport
	endpoint string
	prefix   string
	closed   atomic.Bool
}

// Send PUBLISHes the frame to the topic's channel. Redis drops it when nobody
// is subscribed.
func (p *pubSocket) Send(ctx context.Context, topic string, frame []byte) error {
	if p.closed.Load() {
		return a2abus.ErrSocketClosed
	}
	if err := p.t.client.Publish(ctx, p.prefix+topic, frame).Err(); err != nil {
		p.t.metrics.publishErrors.Add(1)
		return p.t.mapErr(err)
	}
	p.t.metrics.published.Add(1)
	return nil
}

func (p *pubSocket) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.t.mu.Lock()
	delete(p.t.pubs, p.endpoint)
	delete(p.t.sockets, p)
	p.t.mu.Unlock()
	return nil
}

type subSocket struct {
	t      *Transport
	ps     *goredis.PubSub
	ch     <-chan *goredis.Message
	prefix string
	filter string

	once sync.Once
	done chan struct{}
}

func (s *subSocket) Recv(ctx context.Context) (string, []byte, error) {
	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-s.done:
			return "", nil, a2abus.ErrSocketClosed
		case m, ok := <-s.ch:
			if !ok {
				return "", nil, a2abus.ErrSocketClosed
			}
			topic, found := strings.CutPrefix(m.Channel, s.prefix)
			if !found {
				continue
			}
			s.t.metrics.received.Add(1)
			return topic, []byte(m.Payload), nil
		}
	}
}

func (s *subSocket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.t.untrack(s)
	})
	return err
}

type pendingEntry struct {
	id      string
	replyTo string
}

type repSocket struct {
	t       *Transport
	stream  string
	step    *a2abus.Lockstep
	current pendingEntry

	once sync.Once
	done chan struct{}
}

// Recv polls the consumer group one entry at a time, waking every Block interval
// to observe ctx and Close.
func (r *repSocket) Recv(ctx context.Context) ([]byte, error) {
	if err := r.step.Begin("recv"); err != nil {
		return nil, err
	}
	args := &goredis.XReadGroupArgs{
		Group:    r.t.cfg.Group,
		Consumer: r.t.cfg.Consumer,
		Streams:  []string{r.stream, ">"},
		Count:    1,
		Block:    r.t.cfg.Block,
	}
	for {
		select {
		case <-ctx.Done():
			r.step.End(ctx.Err())
			return nil, ctx.Err()
		case <-r.done:
			r.step.End(a2abus.ErrSocketClosed)
			return nil, a2abus.ErrSocketClosed
		default:
		}

		res, err := r.t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				r.step.End(ctx.Err())
				return nil, ctx.Err()
			}
			r.t.metrics.pollErrors.Add(1)
			err = r.t.mapErr(err)
			r.step.End(err)
			return nil, err
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				replyTo, _ := msg.Values[fieldReplyTo].(string)
				body, _ := msg.Values[fieldBody].(string)
				if replyTo == "" {
					// Not a request entry; nobody is waiting for a reply.
					_ = r.t.client.XAck(ctx, r.stream, r.t.cfg.Group, msg.ID).Err()
					continue
				}
				r.current = pendingEntry{id: msg.ID, replyTo: replyTo}
				r.t.metrics.requests.Add(1)
				r.step.End(nil)
				return []byte(body), nil
			}
		}
	}
}

// Send pushes the reply to the requester's list and acknowledges the request
// in one pipeline.
func (r *repSocket) Send(ctx context.Context, reply []byte) error {
	if err := r.step.Begin("send"); err != nil {
		return err
	}
	select {
	case <-r.done:
		r.step.End(a2abus.ErrSocketClosed)
		return a2abus.ErrSocketClosed
	default:
	}
	cur := r.current
	pipe := r.t.client.Pipeline()
	pipe.LPush(ctx, cur.replyTo, reply)
	pipe.Expire(ctx, cur.replyTo, r.t.cfg.ReplyTTL)
	pipe.XAck(ctx, r.stream, r.t.cfg.Group, cur.id)
	pipe.XDel(ctx, r.stream, cur.id)
	if _, err := pipe.Exec(ctx); err != nil {
		err = r.t.mapErr(err)
		r.step.End(err)
		return err
	}
	r.current = pendingEntry{}
	r.t.metrics.replies.Add(1)
	r.step.End(nil)
	return nil
}

func (r *repSocket) Close() error {
	r.once.Do(func() {
		close(r.done)
		r.t.untrack(r)
	})
	return nil
}

type reqSocket struct {
	t       *Transport
	stream  string
	step    *a2abus.Lockstep
	pending string

	once sync.Once
	done chan struct{}
}

// Send appends the request to the endpoint's stream with a fresh reply key.
func (r *reqSocket) Send(ctx context.Context, body []byte) error {
	if err := r.step.Begin("send"); err != nil {
		return err
	}
	select {
	case <-r.done:
		r.step.End(a2abus.ErrSocketClosed)
		return a2abus.ErrSocketClosed
	default:
	}
	replyTo := r.t.replyKey(uuid.NewString())
	args := &goredis.XAddArgs{
		Stream: r.stream,
		ID:     "*",
		Values: map[string]any{fieldReplyTo: replyTo, fieldBody: body},
	}
	if r.t.cfg.MaxLenApprox > 0 {
		args.MaxLen = r.t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := r.t.client.XAdd(ctx, args).Err(); err != nil {
		err = r.t.mapErr(err)
		r.step.End(err)
		return err
	}
	r.pending = replyTo
	r.step.End(nil)
	return nil
}

// Recv waits on the reply list. An abandoned wait leaves the request pending;
// calling Recv again resumes waiting for the same reply.
func (r *reqSocket) Recv(ctx context.Context) ([]byte, error) {
	if err := r.step.Begin("recv"); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			r.step.End(ctx.Err())
			return nil, ctx.Err()
		case <-r.done:
			r.step.End(a2abus.ErrSocketClosed)
			return nil, a2abus.ErrSocketClosed
		default:
		}

		res, err := r.t.client.BLPop(ctx, r.t.cfg.Block, r.pending).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				r.step.End(ctx.Err())
				return nil, ctx.Err()
			}
			err = r.t.mapErr(err)
			r.step.End(err)
			return nil, err
		}
		if len(res) != 2 {
			continue
		}
		r.pending = ""
		r.step.End(nil)
		return []byte(res[1]), nil
	}
}

func (r *reqSocket) Close() error {
	r.once.Do(func() {
		close(r.done)
		r.t.untrack(r)
	})
	return nil
}
