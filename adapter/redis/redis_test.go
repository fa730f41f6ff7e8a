package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/a2abus"
)

// newTestTransport starts a miniredis server and connects a transport to it.
func newTestTransport(t *testing.T) (*Transport, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	cfg := Defaults()
	cfg.Addr = s.Addr()
	cfg.Block = 100 * time.Millisecond
	cfg.Consumer = "test-consumer"

	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, s
}

func TestConfigFromMap_Defaults(t *testing.T) {
	c := ConfigFromMap(nil)
	assert.Equal(t, "127.0.0.1:6379", c.Addr)
	assert.Equal(t, "a2abus", c.Namespace)
	assert.Equal(t, time.Second, c.Block)
	assert.Equal(t, time.Minute, c.ReplyTTL)
	require.NoError(t, c.Validate())
}

func TestConfigFromMap_TOMLTypes(t *testing.T) {
	// TOML tables decode integers as int64 and durations as strings.
	c := ConfigFromMap(map[string]any{
		"addr":           "redis:6380",
		"db":             int64(2),
		"namespace":      "agents",
		"block":          "250ms",
		"reply_ttl":      "2m",
		"max_len_approx": int64(500),
	})
	assert.Equal(t, "redis:6380", c.Addr)
	assert.Equal(t, 2, c.DB)
	assert.Equal(t, "agents", c.Namespace)
	assert.Equal(t, 250*time.Millisecond, c.Block)
	assert.Equal(t, 2*time.Minute, c.ReplyTTL)
	assert.Equal(t, int64(500), c.MaxLenApprox)
}

func TestConfigFromMap_RoundTrip(t *testing.T) {
	in := Defaults()
	in.Namespace = "ns"
	in.Block = 3 * time.Second
	out := ConfigFromMap(in.toMap())
	assert.Equal(t, in, out)
}

func TestConfig_Validate(t *testing.T) {
	c := Defaults()
	c.Block = 0
	assert.Error(t, c.Validate())

	c = Defaults()
	c.Namespace = ""
	assert.Error(t, c.Validate())
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, "plain.topic", escapeGlob("plain.topic"))
	assert.Equal(t, `a\*b\?c\[d\]e\\f`, escapeGlob(`a*b?c[d]e\f`))
}

func TestBroadcast_PrefixFilter(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := tr.BindPublisher(ctx, "bus")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := tr.Subscribe(ctx, "bus", "block")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.Send(ctx, "block.created", []byte("1")))
	require.NoError(t, pub.Send(ctx, "agent.status", []byte("2")))
	require.NoError(t, pub.Send(ctx, "blockade.x", []byte("3")))

	topic, body, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "block.created", topic)
	assert.Equal(t, "1", string(body))

	topic, body, err = sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "blockade.x", topic)
	assert.Equal(t, "3", string(body))
}

func TestBindPublisher_Twice(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx := context.Background()

	p, err := tr.BindPublisher(ctx, "bus")
	require.NoError(t, err)
	_, err = tr.BindPublisher(ctx, "bus")
	assert.ErrorIs(t, err, a2abus.ErrEndpointInUse)

	require.NoError(t, p.Close())
	_, err = tr.BindPublisher(ctx, "bus")
	assert.NoError(t, err)
}

func TestQuery_RoundTrip(t *testing.T) {
	tr, s := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rep, err := tr.BindReplier(ctx, "q")
	require.NoError(t, err)
	defer rep.Close()
	req, err := tr.ConnectRequester(ctx, "q")
	require.NoError(t, err)
	defer req.Close()

	go func() {
		body, err := rep.Recv(ctx)
		if err != nil {
			return
		}
		_ = rep.Send(ctx, []byte(strings.ToUpper(string(body))))
	}()

	require.NoError(t, req.Send(ctx, []byte("ping")))
	reply, err := req.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(reply))

	// The request entry is acknowledged and removed once answered.
	assert.Eventually(t, func() bool {
		entries, err := s.Stream("a2abus:query:q")
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestQuery_Lockstep(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rep, err := tr.BindReplier(ctx, "q")
	require.NoError(t, err)
	defer rep.Close()
	err = rep.Send(ctx, []byte("nobody asked"))
	assert.ErrorIs(t, err, a2abus.ErrProtocolViolation)

	req, err := tr.ConnectRequester(ctx, "q")
	require.NoError(t, err)
	defer req.Close()
	_, err = req.Recv(ctx)
	assert.ErrorIs(t, err, a2abus.ErrProtocolViolation)

	require.NoError(t, req.Send(ctx, []byte("one")))
	err = req.Send(ctx, []byte("two"))
	assert.ErrorIs(t, err, a2abus.ErrProtocolViolation)
}

func TestRecv_ClosedSocket(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rep, err := tr.BindReplier(ctx, "q")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := rep.Recv(ctx)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, rep.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, a2abus.ErrSocketClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}

func TestBus_OverRedis(t *testing.T) {
	tr, _ := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus, err := a2abus.NewBusBuilder().
		WithTransportInstance(tr).
		WithIdentity("MessageBus").
		WithEndpoints("events", "queries").
		WithHandler("run_tests", a2abus.HandlerFunc(func(ctx context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
			return a2abus.Payload{"status": "ok", "block_id": env.Payload["block_id"]}, nil
		})).
		Build()
	require.NoError(t, err)
	defer bus.Shutdown(context.Background())

	sub, err := a2abus.Subscribe(ctx, tr, "events", "block")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.StartReplyLoop(ctx))

	env, err := a2abus.NewEnvelope("Planner", []string{a2abus.Broadcast}, a2abus.TypeUpdate, a2abus.Payload{"block_id": "abc"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "block.created", env))

	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "block.created", got.Topic)
	assert.Equal(t, env.ID, got.Envelope.ID)

	req, err := a2abus.Connect(ctx, tr, "queries")
	require.NoError(t, err)
	defer req.Close()

	q, err := a2abus.NewEnvelope("CLI", []string{"MessageBus"}, "run_tests", a2abus.Payload{"block_id": "abc"})
	require.NoError(t, err)
	reply, err := req.Request(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, a2abus.TypeResult, reply.Type)
	assert.Equal(t, "MessageBus", reply.Source)
	assert.Equal(t, []string{"CLI"}, reply.Destinations)
	assert.Equal(t, "ok", reply.Payload["status"])
	assert.Equal(t, "abc", reply.Payload["block_id"])

	require.NoError(t, bus.Shutdown(ctx))
	assert.Equal(t, a2abus.Stats{Published: 1, Handled: 1}, bus.GetStats())
}
