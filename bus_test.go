package a2abus_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/a2abus"
	"github.com/trickstertwo/a2abus/adapter/memory"
)

var quietLogger = zerolog.Use(zerolog.Config{
	MinLevel:          xlog.LevelDebug,
	ConsoleTimeFormat: time.RFC3339Nano,
	Writer:            io.Discard,
})

func newBus(t *testing.T, opts ...memory.Option) *a2abus.Bus {
	t.Helper()
	opts = append([]memory.Option{memory.WithLogger(quietLogger)}, opts...)
	bus := memory.Use(memory.Config{}, opts...)
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })
	return bus
}

func connect(t *testing.T, ctx context.Context, bus *a2abus.Bus) *a2abus.Requester {
	t.Helper()
	req, err := a2abus.Connect(ctx, bus.Transport(), bus.QueryEndpoint())
	require.NoError(t, err)
	t.Cleanup(func() { _ = req.Close() })
	return req
}

func ask(t *testing.T, ctx context.Context, req *a2abus.Requester, msgType string, p a2abus.Payload) *a2abus.Envelope {
	t.Helper()
	env, err := a2abus.NewEnvelope("ExecutorAgent", []string{"MessageBus"}, msgType, p)
	require.NoError(t, err)
	reply, err := req.Request(ctx, env)
	require.NoError(t, err)
	return reply
}

func runTests(_ context.Context, env *a2abus.Envelope) (a2abus.Payload, error) {
	return a2abus.Payload{"status": "ok", "block_id": env.Payload["block_id"]}, nil
}

func TestBus_SubscribersReceiveInPublishOrder(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const subscribers, events = 3, 20
	subs := make([]*a2abus.Subscriber, subscribers)
	for i := range subs {
		sub, err := a2abus.Subscribe(ctx, bus.Transport(), bus.BroadcastEndpoint(), "block")
		require.NoError(t, err)
		defer sub.Close()
		subs[i] = sub
	}
	other, err := a2abus.Subscribe(ctx, bus.Transport(), bus.BroadcastEndpoint(), "agent")
	require.NoError(t, err)
	defer other.Close()

	var sent []string
	for i := 0; i < events; i++ {
		env, err := a2abus.NewEnvelope("IntentParserAgent", []string{a2abus.Broadcast}, a2abus.TypeUpdate, a2abus.Payload{"seq": i})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, fmt.Sprintf("block.%02d", i), env))
		sent = append(sent, env.ID)
	}

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *a2abus.Subscriber) {
			defer wg.Done()
			for j := 0; j < events; j++ {
				b, err := sub.Next(ctx)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, fmt.Sprintf("block.%02d", j), b.Topic, "subscriber %d", i)
				assert.Equal(t, sent[j], b.Envelope.ID)
				assert.NotEmpty(t, b.Timestamp)
			}
		}(i, sub)
	}
	wg.Wait()

	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = other.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBus_RunTestsEndToEnd(t *testing.T) {
	bus := newBus(t, memory.WithHandler("run_tests", a2abus.HandlerFunc(runTests)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))

	reply := ask(t, ctx, connect(t, ctx, bus), "run_tests", a2abus.Payload{"block_id": "abc"})
	assert.Equal(t, a2abus.TypeResult, reply.Type)
	assert.Equal(t, "MessageBus", reply.Source)
	assert.Equal(t, []string{"ExecutorAgent"}, reply.Destinations)
	assert.Equal(t, a2abus.Payload{"status": "ok", "block_id": "abc"}, reply.Payload)
}

func TestBus_UnregisteredTypeGetsErrorReply(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))

	reply := ask(t, ctx, connect(t, ctx, bus), "deploy_rocket", nil)
	assert.Equal(t, a2abus.TypeError, reply.Type)
	assert.Equal(t, []string{"ExecutorAgent"}, reply.Destinations)
	assert.Equal(t, a2abus.KindDispatch, reply.Payload["kind"])
	assert.Equal(t, "deploy_rocket", reply.Payload["msg_type"])
	assert.Contains(t, reply.Payload["error"], "deploy_rocket")
}

func TestBus_FailingHandlersStillReply(t *testing.T) {
	bus := newBus(t,
		memory.WithHandler("run_tests", a2abus.HandlerFunc(runTests)),
		memory.WithHandler("explode", a2abus.HandlerFunc(func(context.Context, *a2abus.Envelope) (a2abus.Payload, error) {
			panic("kaboom")
		})),
		memory.WithHandler("fail", a2abus.HandlerFunc(func(context.Context, *a2abus.Envelope) (a2abus.Payload, error) {
			return nil, errors.New("compiler not found")
		})),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))
	req := connect(t, ctx, bus)

	reply := ask(t, ctx, req, "explode", nil)
	assert.Equal(t, a2abus.TypeError, reply.Type)
	assert.Equal(t, a2abus.KindHandlerExecution, reply.Payload["kind"])
	assert.Contains(t, reply.Payload["error"], "kaboom")

	reply = ask(t, ctx, req, "fail", nil)
	assert.Equal(t, a2abus.TypeError, reply.Type)
	assert.Contains(t, reply.Payload["error"], "compiler not found")

	reply = ask(t, ctx, req, "run_tests", a2abus.Payload{"block_id": "after"})
	assert.Equal(t, a2abus.TypeResult, reply.Type)
	assert.Equal(t, "after", reply.Payload["block_id"])

	require.NoError(t, bus.Shutdown(ctx))
	m := bus.GetMetrics()
	assert.Equal(t, uint64(3), m.Handled)
	assert.Equal(t, uint64(2), m.HandlerFailures)
	assert.Equal(t, 3, m.RegisteredHandlers)
}

func TestBus_MalformedRequestGetsErrorReply(t *testing.T) {
	obs := &recordingObserver{}
	bus := newBus(t, memory.WithObserver(obs))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))

	sock, err := bus.Transport().ConnectRequester(ctx, bus.QueryEndpoint())
	require.NoError(t, err)
	defer sock.Close()

	for body, dest := range map[string]string{
		"not json":                   "unknown",
		`{"source_agent":"Planner"}`: "Planner",
	} {
		require.NoError(t, sock.Send(ctx, []byte(body)))
		raw, err := sock.Recv(ctx)
		require.NoError(t, err)
		reply, err := a2abus.DecodeEnvelope(raw)
		require.NoError(t, err)
		assert.Equal(t, a2abus.TypeError, reply.Type)
		assert.Equal(t, []string{dest}, reply.Destinations)
		assert.Equal(t, a2abus.KindMalformedEnvelope, reply.Payload["kind"])
	}

	assert.Eventually(t, func() bool { return obs.count(a2abus.MalformedRequest) == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, obs.count(a2abus.HandlerFailed))
	assert.Zero(t, obs.count(a2abus.QueryStart))

	require.NoError(t, bus.Shutdown(ctx))
	assert.Equal(t, uint64(2), bus.GetMetrics().MalformedRequests)
	assert.Equal(t, uint64(2), bus.GetStats().Handled)
}

func TestBus_StatsAreExact(t *testing.T) {
	bus := newBus(t, memory.WithHandler("run_tests", a2abus.HandlerFunc(runTests)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))
	req := connect(t, ctx, bus)

	for i := 0; i < 4; i++ {
		env, err := a2abus.NewEnvelope("ExecutorAgent", []string{a2abus.Broadcast}, a2abus.TypeUpdate, nil)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, "agent.status", env))
	}
	ask(t, ctx, req, "run_tests", nil)
	ask(t, ctx, req, "unknown_type", nil)
	ask(t, ctx, req, "run_tests", nil)

	require.NoError(t, bus.Shutdown(ctx))
	assert.Equal(t, a2abus.Stats{Published: 4, Handled: 3}, bus.GetStats())
	assert.Equal(t, uint64(1), bus.GetMetrics().DispatchMisses)
}

func TestBus_SingleReplyLoop(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, bus.StartReplyLoop(ctx))
	assert.ErrorIs(t, bus.StartReplyLoop(ctx), a2abus.ErrProtocolViolation)
	assert.ErrorIs(t, bus.Serve(ctx), a2abus.ErrProtocolViolation)
}

func TestBus_ServeStopsOnCancel(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- bus.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestBus_Shutdown(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()
	require.NoError(t, bus.StartReplyLoop(ctx))
	assert.Equal(t, "healthy", bus.Health(ctx).Status)

	require.NoError(t, bus.Shutdown(ctx))
	require.NoError(t, bus.Shutdown(ctx))

	env, err := a2abus.NewEnvelope("ExecutorAgent", []string{a2abus.Broadcast}, a2abus.TypeUpdate, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, bus.Publish(ctx, "agent.status", env), a2abus.ErrBusClosed)
	assert.ErrorIs(t, bus.StartReplyLoop(ctx), a2abus.ErrBusClosed)
	assert.Equal(t, "unhealthy", bus.Health(ctx).Status)
}

func TestBus_PublishValidation(t *testing.T) {
	bus := newBus(t)
	var verr *a2abus.ValidationError
	assert.True(t, errors.As(bus.Publish(context.Background(), "t", nil), &verr))
}

type recordingObserver struct {
	mu    sync.Mutex
	types []a2abus.EventType
}

func (o *recordingObserver) OnEvent(e a2abus.Event) {
	o.mu.Lock()
	o.types = append(o.types, e.Type)
	o.mu.Unlock()
}

func (o *recordingObserver) seen(t a2abus.EventType) bool { return o.count(t) > 0 }

func (o *recordingObserver) count(t a2abus.EventType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.types {
		if s == t {
			n++
		}
	}
	return n
}

func TestBus_Observers(t *testing.T) {
	obs := &recordingObserver{}
	bus := newBus(t, memory.WithObserver(obs), memory.WithHandler("run_tests", a2abus.HandlerFunc(runTests)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))

	env, err := a2abus.NewEnvelope("ExecutorAgent", []string{a2abus.Broadcast}, a2abus.TypeUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "agent.status", env))
	req := connect(t, ctx, bus)
	ask(t, ctx, req, "run_tests", nil)
	ask(t, ctx, req, "nope", nil)

	for _, typ := range []a2abus.EventType{a2abus.PublishStart, a2abus.PublishDone, a2abus.QueryStart, a2abus.QueryDone, a2abus.DispatchMiss} {
		assert.Eventually(t, func() bool { return obs.seen(typ) }, time.Second, time.Millisecond, "event %s", typ)
	}

	bus.RemoveObserver(obs)
}

func TestBus_HandlerTimeout(t *testing.T) {
	bus, shutdown, err := a2abus.New(func(b *a2abus.BusBuilder) {
		b.WithTransportInstance(memory.NewTransport(memory.Config{})).
			WithLogger(quietLogger).
			WithHandlerTimeout(20 * time.Millisecond).
			WithHandler("slow", a2abus.HandlerFunc(func(ctx context.Context, _ *a2abus.Envelope) (a2abus.Payload, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}))
	})
	require.NoError(t, err)
	defer shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))

	reply := ask(t, ctx, connect(t, ctx, bus), "slow", nil)
	assert.Equal(t, a2abus.TypeError, reply.Type)
	assert.Contains(t, reply.Payload["error"], context.DeadlineExceeded.Error())
}

func TestNewFromConfig_Memory(t *testing.T) {
	cfg, err := a2abus.ParseConfig(`
identity = "TesterAgent"
broadcast_endpoint = "events"
query_endpoint = "queries"
handler_timeout = "1s"
`)
	require.NoError(t, err)

	bus, shutdown, err := a2abus.NewFromConfig(cfg, func(b *a2abus.BusBuilder) {
		b.WithLogger(quietLogger).WithHandler("run_tests", a2abus.HandlerFunc(runTests))
	})
	require.NoError(t, err)
	defer shutdown()

	assert.Equal(t, "TesterAgent", bus.Identity())
	assert.Equal(t, "events", bus.BroadcastEndpoint())
	assert.Equal(t, "queries", bus.QueryEndpoint())
	assert.Equal(t, []string{"run_tests"}, bus.Handlers())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))
	reply := ask(t, ctx, connect(t, ctx, bus), "run_tests", a2abus.Payload{"block_id": "abc"})
	assert.Equal(t, "TesterAgent", reply.Source)
	assert.Equal(t, "abc", reply.Payload["block_id"])
}

func TestBus_PublishNotBlockedByRunningHandler(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	bus := newBus(t, memory.WithHandler("slow", a2abus.HandlerFunc(func(context.Context, *a2abus.Envelope) (a2abus.Payload, error) {
		close(started)
		<-release
		return a2abus.Payload{"done": true}, nil
	})))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))

	replies := make(chan *a2abus.Envelope, 1)
	req := connect(t, ctx, bus)
	go func() {
		env, err := a2abus.NewEnvelope("ExecutorAgent", []string{"MessageBus"}, "slow", nil)
		if err != nil {
			return
		}
		reply, err := req.Request(ctx, env)
		if err == nil {
			replies <- reply
		}
	}()

	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("handler never started")
	}

	const publishers = 50
	var wg sync.WaitGroup
	errs := make(chan error, publishers)
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := a2abus.NewEnvelope("PlannerAgent", []string{a2abus.Broadcast}, a2abus.TypeUpdate, a2abus.Payload{"seq": i})
			if err == nil {
				err = bus.Publish(ctx, "block.progress", env)
			}
			errs <- err
		}(i)
	}

	published := make(chan struct{})
	go func() {
		wg.Wait()
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked while a handler was running")
	}
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, uint64(publishers), bus.GetStats().Published)
	assert.Zero(t, bus.GetStats().Handled)

	close(release)
	select {
	case reply := <-replies:
		assert.Equal(t, a2abus.TypeResult, reply.Type)
	case <-ctx.Done():
		t.Fatal("no reply after handler release")
	}
}

func TestBus_StartReplyLoopRacingShutdown(t *testing.T) {
	for i := 0; i < 50; i++ {
		bus := memory.Use(memory.Config{}, memory.WithLogger(quietLogger))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		started := make(chan error, 2)
		go func() { started <- bus.StartReplyLoop(ctx) }()
		go func() { started <- bus.Serve(ctx) }()
		require.NoError(t, bus.Shutdown(ctx))

		for j := 0; j < 2; j++ {
			select {
			case err := <-started:
				if err != nil {
					assert.True(t, errors.Is(err, a2abus.ErrBusClosed) || errors.Is(err, a2abus.ErrProtocolViolation), "got %v", err)
				}
			case <-ctx.Done():
				t.Fatal("reply loop outlived shutdown")
			}
		}
		cancel()
	}
}

// framedCodec is JSON behind a fixed prefix, so frames are unreadable to a plain JSON client.
type framedCodec struct{}

const framePrefix = "A2A1"

func (framedCodec) Marshal(v any) ([]byte, error) {
	b, err := a2abus.JSONCodec{}.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(framePrefix), b...), nil
}

func (framedCodec) Unmarshal(b []byte, v any) error {
	if len(b) < len(framePrefix) || string(b[:len(framePrefix)]) != framePrefix {
		return errors.New("missing frame prefix")
	}
	return a2abus.JSONCodec{}.Unmarshal(b[len(framePrefix):], v)
}

func (framedCodec) Name() string { return "framed" }

func TestBus_ClientsUseBusCodec(t *testing.T) {
	bus := newBus(t,
		func(b *a2abus.BusBuilder) { b.WithCodecInstance(framedCodec{}) },
		memory.WithHandler("run_tests", a2abus.HandlerFunc(runTests)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.StartReplyLoop(ctx))

	sub, err := bus.Subscribe(ctx, "block")
	require.NoError(t, err)
	defer sub.Close()
	plain, err := a2abus.Subscribe(ctx, bus.Transport(), bus.BroadcastEndpoint(), "block")
	require.NoError(t, err)
	defer plain.Close()

	env, err := a2abus.NewEnvelope("PlannerAgent", []string{a2abus.Broadcast}, a2abus.TypeUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "block.created", env))

	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.Envelope.ID)

	_, err = plain.Next(ctx)
	var merr *a2abus.MalformedEnvelopeError
	assert.True(t, errors.As(err, &merr), "got %v", err)

	req, err := bus.Connect(ctx)
	require.NoError(t, err)
	defer req.Close()
	reply := ask(t, ctx, req, "run_tests", a2abus.Payload{"block_id": "abc"})
	assert.Equal(t, a2abus.TypeResult, reply.Type)
	assert.Equal(t, "abc", reply.Payload["block_id"])

	raw, err := a2abus.Connect(ctx, bus.Transport(), bus.QueryEndpoint(), a2abus.WithClientCodec(framedCodec{}))
	require.NoError(t, err)
	defer raw.Close()
	reply = ask(t, ctx, raw, "run_tests", a2abus.Payload{"block_id": "xyz"})
	assert.Equal(t, "xyz", reply.Payload["block_id"])
}
