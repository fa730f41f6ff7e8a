package a2abus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct{ n atomic.Int64 }

func (o *countingObserver) OnEvent(Event) { o.n.Add(1) }

func TestObserverPool_Dispatch(t *testing.T) {
	pool := NewObserverPool(context.Background(), 2, 16)
	obs := &countingObserver{}
	panicky := ObserverFunc(func(Event) { panic("observer bug") })

	for i := 0; i < 5; i++ {
		pool.Notify(Event{Type: PublishDone}, []Observer{panicky, obs})
	}
	assert.Eventually(t, func() bool { return obs.n.Load() == 5 }, time.Second, time.Millisecond)

	require.NoError(t, pool.Close(time.Second))
	st := pool.Stats()
	assert.Equal(t, uint64(5), st.Processed)
	assert.Equal(t, uint64(5), st.ObserverPanics)
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, 16, st.BufferSize)

	// Ignored once closed.
	pool.Notify(Event{Type: PublishDone}, []Observer{obs})
	assert.Equal(t, int64(5), obs.n.Load())
	require.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_DropsWhenFull(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := ObserverFunc(func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	pool.Notify(Event{Type: QueryStart}, []Observer{blocking})
	<-started
	pool.Notify(Event{Type: QueryStart}, []Observer{blocking}) // buffered
	pool.Notify(Event{Type: QueryStart}, []Observer{blocking}) // dropped
	assert.Equal(t, uint64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Close(time.Second))
	assert.Equal(t, uint64(2), pool.Stats().Processed)
}
