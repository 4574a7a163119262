package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/pkg/schema"
)

func progress(tenant, run string, typ schema.ProgressType) Envelope {
	return Envelope{TenantID: tenant, Event: schema.ProgressEvent{Type: typ, RunID: run, Timestamp: time.Now()}}
}

func receive(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Envelope{}
}

func assertEmpty(t *testing.T, ch <-chan Envelope) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	env := progress("t1", "run-1", schema.ProgressStepCompleted)
	env.Event.Step = "step2"
	env.Event.Progress = 20
	require.NoError(t, hub.Publish(ctx, env))

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.Event.RunID)
	assert.Equal(t, "step2", got.Event.Step)
	assert.Equal(t, 20, got.Event.Progress)
}

func TestFilterByRunAndTenant(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{TenantID: "t1", RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, progress("t1", "run-1", schema.ProgressStepStarted)))
	require.NoError(t, hub.Publish(ctx, progress("t1", "run-2", schema.ProgressStepStarted)))
	require.NoError(t, hub.Publish(ctx, progress("t2", "run-1", schema.ProgressStepStarted)))

	got := receive(t, ch)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "run-1", got.Event.RunID)
	assertEmpty(t, ch)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		Types: []schema.ProgressType{schema.ProgressRunCompleted, schema.ProgressRunFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, progress("t", "r", schema.ProgressRunCompleted)))
	require.NoError(t, hub.Publish(ctx, progress("t", "r", schema.ProgressStepStarted)))
	require.NoError(t, hub.Publish(ctx, progress("t", "r", schema.ProgressRunFailed)))

	assert.Equal(t, schema.ProgressRunCompleted, receive(t, ch).Event.Type)
	assert.Equal(t, schema.ProgressRunFailed, receive(t, ch).Event.Type)
	assertEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, progress("t", "run-1", schema.ProgressApprovalRequested)))

	for _, ch := range []<-chan Envelope{ch1, ch2} {
		assert.Equal(t, schema.ProgressApprovalRequested, receive(t, ch).Event.Type)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, progress("t", "run-1", schema.ProgressStepStarted)))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestBackpressureDropsAndCounts(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, progress("t", "run-1", schema.ProgressStepStarted)))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, progress("t", "run-c", schema.ProgressStepStarted))
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, progress("t", "r", schema.ProgressError)), context.Canceled)
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
