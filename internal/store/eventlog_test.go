package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/pkg/schema"
)

func TestEventLog_MonotonicSequencePerRun(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		el := NewEventLog(s)
		r1 := seedRun(t, s, "acme")
		r2 := seedRun(t, s, "acme")

		for i := 0; i < 4; i++ {
			e, err := el.Append(ctx, r1.ID, "step1", schema.EventStepStarted, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(i+1), e.Sequence)
		}
		e, err := el.Append(ctx, r2.ID, "", schema.EventRunCreated, map[string]any{"tenant": "acme"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Sequence)
	})
}

func TestEventLog_ConcurrentAppendsStayContiguous(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		el := NewEventLog(s)
		r := seedRun(t, s, "acme")

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := el.Append(ctx, r.ID, "step3a", schema.EventAttemptStarted, nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		events, err := el.GetEvents(ctx, r.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 20)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence)
		}
	})
}

func TestEventLog_GetEventsSince(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		el := NewEventLog(s)
		r := seedRun(t, s, "acme")

		for _, et := range []string{schema.EventStepStarted, schema.EventStepCompleted, schema.EventStepStarted} {
			_, err := el.Append(ctx, r.ID, "step1", et, map[string]string{"k": "v"})
			require.NoError(t, err)
		}

		events, err := el.GetEvents(ctx, r.ID, 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Sequence)
		assert.Equal(t, schema.EventStepCompleted, events[0].Type)
		assert.JSONEq(t, `{"k":"v"}`, string(events[0].Payload))
	})
}

func TestEventLog_Replay(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		el := NewEventLog(s)
		r := seedRun(t, s, "acme")

		steps := []struct{ step, typ string }{
			{"", schema.EventRunRunning},
			{"step1", schema.EventStepStarted},
			{"step1", schema.EventStepCompleted},
			{"step2", schema.EventStepStarted},
			{"step2", schema.EventStepRetrying},
			{"step2", schema.EventStepFailed},
			{"step3a", schema.EventStepStarted},
			{"step3a", schema.EventStepSkipped},
			{"step2", schema.EventStepRewound},
		}
		for _, st := range steps {
			_, err := el.Append(ctx, r.ID, st.step, st.typ, nil)
			require.NoError(t, err)
		}

		states, err := el.Replay(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, states, 3)
		assert.Equal(t, schema.StepStatusCompleted, states["step1"].Status)
		assert.NotNil(t, states["step1"].CompletedAt)
		assert.Equal(t, schema.StepStatusPending, states["step2"].Status)
		assert.Equal(t, 0, states["step2"].RetryCount)
		assert.Equal(t, schema.StepStatusSkipped, states["step3a"].Status)
	})
}

func TestEventLog_ReplayEmptyRun(t *testing.T) {
	s := NewMemoryStore()
	r := seedRun(t, s, "acme")
	states, err := NewEventLog(s).Replay(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}
