package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/internal/engine/enginetest"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// mockRecoverer counts calls and optionally blocks until released.
type mockRecoverer struct {
	calls   atomic.Int32
	adopted int
	err     error
	block   chan struct{}
}

func (m *mockRecoverer) Recover(ctx context.Context) (int, error) {
	m.calls.Add(1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
		}
	}
	return m.adopted, m.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSweeper_InvalidSpec(t *testing.T) {
	_, err := NewSweeper(&mockRecoverer{}, "every minute", quietLogger())
	assert.Error(t, err)
}

func TestSweeper_NextRun(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)

	s, err := NewSweeper(&mockRecoverer{}, "*/15 * * * *", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), s.NextRun(from))

	s, err = NewSweeper(&mockRecoverer{}, "@every 2m", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, from.Add(2*time.Minute), s.NextRun(from))
}

func TestSweeper_StartSweepsImmediately(t *testing.T) {
	rec := &mockRecoverer{adopted: 2}
	s, err := NewSweeper(rec, "@every 1h", quietLogger())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	last := s.Last()
	assert.Equal(t, 2, last.Adopted)
	assert.NoError(t, last.Err)
	assert.False(t, last.At.IsZero())
}

func TestSweeper_SweepsDoNotOverlap(t *testing.T) {
	rec := &mockRecoverer{block: make(chan struct{})}
	s, err := NewSweeper(rec, "@every 1h", quietLogger())
	require.NoError(t, err)

	first := make(chan bool)
	go func() { first <- s.Sweep(context.Background()) }()
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, time.Millisecond)

	assert.False(t, s.Sweep(context.Background()), "second sweep skipped while first is in flight")
	close(rec.block)
	assert.True(t, <-first)
	assert.Equal(t, int32(1), rec.calls.Load())

	assert.True(t, s.Sweep(context.Background()))
}

func TestSweeper_RecordsFailure(t *testing.T) {
	rec := &mockRecoverer{err: errors.New("store offline")}
	s, err := NewSweeper(rec, "@every 1h", quietLogger())
	require.NoError(t, err)

	assert.True(t, s.Sweep(context.Background()))
	assert.EqualError(t, s.Last().Err, "store offline")
}

func TestSweeper_AdoptsOrphanedRun(t *testing.T) {
	env := enginetest.New(t)
	ctx := context.Background()

	run := &store.Run{ID: uuid.New().String(), TenantID: "tenant-a", Status: schema.RunStatusRunning}
	require.NoError(t, env.Store.CreateRun(ctx, run))

	s, err := NewSweeper(env.Engine, "@every 1h", quietLogger())
	require.NoError(t, err)
	require.True(t, s.Sweep(ctx))
	assert.Equal(t, 1, s.Last().Adopted)

	env.WaitStatus(t, "tenant-a", run.ID, schema.RunStatusWaitingApproval)
	require.True(t, s.Sweep(ctx))
	assert.Zero(t, s.Last().Adopted)
}
