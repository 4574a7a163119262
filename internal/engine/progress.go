package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/runengine/internal/streaming"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// progress pushes notifications to live subscribers. The event log stays the
// source of truth; a dropped notification loses nothing.
type progress struct {
	hub    streaming.Hub
	store  store.Store
	sched  *Scheduler
	logger *slog.Logger
}

func (p *progress) publish(ctx context.Context, run *store.Run, typ schema.ProgressType, step, msg string) {
	if p == nil || p.hub == nil {
		return
	}
	pct := 0
	if rows, err := p.store.ListSteps(ctx, run.ID); err == nil {
		pct = p.sched.Next(run.Status, p.sched.IndexSteps(rows)).Progress
	}
	env := streaming.Envelope{
		TenantID: run.TenantID,
		Event: schema.ProgressEvent{
			Type:      typ,
			RunID:     run.ID,
			Step:      step,
			Progress:  pct,
			Message:   msg,
			Timestamp: time.Now().UTC(),
		},
	}
	if err := p.hub.Publish(ctx, env); err != nil {
		p.logger.WarnContext(ctx, "progress publish failed", "type", typ, "error", err)
	}
}
