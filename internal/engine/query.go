package engine

import (
	"context"

	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// StepAttempts is the attempt history of one step row.
type StepAttempts struct {
	Step     string            `json:"step"`
	Status   schema.StepStatus `json:"status"`
	Attempts []*store.Attempt  `json:"attempts"`
}

// Events returns the run's events with sequence greater than since.
func (e *Engine) Events(ctx context.Context, tenantID, runID string, since int64) ([]*store.Event, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return e.events.GetEvents(ctx, runID, since)
}

// Attempts returns the attempt history of one step, or of every step row
// (sub-steps included) when step is empty.
func (e *Engine) Attempts(ctx context.Context, tenantID, runID, step string) ([]StepAttempts, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	var rows []*store.Step
	if step != "" {
		row, err := e.store.GetStep(ctx, runID, step)
		if err != nil {
			return nil, err
		}
		rows = []*store.Step{row}
	} else {
		var err error
		if rows, err = e.store.ListSteps(ctx, runID); err != nil {
			return nil, err
		}
	}

	out := make([]StepAttempts, 0, len(rows))
	for _, row := range rows {
		atts, err := e.store.ListAttempts(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, StepAttempts{Step: row.Name, Status: row.Status, Attempts: atts})
	}
	return out, nil
}

// Artifacts lists a run's artifact rows, optionally narrowed to one step.
func (e *Engine) Artifacts(ctx context.Context, tenantID, runID, step string) ([]*store.Artifact, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	var f store.ArtifactFilter
	if step != "" {
		row, err := e.store.GetStep(ctx, runID, step)
		if err != nil {
			return nil, err
		}
		f.StepID = row.ID
	}
	return e.store.ListArtifacts(ctx, runID, f)
}

// ArtifactContent returns the blob behind one artifact row of a run.
func (e *Engine) ArtifactContent(ctx context.Context, tenantID, runID, artifactID string) (*store.Artifact, []byte, error) {
	arts, err := e.Artifacts(ctx, tenantID, runID, "")
	if err != nil {
		return nil, nil, err
	}
	for _, a := range arts {
		if a.ID == artifactID {
			data, err := e.artifacts.Load(ctx, a)
			if err != nil {
				return nil, nil, err
			}
			return a, data, nil
		}
	}
	return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "artifact %q not found", artifactID)
}

// Reviews returns the run's review requests.
func (e *Engine) Reviews(ctx context.Context, tenantID, runID string) ([]*store.ReviewRequest, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return e.store.ListReviews(ctx, runID)
}

// Audit rebuilds step states from the event log alone. Comparing it with
// the step rows detects a projection that drifted from the log.
func (e *Engine) Audit(ctx context.Context, tenantID, runID string) (map[string]*store.StepState, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return e.events.Replay(ctx, runID)
}

// StepStatuses returns the status of every graph node of a run. Nodes
// without a row are pending.
func (e *Engine) StepStatuses(ctx context.Context, tenantID, runID string) (map[string]schema.StepStatus, error) {
	if _, err := e.store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	rows, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps := e.sched.IndexSteps(rows)
	out := make(map[string]schema.StepStatus, len(e.graph.Sorted))
	for _, name := range e.graph.Sorted {
		out[name] = schema.StepStatusPending
		if row := steps[name]; row != nil {
			out[name] = row.Status
		}
	}
	return out, nil
}
