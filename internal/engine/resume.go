package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// ResumeRequest names the step to resume from. An empty Mode falls back to
// the run's config and then to the engine default.
type ResumeRequest struct {
	Step string            `json:"step"`
	Mode schema.ResumeMode `json:"mode,omitempty"`
}

// Resume re-enters the drive loop at req.Step. Upstream steps keep their
// completed rows and artifacts; the step and everything after it is rewound.
// Upstream steps that never completed are marked completed by the operator
// without an attempt, so the resumed step reads whatever artifacts exist.
func (e *Engine) Resume(ctx context.Context, tenantID, runID string, req ResumeRequest) (*schema.RunSummary, error) {
	if !e.graph.Has(req.Step) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step %q", req.Step)
	}
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if !resumable(run.Status) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s and cannot be resumed", runID, run.Status)
	}
	ctx = logging.WithStepName(logging.WithRun(ctx, tenantID, runID), req.Step)

	rows, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	steps := e.sched.IndexSteps(rows)
	ancestors := e.graph.Ancestors(req.Step)
	var unfinished []string
	for _, name := range e.graph.Sorted {
		if !ancestors[name] {
			continue
		}
		if row := steps[name]; row == nil || row.Status != schema.StepStatusCompleted {
			unfinished = append(unfinished, name)
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = run.Config.ResumeMode
	}
	if mode == "" {
		mode = e.cfg.ResumeMode
	}
	switch mode {
	case schema.ResumeSameRun:
		return e.resumeSameRun(ctx, run, req.Step, rows, unfinished)
	case schema.ResumeNewRun:
		return e.resumeNewRun(ctx, run, req.Step, steps, unfinished)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown resume mode %q", mode)
	}
}

func resumable(s schema.RunStatus) bool {
	return s == schema.RunStatusFailed || s == schema.RunStatusCompleted || s == schema.RunStatusPaused || s.IsWaiting()
}

// rewindSet is the resumed step and every node after it. Parallel siblings
// of the step are not reachable from it and keep their status.
func (e *Engine) rewindSet(step string) map[string]bool {
	set := map[string]bool{step: true}
	for _, d := range e.graph.Descendants(step) {
		set[d] = true
	}
	return set
}

func (e *Engine) resumeSameRun(ctx context.Context, run *store.Run, step string, rows []*store.Step, unfinished []string) (*schema.RunSummary, error) {
	// A waiting or paused run may still have a driver unwinding.
	e.stopDriver(run.ID, e.cfg.CancelGrace)

	assetRewound, err := e.skipAhead(ctx, run.ID, step, unfinished)
	if err != nil {
		return nil, err
	}

	rewind := e.rewindSet(step)
	var rewound []string
	for _, row := range rows {
		parent, _, _ := strings.Cut(row.Name, "/")
		if !rewind[parent] {
			continue
		}
		if e.graph.Nodes[parent].Kind == NodeAsset {
			assetRewound = true
		}
		if row.Status == schema.StepStatusPending || row.Name != parent {
			// Sub-step rows are rewound when the phase machine re-runs them.
			continue
		}
		if err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusPending, StepChange{
			Operator: true,
			Payload:  map[string]any{"reason": "resume", "resumed_step": step},
		}); err != nil {
			return nil, err
		}
		rewound = append(rewound, row.Name)
	}

	if err := e.rearmGates(ctx, run.ID, rewind); err != nil {
		return nil, err
	}

	if err := e.runs.Transition(ctx, run, schema.RunStatusRunning, RunChange{
		Operator:        true,
		ClearError:      true,
		LastResumedStep: step,
		ClearPhaseState: assetRewound,
		EventType:       schema.EventRunResumed,
		Payload: map[string]any{
			"step":    step,
			"mode":    string(schema.ResumeSameRun),
			"rewound": rewound,
			"skipped": unfinished,
		},
	}); err != nil {
		return nil, err
	}
	if assetRewound {
		e.assets.Forget(run.ID)
	}
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run resumed", "mode", schema.ResumeSameRun, "rewound", len(rewound))
	e.relaunch(run.TenantID, run.ID)
	return e.summary(ctx, run)
}

// skipAhead marks the unfinished upstream steps of a same-run resume
// completed and closes the reviews of gates among them. It reports whether
// an asset step was skipped, in which case its phase state is stale.
func (e *Engine) skipAhead(ctx context.Context, runID, step string, unfinished []string) (bool, error) {
	if len(unfinished) == 0 {
		return false, nil
	}
	skipped := make(map[string]bool, len(unfinished))
	asset := false
	for _, name := range unfinished {
		row, err := e.exec.ensureStep(ctx, runID, name)
		if err != nil {
			return false, err
		}
		atts, err := e.store.ListAttempts(ctx, row.ID)
		if err != nil {
			return false, err
		}
		for _, a := range atts {
			if a.Status == schema.AttemptStatusRunning {
				e.exec.discard(ctx, runID, row, a, "skipped by resume")
			}
		}
		if row.Status != schema.StepStatusCompleted {
			if err := e.steps.Transition(ctx, runID, row, schema.StepStatusCompleted, StepChange{
				Operator: true,
				Payload:  map[string]any{"reason": "resume_skip_ahead", "resumed_step": step},
			}); err != nil {
				return false, err
			}
		}
		skipped[name] = true
		if e.graph.Nodes[name].Kind == NodeAsset {
			asset = true
		}
	}

	reviews, err := e.store.ListReviews(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, rv := range reviews {
		if !skipped[rv.Step] || (rv.Status != schema.ReviewStatusPending && rv.Status != schema.ReviewStatusInProgress) {
			continue
		}
		rv.Status = schema.ReviewStatusClosedWithoutResult
		if err := e.store.UpsertReview(ctx, rv); err != nil {
			return false, err
		}
	}
	logging.LogWith(ctx, e.logger).WarnContext(ctx, "resume skipped unfinished upstream steps", "steps", unfinished)
	return asset, nil
}

// rearmGates puts the reviews of rewound gates back to pending.
func (e *Engine) rearmGates(ctx context.Context, runID string, rewind map[string]bool) error {
	reviews, err := e.store.ListReviews(ctx, runID)
	if err != nil {
		return err
	}
	for _, rv := range reviews {
		if !rewind[rv.Step] || rv.Status == schema.ReviewStatusPending {
			continue
		}
		rv.Status = schema.ReviewStatusPending
		rv.Result = nil
		if err := e.store.UpsertReview(ctx, rv); err != nil {
			return err
		}
	}
	return nil
}

// resumeNewRun forks a fresh run. Completed upstream rows and their artifact
// rows are copied by digest; unfinished upstream steps are seeded completed
// with whatever artifacts they left. No attempts are copied and the source
// run is left untouched.
func (e *Engine) resumeNewRun(ctx context.Context, src *store.Run, step string, steps map[string]*store.Step, unfinished []string) (*schema.RunSummary, error) {
	run, err := e.createRun(ctx, src.TenantID, src.Input, src.Config, src.ID, step)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRun(ctx, run.TenantID, run.ID)

	rewind := e.rewindSet(step)
	skip := make(map[string]bool, len(unfinished))
	for _, name := range unfinished {
		skip[name] = true
	}
	var copied []string
	for _, name := range e.graph.Sorted {
		row := steps[name]
		if rewind[name] || (!skip[name] && (row == nil || row.Status != schema.StepStatusCompleted)) {
			continue
		}
		now := time.Now().UTC()
		cp := &store.Step{
			ID:          uuid.New().String(),
			RunID:       run.ID,
			Name:        name,
			Status:      schema.StepStatusCompleted,
			CompletedAt: &now,
		}
		payload := map[string]any{"copied_from": src.ID}
		if skip[name] {
			payload["reason"] = "resume_skip_ahead"
			payload["resumed_step"] = step
		} else {
			cp.StartedAt, cp.CompletedAt = row.StartedAt, row.CompletedAt
		}
		if err := e.store.CreateStep(ctx, cp); err != nil {
			return nil, err
		}
		var arts []*store.Artifact
		if row != nil {
			if arts, err = e.artifacts.Latest(ctx, src.ID, row.ID); err != nil {
				return nil, err
			}
		}
		for _, a := range arts {
			if _, err := e.artifacts.CopyTo(ctx, a, run.ID, cp.ID, ""); err != nil {
				return nil, err
			}
		}
		payload["artifacts"] = len(arts)
		if _, err := e.events.Append(ctx, run.ID, name, schema.EventStepCompleted, payload); err != nil {
			return nil, err
		}
		copied = append(copied, name)
	}

	if _, err := e.events.Append(ctx, run.ID, "", schema.EventRunResumed, map[string]any{
		"step":          step,
		"mode":          string(schema.ResumeNewRun),
		"parent_run_id": src.ID,
		"copied":        copied,
		"skipped":       unfinished,
	}); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run forked for resume", "parent_run_id", src.ID, "step", step, "copied", len(copied))
	if err := e.start(ctx, run); err != nil {
		return nil, err
	}
	return e.summary(ctx, run)
}
