package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/runengine/internal/artifact"
	"github.com/rendis/runengine/internal/assets"
	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// assetManifestType is the artifact listing the finalized items of an asset step.
const assetManifestType = "asset_manifest"

// reachAsset enters the asset phase machine. It reports whether the run now
// waits for human input.
func (e *Engine) reachAsset(ctx context.Context, run *store.Run, name string, row *store.Step) (bool, error) {
	ctx = logging.WithStepName(ctx, name)
	if row == nil {
		var err error
		if row, err = e.exec.ensureStep(ctx, run.ID, name); err != nil {
			return false, err
		}
	}
	if row.Status == schema.StepStatusPending {
		if err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusRunning, StepChange{}); err != nil {
			return false, err
		}
		e.progress.publish(ctx, run, schema.ProgressStepStarted, name, "")
		// A fresh entry never inherits state from an earlier pass.
		run.PhaseState = nil
	}

	st, err := e.assets.Begin(ctx, run, name)
	if err != nil {
		return false, err
	}
	if st.Phase.IsTerminal() {
		return false, e.completeAssetStep(ctx, run, row, st)
	}
	if it := st.Exhausted(); it != nil {
		return true, e.failAsset(ctx, run, st, it)
	}

	if err := e.runs.Transition(ctx, run, schema.RunStatusWaitingImageInput, RunChange{
		Payload: map[string]any{"step": name, "phase": string(st.Phase)},
	}); err != nil {
		return false, err
	}
	if st.Phase == assets.PhaseFinalizing {
		_, err := e.finishAsset(ctx, run, st)
		return err == nil, err
	}
	return true, nil
}

// afterPhase acts on the machine state returned by a human operation:
// finalizing persists and completes, skipped completes, an exhausted item
// fails the step, anything else waits.
func (e *Engine) afterPhase(ctx context.Context, tenantID, runID string, st *assets.State) (*assets.State, error) {
	it := st.Exhausted()
	if it == nil && st.Phase != assets.PhaseFinalizing && st.Phase != assets.PhaseSkipped {
		return st, nil
	}
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if it != nil {
		return st, e.failAsset(ctx, run, st, it)
	}
	return e.finishAsset(ctx, run, st)
}

// failAsset ends the asset step and its run with PHASE_ERROR once an item has
// failed on its last allowed retry.
func (e *Engine) failAsset(ctx context.Context, run *store.Run, st *assets.State, it *assets.Item) error {
	ctx = logging.WithStepName(logging.WithRun(ctx, run.TenantID, run.ID), st.Step)
	row, err := e.store.GetStep(ctx, run.ID, st.Step)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("item %d failed after %d retries: %s", it.Index, it.Retries, it.Error)
	if row.Status == schema.StepStatusRunning {
		if err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusFailed, StepChange{
			ErrorCode:    schema.ErrCodePhase,
			ErrorMessage: msg,
			Payload:      map[string]any{"phase": string(st.Phase), "item": it.Index, "retries": it.Retries},
		}); err != nil {
			return err
		}
	}
	if err := e.runs.Transition(ctx, run, schema.RunStatusFailed, RunChange{
		ErrorCode:    schema.ErrCodePhase,
		ErrorMessage: fmt.Sprintf("step %s: %s", st.Step, msg),
		Payload:      map[string]any{"step": st.Step},
	}); err != nil {
		return err
	}
	logging.LogWith(ctx, e.logger).WarnContext(ctx, "asset step failed", "item", it.Index, "retries", it.Retries)
	e.progress.publish(ctx, run, schema.ProgressStepFailed, st.Step, msg)
	return nil
}

// finishAsset persists the accepted items as the asset step's output (when
// finalizing), completes the step and hands a waiting run back to the driver.
func (e *Engine) finishAsset(ctx context.Context, run *store.Run, st *assets.State) (*assets.State, error) {
	ctx = logging.WithStepName(logging.WithRun(ctx, run.TenantID, run.ID), st.Step)
	row, err := e.store.GetStep(ctx, run.ID, st.Step)
	if err != nil {
		return nil, err
	}

	if st.Phase == assets.PhaseFinalizing {
		if err := e.persistAsset(ctx, run, row, st); err != nil {
			return nil, err
		}
		if st, err = e.assets.Complete(ctx, run.TenantID, run.ID); err != nil {
			return nil, err
		}
	}
	if err := e.completeAssetStep(ctx, run, row, st); err != nil {
		return nil, err
	}

	if run.Status == schema.RunStatusWaitingImageInput {
		if err := e.runs.Transition(ctx, run, schema.RunStatusRunning, RunChange{
			Payload: map[string]any{"step": st.Step, "phase": string(st.Phase)},
		}); err != nil {
			return nil, err
		}
		e.relaunch(run.TenantID, run.ID)
	}
	return st, nil
}

func (e *Engine) completeAssetStep(ctx context.Context, run *store.Run, row *store.Step, st *assets.State) error {
	if row.Status == schema.StepStatusCompleted {
		return nil
	}
	err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusCompleted, StepChange{
		Payload: map[string]any{"phase": string(st.Phase), "skipped": st.Phase == assets.PhaseSkipped},
	})
	if err != nil {
		return err
	}
	e.progress.publish(ctx, run, schema.ProgressStepCompleted, row.Name, string(st.Phase))
	return nil
}

// persistAsset records one attempt on the asset step holding a manifest and
// the accepted items' artifacts, shared by digest.
func (e *Engine) persistAsset(ctx context.Context, run *store.Run, row *store.Step, st *assets.State) error {
	att, err := e.exec.openAttempt(ctx, run.ID, row, "")
	if err != nil {
		return err
	}

	type manifestItem struct {
		Index       int              `json:"index"`
		Placement   assets.Placement `json:"placement"`
		Instruction string           `json:"instruction"`
		Digest      string           `json:"digest"`
		Artifacts   []string         `json:"artifacts,omitempty"`
	}
	items := make([]manifestItem, 0, len(st.Items))
	for _, it := range st.Items {
		mi := manifestItem{Index: it.Index, Placement: it.Placement, Instruction: it.Instruction, Digest: it.Digest}
		itemRow, err := e.store.GetStep(ctx, run.ID, it.Step)
		if err != nil {
			return err
		}
		arts, err := e.artifacts.Latest(ctx, run.ID, itemRow.ID)
		if err != nil {
			return err
		}
		for _, a := range arts {
			if _, err := e.artifacts.CopyTo(ctx, a, run.ID, row.ID, att.ID); err != nil {
				return err
			}
			mi.Artifacts = append(mi.Artifacts, a.Digest)
		}
		items = append(items, mi)
	}

	manifest, err := json.Marshal(map[string]any{"step": st.Step, "items": items})
	if err != nil {
		return err
	}
	if _, err := e.artifacts.Put(ctx, artifact.PutRequest{
		RunID:       run.ID,
		StepID:      row.ID,
		AttemptID:   att.ID,
		Type:        assetManifestType,
		ContentType: "application/json",
		Content:     manifest,
	}); err != nil {
		return err
	}

	digest := artifact.Digest(manifest)
	metrics, _ := json.Marshal(map[string]any{"items": len(items), "restarts": st.Restarts})
	if err := e.store.FinishAttempt(ctx, att.ID, store.AttemptResult{
		Status:       schema.AttemptStatusCompleted,
		OutputDigest: digest,
		Metrics:      metrics,
		CompletedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}
	_, err = e.events.Append(ctx, run.ID, row.Name, schema.EventAttemptCompleted, map[string]any{
		"attempt":       att.AttemptNum,
		"output_digest": digest,
		"items":         len(items),
	})
	return err
}

// RunSubStep executes one unit of asset work as its own step row. It
// implements assets.Runner.
func (e *Engine) RunSubStep(ctx context.Context, run *store.Run, sub assets.SubStep) (*assets.SubStepResult, error) {
	parent, _, _ := strings.Cut(sub.Name, "/")
	ctx = logging.WithRun(ctx, run.TenantID, run.ID)

	row, err := e.exec.ensureStep(ctx, run.ID, sub.Name)
	if err != nil {
		return nil, err
	}
	if row.Status.IsTerminal() {
		if err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusPending, StepChange{
			Operator: true,
			Payload:  map[string]any{"reason": "regenerate"},
		}); err != nil {
			return nil, err
		}
	}

	inputs, err := e.inputs(ctx, run.ID, parent)
	if err != nil {
		return nil, err
	}
	out, err := e.exec.Execute(ctx, StepRequest{
		Run:    run,
		Step:   sub.Name,
		Inputs: inputs,
		Config: e.subStepConfig(parent, sub, run.Config),
	})
	if err != nil {
		return nil, err
	}
	if out.Interrupted {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "%s was interrupted", sub.Name)
	}
	if !out.Completed() {
		if out.Err != nil {
			return nil, out.Err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "%s ended %s", sub.Name, out.Step.Status)
	}

	res := &assets.SubStepResult{Result: out.Result, Digest: out.Attempt.OutputDigest}
	for _, a := range out.Artifacts {
		if a.Type != outputArtifactType {
			res.Artifacts = append(res.Artifacts, a.Digest)
		}
	}
	return res, nil
}

// detach keeps ctx's values but takes cancellation from the engine.
func (e *Engine) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// subStepConfig runs a sub-step with the asset step's retry policy and
// model, its own handler, and no output rules of the parent.
func (e *Engine) subStepConfig(parent string, sub assets.SubStep, rc schema.RunConfig) schema.StepConfig {
	base := e.graph.StepConfig(parent, rc)
	cfg := schema.StepConfig{
		Handler:      sub.Handler,
		Model:        base.Model,
		Tool:         base.Tool,
		RetryLimit:   base.RetryLimit,
		Timeout:      base.Timeout,
		Backoff:      base.Backoff,
		BackoffDelay: base.BackoffDelay,
		BackoffMax:   base.BackoffMax,
		Params:       sub.Params,
	}
	if o, ok := rc.Steps[sub.Handler]; ok {
		cfg = cfg.Merge(o)
	}
	return cfg
}

// asset runs fn against the phase machine and then acts on the new state.
// Generation started by fn outlives the caller's request and is only
// interrupted when the engine shuts down.
func (e *Engine) asset(ctx context.Context, tenantID, runID string, fn func(context.Context) (*assets.State, error)) (*assets.State, error) {
	ctx, cancel := e.detach(ctx)
	defer cancel()
	st, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return e.afterPhase(ctx, tenantID, runID, st)
}

// AssetState returns the phase machine state of a run.
func (e *Engine) AssetState(ctx context.Context, tenantID, runID string) (*assets.State, error) {
	return e.assets.Get(ctx, tenantID, runID)
}

// SubmitAssetSettings handles phase A, including skip.
func (e *Engine) SubmitAssetSettings(ctx context.Context, tenantID, runID string, s assets.Settings) (*assets.State, error) {
	return e.asset(ctx, tenantID, runID, func(ctx context.Context) (*assets.State, error) {
		return e.assets.SubmitSettings(ctx, tenantID, runID, s)
	})
}

// AssetPositions returns the positions proposed in phase B.
func (e *Engine) AssetPositions(ctx context.Context, tenantID, runID string) ([]assets.Placement, error) {
	return e.assets.Positions(ctx, tenantID, runID)
}

// SubmitAssetPositions handles phase B.
func (e *Engine) SubmitAssetPositions(ctx context.Context, tenantID, runID string, d assets.PositionsDecision) (*assets.State, error) {
	return e.asset(ctx, tenantID, runID, func(ctx context.Context) (*assets.State, error) {
		return e.assets.SubmitPositions(ctx, tenantID, runID, d)
	})
}

// SubmitAssetInstructions handles phase C.
func (e *Engine) SubmitAssetInstructions(ctx context.Context, tenantID, runID string, instructions []string) (*assets.State, error) {
	return e.asset(ctx, tenantID, runID, func(ctx context.Context) (*assets.State, error) {
		return e.assets.SubmitInstructions(ctx, tenantID, runID, instructions)
	})
}

// AssetImages returns the items under review in phase D.
func (e *Engine) AssetImages(ctx context.Context, tenantID, runID string) ([]assets.Item, error) {
	return e.assets.Images(ctx, tenantID, runID)
}

// SubmitAssetImageReview handles phase D.
func (e *Engine) SubmitAssetImageReview(ctx context.Context, tenantID, runID string, r assets.ImageReview) (*assets.State, error) {
	return e.asset(ctx, tenantID, runID, func(ctx context.Context) (*assets.State, error) {
		return e.assets.SubmitImageReview(ctx, tenantID, runID, r)
	})
}

// AssetPreview returns the assembled preview.
func (e *Engine) AssetPreview(ctx context.Context, tenantID, runID string) (*assets.Preview, error) {
	return e.assets.Preview(ctx, tenantID, runID)
}

// FinalizeAsset handles phase E: confirm or restart.
func (e *Engine) FinalizeAsset(ctx context.Context, tenantID, runID string, d assets.FinalizeDecision) (*assets.State, error) {
	return e.asset(ctx, tenantID, runID, func(ctx context.Context) (*assets.State, error) {
		return e.assets.Finalize(ctx, tenantID, runID, d)
	})
}
