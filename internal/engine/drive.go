package engine

import (
	"context"
	"fmt"

	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// drive is the per-run loop: read the persisted state, compute the frontier,
// execute it, repeat. It returns when the run leaves running, waits on a
// human, or ctx ends. All state it acts on is re-read from the store on every
// pass, so a restarted process resumes where the last one stopped.
func (e *Engine) drive(ctx context.Context, tenantID, runID string) {
	ctx = logging.WithRun(ctx, tenantID, runID)
	log := logging.LogWith(ctx, e.logger)
	log.DebugContext(ctx, "driver started")
	defer log.DebugContext(ctx, "driver stopped")

	for ctx.Err() == nil {
		stop, err := e.advance(ctx, tenantID, runID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.ErrorContext(ctx, "drive pass failed", "error", err)
			if run, gerr := e.store.GetRun(ctx, tenantID, runID); gerr == nil {
				e.progress.publish(ctx, run, schema.ProgressError, run.CurrentStep, err.Error())
			}
			return
		}
		if stop {
			return
		}
	}
}

// advance performs one pass. It reports whether the driver should stop.
func (e *Engine) advance(ctx context.Context, tenantID, runID string) (bool, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return true, err
	}
	if run.Status == schema.RunStatusStarting {
		if err := e.runs.Transition(ctx, run, schema.RunStatusRunning, RunChange{}); err != nil {
			return true, ignoreConflict(err)
		}
	}
	if run.Status != schema.RunStatusRunning {
		return true, nil
	}

	rows, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return true, err
	}
	steps := e.sched.IndexSteps(rows)
	plan := e.sched.Next(run.Status, steps)
	if err := e.project(ctx, run, plan.Current); err != nil {
		return true, ignoreConflict(err)
	}

	if len(plan.Failed) > 0 {
		name := plan.Failed[0]
		row := steps[name]
		code := row.ErrorCode
		if code == "" {
			code = schema.ErrCodeStepFailed
		}
		err := e.runs.Transition(ctx, run, schema.RunStatusFailed, RunChange{
			ErrorCode:    code,
			ErrorMessage: fmt.Sprintf("step %s: %s", name, row.ErrorMessage),
			Payload:      map[string]any{"step": name},
		})
		return true, ignoreConflict(err)
	}
	if plan.Complete {
		return true, ignoreConflict(e.runs.Transition(ctx, run, schema.RunStatusCompleted, RunChange{}))
	}

	// Any row still running here was left by a previous driver; it is
	// adopted alongside the ready nodes.
	work := append(append([]string(nil), plan.Running...), plan.Ready...)
	if len(work) == 0 {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "run has no executable steps", "current", plan.Current)
		return true, nil
	}

	// Plain steps run before any gate or asset node on the same frontier, so
	// a run that stops to wait on a human has no ready step left behind.
	var batch, human []string
	for _, name := range work {
		if e.graph.Nodes[name].Kind == NodeStep {
			batch = append(batch, name)
		} else {
			human = append(human, name)
		}
	}
	if len(batch) > 0 {
		return false, e.runBatch(ctx, run, batch)
	}

	name := human[0]
	var waiting bool
	if e.graph.Nodes[name].Kind == NodeGate {
		waiting, err = e.reachGate(ctx, run, e.graph.Nodes[name], steps[name])
	} else {
		waiting, err = e.reachAsset(ctx, run, name, steps[name])
	}
	if err != nil {
		return true, ignoreConflict(err)
	}
	return waiting, nil
}

// runBatch executes steps concurrently on the worker pool. A single step runs
// on the driver goroutine.
func (e *Engine) runBatch(ctx context.Context, run *store.Run, names []string) error {
	if len(names) == 1 {
		return e.runStep(ctx, run, names[0])
	}
	fns := make([]func(context.Context) error, len(names))
	for i, name := range names {
		fns[i] = func(ctx context.Context) error { return e.runStep(ctx, run, name) }
	}
	for _, err := range e.pool.RunAll(ctx, fns) {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, run *store.Run, name string) error {
	inputs, err := e.inputs(ctx, run.ID, name)
	if err != nil {
		return err
	}
	_, err = e.exec.Execute(ctx, StepRequest{
		Run:    run,
		Step:   name,
		Inputs: inputs,
		Config: e.graph.StepConfig(name, run.Config),
	})
	return err
}

// inputs loads the latest artifacts of name's input sources.
func (e *Engine) inputs(ctx context.Context, runID, name string) ([]schema.InputArtifact, error) {
	var preds []*store.Step
	for _, src := range e.graph.InputSources(name) {
		row, err := e.store.GetStep(ctx, runID, src)
		if err != nil {
			return nil, err
		}
		preds = append(preds, row)
	}
	return e.artifacts.Inputs(ctx, runID, preds)
}

// project keeps the current_step projection in step with the plan.
func (e *Engine) project(ctx context.Context, run *store.Run, current string) error {
	if current == "" || current == run.CurrentStep {
		return nil
	}
	expect := run.Status
	if err := e.store.UpdateRun(ctx, run.TenantID, run.ID, store.RunUpdate{ExpectStatus: &expect, CurrentStep: &current}); err != nil {
		return err
	}
	run.CurrentStep = current
	return nil
}

// ignoreConflict treats a lost compare-and-set as a stop signal rather than
// a failure: another writer (cancel, an operator) moved the run first.
func ignoreConflict(err error) error {
	if schema.IsCode(err, schema.ErrCodeConflict) {
		return nil
	}
	return err
}
