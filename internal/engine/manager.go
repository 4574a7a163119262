package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// CreateRequest describes a new run.
type CreateRequest struct {
	Input  json.RawMessage  `json:"input,omitempty"`
	Config schema.RunConfig `json:"config"`
}

// ListFilter narrows run listing for a tenant.
type ListFilter struct {
	Statuses []schema.RunStatus `json:"statuses,omitempty"`
	Limit    int                `json:"limit,omitempty"`
	Offset   int                `json:"offset,omitempty"`
}

// Create persists a new run and starts driving it.
func (e *Engine) Create(ctx context.Context, tenantID string, req CreateRequest) (*schema.RunSummary, error) {
	run, err := e.createRun(ctx, tenantID, req.Input, req.Config, "", "")
	if err != nil {
		return nil, err
	}
	if err := e.start(ctx, run); err != nil {
		return nil, err
	}
	return e.summary(ctx, run)
}

func (e *Engine) createRun(ctx context.Context, tenantID string, input json.RawMessage, cfg schema.RunConfig, parentID, resumedFrom string) (*store.Run, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}
	if err := e.validateRunConfig(cfg); err != nil {
		return nil, err
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, schema.NewError(schema.ErrCodeValidation, "input must be valid JSON")
	}

	run := &store.Run{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		Status:          schema.RunStatusPending,
		Config:          cfg,
		Input:           input,
		ParentRunID:     parentID,
		LastResumedStep: resumedFrom,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	payload := map[string]any{"graph": e.graph.Name, "graph_version": e.graph.Version}
	if parentID != "" {
		payload["parent_run_id"] = parentID
	}
	if _, err := e.events.Append(ctx, run.ID, "", schema.EventRunCreated, payload); err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithRun(ctx, tenantID, run.ID), e.logger).InfoContext(ctx, "run created", "parent_run_id", parentID)
	return run, nil
}

func (e *Engine) validateRunConfig(cfg schema.RunConfig) error {
	switch cfg.ResumeMode {
	case "", schema.ResumeSameRun, schema.ResumeNewRun:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown resume_mode %q", cfg.ResumeMode)
	}
	for name, sc := range cfg.Steps {
		parent, _, _ := strings.Cut(name, "/")
		if !e.graph.Has(parent) {
			return schema.NewErrorf(schema.ErrCodeValidation, "config overrides unknown step %q", name)
		}
		if sc.RetryLimit != nil && *sc.RetryLimit < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: retry_limit must not be negative", name)
		}
		for _, d := range []string{sc.Timeout, sc.BackoffDelay, sc.BackoffMax} {
			if d == "" {
				continue
			}
			if _, err := time.ParseDuration(d); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %q: bad duration %q", name, d)
			}
		}
	}
	return nil
}

// start moves a pending run through workflow_starting to running and
// launches its driver.
func (e *Engine) start(ctx context.Context, run *store.Run) error {
	if err := e.runs.Transition(ctx, run, schema.RunStatusStarting, RunChange{}); err != nil {
		return err
	}
	if err := e.runs.Transition(ctx, run, schema.RunStatusRunning, RunChange{}); err != nil {
		return err
	}
	e.launch(run.TenantID, run.ID)
	return nil
}

// Get returns a run summary.
func (e *Engine) Get(ctx context.Context, tenantID, runID string) (*schema.RunSummary, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	return e.summary(ctx, run)
}

// List returns the tenant's runs, newest first.
func (e *Engine) List(ctx context.Context, tenantID string, f ListFilter) ([]*schema.RunSummary, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}
	runs, err := e.store.ListRuns(ctx, store.RunFilter{TenantID: tenantID, Statuses: f.Statuses, Limit: f.Limit, Offset: f.Offset})
	if err != nil {
		return nil, err
	}
	out := make([]*schema.RunSummary, 0, len(runs))
	for _, r := range runs {
		s, err := e.summary(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Cancel stops a run from any non-terminal status. Running steps are marked
// skipped so late results are discarded, open reviews are closed, and the
// driver is given the cancel grace period to unwind.
func (e *Engine) Cancel(ctx context.Context, tenantID, runID, reason string) (*schema.RunSummary, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	ctx = logging.WithRun(ctx, tenantID, runID)

	var run *store.Run
	for attempt := 0; ; attempt++ {
		var err error
		if run, err = e.store.GetRun(ctx, tenantID, runID); err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is already %s", runID, run.Status)
		}
		err = e.runs.Transition(ctx, run, schema.RunStatusCancelled, RunChange{
			ErrorCode:    schema.ErrCodeCancelled,
			ErrorMessage: reason,
		})
		if err == nil {
			break
		}
		// The driver moved the run between the read and the write.
		if !schema.IsCode(err, schema.ErrCodeConflict) || attempt >= 3 {
			return nil, err
		}
	}

	rows, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Status != schema.StepStatusRunning {
			continue
		}
		err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusSkipped, StepChange{Payload: map[string]any{"reason": "cancelled"}})
		if err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
			return nil, err
		}
	}

	reviews, err := e.store.ListReviews(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	for _, rv := range reviews {
		if rv.Status != schema.ReviewStatusPending && rv.Status != schema.ReviewStatusInProgress {
			continue
		}
		rv.Status = schema.ReviewStatusClosedWithoutResult
		if err := e.store.UpsertReview(ctx, rv); err != nil {
			return nil, err
		}
	}

	if !e.stopDriver(run.ID, e.cfg.CancelGrace) {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "in-flight attempts outlived the cancel grace period", "grace", e.cfg.CancelGrace)
	}
	return e.summary(ctx, run)
}

// Pause stops scheduling new steps of a running run. In-flight attempts
// finish normally.
func (e *Engine) Pause(ctx context.Context, tenantID, runID string) (*schema.RunSummary, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := e.runs.Transition(ctx, run, schema.RunStatusPaused, RunChange{Operator: true}); err != nil {
		return nil, err
	}
	return e.summary(ctx, run)
}

// Unpause returns a paused run to running.
func (e *Engine) Unpause(ctx context.Context, tenantID, runID string) (*schema.RunSummary, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s, not paused", runID, run.Status)
	}
	if err := e.runs.Transition(ctx, run, schema.RunStatusRunning, RunChange{Operator: true, Payload: map[string]any{"reason": "unpause"}}); err != nil {
		return nil, err
	}
	e.relaunch(tenantID, runID)
	return e.summary(ctx, run)
}

// Retry rewinds failed steps of a failed run and drives it again with the
// identical configuration. With step empty every failed step is rewound.
func (e *Engine) Retry(ctx context.Context, tenantID, runID, step string) (*schema.RunSummary, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusFailed {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s; only failed runs can be retried", runID, run.Status)
	}
	if step != "" && !e.graph.Has(step) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step %q", step)
	}
	ctx = logging.WithRun(ctx, tenantID, runID)

	rows, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	steps := e.sched.IndexSteps(rows)

	var rewound []string
	for _, name := range e.graph.Sorted {
		row := steps[name]
		if row == nil || row.Status != schema.StepStatusFailed || (step != "" && name != step) {
			continue
		}
		if err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusPending, StepChange{
			Operator: true,
			Payload:  map[string]any{"reason": "retry"},
		}); err != nil {
			return nil, err
		}
		rewound = append(rewound, name)
	}
	if len(rewound) == 0 {
		if step != "" {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "step %s is not failed", step)
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s has no failed step", runID)
	}

	if err := e.runs.Transition(ctx, run, schema.RunStatusRunning, RunChange{
		Operator:   true,
		ClearError: true,
		EventType:  schema.EventRunRetried,
		Payload:    map[string]any{"steps": rewound},
	}); err != nil {
		return nil, err
	}
	e.relaunch(tenantID, runID)
	return e.summary(ctx, run)
}

// Clone starts a fresh run with the source run's input. A nil config reuses
// the source configuration.
func (e *Engine) Clone(ctx context.Context, tenantID, runID string, cfg *schema.RunConfig) (*schema.RunSummary, error) {
	src, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	c := src.Config
	if cfg != nil {
		c = *cfg
	}
	run, err := e.createRun(ctx, tenantID, src.Input, c, src.ID, "")
	if err != nil {
		return nil, err
	}
	if _, err := e.events.Append(ctx, run.ID, "", schema.EventRunCloned, map[string]any{"source_run_id": src.ID}); err != nil {
		return nil, err
	}
	if err := e.start(ctx, run); err != nil {
		return nil, err
	}
	return e.summary(ctx, run)
}

// Delete removes a terminal or never-started run and all its rows.
func (e *Engine) Delete(ctx context.Context, tenantID, runID string) error {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() && run.Status != schema.RunStatusPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is %s; cancel it before deleting", runID, run.Status)
	}
	if e.Driving(runID) {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is still being driven", runID)
	}
	return e.store.DeleteRun(ctx, tenantID, runID)
}

// Recover launches drivers for runs left running or starting by a previous
// process. It returns how many drivers were started.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{
		Statuses: []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusStarting},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if e.launch(r.TenantID, r.ID) {
			logging.LogWith(logging.WithRun(ctx, r.TenantID, r.ID), e.logger).InfoContext(ctx, "adopted orphaned run", "status", r.Status)
			n++
		}
	}
	return n, nil
}

// summary projects a run and its step rows for the control API.
func (e *Engine) summary(ctx context.Context, run *store.Run) (*schema.RunSummary, error) {
	rows, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	steps := e.sched.IndexSteps(rows)
	out := &schema.RunSummary{
		ID:              run.ID,
		TenantID:        run.TenantID,
		Status:          run.Status,
		CurrentStep:     run.CurrentStep,
		Progress:        e.sched.DisplayProgress(steps),
		ErrorCode:       run.ErrorCode,
		ErrorMessage:    run.ErrorMessage,
		LastResumedStep: run.LastResumedStep,
		ParentRunID:     run.ParentRunID,
		Input:           run.Input,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
		Steps:           make([]schema.StepSummary, 0, len(e.graph.Sorted)),
	}
	for _, name := range e.graph.Sorted {
		s := schema.StepSummary{Name: name, Status: schema.StepStatusPending}
		if row := steps[name]; row != nil {
			s.Status = row.Status
			s.RetryCount = row.RetryCount
			s.ErrorCode = row.ErrorCode
			s.ErrorMessage = row.ErrorMessage
		}
		out.Steps = append(out.Steps, s)
	}
	return out, nil
}
