package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/runengine/internal/expressions"
	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// Decision is a human verdict on a waiting gate.
type Decision struct {
	Comment  string `json:"comment,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
}

// reachGate evaluates and arms a gate. It reports whether the run is now
// waiting; an unarmed gate completes as auto-passed.
func (e *Engine) reachGate(ctx context.Context, run *store.Run, node *Node, row *store.Step) (bool, error) {
	ctx = logging.WithStepName(ctx, node.Name)
	if row == nil {
		var err error
		if row, err = e.exec.ensureStep(ctx, run.ID, node.Name); err != nil {
			return false, err
		}
	}

	if row.Status == schema.StepStatusPending {
		armed := e.gateArmed(ctx, run, node)
		if err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusRunning, StepChange{ActiveRun: true, Payload: map[string]any{"gate": true}}); err != nil {
			return false, err
		}
		if !armed {
			err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusCompleted, StepChange{
				ActiveRun: true,
				Payload:   map[string]any{"auto_passed": true},
			})
			if err != nil {
				return false, err
			}
			if _, err := e.events.Append(ctx, run.ID, node.Name, schema.EventGateAutoPassed, map[string]any{"when": node.Gate.When}); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	review := &store.ReviewRequest{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		Step:       node.Name,
		ReviewType: node.Gate.ReviewType,
		Status:     schema.ReviewStatusPending,
	}
	if err := e.store.UpsertReview(ctx, review); err != nil {
		return false, err
	}
	if _, err := e.events.Append(ctx, run.ID, node.Name, schema.EventApprovalRequested, map[string]any{
		"review_type": node.Gate.ReviewType,
		"wait_status": string(node.Gate.WaitStatus),
	}); err != nil {
		return false, err
	}
	err := e.runs.Transition(ctx, run, node.Gate.WaitStatus, RunChange{Payload: map[string]any{"step": node.Name}})
	if err != nil {
		return false, err
	}
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "gate armed", "wait_status", node.Gate.WaitStatus)
	return true, nil
}

// gateArmed evaluates the gate's CEL condition over {config, input, run}.
// A condition that fails to evaluate arms the gate so a human decides.
func (e *Engine) gateArmed(ctx context.Context, run *store.Run, node *Node) bool {
	when := strings.TrimSpace(node.Gate.When)
	if when == "" {
		return true
	}
	var input any
	if len(run.Input) > 0 {
		_ = json.Unmarshal(run.Input, &input)
	}
	data := map[string]any{
		"config": run.Config.AsMap(),
		"input":  input,
		"run":    map[string]any{"id": run.ID, "tenant_id": run.TenantID},
	}
	ok, err := expressions.EvaluateBool(ctx, e.gates, when, data)
	if err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "gate condition failed; arming gate", "when", when, "error", err)
		return true
	}
	return ok
}

// waitingGate returns the gate node and row the run is waiting on.
func (e *Engine) waitingGate(ctx context.Context, run *store.Run) (*Node, *store.Step, error) {
	if run.Status != schema.RunStatusWaitingApproval && run.Status != schema.RunStatusWaitingStep1Approval {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s and not waiting for approval", run.ID, run.Status)
	}
	for _, name := range e.graph.Gates() {
		node := e.graph.Nodes[name]
		if node.Gate.WaitStatus != run.Status {
			continue
		}
		row, err := e.store.GetStep(ctx, run.ID, name)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				continue
			}
			return nil, nil, err
		}
		if row.Status == schema.StepStatusRunning {
			return node, row, nil
		}
	}
	return nil, nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s has no armed gate", run.ID)
}

// Approve completes the waiting gate and hands the run back to the driver.
func (e *Engine) Approve(ctx context.Context, tenantID, runID string, d Decision) (*schema.RunSummary, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	node, row, err := e.waitingGate(ctx, run)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithStepName(logging.WithRun(ctx, tenantID, runID), node.Name)

	if err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusCompleted, StepChange{
		Payload: map[string]any{"decision": "approve"},
	}); err != nil {
		return nil, err
	}
	if err := e.closeReview(ctx, run.ID, node, map[string]any{
		"decision": "approve",
		"comment":  d.Comment,
		"reviewer": d.Reviewer,
	}); err != nil {
		return nil, err
	}
	if _, err := e.events.Append(ctx, run.ID, node.Name, schema.EventApprovalGranted, map[string]any{
		"comment":  d.Comment,
		"reviewer": d.Reviewer,
	}); err != nil {
		return nil, err
	}
	if err := e.runs.Transition(ctx, run, schema.RunStatusRunning, RunChange{Payload: map[string]any{"step": node.Name}}); err != nil {
		return nil, err
	}
	e.relaunch(tenantID, runID)
	return e.summary(ctx, run)
}

// Reject fails the waiting gate and the run with REJECTED. A reason is required.
func (e *Engine) Reject(ctx context.Context, tenantID, runID string, d Decision) (*schema.RunSummary, error) {
	if strings.TrimSpace(d.Reason) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "a rejection reason is required")
	}
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	node, row, err := e.waitingGate(ctx, run)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithStepName(logging.WithRun(ctx, tenantID, runID), node.Name)

	if err := e.steps.Transition(ctx, run.ID, row, schema.StepStatusFailed, StepChange{
		ErrorCode:    schema.ErrCodeRejected,
		ErrorMessage: d.Reason,
		Payload:      map[string]any{"decision": "reject"},
	}); err != nil {
		return nil, err
	}
	if err := e.closeReview(ctx, run.ID, node, map[string]any{
		"decision": "reject",
		"reason":   d.Reason,
		"reviewer": d.Reviewer,
	}); err != nil {
		return nil, err
	}
	if _, err := e.events.Append(ctx, run.ID, node.Name, schema.EventApprovalRejected, map[string]any{
		"reason":   d.Reason,
		"reviewer": d.Reviewer,
	}); err != nil {
		return nil, err
	}
	if err := e.runs.Transition(ctx, run, schema.RunStatusFailed, RunChange{
		ErrorCode:    schema.ErrCodeRejected,
		ErrorMessage: d.Reason,
		Payload:      map[string]any{"step": node.Name},
	}); err != nil {
		return nil, err
	}
	return e.summary(ctx, run)
}

func (e *Engine) closeReview(ctx context.Context, runID string, node *Node, result map[string]any) error {
	result["decided_at"] = time.Now().UTC()
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return e.store.UpsertReview(ctx, &store.ReviewRequest{
		ID:         uuid.New().String(),
		RunID:      runID,
		Step:       node.Name,
		ReviewType: node.Gate.ReviewType,
		Status:     schema.ReviewStatusCompleted,
		Result:     data,
	})
}
