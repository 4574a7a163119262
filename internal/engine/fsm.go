package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// ValidRunTransitions defines the automatic run status edges.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:  {schema.RunStatusStarting, schema.RunStatusCancelled},
	schema.RunStatusStarting: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusRunning: {
		schema.RunStatusPaused,
		schema.RunStatusWaitingApproval,
		schema.RunStatusWaitingStep1Approval,
		schema.RunStatusWaitingImageInput,
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
	},
	schema.RunStatusPaused:               {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusWaitingApproval:      {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusWaitingStep1Approval: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusWaitingImageInput:    {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted:            {},
	schema.RunStatusFailed:               {},
	schema.RunStatusCancelled:            {},
}

// operatorRunTransitions are only reachable through an explicit retry or resume.
var operatorRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusFailed:    {schema.RunStatusRunning},
	schema.RunStatusCompleted: {schema.RunStatusRunning},
}

// ValidStepTransitions defines the step status edges taken by the engine.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// CanTransitionRun reports whether from→to is allowed.
func CanTransitionRun(from, to schema.RunStatus, operator bool) bool {
	if slices.Contains(ValidRunTransitions[from], to) {
		return true
	}
	return operator && slices.Contains(operatorRunTransitions[from], to)
}

// CanTransitionStep reports whether from→to is allowed. Operators may rewind
// any non-pending step to pending, and mark any unfinished step completed
// when a resume skips past it.
func CanTransitionStep(from, to schema.StepStatus, operator bool) bool {
	if slices.Contains(ValidStepTransitions[from], to) {
		return true
	}
	if !operator || from == to {
		return false
	}
	return to == schema.StepStatusPending || to == schema.StepStatusCompleted
}

// RunHook runs after a run has entered a status.
type RunHook func(ctx context.Context, run *store.Run, from schema.RunStatus)

// RunChange carries the side data of a run transition.
type RunChange struct {
	Operator        bool
	ErrorCode       string
	ErrorMessage    string
	ClearError      bool
	LastResumedStep string
	ClearPhaseState bool
	// EventType overrides the status-derived event (e.g. run_resumed).
	EventType string
	Payload   map[string]any
}

// RunFSM validates, persists and records run status transitions.
// Persistence is a compare-and-set on the current status, so two writers
// racing on the same run cannot both win.
type RunFSM struct {
	store  store.Store
	events *store.EventLog

	mu    sync.RWMutex
	hooks map[schema.RunStatus][]RunHook
}

// NewRunFSM creates a RunFSM.
func NewRunFSM(s store.Store, events *store.EventLog) *RunFSM {
	return &RunFSM{store: s, events: events, hooks: make(map[schema.RunStatus][]RunHook)}
}

// OnEnter registers a hook called after a run enters status.
func (f *RunFSM) OnEnter(status schema.RunStatus, hook RunHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[status] = append(f.hooks[status], hook)
}

// Transition moves run to status to. On success run is updated in place.
func (f *RunFSM) Transition(ctx context.Context, run *store.Run, to schema.RunStatus, c RunChange) error {
	from := run.Status
	if !CanTransitionRun(from, to, c.Operator) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}

	now := time.Now().UTC()
	upd := store.RunUpdate{ExpectStatus: &from, Status: &to}
	if to == schema.RunStatusRunning && run.StartedAt == nil {
		upd.StartedAt = &now
	}
	if to.IsTerminal() {
		upd.CompletedAt = &now
	} else if from.IsTerminal() {
		upd.ClearCompletedAt = true
	}
	if c.ErrorCode != "" || c.ErrorMessage != "" {
		upd.ErrorCode = &c.ErrorCode
		upd.ErrorMessage = &c.ErrorMessage
	} else if c.ClearError {
		empty := ""
		upd.ErrorCode = &empty
		upd.ErrorMessage = &empty
	}
	if c.LastResumedStep != "" {
		upd.LastResumedStep = &c.LastResumedStep
	}
	upd.ClearPhaseState = c.ClearPhaseState

	if err := f.store.UpdateRun(ctx, run.TenantID, run.ID, upd); err != nil {
		return err
	}

	run.Status = to
	run.UpdatedAt = now
	if upd.StartedAt != nil {
		run.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		run.CompletedAt = upd.CompletedAt
	} else if upd.ClearCompletedAt {
		run.CompletedAt = nil
	}
	if upd.ErrorCode != nil {
		run.ErrorCode, run.ErrorMessage = *upd.ErrorCode, *upd.ErrorMessage
	}
	if upd.LastResumedStep != nil {
		run.LastResumedStep = *upd.LastResumedStep
	}
	if c.ClearPhaseState {
		run.PhaseState = nil
	}

	payload := map[string]any{"from": string(from), "to": string(to)}
	if c.ErrorCode != "" {
		payload["error_code"] = c.ErrorCode
		payload["error_message"] = c.ErrorMessage
	}
	for k, v := range c.Payload {
		payload[k] = v
	}
	eventType := c.EventType
	if eventType == "" {
		eventType = runEventType(to)
	}
	if _, err := f.events.Append(ctx, run.ID, "", eventType, payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}

	f.mu.RLock()
	hooks := append([]RunHook(nil), f.hooks[to]...)
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, run, from)
	}
	return nil
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusStarting:
		return schema.EventRunStarting
	case schema.RunStatusRunning:
		return schema.EventRunRunning
	case schema.RunStatusPaused:
		return schema.EventRunPaused
	case schema.RunStatusWaitingApproval, schema.RunStatusWaitingStep1Approval, schema.RunStatusWaitingImageInput:
		return schema.EventRunWaiting
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return schema.EventRunCreated
	}
}

// StepChange carries the side data of a step transition.
type StepChange struct {
	Operator bool
	// ActiveRun refuses the transition with CONFLICT once the run is
	// terminal, so a cancelled run never gains a started or finished step.
	ActiveRun    bool
	ErrorCode    string
	ErrorMessage string
	Payload      map[string]any
}

// StepFSM validates, persists and records step status transitions.
type StepFSM struct {
	store  store.Store
	events *store.EventLog
}

// NewStepFSM creates a StepFSM.
func NewStepFSM(s store.Store, events *store.EventLog) *StepFSM {
	return &StepFSM{store: s, events: events}
}

// Transition moves step to status to with a compare-and-set on its current
// status. A CONFLICT error means another writer moved the step first.
func (f *StepFSM) Transition(ctx context.Context, runID string, step *store.Step, to schema.StepStatus, c StepChange) error {
	from := step.Status
	if !CanTransitionStep(from, to, c.Operator) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(step.Name).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	now := time.Now().UTC()
	upd := store.StepUpdate{ExpectStatus: &from, Status: &to, RequireActiveRun: c.ActiveRun}
	switch to {
	case schema.StepStatusRunning:
		upd.StartedAt = &now
	case schema.StepStatusPending:
		zero, empty := 0, ""
		upd.ClearTimes = true
		upd.RetryCount = &zero
		upd.ErrorCode = &empty
		upd.ErrorMessage = &empty
	default:
		upd.CompletedAt = &now
	}
	if c.ErrorCode != "" || c.ErrorMessage != "" {
		upd.ErrorCode = &c.ErrorCode
		upd.ErrorMessage = &c.ErrorMessage
	}

	if err := f.store.UpdateStep(ctx, step.ID, upd); err != nil {
		return err
	}

	step.Status = to
	step.UpdatedAt = now
	switch to {
	case schema.StepStatusRunning:
		step.StartedAt, step.CompletedAt = &now, nil
	case schema.StepStatusPending:
		step.StartedAt, step.CompletedAt = nil, nil
		step.RetryCount = 0
	default:
		step.CompletedAt = &now
	}
	if upd.ErrorCode != nil {
		step.ErrorCode, step.ErrorMessage = *upd.ErrorCode, *upd.ErrorMessage
	}

	payload := map[string]any{"from": string(from), "to": string(to)}
	if c.ErrorCode != "" {
		payload["error_code"] = c.ErrorCode
		payload["error_message"] = c.ErrorMessage
	}
	for k, v := range c.Payload {
		payload[k] = v
	}
	if _, err := f.events.Append(ctx, runID, step.Name, stepEventType(to), payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
			WithStep(step.Name).WithCause(err)
	}
	return nil
}

// RecordRetry increments the retry counter of a running step. The step keeps
// its status; the compare-and-set on running means a cancelled step is never
// retried.
func (f *StepFSM) RecordRetry(ctx context.Context, runID string, step *store.Step, reason map[string]any) error {
	running := schema.StepStatusRunning
	next := step.RetryCount + 1
	if err := f.store.UpdateStep(ctx, step.ID, store.StepUpdate{ExpectStatus: &running, RetryCount: &next}); err != nil {
		return err
	}
	step.RetryCount = next

	payload := map[string]any{"retry_count": next}
	for k, v := range reason {
		payload[k] = v
	}
	if _, err := f.events.Append(ctx, runID, step.Name, schema.EventStepRetrying, payload); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit retry event: %s", err.Error()).
			WithStep(step.Name).WithCause(err)
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return schema.EventStepRewound
	}
}
