package schema

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending              RunStatus = "pending"
	RunStatusStarting             RunStatus = "workflow_starting"
	RunStatusRunning              RunStatus = "running"
	RunStatusPaused               RunStatus = "paused"
	RunStatusWaitingApproval      RunStatus = "waiting_approval"
	RunStatusWaitingStep1Approval RunStatus = "waiting_step1_approval"
	RunStatusWaitingImageInput    RunStatus = "waiting_image_input"
	RunStatusCompleted            RunStatus = "completed"
	RunStatusFailed               RunStatus = "failed"
	RunStatusCancelled            RunStatus = "cancelled"
)

// IsTerminal reports whether no automatic transition leaves the status.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// IsWaiting reports whether the run is blocked on a human decision.
func (s RunStatus) IsWaiting() bool {
	switch s {
	case RunStatusWaitingApproval, RunStatusWaitingStep1Approval, RunStatusWaitingImageInput:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step row.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished executing.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// AttemptStatus represents the state of a single execution attempt.
type AttemptStatus string

const (
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusCompleted AttemptStatus = "completed"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusDiscarded AttemptStatus = "discarded"
)

// ReviewStatus represents the state of a human review request.
type ReviewStatus string

const (
	ReviewStatusPending             ReviewStatus = "pending"
	ReviewStatusInProgress          ReviewStatus = "in_progress"
	ReviewStatusCompleted           ReviewStatus = "completed"
	ReviewStatusClosedWithoutResult ReviewStatus = "closed_without_result"
)

// ResumeMode selects whether a resume reuses the run or forks a new one.
type ResumeMode string

const (
	ResumeSameRun ResumeMode = "same_run"
	ResumeNewRun  ResumeMode = "new_run"
)

// Valid reports whether m is a known mode.
func (m ResumeMode) Valid() bool {
	return m == ResumeSameRun || m == ResumeNewRun
}

// RunConfig is the per-run configuration supplied at creation time.
type RunConfig struct {
	// Step1Approval arms the optional gate after step1.
	Step1Approval bool `json:"step1_approval,omitempty"`
	// ResumeMode overrides the engine default for this run.
	ResumeMode ResumeMode `json:"resume_mode,omitempty"`
	// Steps holds per-step overrides merged over the pipeline definition.
	Steps map[string]StepConfig `json:"steps,omitempty"`
	// Options is free-form data visible to gate conditions and handlers.
	Options map[string]any `json:"options,omitempty"`
}

// StepConfig controls how a step is executed and how its output is checked.
type StepConfig struct {
	Handler       string            `json:"handler,omitempty" yaml:"handler,omitempty"`
	Model         string            `json:"model,omitempty" yaml:"model,omitempty"`
	Tool          string            `json:"tool,omitempty" yaml:"tool,omitempty"`
	RetryLimit    *int              `json:"retry_limit,omitempty" yaml:"retry_limit,omitempty"`
	Timeout       string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Backoff       string            `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	BackoffDelay  string            `json:"backoff_delay,omitempty" yaml:"backoff_delay,omitempty"`
	BackoffMax    string            `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`
	RepairEnabled bool              `json:"repair_enabled,omitempty" yaml:"repair_enabled,omitempty"`
	Repair        string            `json:"repair,omitempty" yaml:"repair,omitempty"`
	Rename        map[string]string `json:"rename,omitempty" yaml:"rename,omitempty"`
	OutputSchema  map[string]any    `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Checks        []string          `json:"checks,omitempty" yaml:"checks,omitempty"`
	Params        map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
}

// Merge returns c with every non-zero field of o applied on top.
func (c StepConfig) Merge(o StepConfig) StepConfig {
	if o.Handler != "" {
		c.Handler = o.Handler
	}
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.Tool != "" {
		c.Tool = o.Tool
	}
	if o.RetryLimit != nil {
		c.RetryLimit = o.RetryLimit
	}
	if o.Timeout != "" {
		c.Timeout = o.Timeout
	}
	if o.Backoff != "" {
		c.Backoff = o.Backoff
	}
	if o.BackoffDelay != "" {
		c.BackoffDelay = o.BackoffDelay
	}
	if o.BackoffMax != "" {
		c.BackoffMax = o.BackoffMax
	}
	if o.RepairEnabled {
		c.RepairEnabled = true
	}
	if o.Repair != "" {
		c.Repair = o.Repair
	}
	if len(o.Rename) > 0 {
		c.Rename = o.Rename
	}
	if len(o.OutputSchema) > 0 {
		c.OutputSchema = o.OutputSchema
	}
	if len(o.Checks) > 0 {
		c.Checks = o.Checks
	}
	if len(o.Params) > 0 {
		merged := make(map[string]any, len(c.Params)+len(o.Params))
		for k, v := range c.Params {
			merged[k] = v
		}
		for k, v := range o.Params {
			merged[k] = v
		}
		c.Params = merged
	}
	return c
}

// AsMap returns the run config as a generic map, the shape gate conditions see.
func (c RunConfig) AsMap() map[string]any {
	out := map[string]any{}
	data, err := json.Marshal(c)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	for k, v := range c.Options {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	if _, ok := out["step1_approval"]; !ok {
		out["step1_approval"] = false
	}
	return out
}

// RunSummary is the externally visible view of a run returned by the control API.
type RunSummary struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Status          RunStatus       `json:"status"`
	CurrentStep     string          `json:"current_step,omitempty"`
	Progress        int             `json:"progress"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	LastResumedStep string          `json:"last_resumed_step,omitempty"`
	ParentRunID     string          `json:"parent_run_id,omitempty"`
	Steps           []StepSummary   `json:"steps"`
	Input           json.RawMessage `json:"input,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StepSummary is a compact view of a step row.
type StepSummary struct {
	Name         string     `json:"name"`
	Status       StepStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
