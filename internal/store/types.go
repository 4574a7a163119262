package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/runengine/pkg/schema"
)

// Run is one execution of the step graph for one input.
type Run struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Status          schema.RunStatus `json:"status"`
	Config          schema.RunConfig `json:"config"`
	Input           json.RawMessage  `json:"input,omitempty"`
	CurrentStep     string           `json:"current_step,omitempty"`
	ErrorCode       string           `json:"error_code,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	LastResumedStep string           `json:"last_resumed_step,omitempty"`
	PhaseState      json.RawMessage  `json:"phase_state,omitempty"`
	ParentRunID     string           `json:"parent_run_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// RunUpdate holds optional fields for a partial run update.
// A non-nil ExpectStatus turns the update into a compare-and-set.
type RunUpdate struct {
	ExpectStatus     *schema.RunStatus
	Status           *schema.RunStatus
	CurrentStep      *string
	ErrorCode        *string
	ErrorMessage     *string
	LastResumedStep  *string
	PhaseState       json.RawMessage
	ClearPhaseState  bool
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ClearCompletedAt bool
}

// RunFilter controls run listing. An empty TenantID lists every tenant.
type RunFilter struct {
	TenantID string
	Statuses []schema.RunStatus
	Limit    int
	Offset   int
}

// Step is the per-run row of one graph node.
type Step struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	Name         string            `json:"step_name"`
	Status       schema.StepStatus `json:"status"`
	RetryCount   int               `json:"retry_count"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// StepUpdate holds optional fields for a partial step update.
// A non-nil ExpectStatus turns the update into a compare-and-set.
// RequireActiveRun additionally refuses the write once the owning run is
// terminal; both conditions are checked in the same write.
type StepUpdate struct {
	ExpectStatus     *schema.StepStatus
	RequireActiveRun bool
	Status       *schema.StepStatus
	RetryCount   *int
	ErrorCode    *string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ClearTimes   bool
}

// Attempt is one execution of one step. Immutable once it leaves running.
type Attempt struct {
	ID            string               `json:"id"`
	StepID        string               `json:"step_id"`
	AttemptNum    int                  `json:"attempt_num"`
	Status        schema.AttemptStatus `json:"status"`
	InputDigest   string               `json:"input_digest,omitempty"`
	OutputDigest  string               `json:"output_digest,omitempty"`
	ErrorCategory schema.ErrorCategory `json:"error_category,omitempty"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	Metrics       json.RawMessage      `json:"metrics,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

// AttemptResult finalizes a running attempt.
type AttemptResult struct {
	Status        schema.AttemptStatus
	OutputDigest  string
	ErrorCategory schema.ErrorCategory
	ErrorMessage  string
	Metrics       json.RawMessage
	CompletedAt   time.Time
}

// Artifact is the metadata row of a content-addressed blob.
type Artifact struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	StepID      string          `json:"step_id,omitempty"`
	AttemptID   string          `json:"attempt_id,omitempty"`
	Type        string          `json:"type"`
	RefPath     string          `json:"ref_path"`
	Digest      string          `json:"digest"`
	ContentType string          `json:"content_type,omitempty"`
	Size        int64           `json:"size"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ArtifactFilter narrows artifact listing within a run.
type ArtifactFilter struct {
	StepID    string
	AttemptID string
	Type      string
}

// Event is an immutable entry of a run's log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ReviewRequest is a human review tied to a run and a step.
type ReviewRequest struct {
	ID         string              `json:"id"`
	RunID      string              `json:"run_id"`
	Step       string              `json:"step"`
	ReviewType string              `json:"review_type"`
	Status     schema.ReviewStatus `json:"status"`
	Result     json.RawMessage     `json:"review_result,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// StepState is a step status reconstructed from the event log.
type StepState struct {
	Step        string            `json:"step"`
	Status      schema.StepStatus `json:"status"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
}
