package schema

import "time"

// Event type constants for the per-run event log.
const (
	EventRunCreated   = "run_created"
	EventRunStarting  = "run_starting"
	EventRunRunning   = "run_running"
	EventRunPaused    = "run_paused"
	EventRunWaiting   = "run_waiting"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunResumed   = "run_resumed"
	EventRunRetried   = "run_retried"
	EventRunCloned    = "run_cloned"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepRewound   = "step_rewound"

	EventAttemptStarted   = "attempt_started"
	EventAttemptCompleted = "attempt_completed"
	EventAttemptFailed    = "attempt_failed"
	EventAttemptDiscarded = "attempt_discarded"
	EventOutputRepaired   = "output_repaired"

	EventApprovalRequested = "approval_requested"
	EventApprovalGranted   = "approval_granted"
	EventApprovalRejected  = "approval_rejected"
	EventGateAutoPassed    = "gate_auto_passed"

	EventPhaseChanged = "phase_changed"
	EventItemRetried  = "item_retried"
)

// ProgressType is the kind of a progress notification published to subscribers.
type ProgressType string

const (
	ProgressStepStarted       ProgressType = "step_started"
	ProgressStepCompleted     ProgressType = "step_completed"
	ProgressStepFailed        ProgressType = "step_failed"
	ProgressApprovalRequested ProgressType = "approval_requested"
	ProgressRunCompleted      ProgressType = "run_completed"
	ProgressRunFailed         ProgressType = "run_failed"
	ProgressError             ProgressType = "error"
)

// ProgressEvent is the notification pushed to live subscribers of a run.
type ProgressEvent struct {
	Type      ProgressType `json:"type"`
	RunID     string       `json:"run_id"`
	Step      string       `json:"step,omitempty"`
	Progress  int          `json:"progress"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
