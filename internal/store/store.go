package store

import (
	"context"

	"github.com/rendis/runengine/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs. Reads and writes are scoped by tenant.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, tenantID, id string) (*Run, error)
	UpdateRun(ctx context.Context, tenantID, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, tenantID, id string) error

	// Steps. (run_id, step_name) is unique.
	CreateStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, runID, name string) (*Step, error)
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
	UpdateStep(ctx context.Context, id string, update StepUpdate) error

	// Attempts. (step_id, attempt_num) is unique.
	CreateAttempt(ctx context.Context, attempt *Attempt) error
	FinishAttempt(ctx context.Context, id string, result AttemptResult) error
	ListAttempts(ctx context.Context, stepID string) ([]*Attempt, error)

	// Artifacts (append-only)
	CreateArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, runID string, filter ArtifactFilter) ([]*Artifact, error)

	// Event log (append-only, per-run sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Reviews. (run_id, step, review_type) is unique.
	UpsertReview(ctx context.Context, review *ReviewRequest) error
	GetReview(ctx context.Context, runID, step, reviewType string) (*ReviewRequest, error)
	ListReviews(ctx context.Context, runID string) ([]*ReviewRequest, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(format string, args ...any) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConflict, format, args...)
}
