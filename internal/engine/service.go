package engine

import (
	"context"

	"github.com/rendis/runengine/internal/assets"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// Service is the control API of the engine. Every call is scoped by tenant;
// a run of another tenant is reported as not found.
type Service interface {
	// Create persists a run and starts driving it.
	Create(ctx context.Context, tenantID string, req CreateRequest) (*schema.RunSummary, error)
	Get(ctx context.Context, tenantID, runID string) (*schema.RunSummary, error)
	List(ctx context.Context, tenantID string, f ListFilter) ([]*schema.RunSummary, error)

	// Approve and Reject decide the gate the run is waiting on.
	Approve(ctx context.Context, tenantID, runID string, d Decision) (*schema.RunSummary, error)
	Reject(ctx context.Context, tenantID, runID string, d Decision) (*schema.RunSummary, error)

	// Cancel moves any non-terminal run to cancelled and stops its attempts.
	Cancel(ctx context.Context, tenantID, runID, reason string) (*schema.RunSummary, error)
	Pause(ctx context.Context, tenantID, runID string) (*schema.RunSummary, error)
	Unpause(ctx context.Context, tenantID, runID string) (*schema.RunSummary, error)

	// Retry re-drives a failed run with its identical configuration.
	Retry(ctx context.Context, tenantID, runID, step string) (*schema.RunSummary, error)
	// Resume rewinds to a named step, in place or as a new run.
	Resume(ctx context.Context, tenantID, runID string, req ResumeRequest) (*schema.RunSummary, error)
	Clone(ctx context.Context, tenantID, runID string, cfg *schema.RunConfig) (*schema.RunSummary, error)
	Delete(ctx context.Context, tenantID, runID string) error

	Events(ctx context.Context, tenantID, runID string, since int64) ([]*store.Event, error)
	Attempts(ctx context.Context, tenantID, runID, step string) ([]StepAttempts, error)
	Artifacts(ctx context.Context, tenantID, runID, step string) ([]*store.Artifact, error)
	ArtifactContent(ctx context.Context, tenantID, runID, artifactID string) (*store.Artifact, []byte, error)
	Reviews(ctx context.Context, tenantID, runID string) ([]*store.ReviewRequest, error)
	Audit(ctx context.Context, tenantID, runID string) (map[string]*store.StepState, error)
	StepStatuses(ctx context.Context, tenantID, runID string) (map[string]schema.StepStatus, error)

	// Asset sub-workflow, valid while the run is waiting_image_input.
	AssetState(ctx context.Context, tenantID, runID string) (*assets.State, error)
	SubmitAssetSettings(ctx context.Context, tenantID, runID string, s assets.Settings) (*assets.State, error)
	AssetPositions(ctx context.Context, tenantID, runID string) ([]assets.Placement, error)
	SubmitAssetPositions(ctx context.Context, tenantID, runID string, d assets.PositionsDecision) (*assets.State, error)
	SubmitAssetInstructions(ctx context.Context, tenantID, runID string, instructions []string) (*assets.State, error)
	AssetImages(ctx context.Context, tenantID, runID string) ([]assets.Item, error)
	SubmitAssetImageReview(ctx context.Context, tenantID, runID string, r assets.ImageReview) (*assets.State, error)
	AssetPreview(ctx context.Context, tenantID, runID string) (*assets.Preview, error)
	FinalizeAsset(ctx context.Context, tenantID, runID string, d assets.FinalizeDecision) (*assets.State, error)
}

var _ Service = (*Engine)(nil)
