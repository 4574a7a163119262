package streaming

import (
	"context"

	"github.com/rendis/runengine/pkg/schema"
)

// Filter selects which progress events a subscriber receives.
// Empty fields match everything.
type Filter struct {
	TenantID string                `json:"tenant_id,omitempty"`
	RunID    string                `json:"run_id,omitempty"`
	Types    []schema.ProgressType `json:"types,omitempty"`
}

// Envelope is what travels through the hub: the progress event plus the
// tenant it belongs to, so subscribers can be tenant-scoped.
type Envelope struct {
	TenantID string               `json:"tenant_id"`
	Event    schema.ProgressEvent `json:"event"`
}

// Hub provides pub/sub for run progress notifications.
type Hub interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Envelope, func(), error)
}
