// Package artifact persists step outputs as content-addressed blobs with
// metadata rows in the relational store.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

const digestAlgo = "sha256"

// Digest returns the content address of data: "sha256:<hex>".
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestAlgo + ":" + hex.EncodeToString(sum[:])
}

// PutRequest describes one artifact to persist.
type PutRequest struct {
	RunID       string
	StepID      string
	AttemptID   string
	Type        string
	ContentType string
	Content     []byte
	Metadata    map[string]any
}

// Store combines a BlobStore for bytes with metadata rows in store.Store.
// Identical content is written once; every Put still records its own row.
type Store struct {
	blobs BlobStore
	meta  store.Store
}

// NewStore creates an artifact store.
func NewStore(blobs BlobStore, meta store.Store) *Store {
	return &Store{blobs: blobs, meta: meta}
}

// Put writes the blob (deduplicated by digest) and appends a metadata row.
func (s *Store) Put(ctx context.Context, req PutRequest) (*store.Artifact, error) {
	if req.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "artifact type is required")
	}
	digest := Digest(req.Content)
	ref, err := s.blobs.Put(ctx, digest, req.Content)
	if err != nil {
		return nil, fmt.Errorf("store blob %s: %w", digest, err)
	}

	var meta json.RawMessage
	if len(req.Metadata) > 0 {
		meta, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal artifact metadata: %w", err)
		}
	}

	a := &store.Artifact{
		ID:          uuid.New().String(),
		RunID:       req.RunID,
		StepID:      req.StepID,
		AttemptID:   req.AttemptID,
		Type:        req.Type,
		RefPath:     ref,
		Digest:      digest,
		ContentType: req.ContentType,
		Size:        int64(len(req.Content)),
		Metadata:    meta,
	}
	if err := s.meta.CreateArtifact(ctx, a); err != nil {
		return nil, fmt.Errorf("record artifact: %w", err)
	}
	return a, nil
}

// Load reads an artifact's bytes and verifies them against its digest.
func (s *Store) Load(ctx context.Context, a *store.Artifact) ([]byte, error) {
	data, err := s.blobs.Get(ctx, a.RefPath)
	if err != nil {
		return nil, err
	}
	if got := Digest(data); got != a.Digest {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"artifact %s is corrupt: digest %s, want %s", a.ID, got, a.Digest)
	}
	return data, nil
}

// Latest returns the artifacts of a step's latest completed attempt. Rows
// copied into a run without an attempt (new-run resume) count as the oldest
// generation and are used only when no completed attempt produced artifacts.
func (s *Store) Latest(ctx context.Context, runID, stepID string) ([]*store.Artifact, error) {
	rows, err := s.meta.ListArtifacts(ctx, runID, store.ArtifactFilter{StepID: stepID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	attempts, err := s.meta.ListAttempts(ctx, stepID)
	if err != nil {
		return nil, err
	}
	byAttempt := make(map[string][]*store.Artifact)
	for _, a := range rows {
		byAttempt[a.AttemptID] = append(byAttempt[a.AttemptID], a)
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		att := attempts[i]
		if att.Status != schema.AttemptStatusCompleted {
			continue
		}
		if arts := byAttempt[att.ID]; len(arts) > 0 {
			return arts, nil
		}
	}
	return byAttempt[""], nil
}

// Inputs loads the latest artifacts of each predecessor, in predecessor order,
// as handler inputs.
func (s *Store) Inputs(ctx context.Context, runID string, preds []*store.Step) ([]schema.InputArtifact, error) {
	var out []schema.InputArtifact
	for _, p := range preds {
		arts, err := s.Latest(ctx, runID, p.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range arts {
			data, err := s.Load(ctx, a)
			if err != nil {
				return nil, err
			}
			in := schema.InputArtifact{
				Step:        p.Name,
				Type:        a.Type,
				Digest:      a.Digest,
				ContentType: a.ContentType,
				Content:     data,
			}
			if len(a.Metadata) > 0 {
				_ = json.Unmarshal(a.Metadata, &in.Metadata)
			}
			out = append(out, in)
		}
	}
	return out, nil
}

// CopyTo records a metadata row for a under another run, step and attempt.
// The blob is shared by digest and never rewritten. An empty attemptID marks
// a row seeded from another run.
func (s *Store) CopyTo(ctx context.Context, a *store.Artifact, runID, stepID, attemptID string) (*store.Artifact, error) {
	cp := &store.Artifact{
		ID:          uuid.New().String(),
		RunID:       runID,
		StepID:      stepID,
		AttemptID:   attemptID,
		Type:        a.Type,
		RefPath:     a.RefPath,
		Digest:      a.Digest,
		ContentType: a.ContentType,
		Size:        a.Size,
		Metadata:    a.Metadata,
	}
	if err := s.meta.CreateArtifact(ctx, cp); err != nil {
		return nil, fmt.Errorf("copy artifact: %w", err)
	}
	return cp, nil
}

// InputDigest is the content address of an ordered input set, recorded on
// each attempt so equivalent executions can be recognised.
func InputDigest(inputs []schema.InputArtifact, cfg schema.StepConfig) string {
	h := sha256.New()
	for _, in := range inputs {
		fmt.Fprintf(h, "%s|%s|%s\n", in.Step, in.Type, in.Digest)
	}
	cfgJSON, _ := json.Marshal(cfg)
	h.Write(cfgJSON)
	return digestAlgo + ":" + hex.EncodeToString(h.Sum(nil))
}
