package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/runengine/pkg/schema"
)

// MemoryStore is a fully in-memory implementation of Store.
// Safe for concurrent access. Intended for tests and the "memory" backend.
type MemoryStore struct {
	mu sync.RWMutex

	runs      map[string]*Run
	steps     map[string]*Step    // key: step id
	stepNames map[string]string   // key: "runID:stepName" -> step id
	attempts  map[string]*Attempt // key: attempt id
	artifacts []*Artifact
	events    map[string][]*Event // key: run id
	reviews   map[string]*ReviewRequest
	eventID   int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*Run),
		steps:     make(map[string]*Step),
		stepNames: make(map[string]string),
		attempts:  make(map[string]*Attempt),
		events:    make(map[string][]*Event),
		reviews:   make(map[string]*ReviewRequest),
	}
}

// Migrate is a no-op for the memory store.
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

func stepKey(runID, name string) string { return runID + ":" + name }

func reviewKey(runID, step, reviewType string) string {
	return runID + ":" + step + ":" + reviewType
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return storeConflict("run %q already exists", run.ID)
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = time.Now().UTC()
	if len(run.Input) == 0 {
		run.Input = json.RawMessage("{}")
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, tenantID, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return nil, storeNotFound("run", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, tenantID, id string, update RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return storeNotFound("run", id)
	}
	if update.ExpectStatus != nil && r.Status != *update.ExpectStatus {
		return storeConflict("run %s is %s, expected %s", id, r.Status, *update.ExpectStatus)
	}
	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.CurrentStep != nil {
		r.CurrentStep = *update.CurrentStep
	}
	if update.ErrorCode != nil {
		r.ErrorCode = *update.ErrorCode
	}
	if update.ErrorMessage != nil {
		r.ErrorMessage = *update.ErrorMessage
	}
	if update.LastResumedStep != nil {
		r.LastResumedStep = *update.LastResumedStep
	}
	if update.ClearPhaseState {
		r.PhaseState = nil
	} else if update.PhaseState != nil {
		r.PhaseState = append(json.RawMessage(nil), update.PhaseState...)
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		r.StartedAt = &t
	}
	if update.ClearCompletedAt {
		r.CompletedAt = nil
	} else if update.CompletedAt != nil {
		t := *update.CompletedAt
		r.CompletedAt = &t
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[schema.RunStatus]struct{}, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = struct{}{}
	}

	var result []*Run
	for _, r := range m.runs {
		if filter.TenantID != "" && r.TenantID != filter.TenantID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[r.Status]; !ok {
				continue
			}
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) DeleteRun(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok || r.TenantID != tenantID {
		return storeNotFound("run", id)
	}
	delete(m.runs, id)
	for sid, st := range m.steps {
		if st.RunID != id {
			continue
		}
		for aid, a := range m.attempts {
			if a.StepID == sid {
				delete(m.attempts, aid)
			}
		}
		delete(m.stepNames, stepKey(id, st.Name))
		delete(m.steps, sid)
	}
	kept := m.artifacts[:0]
	for _, a := range m.artifacts {
		if a.RunID != id {
			kept = append(kept, a)
		}
	}
	m.artifacts = kept
	delete(m.events, id)
	for k, rv := range m.reviews {
		if rv.RunID == id {
			delete(m.reviews, k)
		}
	}
	return nil
}

// --- Steps ---

func (m *MemoryStore) CreateStep(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[step.RunID]; !ok {
		return storeNotFound("run", step.RunID)
	}
	key := stepKey(step.RunID, step.Name)
	if _, exists := m.stepNames[key]; exists {
		return storeConflict("step %q already exists for run %s", step.Name, step.RunID)
	}
	if step.Status == "" {
		step.Status = schema.StepStatusPending
	}
	step.CreatedAt = timeOrNow(step.CreatedAt)
	step.UpdatedAt = time.Now().UTC()
	cp := *step
	m.steps[step.ID] = &cp
	m.stepNames[key] = step.ID
	return nil
}

func (m *MemoryStore) GetStep(_ context.Context, runID, name string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.stepNames[stepKey(runID, name)]
	if !ok {
		return nil, storeNotFound("step", name)
	}
	cp := *m.steps[id]
	return &cp, nil
}

func (m *MemoryStore) ListSteps(_ context.Context, runID string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Step
	for _, st := range m.steps {
		if st.RunID == runID {
			cp := *st
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].Name < result[k].Name
	})
	return result, nil
}

func (m *MemoryStore) UpdateStep(_ context.Context, id string, update StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.steps[id]
	if !ok {
		return storeNotFound("step", id)
	}
	if update.ExpectStatus != nil && st.Status != *update.ExpectStatus {
		return storeConflict("step %s is %s, expected %s", id, st.Status, *update.ExpectStatus)
	}
	if update.RequireActiveRun {
		if r, ok := m.runs[st.RunID]; !ok || r.Status.IsTerminal() {
			return storeConflict("step %s belongs to a finished run", id)
		}
	}
	if update.Status != nil {
		st.Status = *update.Status
	}
	if update.RetryCount != nil {
		st.RetryCount = *update.RetryCount
	}
	if update.ErrorCode != nil {
		st.ErrorCode = *update.ErrorCode
	}
	if update.ErrorMessage != nil {
		st.ErrorMessage = *update.ErrorMessage
	}
	if update.ClearTimes {
		st.StartedAt = nil
		st.CompletedAt = nil
	} else {
		if update.StartedAt != nil {
			t := *update.StartedAt
			st.StartedAt = &t
		}
		if update.CompletedAt != nil {
			t := *update.CompletedAt
			st.CompletedAt = &t
		}
	}
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Attempts ---

func (m *MemoryStore) CreateAttempt(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.steps[a.StepID]; !ok {
		return storeNotFound("step", a.StepID)
	}
	for _, existing := range m.attempts {
		if existing.StepID == a.StepID && existing.AttemptNum == a.AttemptNum {
			return storeConflict("attempt %d already exists for step %s", a.AttemptNum, a.StepID)
		}
	}
	if a.Status == "" {
		a.Status = schema.AttemptStatusRunning
	}
	a.StartedAt = timeOrNow(a.StartedAt)
	cp := *a
	m.attempts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) FinishAttempt(_ context.Context, id string, result AttemptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return storeNotFound("attempt", id)
	}
	if a.Status != schema.AttemptStatusRunning {
		return storeConflict("attempt %s already %s", id, a.Status)
	}
	a.Status = result.Status
	a.OutputDigest = result.OutputDigest
	a.ErrorCategory = result.ErrorCategory
	a.ErrorMessage = result.ErrorMessage
	a.Metrics = result.Metrics
	t := timeOrNow(result.CompletedAt)
	a.CompletedAt = &t
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, stepID string) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Attempt
	for _, a := range m.attempts {
		if a.StepID == stepID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].AttemptNum < result[k].AttemptNum })
	return result, nil
}

// --- Artifacts ---

func (m *MemoryStore) CreateArtifact(_ context.Context, a *Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[a.RunID]; !ok {
		return storeNotFound("run", a.RunID)
	}
	a.CreatedAt = timeOrNow(a.CreatedAt)
	cp := *a
	m.artifacts = append(m.artifacts, &cp)
	return nil
}

func (m *MemoryStore) ListArtifacts(_ context.Context, runID string, filter ArtifactFilter) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Artifact
	for _, a := range m.artifacts {
		if a.RunID != runID {
			continue
		}
		if filter.StepID != "" && a.StepID != filter.StepID {
			continue
		}
		if filter.AttemptID != "" && a.AttemptID != filter.AttemptID {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[event.RunID]; !ok {
		return storeNotFound("run", event.RunID)
	}
	m.eventID++
	event.ID = m.eventID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// --- Reviews ---

func (m *MemoryStore) UpsertReview(_ context.Context, r *ReviewRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[r.RunID]; !ok {
		return storeNotFound("run", r.RunID)
	}
	key := reviewKey(r.RunID, r.Step, r.ReviewType)
	now := time.Now().UTC()
	if existing, ok := m.reviews[key]; ok {
		existing.Status = r.Status
		existing.Result = r.Result
		existing.UpdatedAt = now
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
		r.UpdatedAt = now
		return nil
	}
	r.CreatedAt = timeOrNow(r.CreatedAt)
	r.UpdatedAt = now
	cp := *r
	m.reviews[key] = &cp
	return nil
}

func (m *MemoryStore) GetReview(_ context.Context, runID, step, reviewType string) (*ReviewRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[reviewKey(runID, step, reviewType)]
	if !ok {
		return nil, storeNotFound("review", step+"/"+reviewType)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListReviews(_ context.Context, runID string) ([]*ReviewRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ReviewRequest
	for _, r := range m.reviews {
		if r.RunID == runID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}
