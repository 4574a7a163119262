package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// SubStep is a unit of machine work recorded as its own step row with its
// own attempts. A finished row is rewound before it runs again.
type SubStep struct {
	Name    string
	Handler string
	Params  map[string]any
}

// SubStepResult is the accepted output of a sub-step.
type SubStepResult struct {
	Result    json.RawMessage
	Digest    string
	Artifacts []string
}

// Runner executes sub-steps. The engine provides it.
type Runner interface {
	RunSubStep(ctx context.Context, run *store.Run, sub SubStep) (*SubStepResult, error)
}

// PositionsAction is the human decision in phase B.
type PositionsAction string

const (
	PositionsApprove   PositionsAction = "approve"
	PositionsEdit      PositionsAction = "edit"
	PositionsReanalyze PositionsAction = "reanalyze"
)

// PositionsDecision is submitted in phase B.
type PositionsDecision struct {
	Action    PositionsAction `json:"action"`
	Positions []Placement     `json:"positions,omitempty"`
}

// ReviewAction is the human decision on one item in phase D.
type ReviewAction string

const (
	ReviewAccept ReviewAction = "accept"
	ReviewRetry  ReviewAction = "retry"
)

// ImageReview is submitted in phase D.
type ImageReview struct {
	Index       int          `json:"index"`
	Action      ReviewAction `json:"action"`
	Instruction string       `json:"instruction,omitempty"`
}

// FinalizeDecision is submitted in phase E. Exactly one of Confirm and
// RestartFrom must be set.
type FinalizeDecision struct {
	Confirm     bool  `json:"confirm,omitempty"`
	RestartFrom Phase `json:"restart_from,omitempty"`
}

// Machine drives the asset phases of runs. Operations on one run are
// serialized; state is persisted after every transition with a
// compare-and-set on the run status, so a cancelled run rejects late writes.
type Machine struct {
	store  store.Store
	events *store.EventLog
	runner Runner
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine creates a Machine.
func NewMachine(s store.Store, events *store.EventLog, runner Runner, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: s, events: events, runner: runner, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (m *Machine) lock(runID string) func() {
	m.mu.Lock()
	l, ok := m.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[runID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Forget drops the per-run lock of a finished run.
func (m *Machine) Forget(runID string) {
	m.mu.Lock()
	delete(m.locks, runID)
	m.mu.Unlock()
}

// Begin enters phase A for step, or returns the state already persisted for it.
func (m *Machine) Begin(ctx context.Context, run *store.Run, step string) (*State, error) {
	defer m.lock(run.ID)()

	st, err := Decode(run.PhaseState)
	if err != nil {
		return nil, err
	}
	if st != nil && st.Step == step {
		return st, nil
	}
	st = &State{Step: step, Phase: PhaseSettings}
	if err := m.save(ctx, run, st, ""); err != nil {
		return nil, err
	}
	return st, nil
}

// Get returns the persisted state of a run, or PHASE_ERROR when it has none.
func (m *Machine) Get(ctx context.Context, tenantID, runID string) (*State, error) {
	run, err := m.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	st, err := Decode(run.PhaseState)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, schema.NewErrorf(schema.ErrCodePhase, "run %s has no asset phase state", runID)
	}
	return st, nil
}

// Complete moves a finalizing machine to completed.
func (m *Machine) Complete(ctx context.Context, tenantID, runID string) (*State, error) {
	return m.update(ctx, tenantID, runID, func(_ context.Context, run *store.Run, st *State) error {
		if err := expectPhase(st, PhaseFinalizing); err != nil {
			return err
		}
		return m.move(ctx, run, st, PhaseCompleted)
	})
}

// SubmitSettings handles phase A. Skip ends the machine in phase H;
// otherwise the position analysis runs and the machine waits in phase B.
func (m *Machine) SubmitSettings(ctx context.Context, tenantID, runID string, s Settings) (*State, error) {
	return m.update(ctx, tenantID, runID, func(ctx context.Context, run *store.Run, st *State) error {
		if err := expectPhase(st, PhaseSettings); err != nil {
			return err
		}
		if s.Skip {
			st.Settings = &s
			return m.move(ctx, run, st, PhaseSkipped)
		}
		if s.Count < 1 || s.Count > MaxItems {
			return schema.NewErrorf(schema.ErrCodeValidation, "count must be between 1 and %d", MaxItems)
		}
		st.Settings = &s
		if err := m.move(ctx, run, st, PhasePositions); err != nil {
			return err
		}
		m.analyze(ctx, run, st)
		return m.save(ctx, run, st, st.Phase)
	})
}

// Positions returns the proposed positions in phase B.
func (m *Machine) Positions(ctx context.Context, tenantID, runID string) ([]Placement, error) {
	st, err := m.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := expectPhase(st, PhasePositions); err != nil {
		return nil, err
	}
	return st.Positions, nil
}

// SubmitPositions handles phase B.
func (m *Machine) SubmitPositions(ctx context.Context, tenantID, runID string, d PositionsDecision) (*State, error) {
	return m.update(ctx, tenantID, runID, func(ctx context.Context, run *store.Run, st *State) error {
		if err := expectPhase(st, PhasePositions); err != nil {
			return err
		}
		switch d.Action {
		case PositionsApprove:
			if len(st.Positions) == 0 {
				return schema.NewError(schema.ErrCodePhase, "no positions to approve; request a re-analysis or submit edits")
			}
		case PositionsEdit:
			if len(d.Positions) == 0 || len(d.Positions) > MaxItems {
				return schema.NewErrorf(schema.ErrCodeValidation, "edited positions must hold between 1 and %d entries", MaxItems)
			}
			for i, p := range d.Positions {
				if p.Anchor == "" {
					return schema.NewErrorf(schema.ErrCodeValidation, "position %d has no anchor", i+1)
				}
			}
			st.Positions = d.Positions
			st.Settings.Count = len(d.Positions)
		case PositionsReanalyze:
			m.analyze(ctx, run, st)
			return m.save(ctx, run, st, st.Phase)
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown positions action %q", d.Action)
		}
		st.LastError = ""
		return m.move(ctx, run, st, PhaseInstructions)
	})
}

// SubmitInstructions handles phase C: one instruction per position. Every
// item is generated before the machine waits for review in phase D.
func (m *Machine) SubmitInstructions(ctx context.Context, tenantID, runID string, instructions []string) (*State, error) {
	return m.update(ctx, tenantID, runID, func(ctx context.Context, run *store.Run, st *State) error {
		if err := expectPhase(st, PhaseInstructions); err != nil {
			return err
		}
		if len(instructions) != len(st.Positions) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"got %d instructions for %d positions", len(instructions), len(st.Positions))
		}
		st.Items = make([]Item, len(instructions))
		for i, text := range instructions {
			st.Items[i] = Item{
				Index:       i + 1,
				Step:        ItemStep(st.Step, i+1),
				Placement:   st.Positions[i],
				Instruction: text,
				Status:      ItemPending,
			}
		}
		if err := m.move(ctx, run, st, PhaseImages); err != nil {
			return err
		}
		for i := range st.Items {
			m.generate(ctx, run, st, i)
			if err := m.save(ctx, run, st, st.Phase); err != nil {
				return err
			}
		}
		return nil
	})
}

// Images returns the items under review in phase D.
func (m *Machine) Images(ctx context.Context, tenantID, runID string) ([]Item, error) {
	st, err := m.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := expectPhase(st, PhaseImages); err != nil {
		return nil, err
	}
	return st.Items, nil
}

// SubmitImageReview handles phase D. Once every item is accepted the preview
// is assembled and the machine moves to phase E.
func (m *Machine) SubmitImageReview(ctx context.Context, tenantID, runID string, r ImageReview) (*State, error) {
	return m.update(ctx, tenantID, runID, func(ctx context.Context, run *store.Run, st *State) error {
		if err := expectPhase(st, PhaseImages); err != nil {
			return err
		}
		if r.Index < 1 || r.Index > len(st.Items) {
			return schema.NewErrorf(schema.ErrCodeValidation, "item %d does not exist", r.Index)
		}
		i := r.Index - 1
		it := &st.Items[i]

		switch r.Action {
		case ReviewAccept:
			if it.Status != ItemGenerated && it.Status != ItemAccepted {
				return schema.NewErrorf(schema.ErrCodePhase, "item %d is %s and cannot be accepted", it.Index, it.Status)
			}
			it.Status = ItemAccepted
		case ReviewRetry:
			if it.Retries >= MaxItemRetries {
				return schema.NewErrorf(schema.ErrCodePhase, "item %d reached the retry limit of %d", it.Index, MaxItemRetries)
			}
			it.Retries++
			if r.Instruction != "" {
				it.Instruction = r.Instruction
			}
			m.emit(ctx, run.ID, it.Step, schema.EventItemRetried, map[string]any{
				"index":   it.Index,
				"retries": it.Retries,
			})
			if interrupted := m.generate(ctx, run, st, i); interrupted {
				it.Retries--
			}
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown review action %q", r.Action)
		}

		if st.accepted() {
			st.Preview = st.assemblePreview()
			return m.move(ctx, run, st, PhasePreview)
		}
		return m.save(ctx, run, st, st.Phase)
	})
}

// Preview returns the assembled preview in phase E or F.
func (m *Machine) Preview(ctx context.Context, tenantID, runID string) (*Preview, error) {
	st, err := m.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := expectPhase(st, PhasePreview, PhaseFinalizing); err != nil {
		return nil, err
	}
	return st.Preview, nil
}

// Finalize handles phase E. Confirm moves to phase F, where the caller
// persists the asset artifacts and then calls Complete. A restart rewinds to
// the named earlier phase and drops the work done after it.
func (m *Machine) Finalize(ctx context.Context, tenantID, runID string, d FinalizeDecision) (*State, error) {
	return m.update(ctx, tenantID, runID, func(ctx context.Context, run *store.Run, st *State) error {
		if err := expectPhase(st, PhasePreview, PhaseFinalizing); err != nil {
			return err
		}
		switch {
		case d.Confirm && d.RestartFrom != "":
			return schema.NewError(schema.ErrCodeValidation, "confirm and restart_from are mutually exclusive")
		case d.Confirm:
			if st.Phase == PhaseFinalizing {
				return nil
			}
			return m.move(ctx, run, st, PhaseFinalizing)
		case d.RestartFrom != "":
			if !restartable[d.RestartFrom] {
				return schema.NewErrorf(schema.ErrCodeValidation, "cannot restart from phase %q", d.RestartFrom)
			}
			st.reset(d.RestartFrom)
			st.Restarts++
			return m.move(ctx, run, st, d.RestartFrom)
		default:
			return schema.NewError(schema.ErrCodeValidation, "finalize needs confirm or restart_from")
		}
	})
}

// reset drops everything produced after phase p.
func (s *State) reset(p Phase) {
	s.Preview = nil
	s.LastError = ""
	switch p {
	case PhaseSettings:
		s.Settings, s.Positions, s.Items, s.Analyses = nil, nil, nil, 0
	case PhasePositions, PhaseInstructions:
		s.Items = nil
	case PhaseImages:
		for i := range s.Items {
			if s.Items[i].Status == ItemAccepted {
				s.Items[i].Status = ItemGenerated
			}
		}
	}
}

// update loads the run, checks it is waiting for asset input and applies fn
// under the run's lock.
func (m *Machine) update(ctx context.Context, tenantID, runID string, fn func(context.Context, *store.Run, *State) error) (*State, error) {
	defer m.lock(runID)()

	run, err := m.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != schema.RunStatusWaitingImageInput {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is %s, not %s", runID, run.Status, schema.RunStatusWaitingImageInput)
	}
	st, err := Decode(run.PhaseState)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, schema.NewErrorf(schema.ErrCodePhase, "run %s has no asset phase state", runID)
	}
	ctx = logging.WithRun(ctx, tenantID, runID)
	if err := fn(ctx, run, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (m *Machine) analyze(ctx context.Context, run *store.Run, st *State) {
	name := PlacementsStep(st.Step)
	res, err := m.runner.RunSubStep(ctx, run, SubStep{
		Name:    name,
		Handler: name,
		Params: map[string]any{
			"count":     st.Settings.Count,
			"placement": st.Settings.Placement,
			"style":     st.Settings.Style,
		},
	})
	st.Analyses++
	if err != nil {
		st.Positions, st.LastError = nil, err.Error()
		return
	}

	var reply struct {
		Placements []Placement `json:"placements"`
	}
	if err := json.Unmarshal(res.Result, &reply); err != nil {
		st.Positions, st.LastError = nil, "placements reply is malformed: "+err.Error()
		return
	}
	if len(reply.Placements) != st.Settings.Count {
		st.Positions = nil
		st.LastError = fmt.Sprintf("expected %d placements, got %d", st.Settings.Count, len(reply.Placements))
		return
	}
	st.Positions, st.LastError = reply.Placements, ""
}

// generate renders item i. It reports whether the work was interrupted
// rather than failed; an interrupted regeneration does not use up a retry.
func (m *Machine) generate(ctx context.Context, run *store.Run, st *State, i int) bool {
	it := &st.Items[i]
	res, err := m.runner.RunSubStep(ctx, run, SubStep{
		Name:    it.Step,
		Handler: ItemHandler(st.Step),
		Params: map[string]any{
			"index":       it.Index,
			"anchor":      it.Placement.Anchor,
			"description": it.Placement.Description,
			"instruction": it.Instruction,
			"style":       st.Settings.Style,
		},
	})
	if err != nil {
		it.Status, it.Error = ItemFailed, err.Error()
		it.Digest, it.Result, it.Artifacts = "", nil, nil
		return schema.IsCode(err, schema.ErrCodeCancelled)
	}
	it.Status, it.Error = ItemGenerated, ""
	it.Digest, it.Result, it.Artifacts = res.Digest, res.Result, res.Artifacts
	return false
}

func (m *Machine) move(ctx context.Context, run *store.Run, st *State, to Phase) error {
	from := st.Phase
	st.Phase = to
	return m.save(ctx, run, st, from)
}

func (m *Machine) save(ctx context.Context, run *store.Run, st *State, from Phase) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal phase state: %w", err)
	}
	expect := run.Status
	if err := m.store.UpdateRun(ctx, run.TenantID, run.ID, store.RunUpdate{ExpectStatus: &expect, PhaseState: data}); err != nil {
		return err
	}
	run.PhaseState = data

	if from != st.Phase {
		m.emit(ctx, run.ID, st.Step, schema.EventPhaseChanged, map[string]any{
			"from":   string(from),
			"to":     string(st.Phase),
			"letter": st.Phase.Letter(),
		})
		logging.LogWith(ctx, m.logger).InfoContext(ctx, "asset phase changed", "from", from, "to", st.Phase)
	}
	return nil
}

func (m *Machine) emit(ctx context.Context, runID, step, eventType string, payload map[string]any) {
	if _, err := m.events.Append(ctx, runID, step, eventType, payload); err != nil {
		logging.LogWith(ctx, m.logger).WarnContext(ctx, "append event failed", "type", eventType, "error", err)
	}
}

func expectPhase(st *State, allowed ...Phase) error {
	for _, p := range allowed {
		if st.Phase == p {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePhase, "asset step is in phase %s (%s)", st.Phase, st.Phase.Letter()).
		WithDetails(map[string]any{"phase": string(st.Phase)})
}
