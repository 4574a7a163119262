// Package assets implements the nested, human-in-the-loop workflow of the
// asset step: settings, positions, instructions, images, preview and
// finalization. Its state is a tagged value persisted on the run row, so any
// phase can be rebuilt from storage alone.
package assets

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/runengine/pkg/schema"
)

// Phase tags the state variant.
type Phase string

const (
	PhaseSettings     Phase = "settings"     // A
	PhasePositions    Phase = "positions"    // B
	PhaseInstructions Phase = "instructions" // C
	PhaseImages       Phase = "images"       // D
	PhasePreview      Phase = "preview"      // E
	PhaseFinalizing   Phase = "finalizing"   // F
	PhaseCompleted    Phase = "completed"    // G
	PhaseSkipped      Phase = "skipped"      // H
)

var phaseLetters = map[Phase]string{
	PhaseSettings:     "A",
	PhasePositions:    "B",
	PhaseInstructions: "C",
	PhaseImages:       "D",
	PhasePreview:      "E",
	PhaseFinalizing:   "F",
	PhaseCompleted:    "G",
	PhaseSkipped:      "H",
}

// Letter returns the short phase label (A-H).
func (p Phase) Letter() string { return phaseLetters[p] }

// IsTerminal reports whether the asset step is done with the machine.
func (p Phase) IsTerminal() bool { return p == PhaseCompleted || p == PhaseSkipped }

// restartable lists the phases a finalize may restart from.
var restartable = map[Phase]bool{
	PhaseSettings:     true,
	PhasePositions:    true,
	PhaseInstructions: true,
	PhaseImages:       true,
}

// MaxItemRetries bounds human-requested regenerations per item.
const MaxItemRetries = 3

// MaxItems bounds the requested item count.
const MaxItems = 20

// Settings is the phase A request.
type Settings struct {
	Count     int    `json:"count"`
	Placement string `json:"placement,omitempty"`
	Style     string `json:"style,omitempty"`
	Skip      bool   `json:"skip,omitempty"`
}

// Placement is one proposed position for an item.
type Placement struct {
	Anchor      string `json:"anchor"`
	Description string `json:"description,omitempty"`
}

// ItemStatus is the review state of one generated item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemGenerated ItemStatus = "generated"
	ItemFailed    ItemStatus = "failed"
	ItemAccepted  ItemStatus = "accepted"
)

// Item is one generated asset.
type Item struct {
	Index       int             `json:"index"`
	Step        string          `json:"step"`
	Placement   Placement       `json:"placement"`
	Instruction string          `json:"instruction"`
	Status      ItemStatus      `json:"status"`
	Retries     int             `json:"retries"`
	Digest      string          `json:"digest,omitempty"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Preview is the phase E assembly of accepted items.
type Preview struct {
	Items []PreviewItem `json:"items"`
}

// PreviewItem is one accepted item in the preview.
type PreviewItem struct {
	Index     int       `json:"index"`
	Placement Placement `json:"placement"`
	Digest    string    `json:"digest"`
}

// State is the persisted machine state.
type State struct {
	Step      string      `json:"step"`
	Phase     Phase       `json:"phase"`
	Settings  *Settings   `json:"settings,omitempty"`
	Positions []Placement `json:"positions,omitempty"`
	Analyses  int         `json:"analyses,omitempty"`
	Items     []Item      `json:"items,omitempty"`
	Preview   *Preview    `json:"preview,omitempty"`
	Restarts  int         `json:"restarts,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Decode parses a persisted state. An empty value yields nil.
func Decode(raw json.RawMessage) (*State, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePhase, "decode phase state: %s", err.Error()).WithCause(err)
	}
	if _, ok := phaseLetters[st.Phase]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodePhase, "unknown phase %q", st.Phase)
	}
	return &st, nil
}

// ItemStep names the sub-step row of item i (1-based).
func ItemStep(step string, i int) string {
	return fmt.Sprintf("%s/item-%02d", step, i)
}

// PlacementsStep names the sub-step row of the position analysis.
func PlacementsStep(step string) string {
	return step + "/placements"
}

// ItemHandler names the handler that renders one image of an asset step.
func ItemHandler(step string) string {
	return step + "/item"
}

// Exhausted returns the first item that failed on its last allowed retry.
// Such an item can be neither accepted nor retried, so the asset step cannot
// finish in phase D.
func (s *State) Exhausted() *Item {
	if s.Phase != PhaseImages {
		return nil
	}
	for i := range s.Items {
		if it := &s.Items[i]; it.Status == ItemFailed && it.Retries >= MaxItemRetries {
			return it
		}
	}
	return nil
}

func (s *State) accepted() bool {
	if len(s.Items) == 0 {
		return false
	}
	for _, it := range s.Items {
		if it.Status != ItemAccepted {
			return false
		}
	}
	return true
}

func (s *State) assemblePreview() *Preview {
	p := &Preview{}
	for _, it := range s.Items {
		p.Items = append(p.Items, PreviewItem{Index: it.Index, Placement: it.Placement, Digest: it.Digest})
	}
	return p
}
