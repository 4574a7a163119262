// Package diagram renders the step graph, optionally overlaid with the
// statuses of one run.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindGate  NodeKind = "gate"
	NodeKindAsset NodeKind = "asset"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
	// Groups are parallel step groups, rendered as clusters.
	Groups []*SubGraph
}

// Node represents a single graph node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Group  string
	Status *StatusOverlay
}

// SubGraph names the members of a parallel group.
type SubGraph struct {
	Label   string
	Members []string
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // a step status, or "waiting" for an armed gate
	RetryCount int
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
