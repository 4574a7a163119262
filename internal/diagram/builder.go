package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// StatusWaiting marks the gate or asset node the run is blocked on.
const StatusWaiting = "waiting"

// Build constructs a DiagramModel from the step graph. When run is non-nil its
// step statuses are overlaid on the nodes.
func Build(g *engine.Graph, run *schema.RunSummary) *DiagramModel {
	var rows map[string]schema.StepSummary
	if run != nil {
		rows = make(map[string]schema.StepSummary, len(run.Steps))
		for _, s := range run.Steps {
			rows[s.Name] = s
		}
	}

	nodes := make([]*Node, 0, len(g.Sorted)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, name := range g.Sorted {
		n := g.Nodes[name]
		node := &Node{
			ID:    name,
			Label: nodeLabel(n),
			Kind:  kindOf(n.Kind),
			Group: n.Group,
		}
		if run != nil {
			node.Status = overlay(n, run, rows)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  title(g, run),
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: buildLevels(g),
		Groups: buildGroups(g),
	}
}

func kindOf(k engine.NodeKind) NodeKind {
	switch k {
	case engine.NodeGate:
		return NodeKindGate
	case engine.NodeAsset:
		return NodeKindAsset
	default:
		return NodeKindStep
	}
}

func nodeLabel(n *engine.Node) string {
	switch {
	case n.Gate != nil:
		return fmt.Sprintf("%s\n(%s)", n.Name, n.Gate.WaitStatus)
	case n.Config.Tool != "":
		return fmt.Sprintf("%s\n(%s)", n.Name, n.Config.Tool)
	case n.Config.Model != "":
		return fmt.Sprintf("%s\n(%s)", n.Name, n.Config.Model)
	}
	return n.Name
}

// overlay derives a node's status from the run. An armed gate or an asset
// step blocked on operator input shows as waiting.
func overlay(n *engine.Node, run *schema.RunSummary, rows map[string]schema.StepSummary) *StatusOverlay {
	row, ok := rows[n.Name]
	if ok && row.Status == schema.StepStatusCompleted {
		return &StatusOverlay{Status: string(row.Status), RetryCount: row.RetryCount}
	}
	if n.Gate != nil && run.Status == n.Gate.WaitStatus {
		return &StatusOverlay{Status: StatusWaiting}
	}
	if n.Kind == engine.NodeAsset && run.Status == schema.RunStatusWaitingImageInput {
		return &StatusOverlay{Status: StatusWaiting, RetryCount: row.RetryCount}
	}
	if !ok {
		return &StatusOverlay{Status: string(schema.StepStatusPending)}
	}
	st := &StatusOverlay{Status: string(row.Status), RetryCount: row.RetryCount}
	if row.ErrorCode != "" {
		st.Error = row.ErrorCode
		if row.ErrorMessage != "" {
			st.Error += ": " + row.ErrorMessage
		}
	}
	return st
}

// buildEdges returns predecessor edges plus virtual start/end edges.
func buildEdges(g *engine.Graph) []Edge {
	var edges []Edge
	for _, name := range g.Sorted {
		preds := g.Predecessors(name)
		if len(preds) == 0 {
			edges = append(edges, Edge{From: startID, To: name})
		}
		for _, p := range preds {
			edges = append(edges, Edge{From: p, To: name})
		}
	}
	for _, name := range g.Sorted {
		if len(g.Successors(name)) == 0 {
			edges = append(edges, Edge{From: name, To: endID})
		}
	}
	return edges
}

func buildLevels(g *engine.Graph) [][]string {
	levels := make([][]string, 0, len(g.Levels)+2)
	levels = append(levels, []string{startID})
	for _, l := range g.Levels {
		levels = append(levels, append([]string(nil), l...))
	}
	return append(levels, []string{endID})
}

func buildGroups(g *engine.Graph) []*SubGraph {
	names := make([]string, 0, len(g.Groups))
	for name := range g.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*SubGraph, 0, len(names))
	for _, name := range names {
		members := append([]string(nil), g.Groups[name]...)
		sort.Slice(members, func(i, j int) bool { return g.Position(members[i]) < g.Position(members[j]) })
		out = append(out, &SubGraph{Label: name, Members: members})
	}
	return out
}

func title(g *engine.Graph, run *schema.RunSummary) string {
	t := g.Name
	if g.Version > 0 {
		t = fmt.Sprintf("%s v%d", t, g.Version)
	}
	if run != nil {
		t = fmt.Sprintf("%s | run %s (%s, %d%%)", t, run.ID, run.Status, run.Progress)
	}
	return t
}
