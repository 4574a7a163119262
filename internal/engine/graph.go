package engine

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/runengine/internal/validation"
	"github.com/rendis/runengine/pkg/schema"
)

//go:embed pipeline.yaml
var defaultPipelineYAML []byte

// NodeKind distinguishes the three node types of the step graph.
type NodeKind string

const (
	NodeStep  NodeKind = "step"
	NodeGate  NodeKind = "gate"
	NodeAsset NodeKind = "asset"
)

// GateSpec configures an approval gate node.
type GateSpec struct {
	// WaitStatus is the run status held while the gate waits.
	WaitStatus schema.RunStatus `yaml:"wait_status" json:"wait_status"`
	// When is a CEL condition over {config, input, run}. Empty means always armed.
	When       string `yaml:"when,omitempty" json:"when,omitempty"`
	ReviewType string `yaml:"review_type,omitempty" json:"review_type,omitempty"`
}

// Node is one named vertex of the step graph.
type Node struct {
	Name   string            `yaml:"name" json:"name"`
	Kind   NodeKind          `yaml:"kind,omitempty" json:"kind,omitempty"`
	After  []string          `yaml:"after,omitempty" json:"after,omitempty"`
	Group  string            `yaml:"group,omitempty" json:"group,omitempty"`
	Gate   *GateSpec         `yaml:"gate,omitempty" json:"gate,omitempty"`
	Config schema.StepConfig `yaml:"config,omitempty" json:"config,omitempty"`
}

// PipelineDefinition is the decoded pipeline file.
type PipelineDefinition struct {
	Name     string            `yaml:"name" json:"name"`
	Version  int               `yaml:"version,omitempty" json:"version,omitempty"`
	Defaults schema.StepConfig `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Nodes    []Node            `yaml:"nodes" json:"nodes"`
}

// Graph is the immutable, validated step graph shared by all runs.
type Graph struct {
	Name     string
	Version  int
	Defaults schema.StepConfig

	Nodes   map[string]*Node
	Edges   map[string][]string // node → predecessors (declaration order)
	Reverse map[string][]string // node → successors
	Sorted  []string            // topological order, ties broken by declaration order
	Levels  [][]string
	Groups  map[string][]string // group → members

	position map[string]int // node → index in Sorted
}

// DefaultGraph parses the embedded pipeline.
func DefaultGraph(v *validation.SchemaValidator) (*Graph, error) {
	return LoadPipeline(defaultPipelineYAML, v)
}

// LoadPipelineFile reads and parses a pipeline file from disk.
func LoadPipelineFile(path string, v *validation.SchemaValidator) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return LoadPipeline(data, v)
}

// LoadPipeline validates a YAML pipeline document against the pipeline
// schema and builds its graph.
func LoadPipeline(data []byte, v *validation.SchemaValidator) (*Graph, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse pipeline yaml: %s", err.Error()).WithCause(err)
	}
	if v != nil {
		if report := v.ValidatePipeline(doc); !report.Valid() {
			return nil, report.ToError()
		}
	}

	var def PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode pipeline: %s", err.Error()).WithCause(err)
	}
	return ParseGraph(&def)
}

// ParseGraph validates a definition, topologically sorts it with Kahn's
// algorithm and computes parallel levels.
func ParseGraph(def *PipelineDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline has no nodes")
	}

	g := &Graph{
		Name:     def.Name,
		Version:  def.Version,
		Defaults: def.Defaults,
		Nodes:    make(map[string]*Node, len(def.Nodes)),
		Edges:    make(map[string][]string, len(def.Nodes)),
		Reverse:  make(map[string][]string, len(def.Nodes)),
		Groups:   make(map[string][]string),
	}

	index := make(map[string]int, len(def.Nodes))
	for i := range def.Nodes {
		n := def.Nodes[i]
		if n.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty name", i)
		}
		if _, dup := g.Nodes[n.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node name: %s", n.Name)
		}
		if n.Kind == "" {
			n.Kind = NodeStep
		}
		if err := validateNode(&n); err != nil {
			return nil, err
		}
		g.Nodes[n.Name] = &n
		index[n.Name] = i
		if n.Group != "" {
			g.Groups[n.Group] = append(g.Groups[n.Group], n.Name)
		}
	}

	for _, n := range def.Nodes {
		seen := make(map[string]bool, len(n.After))
		for _, dep := range n.After {
			if _, ok := g.Nodes[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s runs after unknown node %s", n.Name, dep)
			}
			if dep == n.Name {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s runs after itself", n.Name)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s lists %s twice", n.Name, dep)
			}
			seen[dep] = true
			g.Edges[n.Name] = append(g.Edges[n.Name], dep)
			g.Reverse[dep] = append(g.Reverse[dep], n.Name)
		}
	}

	for group, members := range g.Groups {
		inGroup := make(map[string]bool, len(members))
		for _, m := range members {
			inGroup[m] = true
		}
		for _, m := range members {
			if g.Nodes[m].Kind == NodeGate {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "gate %s cannot be a member of group %s", m, group)
			}
			for _, dep := range g.Edges[m] {
				if inGroup[dep] {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "group %s member %s depends on sibling %s", group, m, dep)
				}
			}
		}
	}

	// Kahn's algorithm; the ready set is kept in declaration order.
	inDegree := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		inDegree[name] = len(g.Edges[name])
	}
	var ready []string
	for _, n := range def.Nodes {
		if inDegree[n.Name] == 0 {
			ready = append(ready, n.Name)
		}
	}

	sorted := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		sorted = append(sorted, node)
		for _, succ := range g.Reverse[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = insertByIndex(ready, succ, index)
			}
		}
	}
	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "pipeline contains a cycle")
	}

	g.Sorted = sorted
	g.position = make(map[string]int, len(sorted))
	for i, name := range sorted {
		g.position[name] = i
	}
	g.Levels = computeLevels(g)
	return g, nil
}

func validateNode(n *Node) error {
	switch n.Kind {
	case NodeStep, NodeAsset:
		if n.Gate != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s node %s cannot carry a gate block", n.Kind, n.Name)
		}
	case NodeGate:
		if n.Gate == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "gate %s has no gate block", n.Name)
		}
		switch n.Gate.WaitStatus {
		case schema.RunStatusWaitingApproval, schema.RunStatusWaitingStep1Approval:
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "gate %s has invalid wait_status %q", n.Name, n.Gate.WaitStatus)
		}
		if n.Gate.ReviewType == "" {
			n.Gate.ReviewType = n.Name
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind %q", n.Name, n.Kind)
	}
	return nil
}

func insertByIndex(queue []string, name string, index map[string]int) []string {
	i := len(queue)
	for i > 0 && index[queue[i-1]] > index[name] {
		i--
	}
	queue = append(queue, "")
	copy(queue[i+1:], queue[i:])
	queue[i] = name
	return queue
}

func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Nodes))
	maxLevel := 0
	for _, name := range g.Sorted {
		d := 0
		for _, dep := range g.Edges[name] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxLevel {
			maxLevel = d
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, name := range g.Sorted {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels
}

// Node returns the named node.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// Has reports whether name is a graph node. Sub-step rows such as
// "step8/item-01" are not.
func (g *Graph) Has(name string) bool {
	_, ok := g.Nodes[name]
	return ok
}

// Predecessors returns the direct predecessors of name in declaration order.
func (g *Graph) Predecessors(name string) []string { return g.Edges[name] }

// Successors returns the direct successors of name.
func (g *Graph) Successors(name string) []string { return g.Reverse[name] }

// Position returns the topological index of name, or -1.
func (g *Graph) Position(name string) int {
	if p, ok := g.position[name]; ok {
		return p
	}
	return -1
}

// Ancestors returns every node name reaches through predecessor edges.
func (g *Graph) Ancestors(name string) map[string]bool {
	return g.walk(name, g.Edges)
}

// Descendants returns every node reachable from name, in topological order.
// Parallel siblings of name are not descendants.
func (g *Graph) Descendants(name string) []string {
	reach := g.walk(name, g.Reverse)
	out := make([]string, 0, len(reach))
	for _, n := range g.Sorted {
		if reach[n] {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph) walk(start string, adj map[string][]string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), adj[start]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, adj[n]...)
	}
	return seen
}

// Siblings returns the other members of name's parallel group.
func (g *Graph) Siblings(name string) []string {
	n, ok := g.Nodes[name]
	if !ok || n.Group == "" {
		return nil
	}
	var out []string
	for _, m := range g.Groups[n.Group] {
		if m != name {
			out = append(out, m)
		}
	}
	return out
}

// InputSources returns the nodes whose artifacts feed name: its predecessors,
// with gates replaced by their own sources since gates produce nothing.
func (g *Graph) InputSources(name string) []string {
	var out []string
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		for _, p := range g.Edges[n] {
			if g.Nodes[p].Kind == NodeGate {
				visit(p)
				continue
			}
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	visit(name)
	return out
}

// Gates returns the gate nodes in topological order.
func (g *Graph) Gates() []string {
	var out []string
	for _, name := range g.Sorted {
		if g.Nodes[name].Kind == NodeGate {
			out = append(out, name)
		}
	}
	return out
}

// StepConfig resolves the effective config of a node for a run:
// pipeline defaults, then the node's config, then the run's overrides.
// The handler defaults to the node name.
func (g *Graph) StepConfig(name string, run schema.RunConfig) schema.StepConfig {
	cfg := g.Defaults
	if n, ok := g.Nodes[name]; ok {
		cfg = cfg.Merge(n.Config)
	}
	if o, ok := run.Steps[name]; ok {
		cfg = cfg.Merge(o)
	}
	if cfg.Handler == "" {
		cfg.Handler = name
	}
	return cfg
}
