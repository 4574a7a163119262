package engine

import (
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

// Plan is the scheduler's view of a run at one instant.
type Plan struct {
	// Ready lists nodes whose predecessors are all completed and whose own
	// step is absent or pending, in topological order.
	Ready []string
	// Running lists nodes whose step is running.
	Running []string
	// Failed lists nodes whose step is failed.
	Failed []string
	// Complete is true when every node's step is completed.
	Complete bool
	// Current is the current_step projection.
	Current string
	// Progress is the strict completion percentage, 0-100.
	Progress int
}

// Scheduler computes the executable frontier of a run. It is a pure function
// of the graph, the run status and the persisted step rows: it holds no state
// and never writes.
type Scheduler struct {
	graph *Graph
}

// NewScheduler creates a scheduler over g.
func NewScheduler(g *Graph) *Scheduler {
	return &Scheduler{graph: g}
}

// IndexSteps keys graph step rows by name. Sub-step rows are dropped.
func (s *Scheduler) IndexSteps(rows []*store.Step) map[string]*store.Step {
	out := make(map[string]*store.Step, len(rows))
	for _, r := range rows {
		if s.graph.Has(r.Name) {
			out[r.Name] = r
		}
	}
	return out
}

// Next computes the plan. While the run is waiting, paused, or terminal
// the frontier is empty; a group's successor is ready only when every member
// is completed.
func (s *Scheduler) Next(status schema.RunStatus, steps map[string]*store.Step) Plan {
	var p Plan
	completed := 0
	for _, name := range s.graph.Sorted {
		row := steps[name]
		switch {
		case row == nil || row.Status == schema.StepStatusPending:
			if status == schema.RunStatusRunning && s.predecessorsCompleted(name, steps) {
				p.Ready = append(p.Ready, name)
			}
		case row.Status == schema.StepStatusRunning:
			p.Running = append(p.Running, name)
		case row.Status == schema.StepStatusFailed:
			p.Failed = append(p.Failed, name)
		case row.Status == schema.StepStatusCompleted:
			completed++
		}
	}

	total := len(s.graph.Sorted)
	p.Complete = completed == total
	p.Progress = percent(completed, total)
	p.Current = s.current(p, steps)
	return p
}

func (s *Scheduler) predecessorsCompleted(name string, steps map[string]*store.Step) bool {
	for _, dep := range s.graph.Predecessors(name) {
		row := steps[dep]
		if row == nil || row.Status != schema.StepStatusCompleted {
			return false
		}
	}
	return true
}

// current picks the projection: the first running node, else the first
// failed, else the first ready, else the first node not yet completed.
func (s *Scheduler) current(p Plan, steps map[string]*store.Step) string {
	for _, list := range [][]string{p.Running, p.Failed, p.Ready} {
		if len(list) > 0 {
			return list[0]
		}
	}
	for _, name := range s.graph.Sorted {
		if row := steps[name]; row == nil || row.Status != schema.StepStatusCompleted {
			return name
		}
	}
	return ""
}

// DisplayProgress is the relaxed progress shown to users: a parallel group
// counts as done as soon as any member has started. It is never used to
// decide what runs next.
func (s *Scheduler) DisplayProgress(steps map[string]*store.Step) int {
	started := make(map[string]bool)
	for group, members := range s.graph.Groups {
		for _, m := range members {
			if row := steps[m]; row != nil && row.Status != schema.StepStatusPending {
				started[group] = true
				break
			}
		}
	}

	done := 0
	for _, name := range s.graph.Sorted {
		if row := steps[name]; row != nil && row.Status == schema.StepStatusCompleted {
			done++
			continue
		}
		if g := s.graph.Nodes[name].Group; g != "" && started[g] {
			done++
		}
	}
	return percent(done, len(s.graph.Sorted))
}

func percent(n, total int) int {
	if total == 0 {
		return 0
	}
	return n * 100 / total
}
