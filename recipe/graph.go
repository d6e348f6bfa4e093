// Package recipe models a stage's generation plan as a DAG of steps and
// schedules which steps become runnable as child jobs complete.
package recipe

import (
	"fmt"
	"sort"

	"github.com/c360studio/dialectic/storage"
)

// Graph is a validated recipe DAG. It is immutable after construction; the
// scheduler recomputes readiness from it and the persisted child-job set on
// every invocation, so no scheduling state lives here.
type Graph struct {
	steps   map[string]*storage.RecipeStep
	ordered []*storage.RecipeStep
	preds   map[string][]string
	succs   map[string][]string
}

// NewGraph builds and validates a graph from one scope's steps and edges.
// A cycle, a dangling edge endpoint, or an empty step set is a
// data-integrity error and fails loudly rather than being skipped.
func NewGraph(steps []*storage.RecipeStep, edges []*storage.RecipeEdge) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("recipe graph has no steps")
	}

	g := &Graph{
		steps: make(map[string]*storage.RecipeStep, len(steps)),
		preds: make(map[string][]string),
		succs: make(map[string][]string),
	}
	for _, step := range steps {
		if _, dup := g.steps[step.ID]; dup {
			return nil, fmt.Errorf("duplicate recipe step id %s", step.ID)
		}
		g.steps[step.ID] = step
		g.ordered = append(g.ordered, step)
	}
	sort.Slice(g.ordered, func(i, j int) bool {
		a, b := g.ordered[i], g.ordered[j]
		if a.ExecutionOrder != b.ExecutionOrder {
			return a.ExecutionOrder < b.ExecutionOrder
		}
		return a.StepSlug < b.StepSlug
	})

	for _, edge := range edges {
		if _, ok := g.steps[edge.FromStepID]; !ok {
			return nil, fmt.Errorf("edge %s references unknown from_step_id %s", edge.ID, edge.FromStepID)
		}
		if _, ok := g.steps[edge.ToStepID]; !ok {
			return nil, fmt.Errorf("edge %s references unknown to_step_id %s", edge.ID, edge.ToStepID)
		}
		g.preds[edge.ToStepID] = append(g.preds[edge.ToStepID], edge.FromStepID)
		g.succs[edge.FromStepID] = append(g.succs[edge.FromStepID], edge.ToStepID)
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm; leftover nodes mean a cycle.
func (g *Graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.steps))
	for id := range g.steps {
		indegree[id] = len(g.preds[id])
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range g.succs[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited != len(g.steps) {
		return fmt.Errorf("recipe graph contains a cycle (%d of %d steps reachable)", visited, len(g.steps))
	}
	return nil
}

// Step returns a step by id.
func (g *Graph) Step(id string) (*storage.RecipeStep, bool) {
	step, ok := g.steps[id]
	return step, ok
}

// Steps returns all steps ordered by execution order.
func (g *Graph) Steps() []*storage.RecipeStep {
	return g.ordered
}

// effectivePredecessors returns the predecessor ids of a step with skipped
// steps bypassed: a skipped predecessor is replaced by its own effective
// predecessors, transitively, so a chain A -> skippedB -> C depends C
// directly on A.
func (g *Graph) effectivePredecessors(stepID string) []string {
	seen := make(map[string]bool)
	var out []string

	var walk func(id string)
	walk = func(id string) {
		for _, pred := range g.preds[id] {
			step := g.steps[pred]
			if step != nil && step.IsSkipped {
				walk(pred)
				continue
			}
			if !seen[pred] {
				seen[pred] = true
				out = append(out, pred)
			}
		}
	}
	walk(stepID)
	return out
}

// ReadySteps returns the steps that are now unblocked: not done, not already
// planned, not skipped, and with every effective predecessor in done. Join
// semantics fall out of the all-predecessors rule; parallel_group membership
// is a concurrency hint and plays no part here.
func (g *Graph) ReadySteps(done, planned map[string]bool) []*storage.RecipeStep {
	var ready []*storage.RecipeStep
	for _, step := range g.ordered {
		if step.IsSkipped || done[step.ID] || planned[step.ID] {
			continue
		}
		unblocked := true
		for _, pred := range g.effectivePredecessors(step.ID) {
			if !done[pred] {
				unblocked = false
				break
			}
		}
		if unblocked {
			ready = append(ready, step)
		}
	}
	return ready
}

// Exhausted reports whether done covers every non-skipped step.
func (g *Graph) Exhausted(done map[string]bool) bool {
	for _, step := range g.ordered {
		if step.IsSkipped {
			continue
		}
		if !done[step.ID] {
			return false
		}
	}
	return true
}

// FirstStep selects the sole step planned on a parent's first invocation:
// lowest execution order among effective roots, ties broken in favor of a
// true graph root. A skipped entry step never wins; its bypassed successors
// compete instead.
func (g *Graph) FirstStep() (*storage.RecipeStep, error) {
	roots := g.ReadySteps(map[string]bool{}, map[string]bool{})
	if len(roots) == 0 {
		return nil, fmt.Errorf("recipe graph has no runnable entry step")
	}

	best := roots[0]
	for _, step := range roots[1:] {
		if step.ExecutionOrder < best.ExecutionOrder {
			best = step
			continue
		}
		if step.ExecutionOrder == best.ExecutionOrder &&
			len(g.preds[step.ID]) == 0 && len(g.preds[best.ID]) > 0 {
			best = step
		}
	}
	return best, nil
}
