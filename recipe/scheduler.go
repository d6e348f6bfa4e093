package recipe

import (
	"fmt"
	"time"

	"github.com/c360studio/dialectic/storage"
)

// Result is one scheduling decision for a parent plan job. Exactly one of
// StepsToPlan being non-empty or ParentComplete being true holds when work
// remains or finishes; both zero means children are still in flight and the
// wake-up is a no-op.
type Result struct {
	StepsToPlan    []*storage.RecipeStep
	ParentComplete bool
}

// ProcessComplexJob recomputes the parent's frontier from scratch. It is
// idempotent: the done and planned sets are rebuilt from the persisted child
// jobs on every wake-up, so duplicate or reordered completion signals
// converge on the same decision and never double-plan a step.
func ProcessComplexJob(parent *storage.GenerationJob, children []*storage.GenerationJob, graph *Graph) (*Result, error) {
	if parent == nil {
		return nil, fmt.Errorf("parent job is nil")
	}
	if graph == nil {
		return nil, fmt.Errorf("recipe graph is nil")
	}

	// A step may own several child jobs (a continuation chain enqueues a
	// fresh job per chunk), so a step counts as done only when at least
	// one of its jobs completed and none are still outstanding.
	planned := make(map[string]bool)
	completed := make(map[string]bool)
	outstanding := make(map[string]bool)
	for _, child := range children {
		meta := child.Payload.PlannerMetadata
		if meta == nil || meta.RecipeStepID == "" {
			continue
		}
		stepID := meta.RecipeStepID
		if _, ok := graph.Step(stepID); !ok {
			return nil, fmt.Errorf("child job %s references step %s not in graph", child.ID, stepID)
		}
		planned[stepID] = true
		if child.Status == storage.JobStatusCompleted {
			completed[stepID] = true
		} else {
			outstanding[stepID] = true
		}
	}

	done := make(map[string]bool)
	for stepID := range completed {
		if !outstanding[stepID] {
			done[stepID] = true
		}
	}

	// First wake-up: nothing planned yet, so the entry step is the sole
	// result regardless of how wide the graph fans out later.
	if len(planned) == 0 {
		first, err := graph.FirstStep()
		if err != nil {
			return nil, err
		}
		return &Result{StepsToPlan: []*storage.RecipeStep{first}}, nil
	}

	ready := graph.ReadySteps(done, planned)
	if len(ready) > 0 {
		return &Result{StepsToPlan: ready}, nil
	}
	if graph.Exhausted(done) {
		return &Result{ParentComplete: true}, nil
	}

	// Children still running, or a failed child is blocking its
	// successors until it is retried. Either way there is nothing to do.
	return &Result{}, nil
}

// ChildPayload derives a child job payload for a step from the parent's
// payload. The step's config_override rides along untouched so per-step
// model and parameter overrides survive into the worker. Chain fields never
// carry over: a fresh step starts its own lineage.
func ChildPayload(parent *storage.GenerationJob, step *storage.RecipeStep) storage.JobPayload {
	payload := parent.Payload
	payload.ConfigOverride = step.ConfigOverride
	payload.StepSlug = step.StepSlug
	payload.OutputType = step.OutputType
	payload.PromptPath = ""
	payload.TargetContributionID = ""
	payload.DocumentIdentity = ""
	payload.PlannerMetadata = &storage.PlannerMetadata{
		RecipeStepID: step.ID,
		StepSlug:     step.StepSlug,
		BranchKey:    step.BranchKey,
	}
	return payload
}

// DocumentIdentityFor resolves which contribution chain a newly planned
// RENDER step assembles: the document recorded by the completed jobs of its
// effective predecessor steps. Any member of a chain identifies it, so when
// a chain spans several jobs the latest completion wins. Empty when no
// predecessor recorded a document.
func DocumentIdentityFor(graph *Graph, step *storage.RecipeStep, children []*storage.GenerationJob) string {
	preds := make(map[string]bool)
	for _, id := range graph.effectivePredecessors(step.ID) {
		preds[id] = true
	}

	var docID string
	var latest time.Time
	for _, child := range children {
		meta := child.Payload.PlannerMetadata
		if meta == nil || !preds[meta.RecipeStepID] {
			continue
		}
		if child.Status != storage.JobStatusCompleted || child.Payload.DocumentIdentity == "" {
			continue
		}
		when := latest
		if child.CompletedAt != nil {
			when = *child.CompletedAt
		}
		if docID == "" || when.After(latest) {
			docID = child.Payload.DocumentIdentity
			latest = when
		}
	}
	return docID
}
