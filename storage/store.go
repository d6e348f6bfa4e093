package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each row type.
const (
	BucketProjects         = "DIALECTIC_PROJECTS"
	BucketSessions         = "DIALECTIC_SESSIONS"
	BucketStages           = "DIALECTIC_STAGES"
	BucketStageTransitions = "DIALECTIC_STAGE_TRANSITIONS"
	BucketSystemPrompts    = "DIALECTIC_SYSTEM_PROMPTS"
	BucketRecipeInstances  = "DIALECTIC_RECIPE_INSTANCES"
	BucketTemplateSteps    = "DIALECTIC_RECIPE_TEMPLATE_STEPS"
	BucketTemplateEdges    = "DIALECTIC_RECIPE_TEMPLATE_EDGES"
	BucketInstanceSteps    = "DIALECTIC_STAGE_RECIPE_STEPS"
	BucketInstanceEdges    = "DIALECTIC_STAGE_RECIPE_EDGES"
	BucketGenerationJobs   = "DIALECTIC_GENERATION_JOBS"
	BucketContributions    = "DIALECTIC_CONTRIBUTIONS"
	BucketFeedback         = "DIALECTIC_FEEDBACK"
)

// Store provides row storage operations backed by NATS KV.
type Store struct {
	projects      jetstream.KeyValue
	sessions      jetstream.KeyValue
	stages        jetstream.KeyValue
	transitions   jetstream.KeyValue
	systemPrompts jetstream.KeyValue
	instances     jetstream.KeyValue
	templateSteps jetstream.KeyValue
	templateEdges jetstream.KeyValue
	instanceSteps jetstream.KeyValue
	instanceEdges jetstream.KeyValue
	jobs          jetstream.KeyValue
	contributions jetstream.KeyValue
	feedback      jetstream.KeyValue
}

// NewStore creates a Store with the given JetStream context, creating the
// KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	s := &Store{}
	for _, b := range []struct {
		name string
		kv   *jetstream.KeyValue
	}{
		{BucketProjects, &s.projects},
		{BucketSessions, &s.sessions},
		{BucketStages, &s.stages},
		{BucketStageTransitions, &s.transitions},
		{BucketSystemPrompts, &s.systemPrompts},
		{BucketRecipeInstances, &s.instances},
		{BucketTemplateSteps, &s.templateSteps},
		{BucketTemplateEdges, &s.templateEdges},
		{BucketInstanceSteps, &s.instanceSteps},
		{BucketInstanceEdges, &s.instanceEdges},
		{BucketGenerationJobs, &s.jobs},
		{BucketContributions, &s.contributions},
		{BucketFeedback, &s.feedback},
	} {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.kv = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Dialectic %s rows", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// NewID generates a row id.
func NewID() string {
	return uuid.New().String()
}

func putRow(ctx context.Context, kv jetstream.KeyValue, id string, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	if _, err := kv.Put(ctx, id, data); err != nil {
		return fmt.Errorf("store row: %w", err)
	}
	return nil
}

func getRow(ctx context.Context, kv jetstream.KeyValue, id string, row any) error {
	entry, err := kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("get row: %w", err)
	}
	if err := json.Unmarshal(entry.Value(), row); err != nil {
		return fmt.Errorf("unmarshal row: %w", err)
	}
	return nil
}

// listRows calls visit with each row in the bucket. Entries that fail to
// load or decode are skipped, matching at-least-once queue semantics where a
// torn write is retried by its producer.
func listRows[T any](ctx context.Context, kv jetstream.KeyValue, visit func(*T)) error {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil
		}
		return fmt.Errorf("list keys: %w", err)
	}
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var row T
		if err := json.Unmarshal(entry.Value(), &row); err != nil {
			continue
		}
		visit(&row)
	}
	return nil
}

// --- Projects ---

// CreateProject stores a new project and returns its id.
func (s *Store) CreateProject(ctx context.Context, p *Project) (string, error) {
	if p.ID == "" {
		p.ID = NewID()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	if err := putRow(ctx, s.projects, p.ID, p); err != nil {
		return "", fmt.Errorf("create project: %w", err)
	}
	return p.ID, nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := getRow(ctx, s.projects, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Sessions ---

// CreateSession stores a new session and returns its id.
func (s *Store) CreateSession(ctx context.Context, sess *Session) (string, error) {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	sess.CreatedAt = time.Now()
	sess.UpdatedAt = sess.CreatedAt
	if err := putRow(ctx, s.sessions, sess.ID, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sess.ID, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := getRow(ctx, s.sessions, id, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession persists session mutations.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	if err := putRow(ctx, s.sessions, sess.ID, sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// --- Stages ---

// CreateStage stores a stage definition.
func (s *Store) CreateStage(ctx context.Context, stage *Stage) (string, error) {
	if stage.ID == "" {
		stage.ID = NewID()
	}
	stage.CreatedAt = time.Now()
	if err := putRow(ctx, s.stages, stage.ID, stage); err != nil {
		return "", fmt.Errorf("create stage: %w", err)
	}
	return stage.ID, nil
}

// GetStage retrieves a stage by id.
func (s *Store) GetStage(ctx context.Context, id string) (*Stage, error) {
	var st Stage
	if err := getRow(ctx, s.stages, id, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetStageBySlug retrieves a stage by slug.
func (s *Store) GetStageBySlug(ctx context.Context, slug string) (*Stage, error) {
	var found *Stage
	err := listRows(ctx, s.stages, func(st *Stage) {
		if st.Slug == slug {
			found = st
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// --- Stage transitions ---

// CreateStageTransition stores a transition row.
func (s *Store) CreateStageTransition(ctx context.Context, tr *StageTransition) (string, error) {
	if tr.ID == "" {
		tr.ID = NewID()
	}
	if err := putRow(ctx, s.transitions, tr.ID, tr); err != nil {
		return "", fmt.Errorf("create stage transition: %w", err)
	}
	return tr.ID, nil
}

// GetTransitionBySourceStage finds the transition out of the given stage for
// a process template. ErrNotFound indicates the final stage.
func (s *Store) GetTransitionBySourceStage(ctx context.Context, processTemplateID, sourceStageID string) (*StageTransition, error) {
	var found *StageTransition
	err := listRows(ctx, s.transitions, func(tr *StageTransition) {
		if tr.ProcessTemplateID == processTemplateID && tr.SourceStageID == sourceStageID {
			found = tr
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// --- System prompts ---

// PutSystemPrompt stores a prompt template, overwriting any prior version.
func (s *Store) PutSystemPrompt(ctx context.Context, sp *SystemPrompt) (string, error) {
	if sp.ID == "" {
		sp.ID = NewID()
	}
	now := time.Now()
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = now
	}
	sp.UpdatedAt = now
	if err := putRow(ctx, s.systemPrompts, sp.ID, sp); err != nil {
		return "", fmt.Errorf("put system prompt: %w", err)
	}
	return sp.ID, nil
}

// GetSystemPrompt retrieves a prompt template by id.
func (s *Store) GetSystemPrompt(ctx context.Context, id string) (*SystemPrompt, error) {
	var sp SystemPrompt
	if err := getRow(ctx, s.systemPrompts, id, &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

// GetSystemPromptBySlug retrieves a prompt template by slug.
func (s *Store) GetSystemPromptBySlug(ctx context.Context, slug string) (*SystemPrompt, error) {
	var found *SystemPrompt
	err := listRows(ctx, s.systemPrompts, func(sp *SystemPrompt) {
		if sp.Slug == slug {
			found = sp
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// --- Recipe instances, steps, edges ---

// CreateRecipeInstance stores a recipe instance row.
func (s *Store) CreateRecipeInstance(ctx context.Context, ri *RecipeInstance) (string, error) {
	if ri.ID == "" {
		ri.ID = NewID()
	}
	ri.CreatedAt = time.Now()
	if err := putRow(ctx, s.instances, ri.ID, ri); err != nil {
		return "", fmt.Errorf("create recipe instance: %w", err)
	}
	return ri.ID, nil
}

// GetRecipeInstance retrieves a recipe instance by id.
func (s *Store) GetRecipeInstance(ctx context.Context, id string) (*RecipeInstance, error) {
	var ri RecipeInstance
	if err := getRow(ctx, s.instances, id, &ri); err != nil {
		return nil, err
	}
	return &ri, nil
}

// CreateTemplateStep stores a template-scoped recipe step.
func (s *Store) CreateTemplateStep(ctx context.Context, step *RecipeStep) (string, error) {
	return s.createStep(ctx, s.templateSteps, step)
}

// CreateInstanceStep stores an instance-scoped (cloned) recipe step.
func (s *Store) CreateInstanceStep(ctx context.Context, step *RecipeStep) (string, error) {
	return s.createStep(ctx, s.instanceSteps, step)
}

func (s *Store) createStep(ctx context.Context, kv jetstream.KeyValue, step *RecipeStep) (string, error) {
	if step.ID == "" {
		step.ID = NewID()
	}
	step.CreatedAt = time.Now()
	if err := putRow(ctx, kv, step.ID, step); err != nil {
		return "", fmt.Errorf("create recipe step: %w", err)
	}
	return step.ID, nil
}

// CreateTemplateEdge stores a template-scoped recipe edge.
func (s *Store) CreateTemplateEdge(ctx context.Context, edge *RecipeEdge) (string, error) {
	return s.createEdge(ctx, s.templateEdges, edge)
}

// CreateInstanceEdge stores an instance-scoped (cloned) recipe edge.
func (s *Store) CreateInstanceEdge(ctx context.Context, edge *RecipeEdge) (string, error) {
	return s.createEdge(ctx, s.instanceEdges, edge)
}

func (s *Store) createEdge(ctx context.Context, kv jetstream.KeyValue, edge *RecipeEdge) (string, error) {
	if edge.ID == "" {
		edge.ID = NewID()
	}
	if err := putRow(ctx, kv, edge.ID, edge); err != nil {
		return "", fmt.Errorf("create recipe edge: %w", err)
	}
	return edge.ID, nil
}

// ListTemplateSteps returns the template's steps ordered by execution order.
func (s *Store) ListTemplateSteps(ctx context.Context, templateID string) ([]*RecipeStep, error) {
	return s.listSteps(ctx, s.templateSteps, templateID)
}

// ListInstanceSteps returns a cloned instance's steps ordered by execution order.
func (s *Store) ListInstanceSteps(ctx context.Context, instanceID string) ([]*RecipeStep, error) {
	return s.listSteps(ctx, s.instanceSteps, instanceID)
}

func (s *Store) listSteps(ctx context.Context, kv jetstream.KeyValue, scopeID string) ([]*RecipeStep, error) {
	var steps []*RecipeStep
	err := listRows(ctx, kv, func(step *RecipeStep) {
		if step.ScopeID == scopeID {
			steps = append(steps, step)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].ExecutionOrder < steps[j].ExecutionOrder
	})
	return steps, nil
}

// ListTemplateEdges returns the template's edges.
func (s *Store) ListTemplateEdges(ctx context.Context, templateID string) ([]*RecipeEdge, error) {
	return s.listEdges(ctx, s.templateEdges, templateID)
}

// ListInstanceEdges returns a cloned instance's edges.
func (s *Store) ListInstanceEdges(ctx context.Context, instanceID string) ([]*RecipeEdge, error) {
	return s.listEdges(ctx, s.instanceEdges, instanceID)
}

func (s *Store) listEdges(ctx context.Context, kv jetstream.KeyValue, scopeID string) ([]*RecipeEdge, error) {
	var edges []*RecipeEdge
	err := listRows(ctx, kv, func(edge *RecipeEdge) {
		if edge.ScopeID == scopeID {
			edges = append(edges, edge)
		}
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// --- Generation jobs ---

// CreateJob stores a new generation job.
func (s *Store) CreateJob(ctx context.Context, job *GenerationJob) (string, error) {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	if err := putRow(ctx, s.jobs, job.ID, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return job.ID, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*GenerationJob, error) {
	var job GenerationJob
	if err := getRow(ctx, s.jobs, id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob persists job mutations.
func (s *Store) UpdateJob(ctx context.Context, job *GenerationJob) error {
	job.UpdatedAt = time.Now()
	if job.Status.IsTerminal() && job.CompletedAt == nil {
		now := time.Now()
		job.CompletedAt = &now
	}
	if err := putRow(ctx, s.jobs, job.ID, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// UpdateJobStatus transitions a job's status, enforcing the lifecycle.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, target JobStatus) (*GenerationJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanTransitionTo(target) {
		return nil, fmt.Errorf("%w: job %s cannot move %s -> %s", ErrInvalidTransition, id, job.Status, target)
	}
	job.Status = target
	if err := s.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListChildJobs returns all jobs whose parent is the given job id.
func (s *Store) ListChildJobs(ctx context.Context, parentJobID string) ([]*GenerationJob, error) {
	var children []*GenerationJob
	err := listRows(ctx, s.jobs, func(job *GenerationJob) {
		if job.ParentJobID != nil && *job.ParentJobID == parentJobID {
			children = append(children, job)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	return children, nil
}

// --- Contributions ---

// CreateContribution stores a contribution chunk.
func (s *Store) CreateContribution(ctx context.Context, c *Contribution) (string, error) {
	if c.ID == "" {
		c.ID = NewID()
	}
	c.CreatedAt = time.Now()
	if err := putRow(ctx, s.contributions, c.ID, c); err != nil {
		return "", fmt.Errorf("create contribution: %w", err)
	}
	return c.ID, nil
}

// GetContribution retrieves a contribution by id.
func (s *Store) GetContribution(ctx context.Context, id string) (*Contribution, error) {
	var c Contribution
	if err := getRow(ctx, s.contributions, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContributionsBySession returns all contribution chunks for a session,
// oldest first.
func (s *Store) ListContributionsBySession(ctx context.Context, sessionID string) ([]*Contribution, error) {
	var out []*Contribution
	err := listRows(ctx, s.contributions, func(c *Contribution) {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListLatestContributions returns the latest-edit contributions for one
// stage and iteration of a session.
func (s *Store) ListLatestContributions(ctx context.Context, sessionID, stageSlug string, iteration int) ([]*Contribution, error) {
	all, err := s.ListContributionsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []*Contribution
	for _, c := range all {
		if c.StageSlug == stageSlug && c.IterationNumber == iteration && c.IsLatestEdit {
			out = append(out, c)
		}
	}
	return out, nil
}

// RepairLatestEdit enforces the single-latest invariant for one lineage:
// every id in lineageIDs is cleared, then the root alone is set. Sibling
// branches outside lineageIDs are never touched. The clear and the set are
// ordered so a reader never observes two latest rows in the lineage.
func (s *Store) RepairLatestEdit(ctx context.Context, lineageIDs []string, rootID string) error {
	for _, id := range lineageIDs {
		c, err := s.GetContribution(ctx, id)
		if err != nil {
			return fmt.Errorf("repair latest edit: load %s: %w", id, err)
		}
		if !c.IsLatestEdit {
			continue
		}
		c.IsLatestEdit = false
		if err := putRow(ctx, s.contributions, c.ID, c); err != nil {
			return fmt.Errorf("repair latest edit: clear %s: %w", id, err)
		}
	}

	root, err := s.GetContribution(ctx, rootID)
	if err != nil {
		return fmt.Errorf("repair latest edit: load root %s: %w", rootID, err)
	}
	root.IsLatestEdit = true
	if err := putRow(ctx, s.contributions, root.ID, root); err != nil {
		return fmt.Errorf("repair latest edit: set root %s: %w", rootID, err)
	}
	return nil
}

// --- Feedback ---

// CreateFeedback stores feedback rows as one batch. On any insert failure
// the already-written rows remain; feedback is append-only and re-submission
// creates new rows rather than mutating old ones.
func (s *Store) CreateFeedback(ctx context.Context, rows []*Feedback) ([]*Feedback, error) {
	created := make([]*Feedback, 0, len(rows))
	for _, f := range rows {
		if f.ID == "" {
			f.ID = NewID()
		}
		f.CreatedAt = time.Now()
		if err := putRow(ctx, s.feedback, f.ID, f); err != nil {
			return created, fmt.Errorf("create feedback: %w", err)
		}
		created = append(created, f)
	}
	return created, nil
}

// ListFeedbackBySession returns all feedback rows for a session, oldest first.
func (s *Store) ListFeedbackBySession(ctx context.Context, sessionID string) ([]*Feedback, error) {
	var out []*Feedback
	err := listRows(ctx, s.feedback, func(f *Feedback) {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound)
}
