// Package storage provides row storage for the dialectic engine using
// NATS JetStream KV, plus the content gateway backed by an Object Store
// bucket. Rows are stored as JSON documents keyed by id; queries that a
// relational store would index are done list-then-filter, which keeps the
// whole session's rows in one round of reads the way the assembler and
// scheduler consume them anyway.
package storage

import (
	"encoding/json"
	"time"
)

// JobType categorizes a generation job.
type JobType string

const (
	// JobTypePlan computes which recipe steps run next.
	JobTypePlan JobType = "PLAN"
	// JobTypeExecute performs a model call and saves contributions.
	JobTypeExecute JobType = "EXECUTE"
	// JobTypeRender assembles a continuation chain into a final document.
	JobTypeRender JobType = "RENDER"
)

// IsValid returns true if the job type is known.
func (t JobType) IsValid() bool {
	switch t {
	case JobTypePlan, JobTypeExecute, JobTypeRender:
		return true
	default:
		return false
	}
}

// JobStatus represents the lifecycle state of a generation job.
type JobStatus string

const (
	// JobStatusPending indicates the job is queued and not yet picked up.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a worker owns the job.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusPendingNextStep indicates a PLAN job parked awaiting child completion.
	JobStatusPendingNextStep JobStatus = "pending_next_step"
	// JobStatusCompleted indicates terminal success.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates terminal failure.
	JobStatusFailed JobStatus = "failed"
)

// IsValid returns true if the status is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusPendingNextStep,
		JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that end the job lifecycle.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo returns true if the status may move to the target status.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		return target == JobStatusProcessing
	case JobStatusProcessing:
		return target == JobStatusPendingNextStep ||
			target == JobStatusCompleted ||
			target == JobStatusFailed ||
			target == JobStatusPending // requeued for retry
	case JobStatusPendingNextStep:
		// Woken by a completed child and re-evaluated.
		return target == JobStatusProcessing
	case JobStatusCompleted, JobStatusFailed:
		return false
	default:
		return false
	}
}

// PromptType identifies how a recipe step's prompt is sourced.
type PromptType string

const (
	// PromptTypePlanner steps derive their prompt from planner templates.
	PromptTypePlanner PromptType = "Planner"
	// PromptTypeTurn steps continue an existing conversation turn.
	PromptTypeTurn PromptType = "Turn"
)

// SessionStatusIterationComplete is the terminal session status for an
// iteration whose final stage has been submitted.
const SessionStatusIterationComplete = "iteration_complete_pending_review"

// SessionStatusPending returns the session status for a stage awaiting
// generation, e.g. "pending_antithesis".
func SessionStatusPending(stageSlug string) string {
	return "pending_" + stageSlug
}

// Project owns one or more sessions. Immutable after creation except status.
type Project struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ProjectName       string    `json:"project_name"`
	InitialUserPrompt string    `json:"initial_user_prompt"`
	SelectedDomain    string    `json:"selected_domain,omitempty"`
	ProcessTemplateID string    `json:"process_template_id,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Session is one full thesis-to-paralysis run within a project.
type Session struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"project_id"`
	SessionDescription string    `json:"session_description,omitempty"`
	Status             string    `json:"status"`
	IterationCount     int       `json:"iteration_count"`
	MaxIterations      int       `json:"max_iterations"`
	CurrentStageID     string    `json:"current_stage_id"`
	SelectedModelIDs   []string  `json:"selected_model_ids,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Stage is a named phase of the dialectic process.
type Stage struct {
	ID                    string    `json:"id"`
	Slug                  string    `json:"slug"`
	DisplayName           string    `json:"display_name"`
	StageOrder            int       `json:"stage_order"`
	DefaultSystemPromptID string    `json:"default_system_prompt_id,omitempty"`
	ActiveInstanceID      string    `json:"active_instance_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// RecipeInstance binds a stage to a recipe graph. A cloned instance owns
// session-scoped copies of the template's steps and edges, so one session
// can fork its recipe without mutating the shared template.
type RecipeInstance struct {
	ID         string    `json:"id"`
	StageID    string    `json:"stage_id"`
	TemplateID string    `json:"template_id"`
	IsCloned   bool      `json:"is_cloned"`
	SessionID  string    `json:"session_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecipeStep is a node in a stage's recipe DAG. ScopeID is the owning
// template id for template steps, or the owning instance id for cloned steps.
type RecipeStep struct {
	ID             string         `json:"id"`
	ScopeID        string         `json:"scope_id"`
	StepSlug       string         `json:"step_slug"`
	JobType        JobType        `json:"job_type"`
	PromptType     PromptType     `json:"prompt_type,omitempty"`
	ExecutionOrder int            `json:"execution_order"`
	ParallelGroup  *int           `json:"parallel_group,omitempty"`
	BranchKey      string         `json:"branch_key,omitempty"`
	IsSkipped      bool           `json:"is_skipped"`
	OutputType     string         `json:"output_type,omitempty"`
	ConfigOverride map[string]any `json:"config_override,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RecipeEdge is a directed dependency between two steps of one scope.
type RecipeEdge struct {
	ID         string `json:"id"`
	ScopeID    string `json:"scope_id"`
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id"`
}

// PlannerMetadata is append-only planning context attached to a job payload
// once the scheduler has planned the job.
type PlannerMetadata struct {
	RecipeStepID string `json:"recipe_step_id,omitempty"`
	StepSlug     string `json:"step_slug,omitempty"`
	BranchKey    string `json:"branch_key,omitempty"`
}

// JobPayload is the structured payload of a generation job.
type JobPayload struct {
	ProjectID       string           `json:"project_id"`
	SessionID       string           `json:"session_id"`
	StageSlug       string           `json:"stage_slug"`
	IterationNumber int              `json:"iteration_number"`
	StepSlug        string           `json:"step_slug,omitempty"`
	OutputType      string           `json:"output_type,omitempty"`
	ModelID         string           `json:"model_id,omitempty"`
	PromptPath      string           `json:"prompt_path,omitempty"`
	ConfigOverride  map[string]any   `json:"config_override,omitempty"`
	PlannerMetadata *PlannerMetadata `json:"planner_metadata,omitempty"`

	// TargetContributionID is set on EXECUTE continuation jobs and points at
	// the chunk being continued.
	TargetContributionID string `json:"target_contribution_id,omitempty"`

	// DocumentIdentity carries the contribution id whose chain a RENDER job
	// must assemble.
	DocumentIdentity string `json:"document_identity,omitempty"`
}

// GenerationJob is one unit of work processed by the worker pool.
type GenerationJob struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	JobType      JobType    `json:"job_type"`
	Status       JobStatus  `json:"status"`
	Payload      JobPayload `json:"payload"`
	ParentJobID  *string    `json:"parent_job_id,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Contribution is one chunk of generated content. A continuation chunk
// points at the chunk it continues via TargetContributionID; a lineage root
// has a nil pointer and its id appears in DocumentRelationships under the
// stage slug.
type Contribution struct {
	ID                    string            `json:"id"`
	SessionID             string            `json:"session_id"`
	StageSlug             string            `json:"stage"`
	IterationNumber       int               `json:"iteration_number"`
	ModelID               string            `json:"model_id,omitempty"`
	ModelName             string            `json:"model_name,omitempty"`
	StorageBucket         string            `json:"storage_bucket"`
	StoragePath           string            `json:"storage_path"`
	FileName              string            `json:"file_name"`
	ContentStoragePath    string            `json:"content_storage_path,omitempty"`
	EditVersion           int               `json:"edit_version"`
	IsLatestEdit          bool              `json:"is_latest_edit"`
	TargetContributionID  *string           `json:"target_contribution_id,omitempty"`
	DocumentRelationships map[string]string `json:"document_relationships,omitempty"`
	TokensUsed            int               `json:"tokens_used,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
}

// ContentPath returns the object-store path for this chunk's body.
// ContentPath locates this chunk's raw body. Continuation chunks and
// chained roots stage their body at ContentStoragePath; an unchained root's
// body is its document.
func (c *Contribution) ContentPath() string {
	if c.ContentStoragePath != "" {
		return c.ContentStoragePath
	}
	return c.StoragePath + "/" + c.FileName
}

// DocumentPath locates the lineage's final document. For a chained root the
// assembled document lands here while the root's raw chunk stays immutable
// at ContentPath, so both survive reassembly.
func (c *Contribution) DocumentPath() string {
	return c.StoragePath + "/" + c.FileName
}

// IsRoot reports whether this chunk starts a continuation chain.
func (c *Contribution) IsRoot() bool {
	return c.TargetContributionID == nil || *c.TargetContributionID == ""
}

// Feedback is one user response to one contribution. Append-only.
type Feedback struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	ContributionID    string    `json:"contribution_id"`
	UserID            string    `json:"user_id"`
	FeedbackType      string    `json:"feedback_type"`
	FeedbackValueText string    `json:"feedback_value_text"`
	CreatedAt         time.Time `json:"created_at"`
}

// FeedbackTypeTextResponse is the feedback type written by stage submission.
const FeedbackTypeTextResponse = "text_response"

// StageTransition maps a source stage to its successor within one process
// template. The final stage has no transition row.
type StageTransition struct {
	ID                string `json:"id"`
	ProcessTemplateID string `json:"process_template_id"`
	SourceStageID     string `json:"source_stage_id"`
	TargetStageID     string `json:"target_stage_id"`
}

// SystemPrompt is a stored prompt template.
type SystemPrompt struct {
	ID         string    `json:"id"`
	Slug       string    `json:"slug"`
	PromptText string    `json:"prompt_text"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the payload's config override so callers can
// merge without mutating the stored row.
func (p *JobPayload) CloneConfigOverride() map[string]any {
	if p.ConfigOverride == nil {
		return nil
	}
	data, err := json.Marshal(p.ConfigOverride)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
