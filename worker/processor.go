package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/dialectic/llm"
	"github.com/c360studio/dialectic/recipe"
	"github.com/c360studio/dialectic/storage"
)

// continuationInstruction asks the model to resume a length-capped response.
const continuationInstruction = "Continue the document exactly where the previous response stopped. Do not repeat content that was already written."

// Store is the row storage the processor depends on.
type Store interface {
	GetJob(ctx context.Context, id string) (*storage.GenerationJob, error)
	UpdateJob(ctx context.Context, job *storage.GenerationJob) error
	UpdateJobStatus(ctx context.Context, id string, target storage.JobStatus) (*storage.GenerationJob, error)
	CreateJob(ctx context.Context, job *storage.GenerationJob) (string, error)
	ListChildJobs(ctx context.Context, parentJobID string) ([]*storage.GenerationJob, error)
	GetStageBySlug(ctx context.Context, slug string) (*storage.Stage, error)
	CreateContribution(ctx context.Context, c *storage.Contribution) (string, error)
	GetContribution(ctx context.Context, id string) (*storage.Contribution, error)

	recipe.GraphStore
}

// Gateway is the object store surface the processor depends on.
type Gateway interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte, opts storage.UploadOptions) (string, error)
}

// Completer performs one model call.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// DocumentAssembler reassembles a continuation chain into a final document.
type DocumentAssembler interface {
	AssembleAndSave(ctx context.Context, contributionID string) error
}

// Enqueuer publishes a wake-up for a queued job.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobID string) error
}

// Processor dispatches generation jobs by type. PLAN jobs run the recipe
// scheduler and fan out children, EXECUTE jobs call the model and save a
// contribution chunk, RENDER jobs assemble a chain into its final document.
type Processor struct {
	store     Store
	gateway   Gateway
	llm       Completer
	assembler DocumentAssembler
	enqueuer  Enqueuer
	logger    *slog.Logger
	metrics   *Metrics

	// defaultRetries applies to jobs created without a retry budget.
	defaultRetries int
}

// NewProcessor creates a job processor.
func NewProcessor(store Store, gateway Gateway, completer Completer, asm DocumentAssembler, enqueuer Enqueuer, logger *slog.Logger, metrics *Metrics, defaultRetries int) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if defaultRetries <= 0 {
		defaultRetries = 3
	}
	return &Processor{
		store:          store,
		gateway:        gateway,
		llm:            completer,
		assembler:      asm,
		enqueuer:       enqueuer,
		logger:         logger,
		metrics:        metrics,
		defaultRetries: defaultRetries,
	}
}

// Process handles one wake-up for the given job id. Wake-ups are at-least-once
// so a terminal job is acknowledged without work, and a transient handler
// failure requeues the job rather than failing it while budget remains.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.IsTerminal() {
		p.logger.Debug("Ignoring wake-up for terminal job",
			"job_id", job.ID, "status", job.Status)
		return nil
	}

	if job.Status == storage.JobStatusPending || job.Status == storage.JobStatusPendingNextStep {
		job, err = p.store.UpdateJobStatus(ctx, job.ID, storage.JobStatusProcessing)
		if err != nil {
			return fmt.Errorf("claim job %s: %w", jobID, err)
		}
	}

	start := time.Now()
	var handleErr error
	switch job.JobType {
	case storage.JobTypePlan:
		handleErr = p.handlePlan(ctx, job)
	case storage.JobTypeExecute:
		handleErr = p.handleExecute(ctx, job)
	case storage.JobTypeRender:
		handleErr = p.handleRender(ctx, job)
	default:
		handleErr = fmt.Errorf("unknown job type %q", job.JobType)
	}
	p.metrics.JobDuration.WithLabelValues(string(job.JobType)).Observe(time.Since(start).Seconds())

	if handleErr != nil {
		return p.failOrRetry(ctx, job, handleErr)
	}
	p.metrics.JobsProcessed.WithLabelValues(string(job.JobType), "success").Inc()
	return nil
}

// failOrRetry requeues the job when the failure is transient and budget
// remains, otherwise marks it failed and surfaces the cause.
func (p *Processor) failOrRetry(ctx context.Context, job *storage.GenerationJob, cause error) error {
	budget := job.MaxRetries
	if budget <= 0 {
		budget = p.defaultRetries
	}
	job.AttemptCount++
	job.ErrorMessage = cause.Error()

	if !llm.IsFatal(cause) && job.AttemptCount < budget {
		job.Status = storage.JobStatusPending
		if err := p.store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		if err := p.enqueuer.EnqueueJob(ctx, job.ID); err != nil {
			return fmt.Errorf("enqueue retry for job %s: %w", job.ID, err)
		}
		p.metrics.JobRetries.Inc()
		p.logger.Warn("Job requeued after transient failure",
			"job_id", job.ID,
			"job_type", job.JobType,
			"attempt", job.AttemptCount,
			"error", cause)
		return nil
	}

	job.Status = storage.JobStatusFailed
	if err := p.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}
	p.metrics.JobsProcessed.WithLabelValues(string(job.JobType), "failed").Inc()
	p.logger.Error("Job failed",
		"job_id", job.ID,
		"job_type", job.JobType,
		"attempt", job.AttemptCount,
		"error", cause)
	return cause
}

// handlePlan runs the recipe scheduler for a parent job: it rebuilds step
// state from the persisted children, creates jobs for newly ready steps, and
// parks the parent until the next child wake-up or completion.
func (p *Processor) handlePlan(ctx context.Context, job *storage.GenerationJob) error {
	stage, err := p.store.GetStageBySlug(ctx, job.Payload.StageSlug)
	if err != nil {
		return fmt.Errorf("resolve stage %q: %w", job.Payload.StageSlug, err)
	}
	if stage.ActiveInstanceID == "" {
		return fmt.Errorf("stage %q has no active recipe instance", stage.Slug)
	}

	graph, err := recipe.LoadForInstance(ctx, p.store, stage.ActiveInstanceID)
	if err != nil {
		return fmt.Errorf("load recipe for stage %q: %w", stage.Slug, err)
	}
	children, err := p.store.ListChildJobs(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list children of job %s: %w", job.ID, err)
	}

	res, err := recipe.ProcessComplexJob(job, children, graph)
	if err != nil {
		return err
	}

	if res.ParentComplete {
		p.logger.Info("Stage recipe complete",
			"job_id", job.ID,
			"session_id", job.SessionID,
			"stage", stage.Slug)
		return p.completeJob(ctx, job)
	}

	parentID := job.ID
	for _, step := range res.StepsToPlan {
		payload := recipe.ChildPayload(job, step)
		if step.JobType == storage.JobTypeRender {
			docID := recipe.DocumentIdentityFor(graph, step, children)
			if docID == "" {
				return fmt.Errorf("render step %q has no completed predecessor document", step.StepSlug)
			}
			payload.DocumentIdentity = docID
		}
		child := &storage.GenerationJob{
			SessionID:   job.SessionID,
			JobType:     step.JobType,
			Status:      storage.JobStatusPending,
			Payload:     payload,
			ParentJobID: &parentID,
			MaxRetries:  job.MaxRetries,
		}
		childID, err := p.store.CreateJob(ctx, child)
		if err != nil {
			return fmt.Errorf("create child job for step %q: %w", step.StepSlug, err)
		}
		if err := p.enqueuer.EnqueueJob(ctx, childID); err != nil {
			return fmt.Errorf("enqueue child job %s: %w", childID, err)
		}
		p.logger.Info("Planned recipe step",
			"job_id", job.ID,
			"child_job_id", childID,
			"step", step.StepSlug,
			"job_type", step.JobType)
	}

	job.Status = storage.JobStatusPendingNextStep
	if err := p.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("park job %s: %w", job.ID, err)
	}
	return nil
}

// handleExecute performs the model call for one step and saves the resulting
// contribution chunk. A length-capped response chains a continuation job
// instead of completing the step.
func (p *Processor) handleExecute(ctx context.Context, job *storage.GenerationJob) error {
	payload := job.Payload
	stage, err := p.store.GetStageBySlug(ctx, payload.StageSlug)
	if err != nil {
		return fmt.Errorf("resolve stage %q: %w", payload.StageSlug, err)
	}
	paths := storage.PathBuilder{
		ProjectID:       payload.ProjectID,
		SessionID:       payload.SessionID,
		IterationNumber: payload.IterationNumber,
	}

	promptPath := payload.PromptPath
	if promptPath == "" {
		promptPath = paths.SeedPromptPath(stage.StageOrder, stage.Slug)
	}
	seed, err := p.gateway.Download(ctx, promptPath)
	if err != nil {
		return fmt.Errorf("download seed prompt %s: %w", promptPath, err)
	}

	messages := []llm.Message{{Role: "user", Content: string(seed)}}

	var target *storage.Contribution
	if payload.TargetContributionID != "" {
		target, err = p.store.GetContribution(ctx, payload.TargetContributionID)
		if err != nil {
			return fmt.Errorf("load continuation target %s: %w", payload.TargetContributionID, err)
		}
		prior, err := p.gateway.Download(ctx, target.ContentPath())
		if err != nil {
			return fmt.Errorf("download continuation target content: %w", err)
		}
		messages = append(messages,
			llm.Message{Role: "assistant", Content: string(prior)},
			llm.Message{Role: "user", Content: continuationInstruction},
		)
	}

	req := llm.Request{ModelID: modelIDFor(payload), Messages: messages}
	applyOverrides(&req, payload.ConfigOverride)

	resp, err := p.llm.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("model call for step %q: %w", payload.StepSlug, err)
	}

	chained := needsContinuation(resp.FinishReason)
	contrib := buildContribution(payload, stage, paths, target, resp, chained)
	if _, err := p.gateway.Upload(ctx, contrib.ContentPath(), []byte(resp.Content), storage.UploadOptions{Upsert: true}); err != nil {
		return fmt.Errorf("upload contribution content: %w", err)
	}
	if _, err := p.store.CreateContribution(ctx, contrib); err != nil {
		return fmt.Errorf("save contribution: %w", err)
	}

	// The scheduler copies this into the RENDER step planned after the
	// chain closes, so the assembler knows which lineage to merge.
	job.Payload.DocumentIdentity = contrib.ID

	p.logger.Info("Contribution saved",
		"job_id", job.ID,
		"contribution_id", contrib.ID,
		"stage", stage.Slug,
		"model", resp.Model,
		"is_root", contrib.IsRoot(),
		"tokens_used", contrib.TokensUsed)

	if chained {
		if err := p.chainContinuation(ctx, job, contrib, promptPath); err != nil {
			return err
		}
	}
	return p.completeJob(ctx, job)
}

// chainContinuation enqueues a follow-up EXECUTE job targeting the chunk that
// was just written. The new job carries the same planner metadata, so the
// parent's scheduler keeps the step open until the whole chain completes.
func (p *Processor) chainContinuation(ctx context.Context, job *storage.GenerationJob, contrib *storage.Contribution, promptPath string) error {
	nextPayload := job.Payload
	nextPayload.ConfigOverride = job.Payload.CloneConfigOverride()
	nextPayload.PromptPath = promptPath
	nextPayload.TargetContributionID = contrib.ID

	next := &storage.GenerationJob{
		SessionID:   job.SessionID,
		JobType:     storage.JobTypeExecute,
		Status:      storage.JobStatusPending,
		Payload:     nextPayload,
		ParentJobID: job.ParentJobID,
		MaxRetries:  job.MaxRetries,
	}
	nextID, err := p.store.CreateJob(ctx, next)
	if err != nil {
		return fmt.Errorf("create continuation job: %w", err)
	}
	if err := p.enqueuer.EnqueueJob(ctx, nextID); err != nil {
		return fmt.Errorf("enqueue continuation job %s: %w", nextID, err)
	}
	p.logger.Info("Response was length-capped, chained continuation",
		"job_id", job.ID,
		"continuation_job_id", nextID,
		"target_contribution_id", contrib.ID)
	return nil
}

// handleRender reassembles a continuation chain into its final document.
func (p *Processor) handleRender(ctx context.Context, job *storage.GenerationJob) error {
	docID := job.Payload.DocumentIdentity
	if docID == "" {
		docID = job.Payload.TargetContributionID
	}
	if docID == "" {
		return fmt.Errorf("render job %s carries no document identity", job.ID)
	}
	if err := p.assembler.AssembleAndSave(ctx, docID); err != nil {
		return fmt.Errorf("assemble document %s: %w", docID, err)
	}
	return p.completeJob(ctx, job)
}

// completeJob marks the job done and wakes its parent so the scheduler can
// re-evaluate step readiness.
func (p *Processor) completeJob(ctx context.Context, job *storage.GenerationJob) error {
	now := time.Now().UTC()
	job.Status = storage.JobStatusCompleted
	job.CompletedAt = &now
	job.ErrorMessage = ""
	if err := p.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if job.ParentJobID != nil && *job.ParentJobID != "" {
		if err := p.enqueuer.EnqueueJob(ctx, *job.ParentJobID); err != nil {
			return fmt.Errorf("wake parent job %s: %w", *job.ParentJobID, err)
		}
	}
	return nil
}

// buildContribution assembles the row for one generated chunk. Roots own the
// document path at the stage directory and start latest; continuation chunks
// stage their body under _work and inherit the root's identity from the
// target. A chained root also stages its raw chunk under _work so the
// assembler reads immutable sources when it merges the lineage.
func buildContribution(payload storage.JobPayload, stage *storage.Stage, paths storage.PathBuilder, target *storage.Contribution, resp *llm.Response, chained bool) *storage.Contribution {
	id := storage.NewID()
	c := &storage.Contribution{
		ID:              id,
		SessionID:       payload.SessionID,
		StageSlug:       stage.Slug,
		IterationNumber: payload.IterationNumber,
		ModelID:         modelIDFor(payload),
		ModelName:       resp.Model,
		StorageBucket:   storage.BucketContent,
		EditVersion:     1,
		TokensUsed:      resp.Usage.TotalTokens,
	}

	if target != nil {
		targetID := target.ID
		c.TargetContributionID = &targetID
		c.StoragePath = target.StoragePath
		c.FileName = target.FileName
		c.ContentStoragePath = paths.WorkDir(stage.StageOrder, stage.Slug) + "/" + id + ".md"
		c.DocumentRelationships = target.DocumentRelationships
		return c
	}

	c.StoragePath = paths.StageDir(stage.StageOrder, stage.Slug)
	c.FileName = rootFileName(payload, stage)
	c.IsLatestEdit = true
	c.DocumentRelationships = map[string]string{stage.Slug: id}
	if chained {
		c.ContentStoragePath = paths.WorkDir(stage.StageOrder, stage.Slug) + "/" + id + ".md"
	}
	return c
}

// rootFileName names a lineage root's document. Branch keys keep parallel
// steps of one stage from colliding on the same path.
func rootFileName(payload storage.JobPayload, stage *storage.Stage) string {
	base := payload.OutputType
	if base == "" {
		base = payload.StepSlug
	}
	if base == "" {
		base = stage.Slug
	}
	if meta := payload.PlannerMetadata; meta != nil && meta.BranchKey != "" {
		base = base + "_" + meta.BranchKey
	}
	return base + ".md"
}

// modelIDFor resolves the catalog model id for a job. An empty id lets the
// catalog fall back to its default chain.
func modelIDFor(payload storage.JobPayload) string {
	if payload.ModelID != "" {
		return payload.ModelID
	}
	if v, ok := payload.ConfigOverride["model_id"].(string); ok {
		return v
	}
	return ""
}

// applyOverrides maps recipe config overrides onto the completion request.
// Numeric override values arrive as float64 after the JSON round trip.
func applyOverrides(req *llm.Request, override map[string]any) {
	if override == nil {
		return
	}
	if v, ok := override["temperature"].(float64); ok {
		req.Temperature = &v
	}
	if v, ok := override["max_tokens"].(float64); ok {
		req.MaxTokens = int(v)
	}
}

// needsContinuation reports whether the model stopped mid-document on its
// token limit.
func needsContinuation(finishReason string) bool {
	return finishReason == "length" || finishReason == "max_tokens"
}
