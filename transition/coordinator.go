// Package transition coordinates the user-facing hand-off between dialectic
// stages: persisting feedback on a stage's contributions, consolidating it
// into one document, and seeding the next stage's prompt.
package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/c360studio/dialectic/storage"
)

// ResponseEntry is one user response to one contribution.
type ResponseEntry struct {
	OriginalContributionID string `json:"originalContributionId"`
	ResponseText           string `json:"responseText"`
}

// SubmitPayload is the request body for a stage submission.
type SubmitPayload struct {
	SessionID              string          `json:"sessionId"`
	CurrentStageSlug       string          `json:"currentStageSlug"`
	CurrentIterationNumber int             `json:"currentIterationNumber"`
	Responses              []ResponseEntry `json:"responses"`
}

// SubmitData is the success payload of a stage submission.
type SubmitData struct {
	UpdatedSession          *storage.Session    `json:"updatedSession"`
	FeedbackRecords         []*storage.Feedback `json:"feedbackRecords"`
	NextStageSeedPromptPath *string             `json:"nextStageSeedPromptPath"`
}

// ServiceError carries a user-facing message for a failed submission.
type ServiceError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *ServiceError) Error() string { return e.Message }

// Result is the handler-shaped outcome: data or error, plus an HTTP status.
type Result struct {
	Data   *SubmitData
	Err    *ServiceError
	Status int
}

func failure(status int, message string) *Result {
	return &Result{Err: &ServiceError{Message: message}, Status: status}
}

// Store is the slice of the row store the coordinator reads and writes.
type Store interface {
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	UpdateSession(ctx context.Context, sess *storage.Session) error
	GetProject(ctx context.Context, id string) (*storage.Project, error)
	GetStage(ctx context.Context, id string) (*storage.Stage, error)
	GetContribution(ctx context.Context, id string) (*storage.Contribution, error)
	ListLatestContributions(ctx context.Context, sessionID, stageSlug string, iteration int) ([]*storage.Contribution, error)
	CreateFeedback(ctx context.Context, rows []*storage.Feedback) ([]*storage.Feedback, error)
	GetTransitionBySourceStage(ctx context.Context, processTemplateID, sourceStageID string) (*storage.StageTransition, error)
	GetSystemPrompt(ctx context.Context, id string) (*storage.SystemPrompt, error)
}

// Gateway is the byte-level storage surface for feedback and seed documents.
type Gateway interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte, opts storage.UploadOptions) (string, error)
}

// Coordinator implements stage submission and transition.
type Coordinator struct {
	store   Store
	gateway Gateway
	logger  *slog.Logger
}

// New creates a Coordinator.
func New(store Store, gateway Gateway, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, gateway: gateway, logger: logger}
}

// SubmitStageResponses validates and persists a user's responses to the
// current stage, stores the consolidated feedback document, advances the
// session to the next stage (or the iteration-complete terminal status when
// no transition exists), and renders the next stage's seed prompt.
//
// A failed seed-prompt upload does not fail the call: the feedback is
// already durable and the session has to advance either way, so the result
// is a 200 with a nil NextStageSeedPromptPath and the seed can be
// regenerated later.
func (c *Coordinator) SubmitStageResponses(ctx context.Context, payload SubmitPayload, userID string) *Result {
	if userID == "" {
		return failure(http.StatusUnauthorized, "User not authenticated.")
	}
	if payload.SessionID == "" {
		return failure(http.StatusBadRequest, "Invalid payload. Missing sessionId.")
	}
	if payload.CurrentStageSlug == "" {
		return failure(http.StatusBadRequest, "Invalid payload. Missing currentStageSlug.")
	}
	if payload.CurrentIterationNumber <= 0 {
		return failure(http.StatusBadRequest, "Invalid payload. Missing currentIterationNumber.")
	}
	if len(payload.Responses) == 0 {
		return failure(http.StatusBadRequest, "Invalid payload. responses array must be provided and cannot be empty.")
	}
	for _, r := range payload.Responses {
		if r.OriginalContributionID == "" || r.ResponseText == "" {
			return failure(http.StatusBadRequest, "Invalid item in responses array. Missing originalContributionId or responseText.")
		}
	}

	session, err := c.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		c.logger.Error("fetching session failed", "session_id", payload.SessionID, "error", err)
		return failure(http.StatusNotFound, "Session not found or error fetching it.")
	}
	project, err := c.store.GetProject(ctx, session.ProjectID)
	if err != nil {
		c.logger.Error("fetching project failed", "project_id", session.ProjectID, "error", err)
		return failure(http.StatusNotFound, "Session not found or error fetching it.")
	}
	stage, err := c.store.GetStage(ctx, session.CurrentStageID)
	if err != nil {
		c.logger.Error("fetching current stage failed", "stage_id", session.CurrentStageID, "error", err)
		return failure(http.StatusNotFound, "Session not found or error fetching it.")
	}

	if project.UserID != userID {
		return failure(http.StatusForbidden, "User does not own the project associated with this session.")
	}
	if stage.Slug != payload.CurrentStageSlug {
		return failure(http.StatusBadRequest,
			fmt.Sprintf("Mismatched stage slug. The session is currently at stage '%s', but the payload specified '%s'.",
				stage.Slug, payload.CurrentStageSlug))
	}

	// Resolve every contribution up front so an invalid id fails before
	// any feedback row is written.
	doc := newFeedbackDoc(stage.DisplayName, payload.CurrentIterationNumber)
	for _, r := range payload.Responses {
		contribution, err := c.store.GetContribution(ctx, r.OriginalContributionID)
		if err != nil || contribution.SessionID != session.ID {
			return failure(http.StatusBadRequest,
				fmt.Sprintf("Invalid originalContributionId: %s. It was not found or does not belong to the session.",
					r.OriginalContributionID))
		}
		attribution := contribution.ModelName
		if attribution == "" {
			attribution = "Contribution ID: " + contribution.ID
		}
		doc.addResponse(attribution, r.ResponseText)
	}

	rows := make([]*storage.Feedback, len(payload.Responses))
	for i, r := range payload.Responses {
		rows[i] = &storage.Feedback{
			SessionID:         session.ID,
			ContributionID:    r.OriginalContributionID,
			UserID:            userID,
			FeedbackType:      storage.FeedbackTypeTextResponse,
			FeedbackValueText: r.ResponseText,
		}
	}
	feedbackRecords, err := c.store.CreateFeedback(ctx, rows)
	if err != nil {
		c.logger.Error("inserting feedback failed", "session_id", session.ID, "error", err)
		return failure(http.StatusInternalServerError, "Failed to store user responses.")
	}

	paths := storage.PathBuilder{
		ProjectID:       project.ID,
		SessionID:       session.ID,
		IterationNumber: payload.CurrentIterationNumber,
	}
	consolidated := doc.String()
	feedbackPath := paths.UserFeedbackPath(stage.StageOrder, stage.Slug)
	if _, err := c.gateway.Upload(ctx, feedbackPath, []byte(consolidated), storage.UploadOptions{Upsert: true}); err != nil {
		c.logger.Error("uploading consolidated feedback failed", "path", feedbackPath, "error", err)
		return failure(http.StatusInternalServerError, "Failed to store consolidated user feedback.")
	}

	tr, err := c.store.GetTransitionBySourceStage(ctx, project.ProcessTemplateID, stage.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.finalizeIteration(ctx, session, feedbackRecords)
		}
		c.logger.Error("fetching stage transition failed", "stage_id", stage.ID, "error", err)
		return failure(http.StatusInternalServerError, "Could not determine next stage.")
	}

	nextStage, err := c.store.GetStage(ctx, tr.TargetStageID)
	if err != nil {
		c.logger.Error("fetching next stage failed", "stage_id", tr.TargetStageID, "error", err)
		return failure(http.StatusInternalServerError, "Could not determine next stage.")
	}

	prompt, serr := c.buildSeedPrompt(ctx, session, stage, nextStage, paths, consolidated)
	if serr != nil {
		c.logger.Error("seed prompt assembly failed", "next_stage", nextStage.Slug, "reason", serr.message)
		return failure(serr.status, serr.message)
	}

	// The upload is the one step allowed to fail without failing the
	// call: the feedback is durable and the session must advance, so a
	// failed seed write just leaves the path nil for later regeneration.
	var seedPath *string
	path := paths.SeedPromptPath(nextStage.StageOrder, nextStage.Slug)
	if _, err := c.gateway.Upload(ctx, path, []byte(prompt), storage.UploadOptions{Upsert: true}); err != nil {
		c.logger.Warn("seed prompt upload failed, continuing without seed", "path", path, "error", err)
	} else {
		seedPath = &path
	}

	session.CurrentStageID = nextStage.ID
	session.Status = storage.SessionStatusPending(nextStage.Slug)
	if err := c.store.UpdateSession(ctx, session); err != nil {
		c.logger.Error("updating session status failed", "session_id", session.ID, "error", err)
		return failure(http.StatusInternalServerError, "Failed to update session status at completion.")
	}

	return &Result{
		Data: &SubmitData{
			UpdatedSession:          session,
			FeedbackRecords:         feedbackRecords,
			NextStageSeedPromptPath: seedPath,
		},
		Status: http.StatusOK,
	}
}

// finalizeIteration handles the no-transition case: the submitted stage was
// the last one, so the session parks in the terminal review status and no
// seed prompt is rendered.
func (c *Coordinator) finalizeIteration(ctx context.Context, session *storage.Session, feedbackRecords []*storage.Feedback) *Result {
	session.Status = storage.SessionStatusIterationComplete
	if err := c.store.UpdateSession(ctx, session); err != nil {
		c.logger.Error("updating session status failed", "session_id", session.ID, "error", err)
		return failure(http.StatusInternalServerError, "Failed to update session status at completion.")
	}
	return &Result{
		Data: &SubmitData{
			UpdatedSession:          session,
			FeedbackRecords:         feedbackRecords,
			NextStageSeedPromptPath: nil,
		},
		Status: http.StatusOK,
	}
}

// seedError is a fatal seed-assembly failure with its HTTP status.
type seedError struct {
	status  int
	message string
}

// buildSeedPrompt fetches the next stage's template and substitutes the
// current stage's outputs and feedback plus iteration-level settings.
func (c *Coordinator) buildSeedPrompt(ctx context.Context, session *storage.Session, stage, nextStage *storage.Stage, paths storage.PathBuilder, consolidated string) (string, *seedError) {
	if nextStage.DefaultSystemPromptID == "" {
		return "", &seedError{http.StatusInternalServerError,
			fmt.Sprintf("Configuration missing for system prompt of stage: %s.", nextStage.DisplayName)}
	}
	template, err := c.store.GetSystemPrompt(ctx, nextStage.DefaultSystemPromptID)
	if err != nil {
		return "", &seedError{http.StatusInternalServerError, "Failed to retrieve system prompt template for next stage."}
	}

	contributions, err := c.store.ListLatestContributions(ctx, session.ID, stage.Slug, paths.IterationNumber)
	if err != nil {
		return "", &seedError{http.StatusInternalServerError, "Failed to download content for prompt assembly."}
	}

	priorOutputs := NoContentPlaceholder
	if len(contributions) > 0 {
		var assembled string
		for _, contribution := range contributions {
			// Latest-edit rows are lineage roots; the assembled
			// document lives at the document path, not the root's
			// raw chunk.
			body, err := c.gateway.Download(ctx, contribution.DocumentPath())
			if err != nil {
				return "", &seedError{http.StatusInternalServerError, "Failed to download content for prompt assembly."}
			}
			name := contribution.ModelName
			if name == "" {
				name = contribution.ID
			}
			assembled += fmt.Sprintf("### %s\n\n%s\n\n---\n", name, body)
		}
		priorOutputs = assembled
	}

	vars := map[string]string{
		VarPriorStageAIOutputs:      priorOutputs,
		VarPriorStageUserFeedback:   consolidated,
		VarCurrentStageUserFeedback: consolidated,
	}

	// Iteration-level settings (user objective, domain, etc) ride in as
	// extra template variables. A missing settings file just means none.
	settings, err := c.gateway.Download(ctx, paths.SystemSettingsPath())
	if err == nil {
		var extra map[string]any
		if jerr := json.Unmarshal(settings, &extra); jerr != nil {
			return "", &seedError{http.StatusInternalServerError, "Failed to retrieve system settings for next stage."}
		}
		for k, v := range extra {
			vars[k] = fmt.Sprint(v)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", &seedError{http.StatusInternalServerError, "Failed to retrieve system settings for next stage."}
	}

	return RenderPrompt(template.PromptText, vars), nil
}
