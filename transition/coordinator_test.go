package transition

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/c360studio/dialectic/storage"
)

type fakeStore struct {
	sessions      map[string]*storage.Session
	projects      map[string]*storage.Project
	stages        map[string]*storage.Stage
	contributions map[string]*storage.Contribution
	transitions   []*storage.StageTransition
	prompts       map[string]*storage.SystemPrompt

	feedback          []*storage.Feedback
	feedbackInsertErr error
	sessionUpdateErr  error
	updatedStatus     string
}

func newTestStore() *fakeStore {
	return &fakeStore{
		sessions:      make(map[string]*storage.Session),
		projects:      make(map[string]*storage.Project),
		stages:        make(map[string]*storage.Stage),
		contributions: make(map[string]*storage.Contribution),
		prompts:       make(map[string]*storage.SystemPrompt),
	}
}

func (s *fakeStore) GetSession(_ context.Context, id string) (*storage.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

func (s *fakeStore) UpdateSession(_ context.Context, sess *storage.Session) error {
	if s.sessionUpdateErr != nil {
		return s.sessionUpdateErr
	}
	s.sessions[sess.ID] = sess
	s.updatedStatus = sess.Status
	return nil
}

func (s *fakeStore) GetProject(_ context.Context, id string) (*storage.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) GetStage(_ context.Context, id string) (*storage.Stage, error) {
	st, ok := s.stages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return st, nil
}

func (s *fakeStore) GetContribution(_ context.Context, id string) (*storage.Contribution, error) {
	c, ok := s.contributions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) ListLatestContributions(_ context.Context, sessionID, stageSlug string, iteration int) ([]*storage.Contribution, error) {
	var out []*storage.Contribution
	for _, c := range s.contributions {
		if c.SessionID == sessionID && c.StageSlug == stageSlug && c.IterationNumber == iteration && c.IsLatestEdit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateFeedback(_ context.Context, rows []*storage.Feedback) ([]*storage.Feedback, error) {
	if s.feedbackInsertErr != nil {
		return nil, s.feedbackInsertErr
	}
	s.feedback = append(s.feedback, rows...)
	return rows, nil
}

func (s *fakeStore) GetTransitionBySourceStage(_ context.Context, processTemplateID, sourceStageID string) (*storage.StageTransition, error) {
	for _, tr := range s.transitions {
		if tr.ProcessTemplateID == processTemplateID && tr.SourceStageID == sourceStageID {
			return tr, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeStore) GetSystemPrompt(_ context.Context, id string) (*storage.SystemPrompt, error) {
	sp, ok := s.prompts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return sp, nil
}

type fakeGateway struct {
	objects     map[string][]byte
	failUploads map[string]bool
}

func newTestGateway() *fakeGateway {
	return &fakeGateway{objects: make(map[string][]byte), failUploads: make(map[string]bool)}
}

func (g *fakeGateway) Download(_ context.Context, path string) ([]byte, error) {
	body, ok := g.objects[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return body, nil
}

func (g *fakeGateway) Upload(_ context.Context, path string, data []byte, _ storage.UploadOptions) (string, error) {
	if g.failUploads[path] {
		return "", errors.New("object store unavailable")
	}
	g.objects[path] = data
	return path, nil
}

// fixture wires a session at the thesis stage owned by user-1, with one
// latest contribution and a transition to antithesis.
func fixture() (*fakeStore, *fakeGateway, SubmitPayload) {
	store := newTestStore()
	store.projects["proj-1"] = &storage.Project{
		ID: "proj-1", UserID: "user-1", ProcessTemplateID: "tmpl-1",
	}
	store.sessions["sess-1"] = &storage.Session{
		ID: "sess-1", ProjectID: "proj-1", CurrentStageID: "stage-thesis",
		Status: "pending_thesis_review",
	}
	store.stages["stage-thesis"] = &storage.Stage{
		ID: "stage-thesis", Slug: "thesis", DisplayName: "Thesis", StageOrder: 1,
	}
	store.stages["stage-antithesis"] = &storage.Stage{
		ID: "stage-antithesis", Slug: "antithesis", DisplayName: "Antithesis",
		StageOrder: 2, DefaultSystemPromptID: "prompt-antithesis",
	}
	store.transitions = append(store.transitions, &storage.StageTransition{
		ID: "tr-1", ProcessTemplateID: "tmpl-1",
		SourceStageID: "stage-thesis", TargetStageID: "stage-antithesis",
	})
	store.prompts["prompt-antithesis"] = &storage.SystemPrompt{
		ID:         "prompt-antithesis",
		PromptText: "Critique:\n{{prior_stage_ai_outputs}}\nFeedback:\n{{prior_stage_user_feedback}}",
	}
	store.contributions["contrib-1"] = &storage.Contribution{
		ID: "contrib-1", SessionID: "sess-1", StageSlug: "thesis",
		IterationNumber: 1, ModelName: "model-a", IsLatestEdit: true,
		StorageBucket: storage.BucketContent,
		StoragePath:   "projects/proj-1/sessions/sess-1/iteration_1/1_thesis",
		FileName:      "thesis.md",
	}

	gw := newTestGateway()
	gw.objects["projects/proj-1/sessions/sess-1/iteration_1/1_thesis/thesis.md"] = []byte("The thesis.")

	payload := SubmitPayload{
		SessionID:              "sess-1",
		CurrentStageSlug:       "thesis",
		CurrentIterationNumber: 1,
		Responses: []ResponseEntry{
			{OriginalContributionID: "contrib-1", ResponseText: "Needs more rigor."},
		},
	}
	return store, gw, payload
}

func TestSubmitValidationLadder(t *testing.T) {
	tests := []struct {
		name       string
		user       string
		mutate     func(*SubmitPayload, *fakeStore)
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "unauthenticated",
			user:       "",
			mutate:     func(*SubmitPayload, *fakeStore) {},
			wantStatus: http.StatusUnauthorized,
			wantMsg:    "User not authenticated.",
		},
		{
			name:       "missing session id",
			user:       "user-1",
			mutate:     func(p *SubmitPayload, _ *fakeStore) { p.SessionID = "" },
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Missing sessionId",
		},
		{
			name:       "unknown session",
			user:       "user-1",
			mutate:     func(p *SubmitPayload, _ *fakeStore) { p.SessionID = "ghost" },
			wantStatus: http.StatusNotFound,
			wantMsg:    "Session not found",
		},
		{
			name:       "not the project owner",
			user:       "user-2",
			mutate:     func(*SubmitPayload, *fakeStore) {},
			wantStatus: http.StatusForbidden,
			wantMsg:    "does not own the project",
		},
		{
			name:       "stale stage slug",
			user:       "user-1",
			mutate:     func(p *SubmitPayload, _ *fakeStore) { p.CurrentStageSlug = "antithesis" },
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Mismatched stage slug",
		},
		{
			name:       "missing iteration",
			user:       "user-1",
			mutate:     func(p *SubmitPayload, _ *fakeStore) { p.CurrentIterationNumber = 0 },
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Missing currentIterationNumber",
		},
		{
			name:       "empty responses",
			user:       "user-1",
			mutate:     func(p *SubmitPayload, _ *fakeStore) { p.Responses = nil },
			wantStatus: http.StatusBadRequest,
			wantMsg:    "responses array must be provided",
		},
		{
			name: "response missing text",
			user: "user-1",
			mutate: func(p *SubmitPayload, _ *fakeStore) {
				p.Responses = []ResponseEntry{{OriginalContributionID: "contrib-1"}}
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Missing originalContributionId or responseText",
		},
		{
			name: "unknown contribution",
			user: "user-1",
			mutate: func(p *SubmitPayload, _ *fakeStore) {
				p.Responses = []ResponseEntry{{OriginalContributionID: "ghost", ResponseText: "x"}}
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Invalid originalContributionId: ghost",
		},
		{
			name: "contribution from another session",
			user: "user-1",
			mutate: func(p *SubmitPayload, s *fakeStore) {
				s.contributions["foreign"] = &storage.Contribution{ID: "foreign", SessionID: "sess-other"}
				p.Responses = []ResponseEntry{{OriginalContributionID: "foreign", ResponseText: "x"}}
			},
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Invalid originalContributionId: foreign",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, gw, payload := fixture()
			tt.mutate(&payload, store)

			res := New(store, gw, nil).SubmitStageResponses(context.Background(), payload, tt.user)
			if res.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (err: %v)", res.Status, tt.wantStatus, res.Err)
			}
			if res.Err == nil || !strings.Contains(res.Err.Message, tt.wantMsg) {
				t.Fatalf("error = %v, want message containing %q", res.Err, tt.wantMsg)
			}
			if len(store.feedback) != 0 {
				t.Fatal("validation failure must not persist feedback rows")
			}
		})
	}
}

func TestSubmitAdvancesSession(t *testing.T) {
	store, gw, payload := fixture()

	res := New(store, gw, nil).SubmitStageResponses(context.Background(), payload, "user-1")
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, err = %v", res.Status, res.Err)
	}
	if res.Data.UpdatedSession.Status != "pending_antithesis" {
		t.Fatalf("session status = %q, want pending_antithesis", res.Data.UpdatedSession.Status)
	}
	if res.Data.UpdatedSession.CurrentStageID != "stage-antithesis" {
		t.Fatalf("current stage = %q, want stage-antithesis", res.Data.UpdatedSession.CurrentStageID)
	}
	if len(res.Data.FeedbackRecords) != 1 {
		t.Fatalf("feedback records = %d, want 1", len(res.Data.FeedbackRecords))
	}

	feedbackPath := "projects/proj-1/sessions/sess-1/iteration_1/1_thesis/user_feedback_thesis.md"
	consolidated := string(gw.objects[feedbackPath])
	if !strings.Contains(consolidated, "Response to Contribution by model-a") {
		t.Fatalf("consolidated feedback missing attribution:\n%s", consolidated)
	}
	if !strings.Contains(consolidated, "Needs more rigor.") {
		t.Fatalf("consolidated feedback missing response text:\n%s", consolidated)
	}

	if res.Data.NextStageSeedPromptPath == nil {
		t.Fatal("seed prompt path must be set on success")
	}
	seed := string(gw.objects[*res.Data.NextStageSeedPromptPath])
	if !strings.Contains(seed, "The thesis.") {
		t.Fatalf("seed prompt missing prior stage output:\n%s", seed)
	}
	if !strings.Contains(seed, "Needs more rigor.") {
		t.Fatalf("seed prompt missing prior stage feedback:\n%s", seed)
	}
	if strings.Contains(seed, "{{prior_stage_ai_outputs}}") {
		t.Fatal("placeholders must be substituted in the rendered seed")
	}
}

func TestSubmitFinalStage(t *testing.T) {
	store, gw, payload := fixture()
	store.transitions = nil

	res := New(store, gw, nil).SubmitStageResponses(context.Background(), payload, "user-1")
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, err = %v", res.Status, res.Err)
	}
	if res.Data.NextStageSeedPromptPath != nil {
		t.Fatal("final stage must not produce a seed prompt path")
	}
	if res.Data.UpdatedSession.Status != storage.SessionStatusIterationComplete {
		t.Fatalf("session status = %q, want %q", res.Data.UpdatedSession.Status, storage.SessionStatusIterationComplete)
	}
	for path := range gw.objects {
		if strings.HasSuffix(path, "seed_prompt.md") {
			t.Fatalf("final stage must not render a seed prompt, found %s", path)
		}
	}
}

func TestSubmitSeedUploadDegradesGracefully(t *testing.T) {
	store, gw, payload := fixture()
	gw.failUploads["projects/proj-1/sessions/sess-1/iteration_1/2_antithesis/seed_prompt.md"] = true

	res := New(store, gw, nil).SubmitStageResponses(context.Background(), payload, "user-1")
	if res.Status != http.StatusOK {
		t.Fatalf("seed upload failure must not fail the call, got %d: %v", res.Status, res.Err)
	}
	if res.Data.NextStageSeedPromptPath != nil {
		t.Fatal("failed seed upload must yield a nil path")
	}
	if store.updatedStatus != "pending_antithesis" {
		t.Fatalf("session must still advance, status = %q", store.updatedStatus)
	}
}

func TestSubmitFeedbackUploadFailureIsFatal(t *testing.T) {
	store, gw, payload := fixture()
	gw.failUploads["projects/proj-1/sessions/sess-1/iteration_1/1_thesis/user_feedback_thesis.md"] = true

	res := New(store, gw, nil).SubmitStageResponses(context.Background(), payload, "user-1")
	if res.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.Status)
	}
	if !strings.Contains(res.Err.Message, "Failed to store consolidated user feedback.") {
		t.Fatalf("error = %v", res.Err)
	}
	if store.updatedStatus != "" {
		t.Fatal("session must not advance after a fatal feedback upload failure")
	}
}

func TestSubmitFeedbackInsertFailure(t *testing.T) {
	store, gw, payload := fixture()
	store.feedbackInsertErr = errors.New("kv write failed")

	res := New(store, gw, nil).SubmitStageResponses(context.Background(), payload, "user-1")
	if res.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.Status)
	}
	if !strings.Contains(res.Err.Message, "Failed to store user responses.") {
		t.Fatalf("error = %v", res.Err)
	}
}

func TestSubmitMissingTemplateIsFatal(t *testing.T) {
	store, gw, payload := fixture()
	delete(store.prompts, "prompt-antithesis")

	res := New(store, gw, nil).SubmitStageResponses(context.Background(), payload, "user-1")
	if res.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.Status)
	}
	if !strings.Contains(res.Err.Message, "Failed to retrieve system prompt template for next stage.") {
		t.Fatalf("error = %v", res.Err)
	}
}

func TestSubmitNoContributionsRendersPlaceholder(t *testing.T) {
	store, gw, payload := fixture()
	store.contributions["contrib-1"].IsLatestEdit = false

	res := New(store, gw, nil).SubmitStageResponses(context.Background(), payload, "user-1")
	if res.Status != http.StatusOK {
		t.Fatalf("status = %d, err = %v", res.Status, res.Err)
	}
	seed := string(gw.objects[*res.Data.NextStageSeedPromptPath])
	if !strings.Contains(seed, NoContentPlaceholder) {
		t.Fatalf("seed must carry the no-content placeholder:\n%s", seed)
	}
}
