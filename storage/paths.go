package storage

import (
	"fmt"
	"strings"
)

// WorkSegment marks a continuation-staging directory. Paths containing it
// hold partial chunks and must never be an assembly output target.
const WorkSegment = "/_work/"

// IsWorkPath reports whether the path denotes continuation staging.
func IsWorkPath(path string) bool {
	return strings.Contains(path, WorkSegment) || strings.HasSuffix(path, "/_work")
}

// PathBuilder produces object-store paths following the convention
// projects/{projectId}/sessions/{sessionId}/iteration_{n}/{stageOrder}_{stageSlug}[/_work]/{fileName}.
type PathBuilder struct {
	ProjectID       string
	SessionID       string
	IterationNumber int
}

// StageDir returns the directory for a stage's final artifacts.
func (p PathBuilder) StageDir(stageOrder int, stageSlug string) string {
	return fmt.Sprintf("projects/%s/sessions/%s/iteration_%d/%d_%s",
		p.ProjectID, p.SessionID, p.IterationNumber, stageOrder, stageSlug)
}

// WorkDir returns the continuation-staging directory for a stage.
func (p PathBuilder) WorkDir(stageOrder int, stageSlug string) string {
	return p.StageDir(stageOrder, stageSlug) + "/_work"
}

// UserFeedbackPath returns the consolidated feedback document path for a stage.
func (p PathBuilder) UserFeedbackPath(stageOrder int, stageSlug string) string {
	return fmt.Sprintf("%s/user_feedback_%s.md", p.StageDir(stageOrder, stageSlug), stageSlug)
}

// SeedPromptPath returns the seed prompt path for a stage.
func (p PathBuilder) SeedPromptPath(stageOrder int, stageSlug string) string {
	return p.StageDir(stageOrder, stageSlug) + "/seed_prompt.md"
}

// SystemSettingsPath returns the iteration's seed-input settings path.
func (p PathBuilder) SystemSettingsPath() string {
	return fmt.Sprintf("projects/%s/sessions/%s/iteration_%d/0_seed_inputs/system_settings.json",
		p.ProjectID, p.SessionID, p.IterationNumber)
}
