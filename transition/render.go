package transition

import (
	"fmt"
	"strings"
)

// Seed prompt placeholder names.
const (
	VarPriorStageAIOutputs      = "prior_stage_ai_outputs"
	VarPriorStageUserFeedback   = "prior_stage_user_feedback"
	VarCurrentStageUserFeedback = "current_stage_user_feedback"
)

// NoContentPlaceholder substitutes for prior-stage AI outputs when a stage
// produced no contributions.
const NoContentPlaceholder = "No AI-generated content was provided for this stage."

// RenderPrompt substitutes {{name}} placeholders in a template with the
// given variables. Placeholders without a matching variable are left intact
// so a missing value is visible in the rendered output instead of silently
// vanishing.
func RenderPrompt(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// References reports whether the template uses the named placeholder.
func References(template, name string) bool {
	return strings.Contains(template, "{{"+name+"}}")
}

// feedbackDoc accumulates the consolidated feedback markdown for one stage
// submission.
type feedbackDoc struct {
	b strings.Builder
}

func newFeedbackDoc(stageDisplayName string, iteration int) *feedbackDoc {
	d := &feedbackDoc{}
	fmt.Fprintf(&d.b, "## User Feedback for %s - Iteration %d\n\n", stageDisplayName, iteration)
	return d
}

// addResponse appends one user response attributed to the model that
// produced the contribution being responded to.
func (d *feedbackDoc) addResponse(attribution, responseText string) {
	fmt.Fprintf(&d.b, "### Response to Contribution by %s\n\n%s\n\n---\n", attribution, responseText)
}

func (d *feedbackDoc) String() string {
	return d.b.String()
}
