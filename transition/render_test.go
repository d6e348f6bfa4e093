package transition

import (
	"strings"
	"testing"
)

func TestRenderPrompt(t *testing.T) {
	t.Run("substitutes known variables", func(t *testing.T) {
		out := RenderPrompt("Goal: {{user_objective}} in {{domain}}", map[string]string{
			"user_objective": "ship it",
			"domain":         "software",
		})
		if out != "Goal: ship it in software" {
			t.Fatalf("rendered = %q", out)
		}
	})

	t.Run("unknown placeholders stay visible", func(t *testing.T) {
		out := RenderPrompt("{{known}} {{unknown}}", map[string]string{"known": "x"})
		if out != "x {{unknown}}" {
			t.Fatalf("rendered = %q", out)
		}
	})

	t.Run("no variables is a passthrough", func(t *testing.T) {
		if out := RenderPrompt("{{a}}", nil); out != "{{a}}" {
			t.Fatalf("rendered = %q", out)
		}
	})
}

func TestReferences(t *testing.T) {
	tmpl := "Feedback: {{prior_stage_user_feedback}}"
	if !References(tmpl, VarPriorStageUserFeedback) {
		t.Fatal("expected reference to be detected")
	}
	if References(tmpl, VarPriorStageAIOutputs) {
		t.Fatal("unexpected reference detected")
	}
}

func TestFeedbackDoc(t *testing.T) {
	doc := newFeedbackDoc("Thesis", 2)
	doc.addResponse("model-a", "Tighten the argument.")
	doc.addResponse("Contribution ID: c-9", "Second response.")

	out := doc.String()
	if !strings.HasPrefix(out, "## User Feedback for Thesis - Iteration 2\n\n") {
		t.Fatalf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "### Response to Contribution by model-a\n\nTighten the argument.\n\n---\n") {
		t.Fatalf("missing attributed response:\n%s", out)
	}
	if strings.Index(out, "model-a") > strings.Index(out, "c-9") {
		t.Fatal("responses must keep submission order")
	}
}
