package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	transient := NewTransientError(errors.New("upstream busy"))
	fatal := NewFatalError(errors.New("invalid API key"))

	if !IsTransient(transient) || IsFatal(transient) {
		t.Error("transient error misclassified")
	}
	if !IsFatal(fatal) || IsTransient(fatal) {
		t.Error("fatal error misclassified")
	}
	if IsTransient(errors.New("plain")) || IsFatal(errors.New("plain")) {
		t.Error("unclassified error must be neither transient nor fatal")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	cause := NewFatalError(errors.New("model not in catalog"))
	wrapped := fmt.Errorf("model call for step %q: %w", "draft", cause)

	if !IsFatal(wrapped) {
		t.Error("fatal classification lost through wrapping")
	}
	if IsTransient(wrapped) {
		t.Error("wrapped fatal error classified transient")
	}
}
