package worker

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the worker component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "worker",
		Factory:     NewComponent,
		Schema:      workerSchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "dialectic",
		Description: "Processes generation jobs (PLAN/EXECUTE/RENDER) from the job queue",
		Version:     "0.1.0",
	})
}
