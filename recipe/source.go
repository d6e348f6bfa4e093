package recipe

import (
	"context"
	"fmt"

	"github.com/c360studio/dialectic/storage"
)

// GraphStore is the slice of the row store the recipe package reads from.
type GraphStore interface {
	GetRecipeInstance(ctx context.Context, id string) (*storage.RecipeInstance, error)
	ListTemplateSteps(ctx context.Context, templateID string) ([]*storage.RecipeStep, error)
	ListTemplateEdges(ctx context.Context, templateID string) ([]*storage.RecipeEdge, error)
	ListInstanceSteps(ctx context.Context, instanceID string) ([]*storage.RecipeStep, error)
	ListInstanceEdges(ctx context.Context, instanceID string) ([]*storage.RecipeEdge, error)
}

// Source loads the recipe graph governing a stage. A cloned instance owns
// per-session steps and edges; an uncloned one reads straight from its
// template, so sessions share the template rows until a clone diverges.
type Source interface {
	Load(ctx context.Context) (*Graph, error)
}

type templateSource struct {
	store      GraphStore
	templateID string
}

func (s *templateSource) Load(ctx context.Context) (*Graph, error) {
	steps, err := s.store.ListTemplateSteps(ctx, s.templateID)
	if err != nil {
		return nil, fmt.Errorf("listing template steps for %s: %w", s.templateID, err)
	}
	edges, err := s.store.ListTemplateEdges(ctx, s.templateID)
	if err != nil {
		return nil, fmt.Errorf("listing template edges for %s: %w", s.templateID, err)
	}
	return NewGraph(steps, edges)
}

type instanceSource struct {
	store      GraphStore
	instanceID string
}

func (s *instanceSource) Load(ctx context.Context) (*Graph, error) {
	steps, err := s.store.ListInstanceSteps(ctx, s.instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing instance steps for %s: %w", s.instanceID, err)
	}
	edges, err := s.store.ListInstanceEdges(ctx, s.instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing instance edges for %s: %w", s.instanceID, err)
	}
	return NewGraph(steps, edges)
}

// NewSource picks the step source for a recipe instance based on whether it
// has been cloned.
func NewSource(store GraphStore, instance *storage.RecipeInstance) (Source, error) {
	if instance == nil {
		return nil, fmt.Errorf("recipe instance is nil")
	}
	if instance.IsCloned {
		return &instanceSource{store: store, instanceID: instance.ID}, nil
	}
	if instance.TemplateID == "" {
		return nil, fmt.Errorf("recipe instance %s is not cloned and has no template_id", instance.ID)
	}
	return &templateSource{store: store, templateID: instance.TemplateID}, nil
}

// LoadForInstance resolves the instance row and loads its graph in one call.
func LoadForInstance(ctx context.Context, store GraphStore, instanceID string) (*Graph, error) {
	instance, err := store.GetRecipeInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("getting recipe instance %s: %w", instanceID, err)
	}
	src, err := NewSource(store, instance)
	if err != nil {
		return nil, err
	}
	return src.Load(ctx)
}
