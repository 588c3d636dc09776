// Package repositories defines interfaces for data access layers.
package repositories

import (
	"context"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// RecipeRepository defines the interface for accessing package build recipes
type RecipeRepository interface {
	// GetRecipe retrieves the recipe for a package version. An empty version
	// selects the newest version that has a recipe.
	GetRecipe(ctx context.Context, name, version string) (*entities.Recipe, error)

	// ListRecipes returns every recipe in the repository
	ListRecipes(ctx context.Context) ([]*entities.Recipe, error)
}
