// Package yaml provides YAML-based recipe parsing and repository implementations.
package yaml

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// yamlRecipe represents the raw YAML structure
type yamlRecipe struct {
	Name        string       `yaml:"name"`
	Version     string       `yaml:"version"`
	Description string       `yaml:"description"`
	Source      yamlSource   `yaml:"source"`
	Security    yamlSecurity `yaml:"security"`
	Build       yamlBuild    `yaml:"build"`
}

type yamlSource struct {
	Type    string `yaml:"type"`
	Host    string `yaml:"host"`
	Org     string `yaml:"org"`
	Repo    string `yaml:"repo"`
	Tag     string `yaml:"tag"`
	Asset   string `yaml:"asset"`
	Subpath string `yaml:"subpath"`
}

type yamlSecurity struct {
	SHA256       string   `yaml:"sha256"`
	SignatureURL string   `yaml:"signature_url"`
	GPGKeyIDs    []string `yaml:"gpg_key_ids"`
	GPGKeysURL   string   `yaml:"gpg_keys_url"`
	GPGKeyFile   string   `yaml:"gpg_key_file"`
}

type yamlBuild struct {
	Commands     []string `yaml:"commands"`
	Dependencies []string `yaml:"dependencies"`
}

// RecipeParser parses YAML recipe files
type RecipeParser struct{}

// NewRecipeParser creates a new YAML parser
func NewRecipeParser() *RecipeParser {
	return &RecipeParser{}
}

// ParseFile parses a YAML recipe file into a Recipe entity
func (p *RecipeParser) ParseFile(filePath string) (*entities.Recipe, error) {
	//nolint:gosec // G304: filePath is recipe definition path from repository
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filePath, err)
	}

	recipe, err := p.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return recipe, nil
}

// Parse parses YAML bytes into a Recipe entity
func (p *RecipeParser) Parse(data []byte) (*entities.Recipe, error) {
	var raw yamlRecipe
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if raw.Name == "" {
		return nil, errors.New("recipe must have a name")
	}
	if raw.Version == "" {
		return nil, fmt.Errorf("recipe %s must have a version", raw.Name)
	}

	source, err := convertSource(raw.Source)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", raw.Name, err)
	}

	commands := trimAll(raw.Build.Commands)
	if len(commands) == 0 {
		return nil, fmt.Errorf("recipe %s: build.commands must list at least one setup.py command", raw.Name)
	}

	return &entities.Recipe{
		Name:         raw.Name,
		Version:      raw.Version,
		Description:  raw.Description,
		Source:       source,
		Verification: convertSecurity(raw.Security),
		Build: entities.RecipeBuild{
			Commands:     commands,
			Dependencies: trimAll(raw.Build.Dependencies),
		},
	}, nil
}

func convertSource(ys yamlSource) (entities.SourceDescriptor, error) {
	var missing []string
	for field, value := range map[string]string{"org": ys.Org, "repo": ys.Repo, "tag": ys.Tag} {
		if value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("source is missing %s", strings.Join(missing, ", "))
	}

	switch entities.SourceKind(ys.Type) {
	case entities.SourceKindRelease:
		if ys.Asset == "" {
			return nil, fmt.Errorf("source type %s requires an asset", ys.Type)
		}
		return entities.ReleaseArchive{
			Host:  ys.Host,
			Org:   ys.Org,
			Repo:  ys.Repo,
			Tag:   ys.Tag,
			Asset: ys.Asset,
		}, nil
	case entities.SourceKindSnapshot:
		return entities.RepositorySnapshot{
			Host:    ys.Host,
			Org:     ys.Org,
			Repo:    ys.Repo,
			Tag:     ys.Tag,
			Subpath: ys.Subpath,
		}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q (want %s or %s)",
			ys.Type, entities.SourceKindRelease, entities.SourceKindSnapshot)
	}
}

func convertSecurity(ys yamlSecurity) entities.SourceVerification {
	return entities.SourceVerification{
		SHA256:       strings.ToLower(strings.TrimSpace(ys.SHA256)),
		SignatureURL: ys.SignatureURL,
		GPGKeyIDs:    ys.GPGKeyIDs,
		GPGKeysURL:   ys.GPGKeysURL,
		GPGKeyFile:   ys.GPGKeyFile,
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
