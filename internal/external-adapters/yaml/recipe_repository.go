package yaml

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// RecipeFileName is the name of the recipe inside packages/<name>/<version>/
const RecipeFileName = "build.yml"

// RecipeRepository implements repositories.RecipeRepository over a
// packages/<name>/<version>/build.yml tree
type RecipeRepository struct {
	packagesDir string
	parser      *RecipeParser
}

// NewRecipeRepository creates a new YAML-based recipe repository
func NewRecipeRepository(packagesDir string) *RecipeRepository {
	return &RecipeRepository{
		packagesDir: packagesDir,
		parser:      NewRecipeParser(),
	}
}

// GetRecipe retrieves a package recipe by name and version
func (r *RecipeRepository) GetRecipe(_ context.Context, name, version string) (*entities.Recipe, error) {
	if version == "" {
		versions, err := r.versions(name)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, fmt.Errorf("recipe not found: %s", name)
		}
		version = versions[len(versions)-1]
	}

	filePath := filepath.Join(r.packagesDir, name, version, RecipeFileName)
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("recipe not found: %s %s", name, version)
	}

	recipe, err := r.parser.ParseFile(filePath)
	if err != nil {
		return nil, err
	}
	if recipe.Name != name || recipe.Version != version {
		return nil, fmt.Errorf("%s declares %s %s, expected %s %s",
			filePath, recipe.Name, recipe.Version, name, version)
	}
	return recipe, nil
}

// ListRecipes returns all available package recipes, sorted by name then version
func (r *RecipeRepository) ListRecipes(_ context.Context) ([]*entities.Recipe, error) {
	entries, err := os.ReadDir(r.packagesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read packages directory: %w", err)
	}

	recipes := make([]*entities.Recipe, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		versions, err := r.versions(entry.Name())
		if err != nil {
			return nil, err
		}
		for _, version := range versions {
			filePath := filepath.Join(r.packagesDir, entry.Name(), version, RecipeFileName)
			def, err := r.parser.ParseFile(filePath)
			if err != nil {
				// Log warning but continue processing other files
				fmt.Fprintf(os.Stderr, "Warning: failed to parse %s: %v\n", filePath, err)
				continue
			}
			recipes = append(recipes, def)
		}
	}

	return recipes, nil
}

// versions lists the versions of a package that have a recipe, oldest first
func (r *RecipeRepository) versions(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.packagesDir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory %s: %w", name, err)
	}

	var versions []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.packagesDir, name, entry.Name(), RecipeFileName)); err == nil {
			versions = append(versions, entry.Name())
		}
	}
	slices.SortFunc(versions, compareVersions)
	return versions, nil
}

// pep440Pattern matches release versions with an optional pre-release,
// post-release or development suffix, e.g. 1.5.0, 1.5.0rc1, 2.0.post1
var pep440Pattern = regexp.MustCompile(`^v?(\d+(?:\.\d+)*)(?:[-_.]?(dev|a|alpha|b|beta|c|rc|pre|preview|post)[-_.]?(\d*))?$`)

// Suffix phases in PEP 440 order; a final release is 0
var versionPhases = map[string]int{
	"dev":     -4,
	"a":       -3,
	"alpha":   -3,
	"b":       -2,
	"beta":    -2,
	"c":       -1,
	"rc":      -1,
	"pre":     -1,
	"preview": -1,
	"post":    1,
}

type parsedVersion struct {
	release []int
	phase   int
	serial  int
}

func parseVersion(v string) (parsedVersion, bool) {
	m := pep440Pattern.FindStringSubmatch(strings.ToLower(v))
	if m == nil {
		return parsedVersion{}, false
	}
	var pv parsedVersion
	for _, part := range strings.Split(m[1], ".") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return parsedVersion{}, false
		}
		pv.release = append(pv.release, n)
	}
	if m[2] != "" {
		pv.phase = versionPhases[m[2]]
		pv.serial, _ = strconv.Atoi(m[3])
	}
	return pv, true
}

// compareVersions orders versions the way pip does for the common cases:
// numeric release segments, then pre-releases below the final release and
// post-releases above it, so 1.10.0 sorts after 1.9.2 and 1.5.0rc1 before
// 1.5.0. Versions outside that grammar compare segment by segment,
// numerically where both segments are numbers and lexically otherwise.
func compareVersions(a, b string) int {
	pa, aok := parseVersion(a)
	pb, bok := parseVersion(b)
	if !aok || !bok {
		return compareSegments(a, b)
	}

	for i := 0; i < max(len(pa.release), len(pb.release)); i++ {
		if c := cmp.Compare(segment(pa.release, i), segment(pb.release, i)); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(pa.phase, pb.phase); c != 0 {
		return c
	}
	if c := cmp.Compare(pa.serial, pb.serial); c != 0 {
		return c
	}
	// 1.5 and 1.5.0 are equal releases; keep the order stable
	return cmp.Compare(len(pa.release), len(pb.release))
}

func segment(release []int, i int) int {
	if i < len(release) {
		return release[i]
	}
	return 0
}

func compareSegments(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aErr := strconv.Atoi(as[i])
		bn, bErr := strconv.Atoi(bs[i])
		if aErr == nil && bErr == nil {
			if an != bn {
				return an - bn
			}
			continue
		}
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}
