package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Opentrons/opentrons-python-packages/internal/domain-adapters/gateways"
	orchestrators "github.com/Opentrons/opentrons-python-packages/internal/domain-orchestrators"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/interfaces"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/interfaces/repositories"
	"github.com/Opentrons/opentrons-python-packages/internal/external-adapters/yaml"
)

// BuildReport represents the output of building packages
type BuildReport struct {
	TotalPackages    int             `json:"total_packages"`
	SuccessfulBuilds int             `json:"successful_builds"`
	FailedBuilds     int             `json:"failed_builds"`
	Results          []PackageReport `json:"results"`
	DurationSeconds  float64         `json:"duration_seconds"`
}

// PackageReport represents the outcome of a single build
type PackageReport struct {
	Package         string  `json:"package"`
	Version         string  `json:"version"`
	Status          string  `json:"status"`
	Stage           string  `json:"stage,omitempty"`
	Artifact        string  `json:"artifact,omitempty"`
	SHA256          string  `json:"sha256,omitempty"`
	Message         string  `json:"message,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// buildTarget is one name[@version] argument
type buildTarget struct {
	name    string
	version string
}

func parseTargets(args []string) ([]buildTarget, error) {
	targets := make([]buildTarget, 0, len(args))
	for _, arg := range args {
		name, version, _ := strings.Cut(arg, "@")
		if name == "" {
			return nil, fmt.Errorf("invalid package %q (want name or name@version)", arg)
		}
		targets = append(targets, buildTarget{name: name, version: version})
	}
	return targets, nil
}

// resolveRecipes loads the recipe of every target, or the newest recipe of
// every package when all is set
func resolveRecipes(ctx context.Context, repo repositories.RecipeRepository, targets []buildTarget, all bool) ([]*entities.Recipe, error) {
	if all {
		recipes, err := repo.ListRecipes(ctx)
		if err != nil {
			return nil, err
		}
		// ListRecipes orders versions oldest first, so the last wins
		latest := make(map[string]int)
		var out []*entities.Recipe
		for _, r := range recipes {
			if i, ok := latest[r.Name]; ok {
				out[i] = r
				continue
			}
			latest[r.Name] = len(out)
			out = append(out, r)
		}
		return out, nil
	}

	out := make([]*entities.Recipe, 0, len(targets))
	for _, t := range targets {
		r, err := repo.GetRecipe(ctx, t.name, t.version)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// withHost points a source that names no host at host
func withHost(src entities.SourceDescriptor, host string) entities.SourceDescriptor {
	switch s := src.(type) {
	case entities.ReleaseArchive:
		if s.Host == "" {
			s.Host = host
		}
		return s
	case entities.RepositorySnapshot:
		if s.Host == "" {
			s.Host = host
		}
		return s
	default:
		return src
	}
}

func runBuild(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("build", pflag.ExitOnError)
	flags := registerConfigFlags(fs, true)
	var (
		all        = fs.Bool("all", false, "Build the newest recipe of every package")
		outputPath = fs.StringP("output", "o", "-", "Where to write build output (- for stdout)")
		jsonOutput = fs.String("json-output", "", "Optional JSON file for detailed report")
	)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: pybuilder build <package>[@version]... [options]
       pybuilder build --all [options]

Cross-compile Python packages into wheels inside the SDK environment.

Examples:
  pybuilder build numpy                      # Build the newest numpy recipe
  pybuilder build numpy@1.23.3 pandas@1.5.0 --jobs 2
  pybuilder build --all --platform-tag linux_aarch64 --json-output report.json

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	cfg, err := flags.resolve(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	targets, err := parseTargets(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(targets) == 0 && !*all {
		fmt.Fprintf(os.Stderr, "Error: package name is required\n\n")
		fs.Usage()
		return 1
	}

	recipes, err := resolveRecipes(ctx, yaml.NewRecipeRepository(cfg.PackagesDir), targets, *all)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	w, closeOutput, err := openOutput(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	//nolint:errcheck // Defer close
	defer closeOutput()

	out := newBuildOutput(w, cfg.Verbose)
	orch, err := newOrchestrator(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	report := buildAll(ctx, orch, cfg, recipes, out)

	if *jsonOutput != "" {
		if err := writeReport(*jsonOutput, report); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	out.status(colInfo, "Build complete: %d/%d packages successful (%.1fs)",
		report.SuccessfulBuilds, report.TotalPackages, report.DurationSeconds)
	if report.FailedBuilds > 0 {
		return 1
	}
	return 0
}

func newOrchestrator(cfg Config, logger interfaces.Logger) (*orchestrators.BuildOrchestrator, error) {
	discoverer, err := gateways.NewArtifactDiscoverer(cfg.Discovery)
	if err != nil {
		return nil, err
	}

	var dlOpts []gateways.DownloaderOption
	// progress bars only make sense for one build at a time on a terminal
	if cfg.Jobs == 1 && isTerminal(os.Stderr) {
		dlOpts = append(dlOpts, gateways.WithProgress(os.Stderr))
	}

	return orchestrators.NewBuildOrchestrator(
		gateways.NewDownloader(dlOpts...),
		gateways.NewSourceVerifier(),
		gateways.NewArchiveExtractor(),
		gateways.NewSubshellLauncher(),
		gateways.NewSetupPyBuilder(),
		discoverer,
		orchestrators.BuildOrchestratorConfig{
			Hasher: gateways.NewChecksumVerifier(),
			Logger: logger,
		},
	), nil
}

// packageBuilder is the part of the orchestrator buildAll drives
type packageBuilder interface {
	BuildPackage(ctx context.Context, req entities.BuildRequest, bctx *entities.BuildContext) (*orchestrators.BuildResult, error)
}

// buildAll runs one pipeline per recipe, cfg.Jobs at a time. Each package
// gets its own work tree and dist directory; one failure does not stop the
// others.
func buildAll(ctx context.Context, builder packageBuilder, cfg Config, recipes []*entities.Recipe, out *buildOutput) BuildReport {
	startTime := time.Now()
	report := BuildReport{
		TotalPackages: len(recipes),
		Results:       make([]PackageReport, len(recipes)),
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(cfg.Jobs)
	for i, recipe := range recipes {
		g.Go(func() error {
			result := buildOne(ctx, builder, cfg, recipe, out)

			mu.Lock()
			defer mu.Unlock()
			report.Results[i] = result
			if result.Status == "success" {
				report.SuccessfulBuilds++
			} else {
				report.FailedBuilds++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.DurationSeconds = time.Since(startTime).Seconds()
	return report
}

func buildOne(ctx context.Context, builder packageBuilder, cfg Config, recipe *entities.Recipe, out *buildOutput) PackageReport {
	pr := PackageReport{Package: recipe.Name, Version: recipe.Version, Status: "error"}
	id := recipe.Name + "-" + recipe.Version

	bctx, err := entities.NewBuildContext(
		filepath.Join(cfg.WorkDir, id),
		filepath.Join(cfg.DistDir, recipe.Name),
		cfg.SDKPath,
	)
	if err != nil {
		pr.Message = err.Error()
		out.status(colError, "✗ %s: %v", id, err)
		return pr
	}
	bctx.PlatformTag = cfg.PlatformTag
	bctx.Python = cfg.Python
	bctx.Output, bctx.Verbose = out.sinks(id)

	req := recipe.Request()
	req.Source = withHost(req.Source, cfg.GitHubHost)

	out.status(colInfo, "Building %s from %s", id, req.Source.URL())
	result, err := builder.BuildPackage(ctx, req, bctx)
	if result != nil {
		pr.DurationSeconds = result.TotalDuration.Seconds()
	}
	if err != nil {
		pr.Message = err.Error()
		if result != nil {
			pr.Stage = string(result.FailedStage)
		}
		if ctx.Err() != nil {
			pr.Status = "interrupted"
		}
		out.status(colError, "✗ %s: Build failed: %v", id, err)
		reportCommandOutput(out, id, err, cfg.Verbose)
		return pr
	}

	pr.Status = "success"
	pr.Artifact = result.Artifact.Path
	pr.SHA256 = result.ArtifactSHA256
	out.status(colSuccess, "✓ %s", id)
	for _, line := range strings.Split(result.GetBuildSummary(), "\n") {
		out.printf("    %s\n", line)
	}
	return pr
}

// reportCommandOutput replays the output of a failed command. Without
// --verbose the lines were never shown, so they are the only clue.
func reportCommandOutput(out *buildOutput, id string, err error, verbose bool) {
	var cmdErr *entities.CommandError
	if verbose || !errors.As(err, &cmdErr) || len(cmdErr.Output) == 0 {
		return
	}
	out.status(colWarn, "%s: output of %s (exit %d):", id, cmdErr.Command, cmdErr.ExitCode)
	for _, line := range cmdErr.Output {
		out.printf("[%s] %s\n", id, line)
	}
}

func writeReport(path string, report BuildReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON report: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write JSON report: %w", err)
	}
	return nil
}
