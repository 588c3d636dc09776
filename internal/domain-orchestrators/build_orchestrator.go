// Package orchestrators coordinates complex workflows across multiple domain services.
package orchestrators

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/interfaces"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/interfaces/gateways"
)

// SourceFetcher downloads a source archive into a directory
type SourceFetcher interface {
	FetchSource(ctx context.Context, src entities.SourceDescriptor, downloadDir string) (string, error)
}

// ArchiveExtractor unpacks the part of an archive under subtree into destRoot
type ArchiveExtractor interface {
	Extract(archivePath, destRoot, subtree string) ([]string, error)
}

// PackageBuilder drives the package's build tool inside a build shell
type PackageBuilder interface {
	PrepareEnvironment(ctx context.Context, shell gateways.BuildShell, bctx *entities.BuildContext, deps []string) error
	RunBuildCommands(ctx context.Context, shell gateways.BuildShell, bctx *entities.BuildContext, commands []string) ([]string, error)
}

// ArtifactDiscoverer names the artifact a build produced
type ArtifactDiscoverer interface {
	DiscoverArtifact(in entities.DiscoveryInput) (string, error)
}

// ArtifactHasher computes the digest recorded for a built artifact
type ArtifactHasher interface {
	CalculateChecksum(filePath string) (string, error)
}

// BuildOrchestrator coordinates the complete package build workflow
type BuildOrchestrator struct {
	fetcher    SourceFetcher
	verifier   gateways.SourceVerifier
	extractor  ArchiveExtractor
	launcher   gateways.ShellLauncher
	builder    PackageBuilder
	discoverer ArtifactDiscoverer
	hasher     ArtifactHasher
	logger     interfaces.Logger
}

// BuildOrchestratorConfig holds the optional collaborators of the orchestrator
type BuildOrchestratorConfig struct {
	// Hasher, when set, records the artifact's sha256 in the result
	Hasher ArtifactHasher
	Logger interfaces.Logger
}

// NewBuildOrchestrator creates a new build orchestrator. verifier may be nil,
// in which case sources are never verified.
func NewBuildOrchestrator(
	fetcher SourceFetcher,
	verifier gateways.SourceVerifier,
	extractor ArchiveExtractor,
	launcher gateways.ShellLauncher,
	builder PackageBuilder,
	discoverer ArtifactDiscoverer,
	config BuildOrchestratorConfig,
) *BuildOrchestrator {
	logger := config.Logger
	if logger == nil {
		logger = &interfaces.NoOpLogger{}
	}

	return &BuildOrchestrator{
		fetcher:    fetcher,
		verifier:   verifier,
		extractor:  extractor,
		launcher:   launcher,
		builder:    builder,
		discoverer: discoverer,
		hasher:     config.Hasher,
		logger:     logger,
	}
}

// BuildResult contains the result of a build operation
type BuildResult struct {
	Request        entities.BuildRequest
	ArchivePath    string
	ExtractedFiles int
	Artifact       *entities.Artifact
	// ArtifactSHA256 is empty unless a hasher is configured
	ArtifactSHA256 string
	StageDurations map[entities.BuildStage]time.Duration
	TotalDuration  time.Duration
	FailedStage    entities.BuildStage
	Success        bool
	Error          error
}

// BuildPackage runs fetch, verify, extract, prepare, build and discover in
// order. The first failure ends the build and is returned as a
// *entities.StageError; the build shell is stopped before returning.
func (o *BuildOrchestrator) BuildPackage(ctx context.Context, req entities.BuildRequest, bctx *entities.BuildContext) (*BuildResult, error) {
	startTime := time.Now()
	result := &BuildResult{
		Request:        req,
		StageDurations: make(map[entities.BuildStage]time.Duration),
	}
	defer func() { result.TotalDuration = time.Since(startTime) }()

	logger := o.logger.With(interfaces.F("package", req.Name), interfaces.F("version", req.Version))
	logger.Info("build started", interfaces.F("source", req.Source.URL()))

	// Step 1: Fetch source archive
	err := o.stage(logger, result, entities.StageFetch, func() error {
		archive, err := o.fetcher.FetchSource(ctx, req.Source, bctx.DownloadDir)
		result.ArchivePath = archive
		return err
	})
	if err != nil {
		return result, err
	}

	// Step 2: Verify it, when the recipe asks for it
	if o.verifier != nil && req.Verification.Enabled() {
		err = o.stage(logger, result, entities.StageVerify, func() error {
			return o.verifier.VerifySource(ctx, result.ArchivePath, req.Verification)
		})
		if err != nil {
			return result, err
		}
	}

	// Step 3: Extract
	err = o.stage(logger, result, entities.StageExtract, func() error {
		files, err := o.extractor.Extract(result.ArchivePath, bctx.UnpackDir, req.Source.Subtree())
		result.ExtractedFiles = len(files)
		return err
	})
	if err != nil {
		return result, err
	}

	// Step 4: Start the SDK shell and the build environment
	var shell gateways.BuildShell
	defer func() {
		if shell == nil {
			return
		}
		if err := shell.Stop(); err != nil {
			logger.Warn("failed to stop build shell", interfaces.Err(err))
		}
	}()
	err = o.stage(logger, result, entities.StagePrepare, func() error {
		var err error
		shell, err = o.launcher.Launch(ctx, bctx.UnpackDir, bctx.SDKPath, bctx.Output, bctx.Verbose)
		if err != nil {
			return fmt.Errorf("failed to start build shell: %w", err)
		}
		return o.builder.PrepareEnvironment(ctx, shell, bctx, req.Dependencies)
	})
	if err != nil {
		return result, err
	}

	// Step 5: Build
	var output []string
	err = o.stage(logger, result, entities.StageBuild, func() error {
		var err error
		output, err = o.builder.RunBuildCommands(ctx, shell, bctx, req.Commands)
		return err
	})
	if err != nil {
		return result, err
	}

	// Step 6: Find what the build produced
	err = o.stage(logger, result, entities.StageDiscover, func() error {
		filename, err := o.discoverer.DiscoverArtifact(entities.DiscoveryInput{
			Output:   output,
			Commands: req.Commands,
			DistDir:  bctx.DistDir,
			Since:    startTime,
		})
		if err != nil {
			return err
		}
		result.Artifact = &entities.Artifact{
			Name:     req.Name,
			Version:  req.Version,
			Platform: bctx.PlatformTag,
			Filename: filename,
			Path:     filepath.Join(bctx.DistDir, filename),
		}
		if o.hasher != nil {
			sum, err := o.hasher.CalculateChecksum(result.Artifact.Path)
			if err != nil {
				return fmt.Errorf("artifact %s: %w", filename, err)
			}
			result.ArtifactSHA256 = sum
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	result.Success = true
	logger.Info("build finished", interfaces.F("artifact", result.Artifact.Filename))
	return result, nil
}

// stage runs fn, records its duration and turns a failure into the
// result's terminal StageError
func (o *BuildOrchestrator) stage(logger interfaces.Logger, result *BuildResult, stage entities.BuildStage, fn func() error) error {
	logger.Debug("stage started", interfaces.F("stage", string(stage)))
	start := time.Now()
	err := fn()
	took := time.Since(start)
	result.StageDurations[stage] = took

	if err != nil {
		result.FailedStage = stage
		result.Error = &entities.StageError{Stage: stage, Err: err}
		logger.Error("stage failed", interfaces.F("stage", string(stage)), interfaces.Err(err))
		return result.Error
	}
	logger.Debug("stage finished", interfaces.F("stage", string(stage)), interfaces.F("took", took))
	return nil
}

// GetBuildSummary returns a human-readable summary of the build
func (r *BuildResult) GetBuildSummary() string {
	if !r.Success {
		return fmt.Sprintf("Build failed: %v", r.Error)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Build successful!\nPackage: %s %s\nArtifact: %s\n",
		r.Request.Name, r.Request.Version, r.Artifact.Path)
	if r.ArtifactSHA256 != "" {
		fmt.Fprintf(&b, "SHA256: %s\n", r.ArtifactSHA256)
	}
	for _, stage := range []entities.BuildStage{
		entities.StageFetch, entities.StageVerify, entities.StageExtract,
		entities.StagePrepare, entities.StageBuild, entities.StageDiscover,
	} {
		if took, ok := r.StageDurations[stage]; ok {
			fmt.Fprintf(&b, "%s: %v\n", stageTitle(stage), took.Round(time.Millisecond))
		}
	}
	fmt.Fprintf(&b, "Total: %v", r.TotalDuration.Round(time.Millisecond))
	return b.String()
}

func stageTitle(stage entities.BuildStage) string {
	s := string(stage)
	return strings.ToUpper(s[:1]) + s[1:]
}
