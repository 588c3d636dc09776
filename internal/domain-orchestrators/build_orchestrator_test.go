package orchestrators

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/interfaces/gateways"
)

// Mock implementations for testing. calls is shared so tests can check the
// stage order.
type calls []string

func (c *calls) add(name string) { *c = append(*c, name) }

type mockFetcher struct {
	log  *calls
	path string
	err  error
}

func (m *mockFetcher) FetchSource(_ context.Context, _ entities.SourceDescriptor, _ string) (string, error) {
	m.log.add("fetch")
	return m.path, m.err
}

type mockVerifier struct {
	log *calls
	err error
}

func (m *mockVerifier) VerifySource(_ context.Context, _ string, _ entities.SourceVerification) error {
	m.log.add("verify")
	return m.err
}

type mockExtractor struct {
	log     *calls
	subtree string
	files   []string
	err     error
}

func (m *mockExtractor) Extract(_, _, subtree string) ([]string, error) {
	m.log.add("extract")
	m.subtree = subtree
	return m.files, m.err
}

type mockShell struct {
	stopped int
}

func (m *mockShell) Run(_ context.Context, _ []string) (*entities.CommandResult, error) {
	return &entities.CommandResult{}, nil
}

func (m *mockShell) Source(_ context.Context, _ string) error { return nil }

func (m *mockShell) Stop() error {
	m.stopped++
	return nil
}

type mockLauncher struct {
	log   *calls
	shell *mockShell
	err   error
}

func (m *mockLauncher) Launch(_ context.Context, _, _ string, _, _ entities.EchoFunc) (gateways.BuildShell, error) {
	m.log.add("launch")
	if m.err != nil {
		return nil, m.err
	}
	return m.shell, nil
}

type mockBuilder struct {
	log        *calls
	output     []string
	prepareErr error
	buildErr   error
}

func (m *mockBuilder) PrepareEnvironment(_ context.Context, _ gateways.BuildShell, _ *entities.BuildContext, _ []string) error {
	m.log.add("prepare")
	return m.prepareErr
}

func (m *mockBuilder) RunBuildCommands(_ context.Context, _ gateways.BuildShell, _ *entities.BuildContext, _ []string) ([]string, error) {
	m.log.add("build")
	return m.output, m.buildErr
}

type mockDiscoverer struct {
	log  *calls
	name string
	err  error
	in   entities.DiscoveryInput
}

func (m *mockDiscoverer) DiscoverArtifact(in entities.DiscoveryInput) (string, error) {
	m.log.add("discover")
	m.in = in
	return m.name, m.err
}

type mockHasher struct{}

func (mockHasher) CalculateChecksum(_ string) (string, error) { return "abc123", nil }

type fixture struct {
	log        calls
	fetcher    *mockFetcher
	verifier   *mockVerifier
	extractor  *mockExtractor
	shell      *mockShell
	launcher   *mockLauncher
	builder    *mockBuilder
	discoverer *mockDiscoverer
}

func newFixture() *fixture {
	f := &fixture{shell: &mockShell{}}
	f.fetcher = &mockFetcher{log: &f.log, path: "/work/download/numpy-1.23.3.tar.gz"}
	f.verifier = &mockVerifier{log: &f.log}
	f.extractor = &mockExtractor{log: &f.log, files: []string{"/work/unpack/setup.py"}}
	f.launcher = &mockLauncher{log: &f.log, shell: f.shell}
	f.builder = &mockBuilder{log: &f.log, output: []string{"running bdist_wheel"}}
	f.discoverer = &mockDiscoverer{log: &f.log, name: "numpy-1.23.3-cp310-cp310-linux_aarch64.whl"}
	return f
}

func (f *fixture) orchestrator() *BuildOrchestrator {
	return NewBuildOrchestrator(f.fetcher, f.verifier, f.extractor, f.launcher, f.builder, f.discoverer,
		BuildOrchestratorConfig{Hasher: mockHasher{}})
}

func testRequest() entities.BuildRequest {
	return entities.BuildRequest{
		Name:    "numpy",
		Version: "1.23.3",
		Source: entities.ReleaseArchive{
			Org: "numpy", Repo: "numpy", Tag: "v1.23.3", Asset: "numpy-1.23.3.tar.gz",
		},
		Commands: []string{"build_ext", "bdist_wheel"},
	}
}

func testContext() *entities.BuildContext {
	return &entities.BuildContext{
		DownloadDir: "/work/download",
		UnpackDir:   "/work/unpack",
		BuildDir:    "/work/build",
		DistDir:     "/work/dist",
		PlatformTag: "linux_aarch64",
	}
}

func TestBuildPackage_Success(t *testing.T) {
	f := newFixture()
	started := time.Now()

	result, err := f.orchestrator().BuildPackage(context.Background(), testRequest(), testContext())
	if err != nil {
		t.Fatalf("BuildPackage() error = %v", err)
	}

	if !result.Success {
		t.Error("Expected success")
	}
	if got := strings.Join(f.log, ","); got != "fetch,extract,launch,prepare,build,discover" {
		t.Errorf("stage order = %s", got)
	}
	if result.Artifact.Path != "/work/dist/numpy-1.23.3-cp310-cp310-linux_aarch64.whl" {
		t.Errorf("artifact path = %s", result.Artifact.Path)
	}
	if result.Artifact.Platform != "linux_aarch64" {
		t.Errorf("artifact platform = %s", result.Artifact.Platform)
	}
	if result.ArtifactSHA256 != "abc123" {
		t.Errorf("artifact sha256 = %s", result.ArtifactSHA256)
	}
	if result.ExtractedFiles != 1 {
		t.Errorf("extracted files = %d, want 1", result.ExtractedFiles)
	}
	if f.extractor.subtree != "." {
		t.Errorf("extract subtree = %q, want .", f.extractor.subtree)
	}
	if f.shell.stopped != 1 {
		t.Errorf("shell stopped %d times, want 1", f.shell.stopped)
	}
	if in := f.discoverer.in; in.Since.Before(started) || in.Since.After(time.Now()) || in.DistDir != "/work/dist" {
		t.Errorf("discovery input = %+v, want this build's start time and dist dir", in)
	}
	if _, ok := result.StageDurations[entities.StageVerify]; ok {
		t.Error("verify stage should not run without verification settings")
	}
}

func TestBuildPackage_Verification(t *testing.T) {
	f := newFixture()
	f.verifier.err = entities.ErrVerificationFailed
	req := testRequest()
	req.Verification = entities.SourceVerification{SHA256: "deadbeef"}

	result, err := f.orchestrator().BuildPackage(context.Background(), req, testContext())
	if !errors.Is(err, entities.ErrVerificationFailed) {
		t.Fatalf("BuildPackage() error = %v, want ErrVerificationFailed", err)
	}
	if result.FailedStage != entities.StageVerify {
		t.Errorf("failed stage = %s, want verify", result.FailedStage)
	}
	if got := strings.Join(f.log, ","); got != "fetch,verify" {
		t.Errorf("stage order = %s", got)
	}
}

func TestBuildPackage_Failures(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *fixture)
		wantStage   entities.BuildStage
		wantKind    error
		wantStopped int
		wantCalls   string
	}{
		{
			name: "fetch",
			setup: func(f *fixture) {
				f.fetcher.err = &entities.FetchError{URL: "https://github.com/x", StatusCode: 404}
			},
			wantStage: entities.StageFetch,
			wantKind:  entities.ErrFetchFailed,
			wantCalls: "fetch",
		},
		{
			name: "extract",
			setup: func(f *fixture) {
				f.extractor.err = &entities.ArchiveMemberError{Member: "../evil", Kind: entities.ErrPathTraversal}
			},
			wantStage: entities.StageExtract,
			wantKind:  entities.ErrPathTraversal,
			wantCalls: "fetch,extract",
		},
		{
			name:      "launch",
			setup:     func(f *fixture) { f.launcher.err = entities.ErrSessionClosed },
			wantStage: entities.StagePrepare,
			wantKind:  entities.ErrSessionClosed,
			wantCalls: "fetch,extract,launch",
		},
		{
			name: "prepare",
			setup: func(f *fixture) {
				f.builder.prepareErr = &entities.CommandError{Command: "python -m venv", ExitCode: 1}
			},
			wantStage:   entities.StagePrepare,
			wantKind:    entities.ErrCommandFailed,
			wantStopped: 1,
			wantCalls:   "fetch,extract,launch,prepare",
		},
		{
			name: "build",
			setup: func(f *fixture) {
				f.builder.buildErr = &entities.CommandError{Command: "python setup.py build_ext", ExitCode: 1}
			},
			wantStage:   entities.StageBuild,
			wantKind:    entities.ErrCommandFailed,
			wantStopped: 1,
			wantCalls:   "fetch,extract,launch,prepare,build",
		},
		{
			name:        "discover",
			setup:       func(f *fixture) { f.discoverer.err = entities.ErrNoArtifactProduced },
			wantStage:   entities.StageDiscover,
			wantKind:    entities.ErrNoArtifactProduced,
			wantStopped: 1,
			wantCalls:   "fetch,extract,launch,prepare,build,discover",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			result, err := f.orchestrator().BuildPackage(context.Background(), testRequest(), testContext())
			if err == nil {
				t.Fatal("Expected error")
			}

			var stageErr *entities.StageError
			if !errors.As(err, &stageErr) || stageErr.Stage != tt.wantStage {
				t.Errorf("error = %v, want StageError for %s", err, tt.wantStage)
			}
			if !errors.Is(err, tt.wantKind) {
				t.Errorf("error = %v, want %v", err, tt.wantKind)
			}
			if result.Success || result.FailedStage != tt.wantStage || result.Error != err {
				t.Errorf("result = %+v", result)
			}
			if f.shell.stopped != tt.wantStopped {
				t.Errorf("shell stopped %d times, want %d", f.shell.stopped, tt.wantStopped)
			}
			if got := strings.Join(f.log, ","); got != tt.wantCalls {
				t.Errorf("calls = %s, want %s", got, tt.wantCalls)
			}
		})
	}
}

func TestBuildResult_GetBuildSummary(t *testing.T) {
	f := newFixture()
	result, err := f.orchestrator().BuildPackage(context.Background(), testRequest(), testContext())
	if err != nil {
		t.Fatalf("BuildPackage() error = %v", err)
	}

	summary := result.GetBuildSummary()
	for _, want := range []string{"Build successful!", "numpy 1.23.3", "linux_aarch64.whl", "SHA256: abc123", "Fetch:", "Discover:", "Total:"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
	if strings.Contains(summary, "Verify:") {
		t.Errorf("summary lists a stage that did not run:\n%s", summary)
	}

	failed := &BuildResult{Error: errors.New("extract: boom")}
	if got := failed.GetBuildSummary(); got != "Build failed: extract: boom" {
		t.Errorf("failed summary = %q", got)
	}
}
