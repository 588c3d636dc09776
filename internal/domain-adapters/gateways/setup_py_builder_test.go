package gateways

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// mockShell records what it is asked to run and fails on request
type mockShell struct {
	runs    [][]string
	sourced []string
	failOn  string
	stopped bool
}

func (m *mockShell) Run(_ context.Context, argv []string) (*entities.CommandResult, error) {
	m.runs = append(m.runs, argv)
	line := "ran " + strings.Join(argv, " ")
	if m.failOn != "" && slices.Contains(argv, m.failOn) {
		return &entities.CommandResult{ExitCode: 1, Lines: []string{line}},
			&entities.CommandError{Command: strings.Join(argv, " "), ExitCode: 1, Output: []string{line}}
	}
	if slices.Contains(argv, "-c") {
		return &entities.CommandResult{Lines: []string{"/work/build/venv"}}, nil
	}
	return &entities.CommandResult{Lines: []string{line}}, nil
}

func (m *mockShell) Source(_ context.Context, script string) error {
	m.sourced = append(m.sourced, script)
	return nil
}

func (m *mockShell) Stop() error {
	m.stopped = true
	return nil
}

func testBuildContext(t *testing.T) *entities.BuildContext {
	t.Helper()
	bctx, err := entities.NewBuildContext(t.TempDir(), filepath.Join(t.TempDir(), "dist"), "/opt/sdk")
	if err != nil {
		t.Fatalf("NewBuildContext() error = %v", err)
	}
	return bctx
}

func TestSetupPyBuilder_PrepareEnvironment(t *testing.T) {
	bctx := testBuildContext(t)
	var written []string
	bctx.Output = func(line string) { written = append(written, line) }
	shell := &mockShell{}

	err := NewSetupPyBuilder().PrepareEnvironment(context.Background(), shell, bctx, []string{"Cython", "cython", "numpy>=1.21"})
	if err != nil {
		t.Fatalf("PrepareEnvironment() error = %v", err)
	}

	if len(shell.runs) != 3 {
		t.Fatalf("ran %d commands, want 3: %v", len(shell.runs), shell.runs)
	}
	if want := []string{"python", "-m", "venv", bctx.VenvDir()}; !slices.Equal(shell.runs[0], want) {
		t.Errorf("venv command = %v, want %v", shell.runs[0], want)
	}
	if want := []string{filepath.Join(bctx.VenvDir(), "bin", "activate")}; !slices.Equal(shell.sourced, want) {
		t.Errorf("sourced = %v, want %v", shell.sourced, want)
	}
	if want := []string{"python", "-m", "pip", "install", "Cython", "numpy>=1.21", PackagingHelper}; !slices.Equal(shell.runs[2], want) {
		t.Errorf("install command = %v, want %v", shell.runs[2], want)
	}
	if !slices.Contains(written, "interpreter prefix: /work/build/venv") {
		t.Errorf("output = %v, want interpreter prefix line", written)
	}
}

func TestSetupPyBuilder_PrepareEnvironmentFailure(t *testing.T) {
	shell := &mockShell{failOn: "pip"}
	err := NewSetupPyBuilder().PrepareEnvironment(context.Background(), shell, testBuildContext(t), nil)
	if !errors.Is(err, entities.ErrCommandFailed) {
		t.Errorf("PrepareEnvironment() error = %v, want ErrCommandFailed", err)
	}
}

func TestSetupPyBuilder_RunBuildCommands(t *testing.T) {
	bctx := testBuildContext(t)
	bctx.PlatformTag = "linux_aarch64"
	shell := &mockShell{}

	output, err := NewSetupPyBuilder().RunBuildCommands(context.Background(), shell, bctx, []string{"build_ext", "bdist_wheel"})
	if err != nil {
		t.Fatalf("RunBuildCommands() error = %v", err)
	}
	if len(output) != 2 {
		t.Errorf("output = %v, want one line per command", output)
	}

	want := []string{"python", "setup.py", "build_ext",
		"--build-temp=" + filepath.Join(bctx.BuildDir, "temp"), "--plat-name=linux_aarch64"}
	if !slices.Equal(shell.runs[0], want) {
		t.Errorf("first command = %v, want %v", shell.runs[0], want)
	}
}

func TestSetupPyBuilder_RunBuildCommandsStopsOnFailure(t *testing.T) {
	shell := &mockShell{failOn: "build_ext"}

	output, err := NewSetupPyBuilder().RunBuildCommands(context.Background(), shell, testBuildContext(t), []string{"build_ext", "bdist_wheel"})
	if !errors.Is(err, entities.ErrCommandFailed) {
		t.Fatalf("RunBuildCommands() error = %v, want ErrCommandFailed", err)
	}
	if !strings.Contains(err.Error(), "setup.py build_ext") {
		t.Errorf("error should name the subcommand: %v", err)
	}
	if len(shell.runs) != 1 {
		t.Errorf("ran %d commands after a failure, want 1", len(shell.runs))
	}
	if len(output) != 1 {
		t.Errorf("output = %v, want the failing command's output", output)
	}
}

func TestCommandArguments(t *testing.T) {
	bctx := &entities.BuildContext{BuildDir: "/w/build", DistDir: "/w/dist", PlatformTag: "linux_armv7l"}
	noPlat := &entities.BuildContext{BuildDir: "/w/build", DistDir: "/w/dist"}

	tests := []struct {
		command string
		bctx    *entities.BuildContext
		want    []string
	}{
		{"build", bctx, []string{"--build-base=/w/build", "--plat-name=linux_armv7l"}},
		{"build", noPlat, []string{"--build-base=/w/build"}},
		{"build_ext", bctx, []string{"--build-temp=/w/build/temp", "--plat-name=linux_armv7l"}},
		{"build_py", bctx, []string{"--build-lib=/w/build/lib"}},
		{"bdist_wheel", bctx, []string{"--dist-dir=/w/dist", "--bdist-dir=/w/build/wheel", "--plat-name=linux_armv7l"}},
		{"bdist", noPlat, []string{"--dist-dir=/w/dist", "--bdist-base=/w/build/bdist"}},
		{"sdist", bctx, []string{"--dist-dir=/w/dist"}},
		{"egg_info", bctx, nil},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := CommandArguments(tt.command, tt.bctx); !slices.Equal(got, tt.want) {
				t.Errorf("CommandArguments(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestInstallList_DoesNotMutateInput(t *testing.T) {
	deps := make([]string, 1, 4)
	deps[0] = "cython"
	_ = installList(deps)
	if got := deps[:cap(deps)][1]; got != "" {
		t.Errorf("installList wrote %q into the caller's backing array", got)
	}
}
