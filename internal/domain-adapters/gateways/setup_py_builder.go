package gateways

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/interfaces/gateways"
)

// PackagingHelper is installed into every build environment
const PackagingHelper = "wheel"

// SetupPyBuilder prepares an isolated interpreter environment in a build
// shell and drives setup.py subcommands in it.
type SetupPyBuilder struct{}

// NewSetupPyBuilder creates a new setup.py builder
func NewSetupPyBuilder() *SetupPyBuilder {
	return &SetupPyBuilder{}
}

// PrepareEnvironment creates a virtual environment under the build
// directory, activates it in the shell and installs deps plus the packaging
// helper.
func (b *SetupPyBuilder) PrepareEnvironment(ctx context.Context, shell gateways.BuildShell, bctx *entities.BuildContext, deps []string) error {
	py := bctx.Interpreter()
	venv := bctx.VenvDir()

	if _, err := shell.Run(ctx, []string{py, "-m", "venv", venv}); err != nil {
		return fmt.Errorf("failed to create virtual environment: %w", err)
	}
	if err := shell.Source(ctx, filepath.Join(venv, "bin", "activate")); err != nil {
		return fmt.Errorf("failed to activate virtual environment: %w", err)
	}

	result, err := shell.Run(ctx, []string{py, "-c", "import sys; print(sys.prefix)"})
	if err != nil {
		return fmt.Errorf("interpreter check failed: %w", err)
	}
	bctx.Write("interpreter prefix: " + result.Output())

	install := append([]string{py, "-m", "pip", "install"}, installList(deps)...)
	if _, err := shell.Run(ctx, install); err != nil {
		return fmt.Errorf("failed to install build dependencies: %w", err)
	}
	return nil
}

// RunBuildCommands runs each setup.py subcommand in order and returns the
// output of all of them. On failure the output gathered so far is returned
// along with the error.
func (b *SetupPyBuilder) RunBuildCommands(ctx context.Context, shell gateways.BuildShell, bctx *entities.BuildContext, commands []string) ([]string, error) {
	var output []string
	for _, command := range commands {
		argv := append([]string{bctx.Interpreter(), "setup.py", command}, CommandArguments(command, bctx)...)
		result, err := shell.Run(ctx, argv)
		if result != nil {
			output = append(output, result.Lines...)
		}
		if err != nil {
			return output, fmt.Errorf("setup.py %s: %w", command, err)
		}
	}
	return output, nil
}

// CommandArguments maps a setup.py subcommand to the flags that point its
// output at the build context. Unrecognised commands get no flags.
func CommandArguments(command string, bctx *entities.BuildContext) []string {
	var args []string
	switch command {
	case "build":
		args = []string{"--build-base=" + bctx.BuildDir}
		args = appendPlatform(args, bctx)
	case "build_ext":
		args = []string{"--build-temp=" + filepath.Join(bctx.BuildDir, "temp")}
		args = appendPlatform(args, bctx)
	case "build_py":
		args = []string{"--build-lib=" + filepath.Join(bctx.BuildDir, "lib")}
	case "bdist_wheel":
		args = []string{
			"--dist-dir=" + bctx.DistDir,
			"--bdist-dir=" + filepath.Join(bctx.BuildDir, "wheel"),
		}
		args = appendPlatform(args, bctx)
	case "bdist":
		args = []string{
			"--dist-dir=" + bctx.DistDir,
			"--bdist-base=" + filepath.Join(bctx.BuildDir, "bdist"),
		}
		args = appendPlatform(args, bctx)
	case "sdist":
		args = []string{"--dist-dir=" + bctx.DistDir}
	}
	return args
}

func appendPlatform(args []string, bctx *entities.BuildContext) []string {
	if bctx.PlatformTag == "" {
		return args
	}
	return append(args, "--plat-name="+bctx.PlatformTag)
}

// installList dedupes deps case-insensitively and adds the packaging helper
func installList(deps []string) []string {
	seen := make(map[string]bool, len(deps)+1)
	out := make([]string, 0, len(deps)+1)
	for _, dep := range append(slices.Clone(deps), PackagingHelper) {
		key := strings.ToLower(strings.TrimSpace(dep))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(dep))
	}
	return out
}
