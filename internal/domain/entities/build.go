package entities

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EchoFunc receives one line of build output, without its trailing newline
type EchoFunc func(string)

// Discard is an EchoFunc that drops its input
func Discard(string) {}

// BuildStage names one step of the build pipeline
type BuildStage string

// Pipeline stages in execution order
const (
	StageFetch    BuildStage = "fetch"
	StageVerify   BuildStage = "verify"
	StageExtract  BuildStage = "extract"
	StagePrepare  BuildStage = "prepare"
	StageBuild    BuildStage = "build"
	StageDiscover BuildStage = "discover"
)

// DefaultPython is the interpreter command used inside the build shell
const DefaultPython = "python"

// BuildContext is the configuration of a single package build.
// It is read-only once the build starts.
type BuildContext struct {
	SDKPath     string
	DownloadDir string
	UnpackDir   string
	BuildDir    string
	DistDir     string
	// PlatformTag is the wheel platform tag of the target, e.g. linux_aarch64
	PlatformTag string
	Python      string

	Output  EchoFunc
	Verbose EchoFunc
}

// NewBuildContext lays out download, unpack and build directories under
// workDir and creates them along with distDir.
func NewBuildContext(workDir, distDir, sdkPath string) (*BuildContext, error) {
	bctx := &BuildContext{
		SDKPath:     sdkPath,
		DownloadDir: filepath.Join(workDir, "download"),
		UnpackDir:   filepath.Join(workDir, "unpack"),
		BuildDir:    filepath.Join(workDir, "build"),
		DistDir:     distDir,
		Python:      DefaultPython,
		Output:      Discard,
		Verbose:     Discard,
	}
	for _, dir := range []string{bctx.DownloadDir, bctx.UnpackDir, bctx.BuildDir, bctx.DistDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create work directory %s: %w", dir, err)
		}
	}
	return bctx, nil
}

// Write sends a line to the normal output sink
func (c *BuildContext) Write(line string) {
	if c.Output != nil {
		c.Output(line)
	}
}

// WriteVerbose sends a line to the verbose output sink
func (c *BuildContext) WriteVerbose(line string) {
	if c.Verbose != nil {
		c.Verbose(line)
	}
}

// Interpreter returns the configured interpreter command
func (c *BuildContext) Interpreter() string {
	if c.Python == "" {
		return DefaultPython
	}
	return c.Python
}

// VenvDir is where the isolated interpreter environment is created
func (c *BuildContext) VenvDir() string {
	return filepath.Join(c.BuildDir, "venv")
}

// BuildRequest is the input of one pipeline run
type BuildRequest struct {
	Name         string
	Version      string
	Source       SourceDescriptor
	Verification SourceVerification
	// Commands are setup.py subcommands, run in order
	Commands     []string
	Dependencies []string
}

// DiscoveryInput is what an artifact discovery strategy gets to look at
type DiscoveryInput struct {
	// Output is the accumulated output of all build commands
	Output   []string
	Commands []string
	DistDir  string
	// Since is when the build started. Files in DistDir older than it
	// belong to earlier builds. The zero value disables the check.
	Since time.Time
}
