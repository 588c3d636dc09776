package gateways

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// Distribution file suffixes setup.py produces
const (
	WheelSuffix = ".whl"
	SdistSuffix = ".tar.gz"
)

// DistributionSuffix is the suffix of the artifact a command list produces:
// a wheel when bdist_wheel runs, a source tarball for sdist-only builds.
func DistributionSuffix(commands []string) string {
	if slices.Contains(commands, "bdist_wheel") {
		return WheelSuffix
	}
	if slices.Contains(commands, "sdist") {
		return SdistSuffix
	}
	return WheelSuffix
}

// OutputArtifactScanner discovers the artifact from the build tool's
// console output, e.g.
//
//	creating '/work/dist/numpy-1.23.3-cp310-cp310-linux_aarch64.whl' and adding 'build' to it
type OutputArtifactScanner struct{}

// NewOutputArtifactScanner creates a new output scanner
func NewOutputArtifactScanner() *OutputArtifactScanner {
	return &OutputArtifactScanner{}
}

// DiscoverArtifact returns the file name of the first artifact a
// "creating" line names
func (s *OutputArtifactScanner) DiscoverArtifact(in entities.DiscoveryInput) (string, error) {
	suffix := DistributionSuffix(in.Commands)
	for _, line := range in.Output {
		if !strings.Contains(strings.ToLower(line), "creating") {
			continue
		}
		for _, token := range strings.Fields(line) {
			token = strings.Trim(token, `'"`+"`,;:()[]")
			if strings.HasSuffix(token, suffix) && len(token) > len(suffix) {
				return filepath.Base(token), nil
			}
		}
	}
	return "", fmt.Errorf("%w: no %s file named in build output", entities.ErrNoArtifactProduced, suffix)
}

// DistDirArtifactFinder discovers the artifact by looking in the
// distribution directory for the newest file with the expected suffix that
// was written during this build
type DistDirArtifactFinder struct{}

// NewDistDirArtifactFinder creates a new distribution directory finder
func NewDistDirArtifactFinder() *DistDirArtifactFinder {
	return &DistDirArtifactFinder{}
}

// DiscoverArtifact returns the newest matching file name in in.DistDir
// modified at or after in.Since
func (f *DistDirArtifactFinder) DiscoverArtifact(in entities.DiscoveryInput) (string, error) {
	suffix := DistributionSuffix(in.Commands)
	matches, err := filepath.Glob(filepath.Join(in.DistDir, "*"+suffix))
	if err != nil {
		return "", fmt.Errorf("failed to glob pattern *%s: %w", suffix, err)
	}

	// mtimes on some filesystems only have second resolution
	since := in.Since.Truncate(time.Second)

	var newest string
	var newestMod int64
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if !in.Since.IsZero() && info.ModTime().Before(since) {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = match, mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w: no new %s file in %s", entities.ErrNoArtifactProduced, suffix, in.DistDir)
	}
	return filepath.Base(newest), nil
}

// ArtifactDiscoverer is one discovery strategy
type ArtifactDiscoverer interface {
	DiscoverArtifact(in entities.DiscoveryInput) (string, error)
}

// FirstArtifactDiscoverer tries strategies in order and returns the first hit
type FirstArtifactDiscoverer []ArtifactDiscoverer

// DiscoverArtifact runs each strategy until one finds an artifact
func (c FirstArtifactDiscoverer) DiscoverArtifact(in entities.DiscoveryInput) (string, error) {
	var errs []error
	for _, d := range c {
		name, err := d.DiscoverArtifact(in)
		if err == nil {
			return name, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: no discovery strategy configured", entities.ErrNoArtifactProduced)
	}
	return "", errors.Join(errs...)
}

// DefaultDiscovery is the strategy used when none is configured
const DefaultDiscovery = "output"

// NewArtifactDiscoverer resolves a strategy name: "output" (the default),
// "dist" or "auto" (output first, then the distribution directory)
func NewArtifactDiscoverer(strategy string) (ArtifactDiscoverer, error) {
	switch strategy {
	case "", "output":
		return NewOutputArtifactScanner(), nil
	case "dist":
		return NewDistDirArtifactFinder(), nil
	case "auto":
		return FirstArtifactDiscoverer{NewOutputArtifactScanner(), NewDistDirArtifactFinder()}, nil
	default:
		return nil, fmt.Errorf("unknown discovery strategy %q (want output, dist or auto)", strategy)
	}
}
