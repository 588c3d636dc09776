// Package gateways defines contracts for infrastructure the build pipeline drives.
package gateways

import (
	"context"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// BuildShell is a persistent shell with the cross toolchain activated.
// Environment changes made by one call are visible to the next.
type BuildShell interface {
	// Run executes argv and blocks until it finishes
	Run(ctx context.Context, argv []string) (*entities.CommandResult, error)

	// Source sources a script into the shell environment
	Source(ctx context.Context, script string) error

	// Stop terminates the shell. Safe to call more than once.
	Stop() error
}

// ShellLauncher starts a BuildShell in dir with the SDK at sdkPath activated
type ShellLauncher interface {
	Launch(ctx context.Context, dir, sdkPath string, output, verbose entities.EchoFunc) (BuildShell, error)
}

// SourceVerifier checks the integrity of a fetched source archive
type SourceVerifier interface {
	VerifySource(ctx context.Context, archivePath string, verification entities.SourceVerification) error
}
