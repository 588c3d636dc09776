package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gookit/color"
	"golang.org/x/sys/unix"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// status line styles
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.Success
)

// buildOutput serialises build log lines from concurrent package builds
// onto one writer, prefixing each with the package it came from
type buildOutput struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

func newBuildOutput(w io.Writer, verbose bool) *buildOutput {
	return &buildOutput{w: w, verbose: verbose}
}

// sinks returns the normal and verbose sinks for one package. The verbose
// sink drops its input unless verbose output was requested.
func (o *buildOutput) sinks(pkg string) (output, verbose entities.EchoFunc) {
	output = func(line string) { o.printf("[%s] %s\n", pkg, line) }
	if !o.verbose {
		return output, entities.Discard
	}
	return output, func(line string) { o.printf("[%s] %s\n", pkg, line) }
}

func (o *buildOutput) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = fmt.Fprintf(o.w, format, args...)
}

// status prints a coloured status line
func (o *buildOutput) status(style *color.Theme, format string, args ...any) {
	o.printf("%s\n", style.Sprintf(format, args...))
}

// openOutput resolves the --output flag; "-" is stdout
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	//nolint:gosec // G304: the build log path comes from the command line
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open build log %s: %w", path, err)
	}
	return f, f.Close, nil
}

// isTerminal reports whether f is attached to a terminal
func isTerminal(f *os.File) bool {
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
