// Package entities defines core domain models and data structures.
package entities

import "strings"

// Artifact is a distribution produced by a package build
type Artifact struct {
	Name     string
	Version  string
	Platform string
	Filename string
	Path     string
}

// CommandResult is the outcome of one command run in a build shell
type CommandResult struct {
	ExitCode int
	// Lines is the combined stdout/stderr in arrival order, sentinel removed
	Lines []string
}

// Output returns the captured lines joined by newlines
func (r *CommandResult) Output() string {
	return strings.Join(r.Lines, "\n")
}
