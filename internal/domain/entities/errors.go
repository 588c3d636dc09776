package entities

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the build pipeline. Match them with errors.Is.
var (
	ErrFetchFailed           = errors.New("fetch failed")
	ErrVerificationFailed    = errors.New("source verification failed")
	ErrPathTraversal         = errors.New("path traversal")
	ErrUnsupportedMemberType = errors.New("unsupported archive member type")
	ErrSessionClosed         = errors.New("subshell closed")
	ErrSessionNotActivated   = errors.New("subshell not activated")
	ErrCommandFailed         = errors.New("command failed")
	ErrNoArtifactProduced    = errors.New("no artifact produced")
)

// FetchError reports a download that did not complete
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Is makes FetchError match ErrFetchFailed
func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }

// Unwrap returns the transport error, if any
func (e *FetchError) Unwrap() error { return e.Err }

// ArchiveMemberError rejects a whole archive because of one member
type ArchiveMemberError struct {
	Member string
	// Kind is ErrPathTraversal or ErrUnsupportedMemberType
	Kind   error
	Detail string
}

func (e *ArchiveMemberError) Error() string {
	return fmt.Sprintf("will not unpack archive member %s: %v: %s", e.Member, e.Kind, e.Detail)
}

// Unwrap returns the error kind
func (e *ArchiveMemberError) Unwrap() error { return e.Kind }

// CommandError is a command that ran to completion with a nonzero status
type CommandError struct {
	Command  string
	ExitCode int
	Output   []string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed with status %d: %s", e.ExitCode, e.Command)
}

// Is makes CommandError match ErrCommandFailed
func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

// CapturedOutput returns the command output joined by newlines
func (e *CommandError) CapturedOutput() string {
	return strings.Join(e.Output, "\n")
}

// StageError attributes a pipeline failure to the stage it happened in
type StageError struct {
	Stage BuildStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

// Unwrap returns the stage failure
func (e *StageError) Unwrap() error { return e.Err }
