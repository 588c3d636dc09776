package gateways

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/interfaces/gateways"
)

// Every command line written to the shell ends by echoing its status
// between these markers.
const (
	sentinelPrefix = "xxxresultxxx:xxx"
	sentinelSuffix = "xxx"
)

var sentinelPattern = regexp.MustCompile(`xxxresultxxx:xxx(-?\d+)xxx$`)

// SDKEnvironmentScript is sourced from the SDK root to activate the toolchain
const SDKEnvironmentScript = "environment-setup"

// DefaultStopTimeout bounds how long Stop waits after SIGTERM before SIGKILL
const DefaultStopTimeout = 5 * time.Second

const stopPollInterval = 100 * time.Millisecond

// DefaultShell is a non-interactive bash that skips the user's rc files
var DefaultShell = []string{"/usr/bin/env", "bash", "--noprofile", "--norc"}

type sessionState int

const (
	stateNotActivated sessionState = iota
	stateActivated
	stateStopped
)

// SubshellOptions configures StartSubshell
type SubshellOptions struct {
	// Dir is the working directory of the shell
	Dir string
	// Shell is the argv used to start the shell, DefaultShell if empty
	Shell []string
	// Env is added to the inherited environment
	Env []string
	// Output receives each command line as it is submitted
	Output entities.EchoFunc
	// Verbose receives each line the shell prints
	Verbose     entities.EchoFunc
	StopTimeout time.Duration
}

// Subshell is one long-lived shell process driven as a synchronous command
// protocol. Environment changes made by a command (sourcing the SDK, a
// virtualenv) persist for the commands after it. One command at a time.
type Subshell struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}

	output      entities.EchoFunc
	verbose     entities.EchoFunc
	stopTimeout time.Duration

	runMu sync.Mutex

	stateMu sync.Mutex
	state   sessionState

	stopOnce sync.Once
	stopErr  error
}

// StartSubshell spawns the shell in opts.Dir. The session starts out not
// activated; call ActivateSDK before Run.
func StartSubshell(ctx context.Context, opts SubshellOptions) (*Subshell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shell := opts.Shell
	if len(shell) == 0 {
		shell = DefaultShell
	}

	//nolint:gosec // G204: the shell command is fixed configuration
	cmd := exec.Command(shell[0], shell[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	// own process group so the whole build tree can be signalled
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create shell stdin: %w", err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create shell output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("failed to start shell %s: %w", strings.Join(shell, " "), err)
	}
	_ = pw.Close()

	s := &Subshell{
		cmd:         cmd,
		stdin:       stdin,
		lines:       make(chan string, 256),
		done:        make(chan struct{}),
		output:      orDiscard(opts.Output),
		verbose:     orDiscard(opts.Verbose),
		stopTimeout: opts.StopTimeout,
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}

	go s.readLines(pr)
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

func orDiscard(fn entities.EchoFunc) entities.EchoFunc {
	if fn == nil {
		return entities.Discard
	}
	return fn
}

// readLines turns the merged output stream into lines; the channel is
// closed when every writer of the pipe is gone.
func (s *Subshell) readLines(r io.ReadCloser) {
	//nolint:errcheck // Defer close on pipe read end
	defer r.Close()
	defer close(s.lines)

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.lines <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			return
		}
	}
}

// Pid is the process id of the shell, which also leads its process group
func (s *Subshell) Pid() int {
	return s.cmd.Process.Pid
}

// ActivateSDK sources the SDK's environment setup script. A failure is fatal
// to the session, which is stopped before returning.
func (s *Subshell) ActivateSDK(ctx context.Context, sdkPath string) error {
	script := filepath.Join(sdkPath, SDKEnvironmentScript)
	_, err := s.exec(ctx, "source "+shellQuote(script), s.verbose, true)
	if err != nil {
		_ = s.Stop()
		return fmt.Errorf("failed to activate SDK %s: %w", sdkPath, err)
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == stateStopped {
		return fmt.Errorf("failed to activate SDK %s: %w", sdkPath, entities.ErrSessionClosed)
	}
	s.state = stateActivated
	return nil
}

// Run executes argv in the shell and blocks until it finishes. A nonzero
// status returns the result together with an *entities.CommandError.
func (s *Subshell) Run(ctx context.Context, argv []string) (*entities.CommandResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return s.exec(ctx, shellJoin(argv), s.output, false)
}

// Source sources script into the session environment
func (s *Subshell) Source(ctx context.Context, script string) error {
	_, err := s.exec(ctx, "source "+shellQuote(script), s.output, false)
	return err
}

func (s *Subshell) exec(ctx context.Context, command string, echo entities.EchoFunc, activating bool) (*entities.CommandResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	switch state := s.currentState(); {
	case state == stateStopped:
		return nil, fmt.Errorf("%w: session is stopped", entities.ErrSessionClosed)
	case state == stateNotActivated && !activating:
		return nil, entities.ErrSessionNotActivated
	}
	select {
	case <-s.done:
		return nil, fmt.Errorf("%w: shell process has exited", entities.ErrSessionClosed)
	default:
	}

	echo(strings.ReplaceAll(command, "\n", `\n`))

	wrapped := fmt.Sprintf("{ %s ; } </dev/null ; echo \"%s$?%s\"\n", command, sentinelPrefix, sentinelSuffix)
	if _, err := io.WriteString(s.stdin, wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", entities.ErrSessionClosed, err)
	}

	var captured []string
	for {
		select {
		case <-ctx.Done():
			s.kill()
			return nil, fmt.Errorf("%w: interrupted while running %s: %w", entities.ErrSessionClosed, command, ctx.Err())
		case line, ok := <-s.lines:
			if !ok {
				s.setState(stateStopped)
				return nil, fmt.Errorf("%w: shell exited while running %s", entities.ErrSessionClosed, command)
			}
			loc := sentinelPattern.FindStringSubmatchIndex(line)
			if loc == nil {
				s.verbose(line)
				captured = append(captured, line)
				continue
			}
			if before := line[:loc[0]]; before != "" {
				s.verbose(before)
				captured = append(captured, before)
			}
			code, err := strconv.Atoi(line[loc[2]:loc[3]])
			if err != nil {
				return nil, fmt.Errorf("malformed exit status in %q: %w", line, err)
			}
			result := &entities.CommandResult{ExitCode: code, Lines: captured}
			if code != 0 {
				return result, &entities.CommandError{Command: command, ExitCode: code, Output: captured}
			}
			return result, nil
		}
	}
}

func (s *Subshell) currentState() sessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Subshell) setState(state sessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

// kill sends SIGKILL to the shell's process group
func (s *Subshell) kill() {
	s.setState(stateStopped)
	_ = unix.Kill(-s.cmd.Process.Pid, unix.SIGKILL)
}

// Stop closes the shell's input, asks its process group to terminate and
// waits for it, escalating to SIGKILL after the stop timeout. Safe to call
// more than once and while a Run is blocked.
func (s *Subshell) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.terminate()
	})
	return s.stopErr
}

func (s *Subshell) terminate() error {
	s.setState(stateStopped)
	_ = s.stdin.Close()

	pgid := -s.cmd.Process.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to signal shell: %w", err)
	}

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(s.stopTimeout)
	for {
		select {
		case <-s.done:
			s.drain()
			return nil
		case now := <-ticker.C:
			if now.After(deadline) {
				_ = unix.Kill(pgid, unix.SIGKILL)
				<-s.done
				s.drain()
				return nil
			}
		}
	}
}

// drain releases the reader goroutine once nobody will consume its lines
func (s *Subshell) drain() {
	go func() {
		for range s.lines {
		}
	}()
}

// WithSDKSubshell starts a shell, activates the SDK in it, runs fn and
// stops the shell on every path out.
func WithSDKSubshell(ctx context.Context, opts SubshellOptions, sdkPath string, fn func(*Subshell) error) (err error) {
	s, err := StartSubshell(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if stopErr := s.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()

	if err := s.ActivateSDK(ctx, sdkPath); err != nil {
		return err
	}
	return fn(s)
}

// SubshellLauncher starts activated subshells for the build orchestrator
type SubshellLauncher struct {
	Shell       []string
	Env         []string
	StopTimeout time.Duration
}

// NewSubshellLauncher creates a launcher using DefaultShell
func NewSubshellLauncher() *SubshellLauncher {
	return &SubshellLauncher{}
}

// Launch starts a shell in dir with the SDK at sdkPath activated
func (l *SubshellLauncher) Launch(ctx context.Context, dir, sdkPath string, output, verbose entities.EchoFunc) (gateways.BuildShell, error) {
	s, err := StartSubshell(ctx, SubshellOptions{
		Dir:         dir,
		Shell:       l.Shell,
		Env:         l.Env,
		Output:      output,
		Verbose:     verbose,
		StopTimeout: l.StopTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := s.ActivateSDK(ctx, sdkPath); err != nil {
		return nil, err
	}
	return s, nil
}
