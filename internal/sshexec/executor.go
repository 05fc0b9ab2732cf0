// Package sshexec is the sole way any other package in this daemon touches a
// remote host. It runs one shell command over SSH, captures
// stdout/stderr/exit status, and enforces a per-command timeout. Everything
// above this package -- node probing, inventory, the sync/recovery/migration
// pipelines -- is string composition of shell pipelines executed through
// here; nothing else shells out directly.
//
// Host-key verification is intentionally relaxed (StrictHostKeyChecking=no,
// known_hosts suppressed): node identity is established by explicit
// registration in the Job Store, not by trust-on-first-use.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandExecutor abstracts exec.CommandContext for dependency injection.
type CommandExecutor interface {
	CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd
}

type defaultExecutor struct{}

func (defaultExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	// #nosec G204 -- command name/args are assembled from vetted call sites
	// (node fields + narrowly-validated job parameters), never raw user input.
	return exec.CommandContext(ctx, name, args...)
}

// NewDefaultExecutor returns the os/exec-backed CommandExecutor used in production.
func NewDefaultExecutor() CommandExecutor { return defaultExecutor{} }

// Target identifies the remote endpoint for a single command.
type Target struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Success  bool
	// Combined interleaves Stdout and Stderr in the order bytes arrived,
	// which some parsers (e.g. syncoid's "transferred" line) need because
	// the tool writes progress to one stream and the summary to the other.
	Combined string
	TimedOut bool
}

// DistributeResult is the outcome of DistributeKey.
type DistributeResult struct {
	Success        bool
	AlreadyPresent bool
}

// Executor runs commands against Targets via CommandExecutor.
type Executor struct {
	exec CommandExecutor
}

// Option configures an Executor.
type Option func(*Executor)

// WithCommandExecutor injects a CommandExecutor, used in tests to avoid
// spawning a real ssh binary.
func WithCommandExecutor(ce CommandExecutor) Option {
	return func(e *Executor) { e.exec = ce }
}

// New creates an Executor. With no options it shells out to the real ssh binary.
func New(opts ...Option) *Executor {
	e := &Executor{exec: NewDefaultExecutor()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs command on target over SSH, killing it if timeout elapses.
// Partial output captured before a kill is still returned alongside the
// timeout error.
func (e *Executor) Execute(ctx context.Context, target Target, command string, timeout time.Duration) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := sshArgs(target)
	args = append(args, "--", command)

	cmd := e.exec.CommandContext(cctx, "ssh", args...)

	var stdout, stderr, combined syncBuffer
	cmd.Stdout = &multiWriter{&stdout, &combined}
	cmd.Stderr = &multiWriter{&stderr, &combined}

	runErr := cmd.Run()

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
	}

	if cctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, fmt.Errorf("command timed out after %s: %s", timeout, command)
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Success = false
			return result, nil
		}
		return result, fmt.Errorf("ssh execute: %w", runErr)
	}

	result.ExitCode = 0
	result.Success = true
	return result, nil
}

// DistributeKey installs pubKey into target's ~/.ssh/authorized_keys using
// password auth, idempotently. Requires sshpass on the control plane
// for non-interactive password entry, matching how a provisioning script
// bootstraps a node before key auth exists.
func (e *Executor) DistributeKey(ctx context.Context, target Target, password, pubKey string) (DistributeResult, error) {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	remote := fmt.Sprintf(
		`mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && `+
			`(grep -qF %s ~/.ssh/authorized_keys && echo ALREADY_PRESENT || `+
			`(echo %s >> ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys && echo INSTALLED))`,
		shellQuote(pubKey), shellQuote(pubKey),
	)

	args := []string{"-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null"}
	if target.Port != 0 {
		args = append(args, "-p", fmt.Sprintf("%d", target.Port))
	}
	args = append(args, fmt.Sprintf("%s@%s", target.User, target.Host), "--", remote)

	cmd := e.exec.CommandContext(cctx, "sshpass", append([]string{"-p", password, "ssh"}, args...)...)

	var out syncBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return DistributeResult{}, fmt.Errorf("distribute key: %w: %s", err, out.String())
	}

	text := out.String()
	return DistributeResult{
		Success:        true,
		AlreadyPresent: containsToken(text, "ALREADY_PRESENT"),
	}, nil
}

func sshArgs(t Target) []string {
	args := []string{"-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null"}
	if t.KeyPath != "" {
		args = append(args, "-i", t.KeyPath)
	}
	if t.Port != 0 {
		args = append(args, "-p", fmt.Sprintf("%d", t.Port))
	}
	args = append(args, fmt.Sprintf("%s@%s", t.User, t.Host))
	return args
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func containsToken(haystack, needle string) bool {
	return bytes.Contains([]byte(haystack), []byte(needle))
}

// syncBuffer is a bytes.Buffer safe for concurrent writes: exec.Cmd reads
// stdout and stderr on separate goroutines, and both streams fan into the
// same "combined" buffer via multiWriter.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// multiWriter fans writes out to two buffers without pulling in io.MultiWriter
// semantics that stop on the first error (our buffers never error).
type multiWriter struct {
	a, b *syncBuffer
}

func (m *multiWriter) Write(p []byte) (int, error) {
	m.a.Write(p)
	return m.b.Write(p)
}
