package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Invocation describes one call to an external tool.
type Invocation struct {
	Tool    string
	Command []string
	Workdir string
	// Stdin is fed to the process and never recorded in diagnostics.
	Stdin string
	Env   []string
}

// String renders the command line for logs.
func (i Invocation) String() string {
	return strings.Join(i.Command, " ")
}

// Diagnostics captures execution details for an invocation.
type Diagnostics struct {
	Command  []string      `json:"command"`
	Workdir  string        `json:"workdir,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Output returns stdout followed by stderr.
func (d *Diagnostics) Output() string {
	if d == nil {
		return ""
	}
	if d.Stderr == "" {
		return d.Stdout
	}
	if d.Stdout == "" {
		return d.Stderr
	}
	return d.Stdout + "\n" + d.Stderr
}

// ExitError reports a tool that ran and exited non-zero.
type ExitError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Executor runs invocations. A non-zero exit yields diagnostics and an
// *ExitError; a tool that could not be started yields only an error.
type Executor interface {
	Exec(ctx context.Context, inv Invocation) (*Diagnostics, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inv Invocation) (*Diagnostics, error)

// Exec calls f.
func (f ExecutorFunc) Exec(ctx context.Context, inv Invocation) (*Diagnostics, error) {
	return f(ctx, inv)
}

const waitDelay = time.Second

// ExecRunner runs invocations as local processes.
type ExecRunner struct{}

// NewExecRunner creates a process executor.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Exec runs the command and captures its output.
func (r *ExecRunner) Exec(ctx context.Context, inv Invocation) (*Diagnostics, error) {
	if len(inv.Command) == 0 {
		return nil, fmt.Errorf("invocation requires a command")
	}

	cmd := exec.CommandContext(ctx, inv.Command[0], inv.Command[1:]...)
	// Grandchildren may hold the output pipes open after a kill.
	cmd.WaitDelay = waitDelay
	if inv.Workdir != "" {
		cmd.Dir = inv.Workdir
	}
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	diag := &Diagnostics{
		Command:  append([]string{}, inv.Command...),
		Workdir:  inv.Workdir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", toolName(inv), err)
		}
		diag.ExitCode = exitErr.ExitCode()
		return diag, &ExitError{Tool: toolName(inv), ExitCode: diag.ExitCode, Stderr: diag.Stderr}
	}

	return diag, nil
}

func toolName(inv Invocation) string {
	if inv.Tool != "" {
		return inv.Tool
	}
	return inv.Command[0]
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}
