package pipeline

import (
	"errors"
	"fmt"

	"github.com/zen-systems/shipgate/pkg/toolchain"
)

// ErrAborted reports an operator abort.
var ErrAborted = errors.New("run aborted by operator")

// ToolInvocationError reports an external tool that exited non-zero or could
// not be started. ExitCode is -1 when the tool never ran.
type ToolInvocationError struct {
	Stage    string
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *ToolInvocationError) Unwrap() error {
	return e.Err
}

// ScanError reports a vulnerability scan that did not pass.
type ScanError struct {
	Stage    string
	Image    string
	ExitCode int
	Report   string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("stage %s: vulnerability scan of %s failed (exit status %d)", e.Stage, e.Image, e.ExitCode)
}

// GateRejectedError reports an approval gate that was rejected or timed out.
type GateRejectedError struct {
	Stage    string
	Actor    string
	Reason   string
	TimedOut bool
}

func (e *GateRejectedError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("stage %s: approval timed out", e.Stage)
	}
	msg := fmt.Sprintf("stage %s: approval rejected", e.Stage)
	if e.Actor != "" {
		msg += " by " + e.Actor
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// toolError converts an executor error into a *ToolInvocationError.
func toolError(stage, tool string, err error) error {
	var exitErr *toolchain.ExitError
	if errors.As(err, &exitErr) {
		return &ToolInvocationError{
			Stage:    stage,
			Tool:     exitErr.Tool,
			ExitCode: exitErr.ExitCode,
			Stderr:   exitErr.Stderr,
			Err:      err,
		}
	}
	return &ToolInvocationError{Stage: stage, Tool: tool, ExitCode: -1, Err: err}
}
