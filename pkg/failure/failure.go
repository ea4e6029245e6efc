// Package failure defines the error taxonomy shared by the fixture workflow.
//
// Every fatal condition is marked with one of four sentinels so the command
// line can decide how to exit without inspecting messages:
//
//   - ErrPrecondition: ports in use, missing release or output directories,
//     unparseable versions. Raised before any subprocess is spawned.
//   - ErrExternalTool: a shelled-out command exited non-zero or could not start.
//   - ErrTimeout: the readiness budget or a cluster health wait ran out.
//   - ErrHTTP: the node answered a request with a non-2xx status.
package failure

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	ErrPrecondition = errors.New("precondition failed")
	ErrExternalTool = errors.New("external tool failed")
	ErrTimeout      = errors.New("timed out")
	ErrHTTP         = errors.New("http request failed")
)

// Kind classifies an error for exit-code selection.
type Kind string

const (
	KindPrecondition Kind = "precondition"
	KindExternalTool Kind = "external-tool"
	KindTimeout      Kind = "timeout"
	KindHTTP         Kind = "http"
	KindInterrupted  Kind = "interrupted"
	KindUnknown      Kind = "unknown"
)

// Preconditionf returns a precondition error.
func Preconditionf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrPrecondition)
}

// ExternalTool marks err as the failure of the given command line.
func ExternalTool(err error, commandLine string) error {
	return errors.Mark(errors.Wrapf(err, "FAILED: %s", commandLine), ErrExternalTool)
}

// Timeoutf returns a connectivity-timeout error.
func Timeoutf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrTimeout)
}

// HTTP marks err as a non-success response from the node.
func HTTP(err error) error {
	return errors.Mark(err, ErrHTTP)
}

// KindOf reports the taxonomy kind of err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return KindInterrupted
	case errors.Is(err, ErrPrecondition):
		return KindPrecondition
	case errors.Is(err, ErrExternalTool):
		return KindExternalTool
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrHTTP):
		return KindHTTP
	default:
		return KindUnknown
	}
}

// InterruptedExitCode is the exit status after a caught interrupt: the
// termination signal number.
const InterruptedExitCode = 15

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return 0
	case KindPrecondition:
		return 2
	case KindExternalTool:
		return 3
	case KindTimeout:
		return 4
	case KindHTTP:
		return 5
	case KindInterrupted:
		return InterruptedExitCode
	default:
		return 1
	}
}
