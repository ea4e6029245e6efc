package command

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/cuemby/bwcgen/pkg/metrics"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// String renders the command line shell-quoted, for logs and errors.
func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Tool is the short name used as a metrics label.
func (c Command) Tool() string {
	return filepath.Base(c.Name)
}

// Result is what a finished command left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs commands to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct {
	Logger zerolog.Logger
}

// NewOSRunner creates a runner logging through logger.
func NewOSRunner(logger zerolog.Logger) *OSRunner {
	return &OSRunner{Logger: logger}
}

// Run executes cmd and waits for it. A start failure or non-zero exit is an
// external-tool failure carrying the command line and captured stderr; the
// Result is returned in both cases.
func (r *OSRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	r.Logger.Info().Str("dir", cmd.Dir).Msgf("*** Running: %s", cmd)

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		ExitCode: c.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		metrics.CommandsTotal.WithLabelValues(cmd.Tool(), "failed").Inc()
		if ctx.Err() != nil {
			return res, errors.Wrapf(ctx.Err(), "running %s", cmd)
		}
		if msg := strings.TrimSpace(res.Stderr); msg != "" {
			err = errors.Wrapf(err, "%s", truncate(msg, 2000))
		}
		return res, failure.ExternalTool(err, cmd.String())
	}

	metrics.CommandsTotal.WithLabelValues(cmd.Tool(), "ok").Inc()
	r.Logger.Debug().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Str("stdout", truncate(res.Stdout, 200)).
		Msg("command finished")
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
