package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

type execFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Runner executes ffmpeg commands.
type Runner struct {
	// Path to the ffmpeg executable. Empty means a PATH lookup.
	Path string

	execFn execFunc
}

func NewRunner(path string) *Runner {
	return &Runner{Path: path}
}

func (r *Runner) path() string {
	if strings.TrimSpace(r.Path) == "" {
		return "ffmpeg"
	}
	return r.Path
}

// Run executes cmd and waits for it. A non-zero exit yields an *Error
// carrying ffmpeg's stderr.
func (r *Runner) Run(ctx context.Context, cmd *Command) error {
	run := r.execFn
	if run == nil {
		run = execCommand
	}

	args := cmd.Build()
	slog.Debug("ffmpeg: executing", "cmd", r.path(), "args", args)
	_, stderr, err := run(ctx, r.path(), args...)
	if err != nil {
		return &Error{Args: args, Stderr: string(stderr), Err: err}
	}
	return nil
}

// Error is a failed ffmpeg invocation.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	if tail := strings.Join(lines, "\n"); tail != "" {
		return fmt.Sprintf("ffmpeg: %v: %s", e.Err, tail)
	}
	return fmt.Sprintf("ffmpeg: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Command returns the command line that was executed.
func (e *Error) Command() string {
	return "ffmpeg " + strings.Join(e.Args, " ")
}
