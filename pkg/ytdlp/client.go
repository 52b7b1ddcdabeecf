// Package ytdlp wraps the yt-dlp executable.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

const defaultPath = "yt-dlp"

// lineWriter buffers output and hands each complete line to fn. yt-dlp
// redraws progress with \r, so both \r and \n end a line.
type lineWriter struct {
	stream  string
	fn      func(stream, line string)
	buf     bytes.Buffer
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.pending = append(w.pending, p...)

	for {
		idx := bytes.IndexAny(w.pending, "\r\n")
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(w.pending[:idx]))

		skip := 1
		if w.pending[idx] == '\r' && idx+1 < len(w.pending) && w.pending[idx+1] == '\n' {
			skip = 2
		}
		w.pending = w.pending[idx+skip:]

		if line != "" && w.fn != nil {
			w.fn(w.stream, line)
		}
	}
	return len(p), nil
}

type ExecError struct {
	Cmd      string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Cause    error
}

func (e *ExecError) Error() string {
	cmdline := strings.TrimSpace(e.Cmd + " " + strings.Join(e.Args, " "))
	msg := fmt.Sprintf("ytdlp: command failed: %s", cmdline)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("ytdlp: command failed (exit %d): %s", e.ExitCode, cmdline)
	}
	if last := lastLine(e.Stderr); last != "" {
		msg += ": " + last
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Cause }

type Client struct {
	// Path to the yt-dlp executable. Empty means a PATH lookup of "yt-dlp".
	Path string

	// MaxHeight caps the downloaded video height. Zero means no cap.
	MaxHeight int

	// ExtraArgs are passed before per-call args.
	ExtraArgs []string

	// LogCallback receives each line of output. When nil, output is only
	// buffered.
	LogCallback func(stream, line string)

	execFn func(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

func New() *Client {
	return &Client{Path: defaultPath}
}

// PathOrDefault returns the configured path or "yt-dlp" if unset.
func (c *Client) PathOrDefault() string {
	if strings.TrimSpace(c.Path) == "" {
		return defaultPath
	}
	return c.Path
}

func (c *Client) exec(ctx context.Context, args ...string) ([]byte, []byte, error) {
	name := c.PathOrDefault()

	full := make([]string, 0, len(c.ExtraArgs)+len(args)+1)
	full = append(full, c.ExtraArgs...)
	if c.LogCallback != nil {
		full = append(full, "--newline")
	}
	full = append(full, args...)

	if c.execFn != nil {
		return c.execFn(ctx, name, full...)
	}

	slog.Debug("ytdlp: executing", "cmd", name, "args", full)
	cmd := exec.CommandContext(ctx, name, full...)
	stdout := &lineWriter{stream: "stdout", fn: c.LogCallback}
	stderr := &lineWriter{stream: "stderr", fn: c.LogCallback}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	return stdout.buf.Bytes(), stderr.buf.Bytes(), err
}

// Version returns `yt-dlp --version`.
func (c *Client) Version(ctx context.Context) (string, error) {
	args := []string{"--version"}
	stdout, stderr, err := c.exec(ctx, args...)
	if err != nil {
		return "", wrapExecError(c.PathOrDefault(), args, stdout, stderr, err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// Info models the fields of yt-dlp's JSON output that ingestion records.
// The full document is kept in Raw.
type Info struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	WebpageURL   string          `json:"webpage_url"`
	Extractor    string          `json:"extractor"`
	ExtractorKey string          `json:"extractor_key"`
	Uploader     string          `json:"uploader"`
	UploadDate   string          `json:"upload_date"`
	Duration     float64         `json:"duration"`
	Width        int             `json:"width"`
	Height       int             `json:"height"`
	FPS          float64         `json:"fps"`
	Raw          json.RawMessage `json:"-"`
}

func parseInfo(raw []byte) (*Info, error) {
	raw = bytes.TrimSpace(raw)
	info := &Info{Raw: append([]byte(nil), raw...)}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, fmt.Errorf("ytdlp: parse json: %w", err)
	}
	return info, nil
}

// GetInfo runs yt-dlp without downloading and parses its JSON output.
func (c *Client) GetInfo(ctx context.Context, url string, extraArgs ...string) (*Info, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("ytdlp: url is required")
	}

	args := []string{"--dump-single-json", "--skip-download", "--no-playlist"}
	args = append(args, extraArgs...)
	args = append(args, url)

	stdout, stderr, err := c.exec(ctx, args...)
	if err != nil {
		return nil, wrapExecError(c.PathOrDefault(), args, stdout, stderr, err)
	}
	return parseInfo(stdout)
}

func wrapExecError(cmd string, args []string, stdout, stderr []byte, cause error) error {
	exitCode := 0
	var ee *exec.ExitError
	if errors.As(cause, &ee) {
		exitCode = ee.ExitCode()
	}
	return &ExecError{
		Cmd:      cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   strings.TrimSpace(string(stdout)),
		Stderr:   strings.TrimSpace(string(stderr)),
		Cause:    cause,
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
