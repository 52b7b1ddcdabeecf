package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrFormatUnavailable is returned when the source has no format within
// MaxHeight.
var ErrFormatUnavailable = errors.New("ytdlp: no format within the height cap")

// outputBase is the file stem of every download; each job gets its own
// destDir so names never collide.
const outputBase = "media"

type Download struct {
	// Path is the merged media file.
	Path string
	// Info is nil when neither the info JSON nor a metadata query
	// succeeded.
	Info *Info
}

// Download fetches a single video into destDir, remuxed to mp4 where
// possible, together with its info JSON. Metadata is best effort: when the
// info JSON is missing or unreadable it is queried with GetInfo, and a
// failure there leaves Info nil.
func (c *Client) Download(ctx context.Context, url, destDir string, extraArgs ...string) (*Download, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("ytdlp: url is required")
	}
	if strings.TrimSpace(destDir) == "" {
		return nil, errors.New("ytdlp: destDir is required")
	}

	args := []string{
		"-o", filepath.Join(destDir, outputBase+".%(ext)s"),
		"--format", c.formatSelector(),
		"--merge-output-format", "mp4",
		"--remux-video", "mp4",
		"--write-info-json",
		"--no-playlist",
		"--no-colors",
		"--no-simulate",
		"--print", "after_move:filepath",
	}
	args = append(args, extraArgs...)
	args = append(args, url)

	stdout, stderr, err := c.exec(ctx, args...)
	if err != nil {
		execErr := wrapExecError(c.PathOrDefault(), args, stdout, stderr, err)
		if c.MaxHeight > 0 && strings.Contains(string(stderr), "Requested format is not available") {
			return nil, fmt.Errorf("%w (%dp): %w", ErrFormatUnavailable, c.MaxHeight, execErr)
		}
		return nil, execErr
	}

	path := lastLine(string(stdout))
	if path == "" || !fileExists(path) {
		path = findMedia(destDir)
	}
	if path == "" {
		return nil, fmt.Errorf("ytdlp: no media file produced in %s", destDir)
	}

	info, err := readInfo(filepath.Join(destDir, outputBase+".info.json"))
	if err != nil {
		slog.Warn("ytdlp: info json unusable, querying metadata", "url", url, "error", err)
		info, err = c.GetInfo(ctx, url, extraArgs...)
		if err != nil {
			slog.Warn("ytdlp: metadata unavailable", "url", url, "error", err)
			info = nil
		}
	}
	return &Download{Path: path, Info: info}, nil
}

func readInfo(path string) (*Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ytdlp: read info json: %w", err)
	}
	return parseInfo(raw)
}

// formatSelector never falls back to a format above MaxHeight.
func (c *Client) formatSelector() string {
	if c.MaxHeight <= 0 {
		return "bestvideo+bestaudio/best"
	}
	return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", c.MaxHeight, c.MaxHeight)
}

var mediaExts = []string{".mp4", ".webm", ".mkv", ".mov"}

// findMedia returns the largest media file in dir, preferring mp4.
func findMedia(dir string) string {
	best, bestRank := "", len(mediaExts)
	var bestSize int64 = -1
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.IsDir() || strings.Contains(e.Name(), ".part") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		rank := slices.Index(mediaExts, ext)
		if rank < 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if rank < bestRank || (rank == bestRank && info.Size() > bestSize) {
			best, bestRank, bestSize = filepath.Join(dir, e.Name()), rank, info.Size()
		}
	}
	return best
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
