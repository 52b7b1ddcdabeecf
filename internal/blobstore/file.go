package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps objects as files below a root directory.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("blobstore: empty file root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) uri(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

func (s *FileStore) pathOf(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	p := filepath.Clean(filepath.FromSlash(u.Path))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("blobstore: %q is outside %s", uri, s.root)
	}
	return p, nil
}

func (s *FileStore) Put(_ context.Context, key, localPath string) (string, error) {
	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(dest, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("blobstore: key %q escapes root", key)
	}

	if _, err := os.Stat(dest); err == nil {
		_ = os.Remove(localPath)
		return s.uri(dest), nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	// Rename is atomic on one device. Across devices copy to a temp file
	// beside dest first so readers never see a partial object.
	if err := os.Rename(localPath, dest); err != nil {
		tmp := dest + ".partial"
		if err := copyFile(localPath, tmp); err != nil {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("copy blob: %w", err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			_ = os.Remove(tmp)
			return "", fmt.Errorf("commit blob: %w", err)
		}
		if err := os.Remove(localPath); err != nil {
			slog.Warn("failed to remove source after copy", "path", localPath, "error", err)
		}
	}
	return s.uri(dest), nil
}

func (s *FileStore) Delete(_ context.Context, uri string) error {
	p, err := s.pathOf(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	// Drop now-empty key directories up to the root; failures are harmless.
	for dir := filepath.Dir(p); dir != s.root && strings.HasPrefix(dir, s.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// Fetch returns the object's own path; nothing is copied.
func (s *FileStore) Fetch(_ context.Context, uri, _ string) (string, error) {
	p, err := s.pathOf(uri)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		return "", err
	}
	return p, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
