// Package blobstore persists downloaded and rendered media under stable keys
// and addresses it by URI (file:// or s3://).
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("blob not found")
	ErrUnsupportedScheme = errors.New("unsupported blob uri scheme")
)

// Store writes local files under a key and resolves the resulting URIs.
type Store interface {
	// Put stores the file at localPath under key and returns its URI. If an
	// object already exists under key it is kept and its URI returned.
	// localPath must not be used after Put.
	Put(ctx context.Context, key, localPath string) (string, error)
	// Delete removes the object at uri. Deleting a missing object succeeds.
	Delete(ctx context.Context, uri string) error
	// Fetch makes the object at uri available as a local file, downloading
	// into destDir when needed.
	Fetch(ctx context.Context, uri, destDir string) (string, error)
}

// hashPrefixLen is how much of the content hash goes into object keys.
const hashPrefixLen = 16

// AssetKey is the storage key of a source asset's media.
func AssetKey(assetID uuid.UUID, contentHash, ext string) string {
	return path.Join("assets", assetID.String(), shortHash(contentHash)+cleanExt(ext))
}

// VariantKey is the storage key of a rendered variant.
func VariantKey(userID, userVideoID, variantID uuid.UUID, contentHash, ext string) string {
	name := variantID.String() + "-" + shortHash(contentHash) + cleanExt(ext)
	return path.Join("variants", userID.String(), userVideoID.String(), name)
}

func shortHash(h string) string {
	if len(h) > hashPrefixLen {
		return h[:hashPrefixLen]
	}
	return h
}

func cleanExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// HashFile returns the hex sha256 and size of the file at p.
func HashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Open returns the Store for a BLOBSTORE_URL such as
// file:///var/lib/postmedia/blobs or s3://bucket/prefix.
func Open(ctx context.Context, rawURL string, s3cfg S3Config) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse blobstore url: %w", err)
	}
	switch u.Scheme {
	case "file", "":
		return NewFileStore(u.Path)
	case "s3":
		s3cfg.Bucket = u.Host
		s3cfg.Prefix = strings.Trim(u.Path, "/")
		return NewS3Store(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Mux routes Delete and Fetch by URI scheme and writes new objects to
// Primary. Objects written before a storage migration stay reachable.
type Mux struct {
	Primary Store
	schemes map[string]Store
}

func NewMux(primary Store) *Mux {
	return &Mux{Primary: primary, schemes: map[string]Store{}}
}

// Handle registers s for URIs with the given scheme.
func (m *Mux) Handle(scheme string, s Store) *Mux {
	m.schemes[scheme] = s
	return m
}

func (m *Mux) Put(ctx context.Context, key, localPath string) (string, error) {
	return m.Primary.Put(ctx, key, localPath)
}

func (m *Mux) Delete(ctx context.Context, uri string) error {
	s, err := m.route(uri)
	if err != nil {
		return err
	}
	return s.Delete(ctx, uri)
}

func (m *Mux) Fetch(ctx context.Context, uri, destDir string) (string, error) {
	s, err := m.route(uri)
	if err != nil {
		return "", err
	}
	return s.Fetch(ctx, uri, destDir)
}

func (m *Mux) route(uri string) (Store, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, uri)
	}
	if s, ok := m.schemes[scheme]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
}
