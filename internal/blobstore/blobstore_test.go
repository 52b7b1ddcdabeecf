package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestKeys(t *testing.T) {
	asset := uuid.MustParse("8a0f3c52-9a57-4d43-9a53-7c3a3b0c8d11")
	user := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	uv := uuid.MustParse("66666666-7777-8888-9999-aaaaaaaaaaaa")
	variant := uuid.MustParse("bbbbbbbb-cccc-dddd-eeee-ffffffffffff")
	hash := strings.Repeat("ab", 32)

	require.Equal(t, "assets/8a0f3c52-9a57-4d43-9a53-7c3a3b0c8d11/abababababababab.mp4", AssetKey(asset, hash, ".MP4"))
	require.Equal(t,
		"variants/11111111-2222-3333-4444-555555555555/66666666-7777-8888-9999-aaaaaaaaaaaa/bbbbbbbb-cccc-dddd-eeee-ffffffffffff-abababababababab.webm",
		VariantKey(user, uv, variant, hash, "webm"))
}

func TestHashFile(t *testing.T) {
	p := writeTemp(t, t.TempDir(), "a.bin", "hello")
	h, n, err := HashFile(p)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h)
}

func TestFileStore_PutFetchDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewFileStore(root)
	require.NoError(t, err)

	src := writeTemp(t, t.TempDir(), "video.mp4", "frames")
	uri, err := fs.Put(ctx, "assets/x/abc.mp4", src)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file:///"), uri)

	p, err := fs.Fetch(ctx, uri, t.TempDir())
	require.NoError(t, err)
	body, err := os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "frames", string(body))

	again := writeTemp(t, t.TempDir(), "video.mp4", "other")
	uri2, err := fs.Put(ctx, "assets/x/abc.mp4", again)
	require.NoError(t, err)
	require.Equal(t, uri, uri2)
	body, err = os.ReadFile(p)
	require.NoError(t, err)
	require.Equal(t, "frames", string(body), "existing object must not be overwritten")

	require.NoError(t, fs.Delete(ctx, uri))
	require.NoError(t, fs.Delete(ctx, uri), "deleting twice succeeds")
	_, err = fs.Fetch(ctx, uri, t.TempDir())
	require.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(filepath.Join(root, "assets"))
	require.True(t, os.IsNotExist(err), "empty key directories are pruned")
}

func TestFileStore_RejectsForeignPaths(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.Error(t, fs.Delete(ctx, "file:///etc/passwd"))
	_, err = fs.Put(ctx, "../escape.mp4", writeTemp(t, t.TempDir(), "a", "x"))
	require.Error(t, err)
	require.ErrorIs(t, fs.Delete(ctx, "s3://bucket/key"), ErrUnsupportedScheme)
}

func TestMux_RoutesByScheme(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	mux := NewMux(fs).Handle("file", fs)

	uri, err := mux.Put(ctx, "k.mp4", writeTemp(t, t.TempDir(), "k.mp4", "x"))
	require.NoError(t, err)
	_, err = mux.Fetch(ctx, uri, "")
	require.NoError(t, err)
	require.NoError(t, mux.Delete(ctx, uri))

	require.ErrorIs(t, mux.Delete(ctx, "s3://bucket/k.mp4"), ErrUnsupportedScheme)
	require.ErrorIs(t, mux.Delete(ctx, "not a uri"), ErrUnsupportedScheme)
}

func TestOpen(t *testing.T) {
	root := t.TempDir()
	st, err := Open(context.Background(), "file://"+filepath.ToSlash(root), S3Config{})
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, st)

	_, err = Open(context.Background(), "gs://bucket", S3Config{})
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}
