package application

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"thirdcoast.systems/postmedia/internal/blobstore"
	"thirdcoast.systems/postmedia/internal/config"
	"thirdcoast.systems/postmedia/internal/events"
)

func TestOpenBlobstore_File(t *testing.T) {
	root := t.TempDir()
	var conf config.Config
	conf.Storage.BlobstoreURL = "file://" + root

	store, err := OpenBlobstore(context.Background(), conf)
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "a.mp4")
	require.NoError(t, os.WriteFile(src, []byte("media"), 0o644))
	uri, err := store.Put(context.Background(), "assets/x/a.mp4", src)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(root, "assets", "x", "a.mp4"))

	require.NoError(t, store.Delete(context.Background(), uri))
	require.NoFileExists(t, filepath.Join(root, "assets", "x", "a.mp4"))

	err = store.Delete(context.Background(), "s3://bucket/key")
	require.ErrorIs(t, err, blobstore.ErrUnsupportedScheme)
}

func TestOpenBlobstore_LegacySchemeMustDiffer(t *testing.T) {
	var conf config.Config
	conf.Storage.BlobstoreURL = "file://" + t.TempDir()
	conf.Storage.LegacyBlobstoreURL = "file://" + t.TempDir()

	_, err := OpenBlobstore(context.Background(), conf)
	require.Error(t, err)
}

func TestNewNotifier_DisabledWithoutBrokers(t *testing.T) {
	var conf config.Config
	require.IsType(t, events.Nop{}, NewNotifier(conf))

	conf.Events.KafkaBrokers = "localhost:9092"
	conf.Events.KafkaTopic = "media.events"
	n := NewNotifier(conf)
	require.IsType(t, &events.KafkaNotifier{}, n)
	require.NoError(t, n.Close())
}

func TestOpsServer(t *testing.T) {
	m, reg := NewMetrics()
	m.IngestRequest("reused")

	var readyErr error
	e := NewOpsServer(reg, func(context.Context) error { return readyErr })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	readyErr = errors.New("database unreachable")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `postmedia_ingest_requests_total{action="reused"} 1`)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestScheme(t *testing.T) {
	require.Equal(t, "s3", scheme("s3://bucket/prefix"))
	require.Equal(t, "file", scheme("file:///var/lib"))
	require.Equal(t, "file", scheme("/var/lib"))
}
