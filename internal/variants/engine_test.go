package variants

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"thirdcoast.systems/postmedia/internal/assets"
	"thirdcoast.systems/postmedia/internal/blobstore"
	"thirdcoast.systems/postmedia/internal/db"
	"thirdcoast.systems/postmedia/internal/db/memstore"
	"thirdcoast.systems/postmedia/internal/events"
	"thirdcoast.systems/postmedia/internal/metrics"
	"thirdcoast.systems/postmedia/pkg/ffmpeg"
)

// fakeTranscoder writes the argument list, or content when set, to the
// output path.
type fakeTranscoder struct {
	mu      sync.Mutex
	runs    [][]string
	err     error
	hook    func()
	content []byte
}

func (f *fakeTranscoder) Run(_ context.Context, cmd *ffmpeg.Command) error {
	args := cmd.Build()
	f.mu.Lock()
	f.runs = append(f.runs, args)
	f.mu.Unlock()

	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return f.err
	}
	out := []byte(strings.Join(args, " "))
	if f.content != nil {
		out = f.content
	}
	return os.WriteFile(args[len(args)-1], out, 0o644)
}

type fakeProber struct{}

func (fakeProber) Probe(context.Context, string) (*ffmpeg.ProbeResult, error) {
	return &ffmpeg.ProbeResult{Width: 640, Height: 360, FPS: 25, Duration: 4}, nil
}

type fixture struct {
	store      *memstore.Store
	blobs      *blobstore.FileStore
	blobRoot   string
	transcoder *fakeTranscoder
	recorder   *events.Recorder
	registry   *prometheus.Registry
	svc        *assets.Service
	engine     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      memstore.New(),
		blobRoot:   t.TempDir(),
		transcoder: &fakeTranscoder{},
		recorder:   &events.Recorder{},
		registry:   prometheus.NewRegistry(),
	}
	var err error
	f.blobs, err = blobstore.NewFileStore(f.blobRoot)
	require.NoError(t, err)

	f.svc = assets.NewService(f.store, f.blobs)
	f.engine = New(f.store, f.blobs, f.transcoder, fakeProber{}, Config{SpoolDir: t.TempDir()},
		WithNotifier(f.recorder),
		WithMetrics(metrics.New(f.registry)),
	)
	return f
}

// userVideo ingests url for a new user and, when ready is set, stores
// source media and marks the asset ready.
func (f *fixture) userVideo(t *testing.T, url string, ready bool) *assets.IngestResult {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Ingest(ctx, uuid.New(), url)
	require.NoError(t, err)
	if !ready {
		return res
	}

	src := filepath.Join(t.TempDir(), "media.mp4")
	require.NoError(t, os.WriteFile(src, []byte("source of "+url), 0o644))
	hash, _, err := blobstore.HashFile(src)
	require.NoError(t, err)
	uri, err := f.blobs.Put(ctx, blobstore.AssetKey(res.AssetID, hash, ".mp4"), src)
	require.NoError(t, err)

	duration := 30.0
	f.store.UpdateSourceAsset(db.UUID(res.AssetID), func(a *db.SourceAsset) {
		a.Status = db.AssetStatusReady
		a.StorageURI = &uri
		a.ContentHash = &hash
		a.DurationSeconds = &duration
	})
	return res
}

func trimManifest() db.EditManifest {
	return db.EditManifest{
		Cuts:   []db.CutRange{{Start: 2, End: 6}},
		Output: db.OutputSpec{Format: "mp4", Quality: "low"},
	}
}

func TestCreateVariant_Ready(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", true)

	res, err := f.engine.CreateVariant(context.Background(), uv.UserVideoID, trimManifest(), db.VariantKindClipped)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusReady, res.Status)
	require.Empty(t, res.Error)

	v, err := f.engine.GetVariant(context.Background(), res.VariantID)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusReady, v.Status)
	require.Equal(t, db.VariantKindClipped, v.VariantKind)
	require.Equal(t, res.StorageURI, db.Deref(v.StorageURI))
	require.Equal(t, int32(640), db.Deref(v.Width))
	require.Equal(t, 4.0, db.Deref(v.DurationSeconds))
	require.Equal(t, uv.AssetID, db.GoUUID(v.DerivedFromAssetID))

	path := strings.TrimPrefix(res.StorageURI, "file://")
	require.FileExists(t, path)
	rel, err := filepath.Rel(f.blobRoot, path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rel, filepath.Join("variants", db.GoUUID(v.UserID).String(), uv.UserVideoID.String())))

	require.Len(t, f.transcoder.runs, 1)
	require.Contains(t, strings.Join(f.transcoder.runs[0], " "), "between(t,2.000,6.000)")

	require.Equal(t, []events.Type{events.VariantReady}, f.recorder.Types())
	require.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(`
# HELP postmedia_variants_total Variant renders by result.
# TYPE postmedia_variants_total counter
postmedia_variants_total{result="ready"} 1
`), "postmedia_variants_total"))

	a, err := f.svc.GetAsset(context.Background(), uv.AssetID)
	require.NoError(t, err)
	require.Equal(t, int32(1), a.Refcount, "variants do not reference the asset")
}

func TestCreateVariant_AssetNotReady(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://example.com/pending", false)

	_, err := f.engine.CreateVariant(context.Background(), uv.UserVideoID, trimManifest(), db.VariantKindEdit)
	require.ErrorIs(t, err, ErrAssetNotReady)
	require.Empty(t, f.store.VideoVariants())
	require.Empty(t, f.transcoder.runs)
}

func TestCreateVariant_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://example.com/ready", true)
	ctx := context.Background()

	_, err := f.engine.CreateVariant(ctx, uuid.New(), trimManifest(), db.VariantKindEdit)
	require.ErrorIs(t, err, ErrNotFound)

	bad := db.EditManifest{Cuts: []db.CutRange{{Start: 5, End: 1}}}
	_, err = f.engine.CreateVariant(ctx, uv.UserVideoID, bad, db.VariantKindEdit)
	require.Error(t, err)

	_, err = f.engine.CreateVariant(ctx, uv.UserVideoID, trimManifest(), db.VariantKind("remix"))
	require.Error(t, err)

	require.Empty(t, f.store.VideoVariants())
}

func TestCreateVariant_TranscodeFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.transcoder.err = &ffmpeg.Error{Args: []string{"-i", "x"}, Stderr: "Invalid data found", Err: errors.New("exit status 1")}
	uv := f.userVideo(t, "https://example.com/ready", true)

	res, err := f.engine.CreateVariant(context.Background(), uv.UserVideoID, trimManifest(), db.VariantKindEdit)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusFailed, res.Status)
	require.Contains(t, res.Error, "transcode")

	v, err := f.engine.GetVariant(context.Background(), res.VariantID)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusFailed, v.Status)
	require.Nil(t, v.StorageURI)
	require.Contains(t, db.Deref(v.Error), "Invalid data found")
	require.Equal(t, []events.Type{events.VariantFailed}, f.recorder.Types())
}

func TestCreateVariant_CutsPastTheEndFail(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://example.com/ready", true)

	m := db.EditManifest{Cuts: []db.CutRange{{Start: 40, End: 50}}}
	res, err := f.engine.CreateVariant(context.Background(), uv.UserVideoID, m, db.VariantKindClipped)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusFailed, res.Status)
	require.Contains(t, res.Error, ErrCutsOutsideSource.Error())
	require.Empty(t, f.transcoder.runs)

	v, err := f.engine.GetVariant(context.Background(), res.VariantID)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusFailed, v.Status)
	require.Nil(t, v.StorageURI)
}

func TestSubmitVariant_ProcessedByQueue(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://example.com/ready", true)
	ctx := context.Background()

	first, err := f.engine.SubmitVariant(ctx, uv.UserVideoID, trimManifest(), db.VariantKindEdit)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusQueued, first.Status)
	second, err := f.engine.SubmitVariant(ctx, uv.UserVideoID, db.EditManifest{}, db.VariantKindEdit)
	require.NoError(t, err)
	require.Empty(t, f.transcoder.runs)

	res, err := f.engine.ProcessNextVariant(ctx)
	require.NoError(t, err)
	require.Equal(t, first.VariantID, res.VariantID, "oldest first")
	require.Equal(t, db.VariantStatusReady, res.Status)

	n, err := f.engine.ProcessPendingVariants(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err = f.engine.ProcessNextVariant(ctx)
	require.NoError(t, err)
	require.Nil(t, res)

	list, err := f.engine.ListVariants(ctx, uv.UserVideoID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.VariantID, db.GoUUID(list[0].ID), "newest first")
	for _, v := range list {
		require.Equal(t, db.VariantStatusReady, v.Status)
	}
}

func TestDeleteVariant(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://example.com/ready", true)
	ctx := context.Background()

	res, err := f.engine.CreateVariant(ctx, uv.UserVideoID, trimManifest(), db.VariantKindEdit)
	require.NoError(t, err)
	path := strings.TrimPrefix(res.StorageURI, "file://")
	require.FileExists(t, path)

	require.NoError(t, f.engine.DeleteVariant(ctx, res.VariantID))
	require.NoFileExists(t, path)
	require.ErrorIs(t, f.engine.DeleteVariant(ctx, res.VariantID), ErrNotFound)

	_, err = f.engine.GetVariant(ctx, res.VariantID)
	require.ErrorIs(t, err, ErrNotFound)

	a, err := f.svc.GetAsset(ctx, uv.AssetID)
	require.NoError(t, err)
	require.Equal(t, db.AssetStatusReady, a.Status)
	require.Equal(t, int32(1), a.Refcount)
}

func TestCreateVariant_DeletedWhileRendering(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://example.com/ready", true)
	ctx := context.Background()

	f.transcoder.hook = func() {
		for _, v := range f.store.VideoVariants() {
			require.NoError(t, f.engine.DeleteVariant(ctx, db.GoUUID(v.ID)))
		}
	}

	res, err := f.engine.CreateVariant(ctx, uv.UserVideoID, trimManifest(), db.VariantKindEdit)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusFailed, res.Status)
	require.Equal(t, errVariantGone.Error(), res.Error)

	_, err = os.Stat(filepath.Join(f.blobRoot, "variants"))
	require.True(t, os.IsNotExist(err), "rendered media of a deleted variant is removed")
}

func TestRender_RequeuedDuplicateKeepsWinnerMedia(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://example.com/ready", true)
	ctx := context.Background()

	_, err := f.engine.SubmitVariant(ctx, uv.UserVideoID, trimManifest(), db.VariantKindEdit)
	require.NoError(t, err)

	// The first render stalls long enough to be requeued, and a second render
	// of the same row finishes first with identical output.
	f.transcoder.content = []byte("rendered")
	f.transcoder.hook = func() {
		f.transcoder.hook = nil
		f.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		n, err := f.engine.ResetStuckVariants(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		winner, err := f.engine.ProcessNextVariant(ctx)
		require.NoError(t, err)
		require.Equal(t, db.VariantStatusReady, winner.Status)
	}

	res, err := f.engine.ProcessNextVariant(ctx)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusReady, res.Status)

	variants := f.store.VideoVariants()
	require.Len(t, variants, 1)
	require.Equal(t, db.VariantStatusReady, variants[0].Status)
	require.Equal(t, res.StorageURI, db.Deref(variants[0].StorageURI))

	local, err := f.blobs.Fetch(ctx, res.StorageURI, t.TempDir())
	require.NoError(t, err)
	require.FileExists(t, local)
	require.Equal(t, []events.Type{events.VariantReady}, f.recorder.Types())
}

func TestResetStuckVariants(t *testing.T) {
	f := newFixture(t)
	uv := f.userVideo(t, "https://example.com/ready", true)
	ctx := context.Background()

	res, err := f.engine.SubmitVariant(ctx, uv.UserVideoID, trimManifest(), db.VariantKindEdit)
	require.NoError(t, err)
	_, err = f.store.DequeueVideoVariant(ctx)
	require.NoError(t, err)

	n, err := f.engine.ResetStuckVariants(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = f.engine.ResetStuckVariants(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	v, err := f.engine.GetVariant(ctx, res.VariantID)
	require.NoError(t, err)
	require.Equal(t, db.VariantStatusQueued, v.Status)
}
