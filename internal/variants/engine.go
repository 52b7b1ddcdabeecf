// Package variants renders user-specific derivatives of shared source assets
// from edit manifests.
package variants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"thirdcoast.systems/postmedia/internal/blobstore"
	"thirdcoast.systems/postmedia/internal/db"
	"thirdcoast.systems/postmedia/internal/events"
	"thirdcoast.systems/postmedia/internal/metrics"
	"thirdcoast.systems/postmedia/pkg/ffmpeg"
)

var (
	ErrNotFound = errors.New("variant: not found")

	// ErrAssetNotReady is returned when the user video's source asset has no
	// stored media yet. No variant row is created.
	ErrAssetNotReady = errors.New("variant: source asset not ready")

	errVariantGone = errors.New("variant deleted during rendering")
)

type Transcoder interface {
	Run(ctx context.Context, cmd *ffmpeg.Command) error
}

type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
}

type Config struct {
	SpoolDir   string
	Timeout    time.Duration
	StuckAfter time.Duration
}

func (c *Config) setDefaults() {
	if c.SpoolDir == "" {
		c.SpoolDir = os.TempDir()
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = time.Hour
	}
}

// Result is the outcome of a variant request. Rendering failures are
// reported here with StatusFailed rather than as an error.
type Result struct {
	VariantID  uuid.UUID
	StorageURI string
	Status     db.VariantStatus
	Error      string
}

type Engine struct {
	store      db.Store
	blobs      blobstore.Store
	transcoder Transcoder
	prober     Prober
	cfg        Config

	notifier events.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(n events.Notifier) Option { return func(e *Engine) { e.notifier = n } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }

func New(store db.Store, blobs blobstore.Store, transcoder Transcoder, prober Prober, cfg Config, opts ...Option) *Engine {
	cfg.setDefaults()
	e := &Engine{
		store:      store,
		blobs:      blobs,
		transcoder: transcoder,
		prober:     prober,
		cfg:        cfg,
		notifier:   events.Nop{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateVariant records a variant of the user video and renders it before
// returning. A rendering failure is recorded on the row and returned as a
// failed Result with a nil error.
func (e *Engine) CreateVariant(ctx context.Context, userVideoID uuid.UUID, manifest db.EditManifest, kind db.VariantKind) (*Result, error) {
	v, asset, err := e.insert(ctx, userVideoID, manifest, kind, db.VariantStatusProcessing)
	if err != nil {
		return nil, err
	}
	return e.render(ctx, v, asset), nil
}

// SubmitVariant records a queued variant for the encoder and returns
// without rendering.
func (e *Engine) SubmitVariant(ctx context.Context, userVideoID uuid.UUID, manifest db.EditManifest, kind db.VariantKind) (*Result, error) {
	v, _, err := e.insert(ctx, userVideoID, manifest, kind, db.VariantStatusQueued)
	if err != nil {
		return nil, err
	}
	e.logger.Info("variant queued", "variant_id", db.GoUUID(v.ID), "user_video_id", userVideoID)
	return &Result{VariantID: db.GoUUID(v.ID), Status: v.Status}, nil
}

// ProcessNextVariant claims the oldest queued variant and renders it. It
// returns nil when the queue is empty.
func (e *Engine) ProcessNextVariant(ctx context.Context) (*Result, error) {
	v, err := e.store.DequeueVideoVariant(ctx)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue variant: %w", err)
	}

	asset, err := e.store.GetSourceAsset(ctx, v.DerivedFromAssetID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get source asset: %w", err)
	}
	return e.render(ctx, v, asset), nil
}

// ProcessPendingVariants renders queued variants one at a time until the
// queue is empty or ctx is done, returning how many were processed.
func (e *Engine) ProcessPendingVariants(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		res, err := e.ProcessNextVariant(ctx)
		if err != nil {
			return n, err
		}
		if res == nil {
			break
		}
		n++
	}
	return n, nil
}

func (e *Engine) insert(ctx context.Context, userVideoID uuid.UUID, manifest db.EditManifest, kind db.VariantKind, status db.VariantStatus) (*db.VideoVariant, *db.SourceAsset, error) {
	if kind == "" {
		kind = db.VariantKindEdit
	}
	switch kind {
	case db.VariantKindEdit, db.VariantKindCaptioned, db.VariantKindClipped:
	default:
		return nil, nil, fmt.Errorf("unknown variant kind %q", kind)
	}
	if err := manifest.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		v     *db.VideoVariant
		asset *db.SourceAsset
	)
	err := e.store.InTx(ctx, func(q db.Querier) error {
		uv, err := q.GetUserVideo(ctx, db.UUID(userVideoID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user video %s: %w", userVideoID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get user video: %w", err)
		}

		asset, err = q.GetSourceAsset(ctx, uv.AssetID)
		if err != nil {
			return fmt.Errorf("get source asset: %w", err)
		}
		if asset.Status != db.AssetStatusReady || asset.StorageURI == nil {
			return fmt.Errorf("asset %s is %s: %w", db.GoUUID(asset.ID), asset.Status, ErrAssetNotReady)
		}

		v, err = q.InsertVideoVariant(ctx, &db.InsertVideoVariantParams{
			UserVideoID:        uv.ID,
			UserID:             uv.UserID,
			DerivedFromAssetID: asset.ID,
			VariantKind:        kind,
			EditManifest:       manifest,
			Status:             status,
		})
		if err != nil {
			return fmt.Errorf("insert variant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return v, asset, nil
}

// render produces the variant's media and records the outcome on its row.
func (e *Engine) render(ctx context.Context, v *db.VideoVariant, asset *db.SourceAsset) *Result {
	start := e.now()
	id := db.GoUUID(v.ID)
	log := e.logger.With("variant_id", id, "user_video_id", db.GoUUID(v.UserVideoID), "asset_id", db.GoUUID(v.DerivedFromAssetID))
	log.Info("variant rendering started", "kind", v.VariantKind)

	renderCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	done, err := e.transcode(renderCtx, v, asset, log)
	if err == nil {
		err = e.complete(ctx, done)
		if errors.Is(err, errVariantGone) {
			if e.completedElsewhere(ctx, v.ID, done.StorageURI) {
				log.Info("variant already completed by another render", "uri", db.Deref(done.StorageURI))
				return &Result{VariantID: id, StorageURI: db.Deref(done.StorageURI), Status: db.VariantStatusReady}
			}
			if derr := e.blobs.Delete(ctx, db.Deref(done.StorageURI)); derr != nil {
				log.Warn("failed to delete media of deleted variant", "uri", db.Deref(done.StorageURI), "error", derr)
			}
		}
	}

	took := e.now().Sub(start)
	if err != nil {
		log.Error("variant rendering failed", "error", err, "took", took)
		e.metrics.VariantFinished("failed", took)
		e.fail(ctx, v, err)
		return &Result{VariantID: id, Status: db.VariantStatusFailed, Error: err.Error()}
	}

	log.Info("variant ready",
		"uri", db.Deref(done.StorageURI),
		"size", humanize.Bytes(uint64(db.Deref(done.SizeBytes))),
		"took", took,
	)
	e.metrics.VariantFinished("ready", took)
	e.publish(ctx, events.Event{
		Type:        events.VariantReady,
		VariantID:   id.String(),
		AssetID:     db.GoUUID(v.DerivedFromAssetID).String(),
		UserID:      db.GoUUID(v.UserID).String(),
		UserVideoID: db.GoUUID(v.UserVideoID).String(),
	})
	return &Result{VariantID: id, StorageURI: db.Deref(done.StorageURI), Status: db.VariantStatusReady}
}

func (e *Engine) transcode(ctx context.Context, v *db.VideoVariant, asset *db.SourceAsset, log *slog.Logger) (*db.CompleteVideoVariantParams, error) {
	if asset == nil || asset.Status != db.AssetStatusReady || asset.StorageURI == nil {
		return nil, ErrAssetNotReady
	}

	if err := os.MkdirAll(e.cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	scratch, err := os.MkdirTemp(e.cfg.SpoolDir, "variant-"+db.GoUUID(v.ID).String()+"-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	src, err := e.blobs.Fetch(ctx, *asset.StorageURI, scratch)
	if err != nil {
		return nil, fmt.Errorf("fetch source media: %w", err)
	}

	duration := db.Deref(asset.DurationSeconds)
	if duration <= 0 {
		probe, err := e.prober.Probe(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("probe source: %w", err)
		}
		duration = probe.Duration
	}

	opts, ext, err := Compile(v.EditManifest, duration)
	if err != nil {
		return nil, fmt.Errorf("compile edit manifest: %w", err)
	}

	out := filepath.Join(scratch, "variant"+ext)
	if err := e.transcoder.Run(ctx, ffmpeg.NewCommand(src, out, opts...)); err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}

	probe, err := e.prober.Probe(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("probe output: %w", err)
	}
	hash, size, err := blobstore.HashFile(out)
	if err != nil {
		return nil, fmt.Errorf("hash output: %w", err)
	}
	log.Debug("variant transcoded", "size", humanize.Bytes(uint64(size)), "sha256", hash)

	key := blobstore.VariantKey(db.GoUUID(v.UserID), db.GoUUID(v.UserVideoID), db.GoUUID(v.ID), hash, ext)
	uri, err := e.blobs.Put(ctx, key, out)
	if err != nil {
		return nil, fmt.Errorf("store variant: %w", err)
	}

	p := &db.CompleteVideoVariantParams{
		ID:          v.ID,
		StorageURI:  &uri,
		ContentHash: &hash,
		SizeBytes:   &size,
	}
	if probe.Duration > 0 {
		p.DurationSeconds = &probe.Duration
	}
	if probe.Width > 0 && probe.Height > 0 {
		w, h := int32(probe.Width), int32(probe.Height)
		p.Width, p.Height = &w, &h
	}
	if probe.FPS > 0 {
		p.Fps = &probe.FPS
	}
	return p, nil
}

func (e *Engine) complete(ctx context.Context, p *db.CompleteVideoVariantParams) error {
	n, err := e.store.CompleteVideoVariant(ctx, p)
	if err != nil {
		return fmt.Errorf("complete variant: %w", err)
	}
	if n == 0 {
		return errVariantGone
	}
	return nil
}

// completedElsewhere reports whether a concurrent render of the same row
// already recorded uri as the variant's media. Identical output maps to the
// same storage key, so that media must not be deleted.
func (e *Engine) completedElsewhere(ctx context.Context, id pgtype.UUID, uri *string) bool {
	cur, err := e.store.GetVideoVariant(ctx, id)
	if err != nil {
		return false
	}
	return cur.Status == db.VariantStatusReady && cur.StorageURI != nil && uri != nil && *cur.StorageURI == *uri
}

func (e *Engine) fail(ctx context.Context, v *db.VideoVariant, cause error) {
	msg := cause.Error()
	n, err := e.store.FailVideoVariant(ctx, &db.FailVideoVariantParams{ID: v.ID, Error: &msg})
	if err != nil {
		e.logger.Error("failed to record variant failure", "variant_id", db.GoUUID(v.ID), "error", err)
		return
	}
	if n == 0 {
		return
	}
	e.publish(ctx, events.Event{
		Type:        events.VariantFailed,
		VariantID:   db.GoUUID(v.ID).String(),
		AssetID:     db.GoUUID(v.DerivedFromAssetID).String(),
		UserID:      db.GoUUID(v.UserID).String(),
		UserVideoID: db.GoUUID(v.UserVideoID).String(),
		Error:       msg,
	})
}

// DeleteVariant removes the variant row and its stored media. The source
// asset is not touched.
func (e *Engine) DeleteVariant(ctx context.Context, variantID uuid.UUID) error {
	v, err := e.store.DeleteVideoVariant(ctx, db.UUID(variantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("variant %s: %w", variantID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}

	if uri := db.Deref(v.StorageURI); uri != "" {
		if err := e.blobs.Delete(ctx, uri); err != nil {
			e.logger.Warn("failed to delete variant media", "variant_id", variantID, "uri", uri, "error", err)
		}
	}
	e.logger.Info("variant deleted", "variant_id", variantID)
	return nil
}

func (e *Engine) GetVariant(ctx context.Context, variantID uuid.UUID) (*db.VideoVariant, error) {
	v, err := e.store.GetVideoVariant(ctx, db.UUID(variantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// ListVariants returns the user video's variants, newest first.
func (e *Engine) ListVariants(ctx context.Context, userVideoID uuid.UUID) ([]*db.VideoVariant, error) {
	return e.store.ListVideoVariantsByUserVideo(ctx, db.UUID(userVideoID))
}

// ResetStuckVariants returns variants that have been processing longer than
// the stuck threshold to the queue.
func (e *Engine) ResetStuckVariants(ctx context.Context) (int, error) {
	n, err := e.store.ResetStuckVideoVariants(ctx, db.Timestamptz(e.now().Add(-e.cfg.StuckAfter)))
	if err != nil {
		return 0, fmt.Errorf("reset stuck variants: %w", err)
	}
	if n > 0 {
		e.logger.Warn("requeued stuck variants", "count", n)
	}
	return int(n), nil
}

func (e *Engine) publish(ctx context.Context, evt events.Event) {
	if evt.At.IsZero() {
		evt.At = e.now().UTC()
	}
	if err := e.notifier.Publish(ctx, evt); err != nil {
		e.logger.Warn("failed to publish event", "type", evt.Type, "error", err)
	}
}
