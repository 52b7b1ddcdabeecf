// Package worker downloads queued source assets, stores their media and
// marks them ready.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
	"thirdcoast.systems/postmedia/internal/assets"
	"thirdcoast.systems/postmedia/internal/blobstore"
	"thirdcoast.systems/postmedia/internal/db"
	"thirdcoast.systems/postmedia/internal/events"
	"thirdcoast.systems/postmedia/internal/metrics"
	"thirdcoast.systems/postmedia/pkg/ffmpeg"
	"thirdcoast.systems/postmedia/pkg/ytdlp"
)

var (
	ErrDownload = errors.New("download failed")
	ErrProbe    = errors.New("probe failed")
	ErrStorage  = errors.New("storage failed")

	// ErrAssetRemoved reports that every reference to the asset was dropped
	// while its job ran.
	ErrAssetRemoved = errors.New("asset removed during ingestion")

	errClaimLost = errors.New("job is no longer running")
)

type Downloader interface {
	Download(ctx context.Context, url, destDir string, extraArgs ...string) (*ytdlp.Download, error)
}

type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
}

type Config struct {
	SpoolDir        string
	Concurrency     int
	BatchSize       int
	JobTimeout      time.Duration
	StuckAfter      time.Duration
	MaxAttempts     int
	ConflictRetries int
}

func (c *Config) setDefaults() {
	if c.SpoolDir == "" {
		c.SpoolDir = os.TempDir()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ConflictRetries < 0 {
		c.ConflictRetries = 0
	}
}

type Worker struct {
	store      db.Store
	blobs      blobstore.Store
	downloader Downloader
	prober     Prober
	cfg        Config

	notifier events.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Worker)

func WithNotifier(n events.Notifier) Option { return func(w *Worker) { w.notifier = n } }
func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(w *Worker) { w.logger = l } }

func New(store db.Store, blobs blobstore.Store, dl Downloader, prober Prober, cfg Config, opts ...Option) *Worker {
	cfg.setDefaults()
	w := &Worker{
		store:      store,
		blobs:      blobs,
		downloader: dl,
		prober:     prober,
		cfg:        cfg,
		notifier:   events.Nop{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProcessJob claims and runs one queued job. A job that is not queued is
// left alone and nil is returned.
func (w *Worker) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := w.store.ClaimIngestionJob(ctx, db.UUID(jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		w.logger.Debug("job not queued, skipping", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	return w.run(ctx, job)
}

// ProcessPendingJobs runs up to one batch of queued jobs, Concurrency at a
// time. Each job is claimed only when a slot is free to run it, so its
// started_at never includes time spent waiting. A failing job never affects
// its siblings. It returns how many jobs were claimed.
func (w *Worker) ProcessPendingJobs(ctx context.Context) (int, error) {
	var (
		mu       sync.Mutex
		claimed  int
		claimErr error
	)
	next := func() *db.IngestionJob {
		mu.Lock()
		defer mu.Unlock()
		if claimed >= w.cfg.BatchSize || claimErr != nil || ctx.Err() != nil {
			return nil
		}
		jobs, err := w.store.ClaimQueuedIngestionJobs(ctx, 1)
		if err != nil {
			claimErr = fmt.Errorf("claim queued job: %w", err)
			return nil
		}
		if len(jobs) == 0 {
			return nil
		}
		claimed++
		return jobs[0]
	}

	var g errgroup.Group
	for range min(w.cfg.Concurrency, w.cfg.BatchSize) {
		g.Go(func() error {
			for job := next(); job != nil; job = next() {
				_ = w.run(ctx, job)
			}
			return nil
		})
	}
	_ = g.Wait()
	return claimed, claimErr
}

// run executes a claimed job to completion. Failures are recorded on the job
// and the asset and also returned.
func (w *Worker) run(ctx context.Context, job *db.IngestionJob) error {
	start := w.now()
	jobID, assetID := db.GoUUID(job.ID), db.GoUUID(job.AssetID)
	log := w.logger.With("job_id", jobID, "asset_id", assetID, "attempt", job.Attempts)
	log.Info("ingestion started", "url", job.SourceURLNormalized)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	ready, err := w.fetch(jobCtx, job, log)
	if err == nil {
		err = w.finalize(ctx, job, ready)
		if errors.Is(err, ErrAssetRemoved) {
			if derr := w.blobs.Delete(ctx, db.Deref(ready.StorageURI)); derr != nil {
				log.Warn("failed to delete media of removed asset", "uri", db.Deref(ready.StorageURI), "error", derr)
			}
		}
	}

	took := w.now().Sub(start)
	if err != nil {
		log.Error("ingestion failed", "error", err, "took", took)
		w.metrics.JobFinished("failed", took)
		if !errors.Is(err, errClaimLost) {
			w.fail(ctx, job, err)
		}
		return err
	}

	log.Info("ingestion succeeded",
		"uri", db.Deref(ready.StorageURI),
		"size", humanize.Bytes(uint64(db.Deref(ready.SizeBytes))),
		"duration_s", db.Deref(ready.DurationSeconds),
		"took", took,
	)
	w.metrics.JobFinished("succeeded", took)
	w.publish(ctx, events.Event{Type: events.AssetReady, AssetID: assetID.String(), JobID: jobID.String()})
	return nil
}

// fetch downloads, hashes, probes and stores the media. The returned params
// carry everything but the row identity.
func (w *Worker) fetch(ctx context.Context, job *db.IngestionJob, log *slog.Logger) (*db.MarkSourceAssetReadyParams, error) {
	if err := os.MkdirAll(w.cfg.SpoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create spool dir: %v", ErrStorage, err)
	}
	scratch, err := os.MkdirTemp(w.cfg.SpoolDir, "job-"+db.GoUUID(job.ID).String()+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: create scratch dir: %v", ErrStorage, err)
	}
	defer os.RemoveAll(scratch)

	dl, err := w.downloader.Download(ctx, job.SourceURLRaw, scratch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	hash, size, err := blobstore.HashFile(dl.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %v", ErrStorage, err)
	}

	probe, err := w.prober.Probe(ctx, dl.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbe, err)
	}
	log.Debug("media downloaded", "path", dl.Path, "size", humanize.Bytes(uint64(size)), "sha256", hash)

	key := blobstore.AssetKey(db.GoUUID(job.AssetID), hash, filepath.Ext(dl.Path))
	uri, err := w.blobs.Put(ctx, key, dl.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	p := &db.MarkSourceAssetReadyParams{
		StorageURI:      &uri,
		ContentHash:     &hash,
		SizeBytes:       &size,
		DurationSeconds: positive(probe.Duration),
		Width:           positiveInt(probe.Width),
		Height:          positiveInt(probe.Height),
		Fps:             positive(probe.FPS),
	}
	if info := dl.Info; info != nil {
		p.Title = cleanText(info.Title)
		p.Uploader = cleanText(info.Uploader)
		p.UploadDate = cleanText(info.UploadDate)
	}
	return p, nil
}

// finalize marks the asset ready and the job succeeded in one transaction.
func (w *Worker) finalize(ctx context.Context, job *db.IngestionJob, ready *db.MarkSourceAssetReadyParams) error {
	_, err := db.RetryOnConflict(ctx, w.cfg.ConflictRetries, w.metrics.ConflictRetry, func() (struct{}, error) {
		return struct{}{}, w.store.InTx(ctx, func(q db.Querier) error {
			asset, err := q.GetSourceAssetForUpdate(ctx, job.AssetID)
			if err != nil {
				return fmt.Errorf("get asset: %w", err)
			}

			lc, err := assets.LifecycleOf(asset)
			if err != nil {
				return err
			}
			if lc.Status() == db.AssetStatusRemoved {
				return ErrAssetRemoved
			}
			if _, err := lc.MarkReady(); err != nil {
				return err
			}

			arg := *ready
			arg.ID = asset.ID
			arg.Version = asset.Version
			n, err := q.MarkSourceAssetReady(ctx, &arg)
			if err != nil {
				return fmt.Errorf("mark asset ready: %w", err)
			}
			if n == 0 {
				return db.ErrRaceConflict
			}

			n, err = q.CompleteIngestionJob(ctx, job.ID)
			if err != nil {
				return fmt.Errorf("complete job: %w", err)
			}
			if n == 0 {
				return errClaimLost
			}
			return nil
		})
	})
	return err
}

// fail records err on the job and, while the asset is still pending, marks
// the asset failed so later ingests start over.
func (w *Worker) fail(ctx context.Context, job *db.IngestionJob, cause error) {
	msg := cause.Error()
	assetFailed := false

	_, err := db.RetryOnConflict(ctx, w.cfg.ConflictRetries, w.metrics.ConflictRetry, func() (struct{}, error) {
		assetFailed = false
		return struct{}{}, w.store.InTx(ctx, func(q db.Querier) error {
			if _, err := q.FailIngestionJob(ctx, &db.FailIngestionJobParams{ID: job.ID, Error: &msg}); err != nil {
				return fmt.Errorf("fail job: %w", err)
			}
			ok, err := failPendingAsset(ctx, q, job.AssetID, msg)
			assetFailed = ok
			return err
		})
	})
	if err != nil {
		w.logger.Error("failed to record job failure", "job_id", db.GoUUID(job.ID), "error", err)
		return
	}
	if assetFailed {
		w.publish(ctx, events.Event{
			Type:    events.AssetFailed,
			AssetID: db.GoUUID(job.AssetID).String(),
			JobID:   db.GoUUID(job.ID).String(),
			Error:   msg,
		})
	}
}

// failPendingAsset marks the asset failed when it is still pending and
// reports whether it did.
func failPendingAsset(ctx context.Context, q db.Querier, assetID pgtype.UUID, msg string) (bool, error) {
	asset, err := q.GetSourceAssetForUpdate(ctx, assetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get asset: %w", err)
	}

	lc, err := assets.LifecycleOf(asset)
	if err != nil {
		return false, err
	}
	if _, err := lc.MarkFailed(); err != nil {
		// Already ready, failed or removed; nothing to record.
		return false, nil
	}

	n, err := q.MarkSourceAssetFailed(ctx, &db.MarkSourceAssetFailedParams{
		ID:      asset.ID,
		Version: asset.Version,
		Error:   &msg,
	})
	if err != nil {
		return false, fmt.Errorf("mark asset failed: %w", err)
	}
	if n == 0 {
		return false, db.ErrRaceConflict
	}
	return true, nil
}

func (w *Worker) publish(ctx context.Context, evt events.Event) {
	if evt.At.IsZero() {
		evt.At = w.now().UTC()
	}
	if err := w.notifier.Publish(ctx, evt); err != nil {
		w.logger.Warn("failed to publish event", "type", evt.Type, "error", err)
	}
}

func cleanText(s string) *string {
	return db.StringPtr(norm.NFC.String(strings.TrimSpace(s)))
}

func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func positiveInt(v int) *int32 {
	if v <= 0 {
		return nil
	}
	n := int32(v)
	return &n
}
