// Package assets owns shared source assets: deduplicated ingestion, user
// references with reference counting, and reclamation of unused media.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"thirdcoast.systems/postmedia/internal/db"
	"thirdcoast.systems/postmedia/internal/events"
	"thirdcoast.systems/postmedia/internal/metrics"
	"thirdcoast.systems/postmedia/internal/sourceurl"
)

var ErrNotFound = errors.New("not found")

type Action string

const (
	ActionEnqueued Action = "enqueued"
	ActionReused   Action = "reused"
)

type IngestResult struct {
	Action      Action
	AssetID     uuid.UUID
	UserVideoID uuid.UUID
	AssetStatus db.AssetStatus
	// JobID is set when Action is ActionEnqueued.
	JobID uuid.UUID
}

// BlobDeleter removes stored media by URI.
type BlobDeleter interface {
	Delete(ctx context.Context, uri string) error
}

type Service struct {
	store           db.Store
	blobs           BlobDeleter
	notifier        events.Notifier
	metrics         *metrics.Metrics
	logger          *slog.Logger
	conflictRetries int
	cleanupBatch    int
}

type Option func(*Service)

func WithNotifier(n events.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }

// WithConflictRetries bounds how many times a transaction that lost a race is
// re-run before the conflict is returned.
func WithConflictRetries(n int) Option { return func(s *Service) { s.conflictRetries = n } }

// WithCleanupBatch bounds how many assets one cleanup sweep handles.
func WithCleanupBatch(n int) Option { return func(s *Service) { s.cleanupBatch = n } }

func NewService(store db.Store, blobs BlobDeleter, opts ...Option) *Service {
	s := &Service{
		store:           store,
		blobs:           blobs,
		notifier:        events.Nop{},
		logger:          slog.Default(),
		conflictRetries: 5,
		cleanupBatch:    100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest attaches the video at rawURL to userID. An existing pending or ready
// asset with the same canonical identity is reused; otherwise a new pending
// asset and its ingestion job are created. Concurrent calls for the same URL
// converge on one asset.
func (s *Service) Ingest(ctx context.Context, userID uuid.UUID, rawURL string) (*IngestResult, error) {
	ident, err := sourceurl.Normalize(rawURL)
	if err != nil {
		return nil, err
	}

	res, err := db.RetryOnConflict(ctx, s.conflictRetries, s.metrics.ConflictRetry, func() (*IngestResult, error) {
		return s.ingestOnce(ctx, userID, rawURL, ident)
	})
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", ident.NormalizedURL, err)
	}

	s.metrics.IngestRequest(string(res.Action))
	s.logger.Info("ingest resolved",
		"user_id", userID,
		"asset_id", res.AssetID,
		"user_video_id", res.UserVideoID,
		"action", res.Action,
		"platform", ident.Platform,
		"url", ident.NormalizedURL,
	)

	evt := events.Event{
		Type:        events.AssetReused,
		AssetID:     res.AssetID.String(),
		UserID:      userID.String(),
		UserVideoID: res.UserVideoID.String(),
	}
	if res.Action == ActionEnqueued {
		evt.Type = events.AssetEnqueued
		evt.JobID = res.JobID.String()
	}
	s.publish(ctx, evt)

	return res, nil
}

func (s *Service) ingestOnce(ctx context.Context, userID uuid.UUID, rawURL string, ident sourceurl.Identity) (*IngestResult, error) {
	var res *IngestResult
	err := s.store.InTx(ctx, func(q db.Querier) error {
		res = &IngestResult{Action: ActionReused}

		platform := db.Platform(ident.Platform)
		externalID := db.StringPtr(ident.ExternalID)

		asset, err := q.FindSourceAssetByIdentity(ctx, &db.FindSourceAssetByIdentityParams{
			SourceURLNormalized: ident.NormalizedURL,
			Platform:            platform,
			ExternalID:          externalID,
		})
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("find asset: %w", err)
		}

		if asset == nil || !isReusable(asset) {
			// A unique violation here means a concurrent ingest committed the
			// same identity first. The retry re-reads and reuses it.
			asset, err = q.InsertSourceAsset(ctx, &db.InsertSourceAssetParams{
				Platform:            platform,
				SourceURLRaw:        rawURL,
				SourceURLNormalized: ident.NormalizedURL,
				ExternalID:          externalID,
			})
			if err != nil {
				return fmt.Errorf("insert asset: %w", err)
			}

			job, err := q.InsertIngestionJob(ctx, &db.InsertIngestionJobParams{
				UserID:              db.UUID(userID),
				AssetID:             asset.ID,
				Platform:            platform,
				SourceURLRaw:        rawURL,
				SourceURLNormalized: ident.NormalizedURL,
				ExternalID:          externalID,
				IdempotencyKey:      sourceurl.IdempotencyKey(ident.NormalizedURL),
			})
			if err != nil {
				return fmt.Errorf("insert ingestion job: %w", err)
			}
			res.Action = ActionEnqueued
			res.JobID = db.GoUUID(job.ID)
		}

		uv, err := q.GetUserVideoByUserAndAsset(ctx, &db.GetUserVideoByUserAndAssetParams{
			UserID:  db.UUID(userID),
			AssetID: asset.ID,
		})
		switch {
		case err == nil:
		case errors.Is(err, pgx.ErrNoRows):
			uv, err = q.InsertUserVideo(ctx, &db.InsertUserVideoParams{
				UserID:  db.UUID(userID),
				AssetID: asset.ID,
				Role:    db.RoleOriginalRef,
				Status:  db.UserVideoStatusDraft,
			})
			if err != nil {
				return fmt.Errorf("insert user video: %w", err)
			}
			if _, err := Transition(ctx, q, asset, Lifecycle.Acquire); err != nil {
				return err
			}
		default:
			return fmt.Errorf("get user video: %w", err)
		}

		res.AssetID = db.GoUUID(asset.ID)
		res.UserVideoID = db.GoUUID(uv.ID)
		res.AssetStatus = asset.Status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func isReusable(a *db.SourceAsset) bool {
	l, err := LifecycleOf(a)
	return err == nil && l.Reusable()
}

// Transition applies step to the lifecycle of a and persists the result,
// guarded by the row version. a is updated in place on success. A version
// mismatch yields db.ErrRaceConflict.
func Transition(ctx context.Context, q db.Querier, a *db.SourceAsset, step func(Lifecycle) (Lifecycle, error)) (Lifecycle, error) {
	cur, err := LifecycleOf(a)
	if err != nil {
		return Lifecycle{}, err
	}
	next, err := step(cur)
	if err != nil {
		return cur, err
	}

	n, err := q.UpdateSourceAssetLifecycle(ctx, &db.UpdateSourceAssetLifecycleParams{
		ID:       a.ID,
		Status:   next.Status(),
		Refcount: next.Refcount(),
		Version:  a.Version,
	})
	if err != nil {
		return cur, fmt.Errorf("update asset lifecycle: %w", err)
	}
	if n == 0 {
		return cur, fmt.Errorf("update asset lifecycle: %w", db.ErrRaceConflict)
	}

	a.Status = next.Status()
	a.Refcount = next.Refcount()
	a.Version++
	return next, nil
}

// DeleteUserVideo removes a user's reference. The asset's refcount drops by
// one and the asset becomes removed when no references remain; its row and
// media stay until CleanupUnusedAssets runs. The user's variants are deleted
// with the reference.
func (s *Service) DeleteUserVideo(ctx context.Context, userVideoID uuid.UUID) error {
	type outcome struct {
		uv          *db.UserVideo
		removed     bool
		variantURIs []string
	}

	out, err := db.RetryOnConflict(ctx, s.conflictRetries, s.metrics.ConflictRetry, func() (*outcome, error) {
		o := &outcome{}
		err := s.store.InTx(ctx, func(q db.Querier) error {
			uv, err := q.GetUserVideo(ctx, db.UUID(userVideoID))
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("user video %s: %w", userVideoID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("get user video: %w", err)
			}

			variants, err := q.ListVideoVariantsByUserVideo(ctx, uv.ID)
			if err != nil {
				return fmt.Errorf("list variants: %w", err)
			}
			for _, v := range variants {
				if v.StorageURI != nil {
					o.variantURIs = append(o.variantURIs, *v.StorageURI)
				}
			}

			asset, err := q.GetSourceAssetForUpdate(ctx, uv.AssetID)
			if err != nil {
				return fmt.Errorf("get asset: %w", err)
			}

			if _, err := q.DeleteUserVideo(ctx, uv.ID); err != nil {
				return fmt.Errorf("delete user video: %w", err)
			}

			next, err := Transition(ctx, q, asset, Lifecycle.Release)
			if err != nil {
				return err
			}
			o.uv = uv
			o.removed = next.Status() == db.AssetStatusRemoved
			return nil
		})
		return o, err
	})
	if err != nil {
		return err
	}

	for _, uri := range out.variantURIs {
		if err := s.blobs.Delete(ctx, uri); err != nil {
			s.logger.Warn("failed to delete variant media", "uri", uri, "error", err)
		}
	}

	s.logger.Info("user video deleted",
		"user_video_id", userVideoID,
		"asset_id", db.GoUUID(out.uv.AssetID),
		"asset_removed", out.removed,
	)
	if out.removed {
		s.publish(ctx, events.Event{
			Type:        events.AssetRemoved,
			AssetID:     db.GoUUID(out.uv.AssetID).String(),
			UserID:      db.GoUUID(out.uv.UserID).String(),
			UserVideoID: userVideoID.String(),
		})
	}
	return nil
}

func (s *Service) GetAsset(ctx context.Context, assetID uuid.UUID) (*db.SourceAsset, error) {
	a, err := s.store.GetSourceAsset(ctx, db.UUID(assetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	return a, err
}

// GetUserVideo returns userID's reference to assetID.
func (s *Service) GetUserVideo(ctx context.Context, userID, assetID uuid.UUID) (*db.UserVideo, error) {
	uv, err := s.store.GetUserVideoByUserAndAsset(ctx, &db.GetUserVideoByUserAndAssetParams{
		UserID:  db.UUID(userID),
		AssetID: db.UUID(assetID),
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user video for asset %s: %w", assetID, ErrNotFound)
	}
	return uv, err
}

type UserVideoFilter struct {
	Status *db.UserVideoStatus
	Limit  int
	Offset int
}

// GetUserVideos lists userID's videos, newest first.
func (s *Service) GetUserVideos(ctx context.Context, userID uuid.UUID, filter UserVideoFilter) ([]*db.UserVideo, error) {
	return s.store.ListUserVideos(ctx, &db.ListUserVideosParams{
		UserID: db.UUID(userID),
		Status: filter.Status,
		Limit:  int32(filter.Limit),
		Offset: int32(filter.Offset),
	})
}

// UserVideoPatch holds the user-editable fields of a UserVideo. Nil fields
// are left unchanged.
type UserVideoPatch struct {
	Status        *db.UserVideoStatus
	TitleOverride *string
	Notes         *string
	PosterURI     *string
}

func (s *Service) UpdateUserVideo(ctx context.Context, userVideoID uuid.UUID, patch UserVideoPatch) (*db.UserVideo, error) {
	var updated *db.UserVideo
	err := s.store.InTx(ctx, func(q db.Querier) error {
		uv, err := q.GetUserVideo(ctx, db.UUID(userVideoID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user video %s: %w", userVideoID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		arg := &db.UpdateUserVideoParams{
			ID:            uv.ID,
			Status:        uv.Status,
			TitleOverride: uv.TitleOverride,
			Notes:         uv.Notes,
			PosterURI:     uv.PosterURI,
		}
		if patch.Status != nil {
			arg.Status = *patch.Status
		}
		if patch.TitleOverride != nil {
			arg.TitleOverride = db.StringPtr(*patch.TitleOverride)
		}
		if patch.Notes != nil {
			arg.Notes = db.StringPtr(*patch.Notes)
		}
		if patch.PosterURI != nil {
			arg.PosterURI = db.StringPtr(*patch.PosterURI)
		}

		updated, err = q.UpdateUserVideo(ctx, arg)
		return err
	})
	return updated, err
}

// GetIngestionJob returns the ingestion job created for assetID.
func (s *Service) GetIngestionJob(ctx context.Context, assetID uuid.UUID) (*db.IngestionJob, error) {
	j, err := s.store.GetIngestionJobByAssetID(ctx, db.UUID(assetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ingestion job for asset %s: %w", assetID, ErrNotFound)
	}
	return j, err
}

func (s *Service) publish(ctx context.Context, evts ...events.Event) {
	now := time.Now().UTC()
	for i := range evts {
		if evts[i].At.IsZero() {
			evts[i].At = now
		}
	}
	if err := s.notifier.Publish(ctx, evts...); err != nil {
		s.logger.Warn("failed to publish events", "count", len(evts), "error", err)
	}
}
