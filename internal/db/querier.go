package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type Querier interface {
	FindSourceAssetByIdentity(ctx context.Context, arg *FindSourceAssetByIdentityParams) (*SourceAsset, error)
	GetSourceAsset(ctx context.Context, id pgtype.UUID) (*SourceAsset, error)
	GetSourceAssetForUpdate(ctx context.Context, id pgtype.UUID) (*SourceAsset, error)
	InsertSourceAsset(ctx context.Context, arg *InsertSourceAssetParams) (*SourceAsset, error)
	UpdateSourceAssetLifecycle(ctx context.Context, arg *UpdateSourceAssetLifecycleParams) (int64, error)
	MarkSourceAssetReady(ctx context.Context, arg *MarkSourceAssetReadyParams) (int64, error)
	MarkSourceAssetFailed(ctx context.Context, arg *MarkSourceAssetFailedParams) (int64, error)
	ListRemovedSourceAssets(ctx context.Context, limit int32) ([]*SourceAsset, error)
	DeleteRemovedSourceAsset(ctx context.Context, id pgtype.UUID) (int64, error)

	InsertIngestionJob(ctx context.Context, arg *InsertIngestionJobParams) (*IngestionJob, error)
	GetIngestionJob(ctx context.Context, id pgtype.UUID) (*IngestionJob, error)
	GetIngestionJobByAssetID(ctx context.Context, assetID pgtype.UUID) (*IngestionJob, error)
	ClaimIngestionJob(ctx context.Context, id pgtype.UUID) (*IngestionJob, error)
	ClaimQueuedIngestionJobs(ctx context.Context, limit int32) ([]*IngestionJob, error)
	CompleteIngestionJob(ctx context.Context, id pgtype.UUID) (int64, error)
	FailIngestionJob(ctx context.Context, arg *FailIngestionJobParams) (int64, error)
	RequeueStuckIngestionJobs(ctx context.Context, arg *StuckIngestionJobsParams) (int64, error)
	FailExhaustedIngestionJobs(ctx context.Context, arg *StuckIngestionJobsParams) ([]*IngestionJob, error)

	GetUserVideo(ctx context.Context, id pgtype.UUID) (*UserVideo, error)
	GetUserVideoByUserAndAsset(ctx context.Context, arg *GetUserVideoByUserAndAssetParams) (*UserVideo, error)
	InsertUserVideo(ctx context.Context, arg *InsertUserVideoParams) (*UserVideo, error)
	UpdateUserVideo(ctx context.Context, arg *UpdateUserVideoParams) (*UserVideo, error)
	DeleteUserVideo(ctx context.Context, id pgtype.UUID) (*UserVideo, error)
	ListUserVideos(ctx context.Context, arg *ListUserVideosParams) ([]*UserVideo, error)

	InsertVideoVariant(ctx context.Context, arg *InsertVideoVariantParams) (*VideoVariant, error)
	GetVideoVariant(ctx context.Context, id pgtype.UUID) (*VideoVariant, error)
	ListVideoVariantsByUserVideo(ctx context.Context, userVideoID pgtype.UUID) ([]*VideoVariant, error)
	DequeueVideoVariant(ctx context.Context) (*VideoVariant, error)
	CompleteVideoVariant(ctx context.Context, arg *CompleteVideoVariantParams) (int64, error)
	FailVideoVariant(ctx context.Context, arg *FailVideoVariantParams) (int64, error)
	DeleteVideoVariant(ctx context.Context, id pgtype.UUID) (*VideoVariant, error)
	ResetStuckVideoVariants(ctx context.Context, startedBefore pgtype.Timestamptz) (int64, error)
}

var _ Querier = (*Queries)(nil)
