package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const sourceAssetColumns = `id, platform, source_url_raw, source_url_normalized, external_id, status,
	storage_uri, content_hash, size_bytes, duration_seconds, width, height, fps,
	title, uploader, upload_date, error, refcount, version, created_at, updated_at`

func scanSourceAsset(row pgx.Row) (*SourceAsset, error) {
	var i SourceAsset
	err := row.Scan(
		&i.ID,
		&i.Platform,
		&i.SourceURLRaw,
		&i.SourceURLNormalized,
		&i.ExternalID,
		&i.Status,
		&i.StorageURI,
		&i.ContentHash,
		&i.SizeBytes,
		&i.DurationSeconds,
		&i.Width,
		&i.Height,
		&i.Fps,
		&i.Title,
		&i.Uploader,
		&i.UploadDate,
		&i.Error,
		&i.Refcount,
		&i.Version,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func collectSourceAssets(rows pgx.Rows, err error) ([]*SourceAsset, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SourceAsset
	for rows.Next() {
		i, err := scanSourceAsset(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const findSourceAssetByIdentity = `SELECT ` + sourceAssetColumns + `
FROM source_assets
WHERE source_url_normalized = $1
   OR ($3::text IS NOT NULL AND platform = $2 AND external_id = $3)
ORDER BY (status IN ('pending', 'ready')) DESC, created_at DESC
LIMIT 1`

type FindSourceAssetByIdentityParams struct {
	SourceURLNormalized string
	Platform            Platform
	ExternalID          *string
}

// FindSourceAssetByIdentity returns the newest asset matching either dedup
// key, preferring live (pending/ready) rows over terminal ones.
func (q *Queries) FindSourceAssetByIdentity(ctx context.Context, arg *FindSourceAssetByIdentityParams) (*SourceAsset, error) {
	row := q.db.QueryRow(ctx, findSourceAssetByIdentity, arg.SourceURLNormalized, arg.Platform, arg.ExternalID)
	return scanSourceAsset(row)
}

const getSourceAsset = `SELECT ` + sourceAssetColumns + ` FROM source_assets WHERE id = $1`

func (q *Queries) GetSourceAsset(ctx context.Context, id pgtype.UUID) (*SourceAsset, error) {
	return scanSourceAsset(q.db.QueryRow(ctx, getSourceAsset, id))
}

const getSourceAssetForUpdate = `SELECT ` + sourceAssetColumns + ` FROM source_assets WHERE id = $1 FOR UPDATE`

func (q *Queries) GetSourceAssetForUpdate(ctx context.Context, id pgtype.UUID) (*SourceAsset, error) {
	return scanSourceAsset(q.db.QueryRow(ctx, getSourceAssetForUpdate, id))
}

const insertSourceAsset = `INSERT INTO source_assets (
	platform, source_url_raw, source_url_normalized, external_id, status, refcount
) VALUES ($1, $2, $3, $4, 'pending', 0)
RETURNING ` + sourceAssetColumns

type InsertSourceAssetParams struct {
	Platform            Platform
	SourceURLRaw        string
	SourceURLNormalized string
	ExternalID          *string
}

func (q *Queries) InsertSourceAsset(ctx context.Context, arg *InsertSourceAssetParams) (*SourceAsset, error) {
	row := q.db.QueryRow(ctx, insertSourceAsset,
		arg.Platform,
		arg.SourceURLRaw,
		arg.SourceURLNormalized,
		arg.ExternalID,
	)
	return scanSourceAsset(row)
}

const updateSourceAssetLifecycle = `UPDATE source_assets
SET status = $2, refcount = $3, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $4`

type UpdateSourceAssetLifecycleParams struct {
	ID       pgtype.UUID
	Status   AssetStatus
	Refcount int32
	Version  int32
}

func (q *Queries) UpdateSourceAssetLifecycle(ctx context.Context, arg *UpdateSourceAssetLifecycleParams) (int64, error) {
	result, err := q.db.Exec(ctx, updateSourceAssetLifecycle, arg.ID, arg.Status, arg.Refcount, arg.Version)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const markSourceAssetReady = `UPDATE source_assets
SET status = 'ready',
	storage_uri = $3,
	content_hash = $4,
	size_bytes = $5,
	duration_seconds = $6,
	width = $7,
	height = $8,
	fps = $9,
	title = $10,
	uploader = $11,
	upload_date = $12,
	error = NULL,
	version = version + 1,
	updated_at = now()
WHERE id = $1 AND version = $2 AND status = 'pending'`

type MarkSourceAssetReadyParams struct {
	ID              pgtype.UUID
	Version         int32
	StorageURI      *string
	ContentHash     *string
	SizeBytes       *int64
	DurationSeconds *float64
	Width           *int32
	Height          *int32
	Fps             *float64
	Title           *string
	Uploader        *string
	UploadDate      *string
}

func (q *Queries) MarkSourceAssetReady(ctx context.Context, arg *MarkSourceAssetReadyParams) (int64, error) {
	result, err := q.db.Exec(ctx, markSourceAssetReady,
		arg.ID,
		arg.Version,
		arg.StorageURI,
		arg.ContentHash,
		arg.SizeBytes,
		arg.DurationSeconds,
		arg.Width,
		arg.Height,
		arg.Fps,
		arg.Title,
		arg.Uploader,
		arg.UploadDate,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const markSourceAssetFailed = `UPDATE source_assets
SET status = 'failed', error = $3, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2 AND status = 'pending'`

type MarkSourceAssetFailedParams struct {
	ID      pgtype.UUID
	Version int32
	Error   *string
}

func (q *Queries) MarkSourceAssetFailed(ctx context.Context, arg *MarkSourceAssetFailedParams) (int64, error) {
	result, err := q.db.Exec(ctx, markSourceAssetFailed, arg.ID, arg.Version, arg.Error)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listRemovedSourceAssets = `SELECT ` + sourceAssetColumns + `
FROM source_assets
WHERE status = 'removed' AND refcount <= 0
ORDER BY updated_at
LIMIT $1`

func (q *Queries) ListRemovedSourceAssets(ctx context.Context, limit int32) ([]*SourceAsset, error) {
	return collectSourceAssets(q.db.Query(ctx, listRemovedSourceAssets, limit))
}

const deleteRemovedSourceAsset = `DELETE FROM source_assets
WHERE id = $1 AND status = 'removed' AND refcount <= 0`

func (q *Queries) DeleteRemovedSourceAsset(ctx context.Context, id pgtype.UUID) (int64, error) {
	result, err := q.db.Exec(ctx, deleteRemovedSourceAsset, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
