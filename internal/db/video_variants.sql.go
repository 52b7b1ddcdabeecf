package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const videoVariantColumns = `id, user_video_id, user_id, derived_from_asset_id, variant_kind, edit_manifest, status,
	storage_uri, content_hash, size_bytes, duration_seconds, width, height, fps, error,
	started_at, created_at, updated_at`

func scanVideoVariant(row pgx.Row) (*VideoVariant, error) {
	var i VideoVariant
	err := row.Scan(
		&i.ID,
		&i.UserVideoID,
		&i.UserID,
		&i.DerivedFromAssetID,
		&i.VariantKind,
		&i.EditManifest,
		&i.Status,
		&i.StorageURI,
		&i.ContentHash,
		&i.SizeBytes,
		&i.DurationSeconds,
		&i.Width,
		&i.Height,
		&i.Fps,
		&i.Error,
		&i.StartedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

const insertVideoVariant = `INSERT INTO video_variants (
	user_video_id, user_id, derived_from_asset_id, variant_kind, edit_manifest, status, started_at
) VALUES ($1, $2, $3, $4, $5, $6, CASE WHEN $6 = 'processing'::variant_status THEN now() END)
RETURNING ` + videoVariantColumns

type InsertVideoVariantParams struct {
	UserVideoID        pgtype.UUID
	UserID             pgtype.UUID
	DerivedFromAssetID pgtype.UUID
	VariantKind        VariantKind
	EditManifest       EditManifest
	Status             VariantStatus
}

func (q *Queries) InsertVideoVariant(ctx context.Context, arg *InsertVideoVariantParams) (*VideoVariant, error) {
	row := q.db.QueryRow(ctx, insertVideoVariant,
		arg.UserVideoID,
		arg.UserID,
		arg.DerivedFromAssetID,
		arg.VariantKind,
		arg.EditManifest,
		arg.Status,
	)
	return scanVideoVariant(row)
}

const getVideoVariant = `SELECT ` + videoVariantColumns + ` FROM video_variants WHERE id = $1`

func (q *Queries) GetVideoVariant(ctx context.Context, id pgtype.UUID) (*VideoVariant, error) {
	return scanVideoVariant(q.db.QueryRow(ctx, getVideoVariant, id))
}

const listVideoVariantsByUserVideo = `SELECT ` + videoVariantColumns + `
FROM video_variants
WHERE user_video_id = $1
ORDER BY created_at DESC`

func (q *Queries) ListVideoVariantsByUserVideo(ctx context.Context, userVideoID pgtype.UUID) ([]*VideoVariant, error) {
	rows, err := q.db.Query(ctx, listVideoVariantsByUserVideo, userVideoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VideoVariant
	for rows.Next() {
		i, err := scanVideoVariant(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const dequeueVideoVariant = `UPDATE video_variants
SET status = 'processing', started_at = now(), updated_at = now()
WHERE id = (
	SELECT id FROM video_variants
	WHERE status = 'queued'
	ORDER BY created_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING ` + videoVariantColumns

// DequeueVideoVariant claims the oldest queued variant.
// It returns pgx.ErrNoRows when the queue is empty.
func (q *Queries) DequeueVideoVariant(ctx context.Context) (*VideoVariant, error) {
	return scanVideoVariant(q.db.QueryRow(ctx, dequeueVideoVariant))
}

const completeVideoVariant = `UPDATE video_variants
SET status = 'ready',
	storage_uri = $2,
	content_hash = $3,
	size_bytes = $4,
	duration_seconds = $5,
	width = $6,
	height = $7,
	fps = $8,
	error = NULL,
	updated_at = now()
WHERE id = $1 AND status = 'processing'`

type CompleteVideoVariantParams struct {
	ID              pgtype.UUID
	StorageURI      *string
	ContentHash     *string
	SizeBytes       *int64
	DurationSeconds *float64
	Width           *int32
	Height          *int32
	Fps             *float64
}

func (q *Queries) CompleteVideoVariant(ctx context.Context, arg *CompleteVideoVariantParams) (int64, error) {
	result, err := q.db.Exec(ctx, completeVideoVariant,
		arg.ID,
		arg.StorageURI,
		arg.ContentHash,
		arg.SizeBytes,
		arg.DurationSeconds,
		arg.Width,
		arg.Height,
		arg.Fps,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const failVideoVariant = `UPDATE video_variants
SET status = 'failed', error = $2, storage_uri = NULL, updated_at = now()
WHERE id = $1 AND status IN ('queued', 'processing')`

type FailVideoVariantParams struct {
	ID    pgtype.UUID
	Error *string
}

func (q *Queries) FailVideoVariant(ctx context.Context, arg *FailVideoVariantParams) (int64, error) {
	result, err := q.db.Exec(ctx, failVideoVariant, arg.ID, arg.Error)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteVideoVariant = `DELETE FROM video_variants WHERE id = $1 RETURNING ` + videoVariantColumns

func (q *Queries) DeleteVideoVariant(ctx context.Context, id pgtype.UUID) (*VideoVariant, error) {
	return scanVideoVariant(q.db.QueryRow(ctx, deleteVideoVariant, id))
}

const resetStuckVideoVariants = `UPDATE video_variants
SET status = 'queued', started_at = NULL, updated_at = now()
WHERE status = 'processing' AND started_at < $1`

func (q *Queries) ResetStuckVideoVariants(ctx context.Context, startedBefore pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, resetStuckVideoVariants, startedBefore)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
