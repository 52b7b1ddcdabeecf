package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const ingestionJobColumns = `id, user_id, asset_id, platform, source_url_raw, source_url_normalized,
	external_id, idempotency_key, state, error, attempts, started_at, finished_at, created_at, updated_at`

func scanIngestionJob(row pgx.Row) (*IngestionJob, error) {
	var i IngestionJob
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.AssetID,
		&i.Platform,
		&i.SourceURLRaw,
		&i.SourceURLNormalized,
		&i.ExternalID,
		&i.IdempotencyKey,
		&i.State,
		&i.Error,
		&i.Attempts,
		&i.StartedAt,
		&i.FinishedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func collectIngestionJobs(rows pgx.Rows, err error) ([]*IngestionJob, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*IngestionJob
	for rows.Next() {
		i, err := scanIngestionJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const insertIngestionJob = `INSERT INTO ingestion_jobs (
	user_id, asset_id, platform, source_url_raw, source_url_normalized, external_id, idempotency_key, state
) VALUES ($1, $2, $3, $4, $5, $6, $7, 'queued')
RETURNING ` + ingestionJobColumns

type InsertIngestionJobParams struct {
	UserID              pgtype.UUID
	AssetID             pgtype.UUID
	Platform            Platform
	SourceURLRaw        string
	SourceURLNormalized string
	ExternalID          *string
	IdempotencyKey      string
}

func (q *Queries) InsertIngestionJob(ctx context.Context, arg *InsertIngestionJobParams) (*IngestionJob, error) {
	row := q.db.QueryRow(ctx, insertIngestionJob,
		arg.UserID,
		arg.AssetID,
		arg.Platform,
		arg.SourceURLRaw,
		arg.SourceURLNormalized,
		arg.ExternalID,
		arg.IdempotencyKey,
	)
	return scanIngestionJob(row)
}

const getIngestionJob = `SELECT ` + ingestionJobColumns + ` FROM ingestion_jobs WHERE id = $1`

func (q *Queries) GetIngestionJob(ctx context.Context, id pgtype.UUID) (*IngestionJob, error) {
	return scanIngestionJob(q.db.QueryRow(ctx, getIngestionJob, id))
}

const getIngestionJobByAssetID = `SELECT ` + ingestionJobColumns + ` FROM ingestion_jobs WHERE asset_id = $1`

func (q *Queries) GetIngestionJobByAssetID(ctx context.Context, assetID pgtype.UUID) (*IngestionJob, error) {
	return scanIngestionJob(q.db.QueryRow(ctx, getIngestionJobByAssetID, assetID))
}

const claimIngestionJob = `UPDATE ingestion_jobs
SET state = 'running', attempts = attempts + 1, started_at = now(), finished_at = NULL, error = NULL, updated_at = now()
WHERE id = $1 AND state = 'queued'
RETURNING ` + ingestionJobColumns

// ClaimIngestionJob moves a single queued job to running.
// It returns pgx.ErrNoRows when the job is missing or not queued.
func (q *Queries) ClaimIngestionJob(ctx context.Context, id pgtype.UUID) (*IngestionJob, error) {
	return scanIngestionJob(q.db.QueryRow(ctx, claimIngestionJob, id))
}

const claimQueuedIngestionJobs = `UPDATE ingestion_jobs
SET state = 'running', attempts = attempts + 1, started_at = now(), finished_at = NULL, error = NULL, updated_at = now()
WHERE id IN (
	SELECT id FROM ingestion_jobs
	WHERE state = 'queued'
	ORDER BY created_at
	FOR UPDATE SKIP LOCKED
	LIMIT $1
)
RETURNING ` + ingestionJobColumns

// ClaimQueuedIngestionJobs moves up to limit of the oldest queued jobs to running.
func (q *Queries) ClaimQueuedIngestionJobs(ctx context.Context, limit int32) ([]*IngestionJob, error) {
	return collectIngestionJobs(q.db.Query(ctx, claimQueuedIngestionJobs, limit))
}

const completeIngestionJob = `UPDATE ingestion_jobs
SET state = 'succeeded', error = NULL, finished_at = now(), updated_at = now()
WHERE id = $1 AND state = 'running'`

func (q *Queries) CompleteIngestionJob(ctx context.Context, id pgtype.UUID) (int64, error) {
	result, err := q.db.Exec(ctx, completeIngestionJob, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const failIngestionJob = `UPDATE ingestion_jobs
SET state = 'failed', error = $2, finished_at = now(), updated_at = now()
WHERE id = $1 AND state IN ('queued', 'running')`

type FailIngestionJobParams struct {
	ID    pgtype.UUID
	Error *string
}

func (q *Queries) FailIngestionJob(ctx context.Context, arg *FailIngestionJobParams) (int64, error) {
	result, err := q.db.Exec(ctx, failIngestionJob, arg.ID, arg.Error)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const requeueStuckIngestionJobs = `UPDATE ingestion_jobs
SET state = 'queued', started_at = NULL, updated_at = now()
WHERE state = 'running' AND started_at < $1 AND attempts < $2`

type StuckIngestionJobsParams struct {
	StartedBefore pgtype.Timestamptz
	MaxAttempts   int32
}

func (q *Queries) RequeueStuckIngestionJobs(ctx context.Context, arg *StuckIngestionJobsParams) (int64, error) {
	result, err := q.db.Exec(ctx, requeueStuckIngestionJobs, arg.StartedBefore, arg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const failExhaustedIngestionJobs = `UPDATE ingestion_jobs
SET state = 'failed', error = 'exceeded retry limit', finished_at = now(), updated_at = now()
WHERE state = 'running' AND started_at < $1 AND attempts >= $2
RETURNING ` + ingestionJobColumns

func (q *Queries) FailExhaustedIngestionJobs(ctx context.Context, arg *StuckIngestionJobsParams) ([]*IngestionJob, error) {
	return collectIngestionJobs(q.db.Query(ctx, failExhaustedIngestionJobs, arg.StartedBefore, arg.MaxAttempts))
}

// IngestionJobsChannel is notified with the job id whenever a job is inserted.
const IngestionJobsChannel = "ingestion_jobs"

const listenIngestionJobs = `LISTEN ` + IngestionJobsChannel

// ListenIngestionJobs subscribes the connection to job inserts. It must run
// on a dedicated connection, not a pool.
func (q *Queries) ListenIngestionJobs(ctx context.Context) error {
	_, err := q.db.Exec(ctx, listenIngestionJobs)
	return err
}
