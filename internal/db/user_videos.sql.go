package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const userVideoColumns = `id, user_id, asset_id, role, status, title_override, notes, poster_uri, created_at, updated_at`

func scanUserVideo(row pgx.Row) (*UserVideo, error) {
	var i UserVideo
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.AssetID,
		&i.Role,
		&i.Status,
		&i.TitleOverride,
		&i.Notes,
		&i.PosterURI,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

const getUserVideo = `SELECT ` + userVideoColumns + ` FROM user_videos WHERE id = $1`

func (q *Queries) GetUserVideo(ctx context.Context, id pgtype.UUID) (*UserVideo, error) {
	return scanUserVideo(q.db.QueryRow(ctx, getUserVideo, id))
}

const getUserVideoByUserAndAsset = `SELECT ` + userVideoColumns + `
FROM user_videos
WHERE user_id = $1 AND asset_id = $2`

type GetUserVideoByUserAndAssetParams struct {
	UserID  pgtype.UUID
	AssetID pgtype.UUID
}

func (q *Queries) GetUserVideoByUserAndAsset(ctx context.Context, arg *GetUserVideoByUserAndAssetParams) (*UserVideo, error) {
	return scanUserVideo(q.db.QueryRow(ctx, getUserVideoByUserAndAsset, arg.UserID, arg.AssetID))
}

const insertUserVideo = `INSERT INTO user_videos (user_id, asset_id, role, status)
VALUES ($1, $2, $3, $4)
RETURNING ` + userVideoColumns

type InsertUserVideoParams struct {
	UserID  pgtype.UUID
	AssetID pgtype.UUID
	Role    string
	Status  UserVideoStatus
}

func (q *Queries) InsertUserVideo(ctx context.Context, arg *InsertUserVideoParams) (*UserVideo, error) {
	return scanUserVideo(q.db.QueryRow(ctx, insertUserVideo, arg.UserID, arg.AssetID, arg.Role, arg.Status))
}

const updateUserVideo = `UPDATE user_videos
SET status = $2, title_override = $3, notes = $4, poster_uri = $5, updated_at = now()
WHERE id = $1
RETURNING ` + userVideoColumns

type UpdateUserVideoParams struct {
	ID            pgtype.UUID
	Status        UserVideoStatus
	TitleOverride *string
	Notes         *string
	PosterURI     *string
}

func (q *Queries) UpdateUserVideo(ctx context.Context, arg *UpdateUserVideoParams) (*UserVideo, error) {
	row := q.db.QueryRow(ctx, updateUserVideo, arg.ID, arg.Status, arg.TitleOverride, arg.Notes, arg.PosterURI)
	return scanUserVideo(row)
}

const deleteUserVideo = `DELETE FROM user_videos WHERE id = $1 RETURNING ` + userVideoColumns

// DeleteUserVideo deletes the row and returns it. Variants cascade.
func (q *Queries) DeleteUserVideo(ctx context.Context, id pgtype.UUID) (*UserVideo, error) {
	return scanUserVideo(q.db.QueryRow(ctx, deleteUserVideo, id))
}
