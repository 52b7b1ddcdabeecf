package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgtype"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const defaultUserVideoPageSize = 50

// ListUserVideosParams filters a user's videos. Zero values mean "any".
type ListUserVideosParams struct {
	UserID  pgtype.UUID
	Status  *UserVideoStatus
	AssetID pgtype.UUID
	Limit   int32
	Offset  int32
}

func (p *ListUserVideosParams) pageSize() uint64 {
	if p.Limit <= 0 {
		return defaultUserVideoPageSize
	}
	return uint64(p.Limit)
}

// ListUserVideos returns a user's videos, newest first.
func (q *Queries) ListUserVideos(ctx context.Context, arg *ListUserVideosParams) ([]*UserVideo, error) {
	builder := psql.Select(userVideoColumns).
		From("user_videos").
		Where(sq.Eq{"user_id": arg.UserID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(arg.pageSize())

	if arg.Status != nil {
		builder = builder.Where(sq.Eq{"status": *arg.Status})
	}
	if arg.AssetID.Valid {
		builder = builder.Where(sq.Eq{"asset_id": arg.AssetID})
	}
	if arg.Offset > 0 {
		builder = builder.Offset(uint64(arg.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list user videos query: %w", err)
	}

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*UserVideo
	for rows.Next() {
		i, err := scanUserVideo(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
