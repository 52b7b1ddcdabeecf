package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
	"thirdcoast.systems/postmedia/internal/db"
)

func insertAsset(t *testing.T, q db.Querier, url string, externalID *string) *db.SourceAsset {
	t.Helper()
	a, err := q.InsertSourceAsset(context.Background(), &db.InsertSourceAssetParams{
		Platform:            db.PlatformYoutube,
		SourceURLRaw:        url,
		SourceURLNormalized: url,
		ExternalID:          externalID,
	})
	require.NoError(t, err)
	return a
}

func TestInsertSourceAsset_LiveUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := "dQw4w9WgXcQ"
	a := insertAsset(t, s, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", &id)

	_, err := s.InsertSourceAsset(ctx, &db.InsertSourceAssetParams{
		Platform:            db.PlatformYoutube,
		SourceURLNormalized: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	})
	require.True(t, db.IsUniqueViolation(err))

	_, err = s.InsertSourceAsset(ctx, &db.InsertSourceAssetParams{
		Platform:            db.PlatformYoutube,
		SourceURLNormalized: "https://other",
		ExternalID:          &id,
	})
	require.True(t, db.IsUniqueViolation(err))

	// A failed asset no longer holds the dedup keys.
	n, err := s.MarkSourceAssetFailed(ctx, &db.MarkSourceAssetFailedParams{ID: a.ID, Version: a.Version})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	b := insertAsset(t, s, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", &id)
	require.NotEqual(t, a.ID, b.ID)

	found, err := s.FindSourceAssetByIdentity(ctx, &db.FindSourceAssetByIdentityParams{
		SourceURLNormalized: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Platform:            db.PlatformYoutube,
	})
	require.NoError(t, err)
	require.Equal(t, b.ID, found.ID)
}

func TestUpdateSourceAssetLifecycle_VersionGuard(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := insertAsset(t, s, "https://example.com/v", nil)

	n, err := s.UpdateSourceAssetLifecycle(ctx, &db.UpdateSourceAssetLifecycleParams{
		ID: a.ID, Status: db.AssetStatusPending, Refcount: 1, Version: a.Version,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.UpdateSourceAssetLifecycle(ctx, &db.UpdateSourceAssetLifecycleParams{
		ID: a.ID, Status: db.AssetStatusPending, Refcount: 2, Version: a.Version,
	})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(q db.Querier) error {
		insertAsset(t, q, "https://example.com/a", nil)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, s.SourceAssets())

	s.FailNextCommit(boom)
	err = s.InTx(ctx, func(q db.Querier) error {
		insertAsset(t, q, "https://example.com/b", nil)
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, s.SourceAssets())
	require.Equal(t, 2, s.TxCount())
}

func TestInjectInsertConflict_CompetitorSurvivesRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.InjectInsertConflict(func(q db.Querier) {
		insertAsset(t, q, "https://example.com/a", nil)
	})

	err := s.InTx(ctx, func(q db.Querier) error {
		_, err := q.InsertSourceAsset(ctx, &db.InsertSourceAssetParams{
			Platform:            db.PlatformOther,
			SourceURLNormalized: "https://example.com/a",
		})
		return err
	})
	require.True(t, db.IsUniqueViolation(err))
	require.Len(t, s.SourceAssets(), 1)
}

func TestUserVideos_UniqueAndCascade(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := insertAsset(t, s, "https://example.com/a", nil)
	user := db.UUID(uuid.New())

	uv, err := s.InsertUserVideo(ctx, &db.InsertUserVideoParams{UserID: user, AssetID: a.ID, Role: db.RoleOriginalRef, Status: db.UserVideoStatusDraft})
	require.NoError(t, err)

	_, err = s.InsertUserVideo(ctx, &db.InsertUserVideoParams{UserID: user, AssetID: a.ID, Role: db.RoleOriginalRef, Status: db.UserVideoStatusDraft})
	require.True(t, db.IsUniqueViolation(err))

	_, err = s.InsertVideoVariant(ctx, &db.InsertVideoVariantParams{
		UserVideoID: uv.ID, UserID: user, DerivedFromAssetID: a.ID, VariantKind: db.VariantKindEdit, Status: db.VariantStatusQueued,
	})
	require.NoError(t, err)

	_, err = s.DeleteUserVideo(ctx, uv.ID)
	require.NoError(t, err)
	require.Empty(t, s.VideoVariants())

	_, err = s.GetUserVideo(ctx, uv.ID)
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestClaimQueuedIngestionJobs_OldestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	var ids []pgtype.UUID
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		a := insertAsset(t, s, u, nil)
		j, err := s.InsertIngestionJob(ctx, &db.InsertIngestionJobParams{AssetID: a.ID, SourceURLNormalized: u})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	claimed, err := s.ClaimQueuedIngestionJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, ids[0], claimed[0].ID)
	require.Equal(t, ids[1], claimed[1].ID)
	for _, j := range claimed {
		require.Equal(t, db.JobStateRunning, j.State)
		require.EqualValues(t, 1, j.Attempts)
	}

	rest, err := s.ClaimQueuedIngestionJobs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}
