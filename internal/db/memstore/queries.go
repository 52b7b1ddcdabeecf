package memstore

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5/pgtype"
	"thirdcoast.systems/postmedia/internal/db"
)

type queries struct {
	s  *Store
	tx bool
}

var _ db.Querier = (*queries)(nil)

func (q *queries) lock() func() {
	if q.tx {
		return func() {}
	}
	q.s.mu.Lock()
	return q.s.mu.Unlock
}

func (q *queries) t() *tables { return q.s.data }

func isLive(status db.AssetStatus) bool {
	return status == db.AssetStatusPending || status == db.AssetStatusReady
}

func ptrEq(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

// Source assets

func (q *queries) FindSourceAssetByIdentity(_ context.Context, arg *db.FindSourceAssetByIdentityParams) (*db.SourceAsset, error) {
	defer q.lock()()

	var matches []db.SourceAsset
	for _, a := range q.t().assets {
		if a.SourceURLNormalized == arg.SourceURLNormalized ||
			(arg.ExternalID != nil && a.Platform == arg.Platform && ptrEq(a.ExternalID, arg.ExternalID)) {
			matches = append(matches, a)
		}
	}
	if len(matches) == 0 {
		return nil, errNoRows
	}
	sort.Slice(matches, func(i, j int) bool {
		li, lj := isLive(matches[i].Status), isLive(matches[j].Status)
		if li != lj {
			return li
		}
		return matches[i].CreatedAt.Time.After(matches[j].CreatedAt.Time)
	})
	out := matches[0]
	return &out, nil
}

func (q *queries) GetSourceAsset(_ context.Context, id pgtype.UUID) (*db.SourceAsset, error) {
	defer q.lock()()
	a, ok := q.t().assets[id.Bytes]
	if !ok {
		return nil, errNoRows
	}
	return &a, nil
}

func (q *queries) GetSourceAssetForUpdate(ctx context.Context, id pgtype.UUID) (*db.SourceAsset, error) {
	return q.GetSourceAsset(ctx, id)
}

func (q *queries) InsertSourceAsset(_ context.Context, arg *db.InsertSourceAssetParams) (*db.SourceAsset, error) {
	defer q.lock()()

	if q.tx && len(q.s.insertConflicts) > 0 {
		competitor := q.s.insertConflicts[0]
		q.s.insertConflicts = q.s.insertConflicts[1:]
		q.s.external = append(q.s.external, competitor)
		return nil, uniqueViolation("source_assets_live_normalized_url_key")
	}

	for _, a := range q.t().assets {
		if !isLive(a.Status) {
			continue
		}
		if a.SourceURLNormalized == arg.SourceURLNormalized {
			return nil, uniqueViolation("source_assets_live_normalized_url_key")
		}
		if arg.ExternalID != nil && a.Platform == arg.Platform && ptrEq(a.ExternalID, arg.ExternalID) {
			return nil, uniqueViolation("source_assets_live_external_id_key")
		}
	}

	now := q.s.tick()
	a := db.SourceAsset{
		ID:                  newID(),
		Platform:            arg.Platform,
		SourceURLRaw:        arg.SourceURLRaw,
		SourceURLNormalized: arg.SourceURLNormalized,
		ExternalID:          arg.ExternalID,
		Status:              db.AssetStatusPending,
		Refcount:            0,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	q.t().assets[a.ID.Bytes] = a
	return &a, nil
}

func (q *queries) updateAsset(id pgtype.UUID, version int32, guard func(a db.SourceAsset) bool, apply func(a *db.SourceAsset)) int64 {
	a, ok := q.t().assets[id.Bytes]
	if !ok || a.Version != version || (guard != nil && !guard(a)) {
		return 0
	}
	apply(&a)
	a.Version++
	a.UpdatedAt = q.s.tick()
	q.t().assets[id.Bytes] = a
	return 1
}

func (q *queries) UpdateSourceAssetLifecycle(_ context.Context, arg *db.UpdateSourceAssetLifecycleParams) (int64, error) {
	defer q.lock()()
	if arg.Refcount < 0 {
		return 0, checkViolation("source_assets_refcount_check")
	}
	n := q.updateAsset(arg.ID, arg.Version, nil, func(a *db.SourceAsset) {
		a.Status = arg.Status
		a.Refcount = arg.Refcount
	})
	return n, nil
}

func (q *queries) MarkSourceAssetReady(_ context.Context, arg *db.MarkSourceAssetReadyParams) (int64, error) {
	defer q.lock()()
	pending := func(a db.SourceAsset) bool { return a.Status == db.AssetStatusPending }
	n := q.updateAsset(arg.ID, arg.Version, pending, func(a *db.SourceAsset) {
		a.Status = db.AssetStatusReady
		a.StorageURI = arg.StorageURI
		a.ContentHash = arg.ContentHash
		a.SizeBytes = arg.SizeBytes
		a.DurationSeconds = arg.DurationSeconds
		a.Width = arg.Width
		a.Height = arg.Height
		a.Fps = arg.Fps
		a.Title = arg.Title
		a.Uploader = arg.Uploader
		a.UploadDate = arg.UploadDate
		a.Error = nil
	})
	return n, nil
}

func (q *queries) MarkSourceAssetFailed(_ context.Context, arg *db.MarkSourceAssetFailedParams) (int64, error) {
	defer q.lock()()
	pending := func(a db.SourceAsset) bool { return a.Status == db.AssetStatusPending }
	n := q.updateAsset(arg.ID, arg.Version, pending, func(a *db.SourceAsset) {
		a.Status = db.AssetStatusFailed
		a.Error = arg.Error
	})
	return n, nil
}

func (q *queries) ListRemovedSourceAssets(_ context.Context, limit int32) ([]*db.SourceAsset, error) {
	defer q.lock()()
	var out []*db.SourceAsset
	for _, a := range q.t().assets {
		if a.Status == db.AssetStatusRemoved && a.Refcount <= 0 {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Time.Before(out[j].UpdatedAt.Time) })
	if len(out) > int(limit) {
		out = out[:limit]
	}
	return out, nil
}

func (q *queries) DeleteRemovedSourceAsset(_ context.Context, id pgtype.UUID) (int64, error) {
	defer q.lock()()
	a, ok := q.t().assets[id.Bytes]
	if !ok || a.Status != db.AssetStatusRemoved || a.Refcount > 0 {
		return 0, nil
	}
	for _, uv := range q.t().userVideos {
		if uv.AssetID == id {
			return 0, foreignKeyViolation("user_videos_asset_id_fkey")
		}
	}
	for _, v := range q.t().variants {
		if v.DerivedFromAssetID == id {
			return 0, foreignKeyViolation("video_variants_derived_from_asset_id_fkey")
		}
	}
	delete(q.t().assets, id.Bytes)
	for jid, j := range q.t().jobs {
		if j.AssetID == id {
			delete(q.t().jobs, jid)
		}
	}
	return 1, nil
}

// Ingestion jobs

func (q *queries) InsertIngestionJob(_ context.Context, arg *db.InsertIngestionJobParams) (*db.IngestionJob, error) {
	defer q.lock()()
	if _, ok := q.t().assets[arg.AssetID.Bytes]; !ok {
		return nil, foreignKeyViolation("ingestion_jobs_asset_id_fkey")
	}
	for _, j := range q.t().jobs {
		if j.AssetID == arg.AssetID {
			return nil, uniqueViolation("ingestion_jobs_asset_id_key")
		}
	}
	now := q.s.tick()
	j := db.IngestionJob{
		ID:                  newID(),
		UserID:              arg.UserID,
		AssetID:             arg.AssetID,
		Platform:            arg.Platform,
		SourceURLRaw:        arg.SourceURLRaw,
		SourceURLNormalized: arg.SourceURLNormalized,
		ExternalID:          arg.ExternalID,
		IdempotencyKey:      arg.IdempotencyKey,
		State:               db.JobStateQueued,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	q.t().jobs[j.ID.Bytes] = j
	return &j, nil
}

func (q *queries) GetIngestionJob(_ context.Context, id pgtype.UUID) (*db.IngestionJob, error) {
	defer q.lock()()
	j, ok := q.t().jobs[id.Bytes]
	if !ok {
		return nil, errNoRows
	}
	return &j, nil
}

func (q *queries) GetIngestionJobByAssetID(_ context.Context, assetID pgtype.UUID) (*db.IngestionJob, error) {
	defer q.lock()()
	for _, j := range q.t().jobs {
		if j.AssetID == assetID {
			return &j, nil
		}
	}
	return nil, errNoRows
}

func (q *queries) claim(j db.IngestionJob) db.IngestionJob {
	now := q.s.tick()
	j.State = db.JobStateRunning
	j.Attempts++
	j.StartedAt = now
	j.FinishedAt = pgtype.Timestamptz{}
	j.Error = nil
	j.UpdatedAt = now
	q.t().jobs[j.ID.Bytes] = j
	return j
}

func (q *queries) ClaimIngestionJob(_ context.Context, id pgtype.UUID) (*db.IngestionJob, error) {
	defer q.lock()()
	j, ok := q.t().jobs[id.Bytes]
	if !ok || j.State != db.JobStateQueued {
		return nil, errNoRows
	}
	j = q.claim(j)
	return &j, nil
}

func (q *queries) ClaimQueuedIngestionJobs(_ context.Context, limit int32) ([]*db.IngestionJob, error) {
	defer q.lock()()
	var queued []db.IngestionJob
	for _, j := range q.t().jobs {
		if j.State == db.JobStateQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(i, k int) bool { return queued[i].CreatedAt.Time.Before(queued[k].CreatedAt.Time) })
	if len(queued) > int(limit) {
		queued = queued[:limit]
	}
	out := make([]*db.IngestionJob, 0, len(queued))
	for _, j := range queued {
		claimed := q.claim(j)
		out = append(out, &claimed)
	}
	return out, nil
}

func (q *queries) finishJob(id pgtype.UUID, from []db.JobState, apply func(j *db.IngestionJob)) int64 {
	j, ok := q.t().jobs[id.Bytes]
	if !ok {
		return 0
	}
	allowed := false
	for _, st := range from {
		if j.State == st {
			allowed = true
		}
	}
	if !allowed {
		return 0
	}
	now := q.s.tick()
	apply(&j)
	j.FinishedAt = now
	j.UpdatedAt = now
	q.t().jobs[id.Bytes] = j
	return 1
}

func (q *queries) CompleteIngestionJob(_ context.Context, id pgtype.UUID) (int64, error) {
	defer q.lock()()
	return q.finishJob(id, []db.JobState{db.JobStateRunning}, func(j *db.IngestionJob) {
		j.State = db.JobStateSucceeded
		j.Error = nil
	}), nil
}

func (q *queries) FailIngestionJob(_ context.Context, arg *db.FailIngestionJobParams) (int64, error) {
	defer q.lock()()
	return q.finishJob(arg.ID, []db.JobState{db.JobStateQueued, db.JobStateRunning}, func(j *db.IngestionJob) {
		j.State = db.JobStateFailed
		j.Error = arg.Error
	}), nil
}

func (q *queries) stuck(arg *db.StuckIngestionJobsParams, exhausted bool) []db.IngestionJob {
	var out []db.IngestionJob
	for _, j := range q.t().jobs {
		if j.State != db.JobStateRunning || !j.StartedAt.Valid || !j.StartedAt.Time.Before(arg.StartedBefore.Time) {
			continue
		}
		if (j.Attempts >= arg.MaxAttempts) == exhausted {
			out = append(out, j)
		}
	}
	return out
}

func (q *queries) RequeueStuckIngestionJobs(_ context.Context, arg *db.StuckIngestionJobsParams) (int64, error) {
	defer q.lock()()
	jobs := q.stuck(arg, false)
	for _, j := range jobs {
		j.State = db.JobStateQueued
		j.StartedAt = pgtype.Timestamptz{}
		j.UpdatedAt = q.s.tick()
		q.t().jobs[j.ID.Bytes] = j
	}
	return int64(len(jobs)), nil
}

func (q *queries) FailExhaustedIngestionJobs(_ context.Context, arg *db.StuckIngestionJobsParams) ([]*db.IngestionJob, error) {
	defer q.lock()()
	var out []*db.IngestionJob
	msg := "exceeded retry limit"
	for _, j := range q.stuck(arg, true) {
		now := q.s.tick()
		j.State = db.JobStateFailed
		j.Error = &msg
		j.FinishedAt = now
		j.UpdatedAt = now
		q.t().jobs[j.ID.Bytes] = j
		j := j
		out = append(out, &j)
	}
	return out, nil
}

// User videos

func (q *queries) GetUserVideo(_ context.Context, id pgtype.UUID) (*db.UserVideo, error) {
	defer q.lock()()
	uv, ok := q.t().userVideos[id.Bytes]
	if !ok {
		return nil, errNoRows
	}
	return &uv, nil
}

func (q *queries) GetUserVideoByUserAndAsset(_ context.Context, arg *db.GetUserVideoByUserAndAssetParams) (*db.UserVideo, error) {
	defer q.lock()()
	for _, uv := range q.t().userVideos {
		if uv.UserID == arg.UserID && uv.AssetID == arg.AssetID {
			return &uv, nil
		}
	}
	return nil, errNoRows
}

func (q *queries) InsertUserVideo(_ context.Context, arg *db.InsertUserVideoParams) (*db.UserVideo, error) {
	defer q.lock()()
	if _, ok := q.t().assets[arg.AssetID.Bytes]; !ok {
		return nil, foreignKeyViolation("user_videos_asset_id_fkey")
	}
	for _, uv := range q.t().userVideos {
		if uv.UserID == arg.UserID && uv.AssetID == arg.AssetID {
			return nil, uniqueViolation("user_videos_user_id_asset_id_key")
		}
	}
	now := q.s.tick()
	uv := db.UserVideo{
		ID:        newID(),
		UserID:    arg.UserID,
		AssetID:   arg.AssetID,
		Role:      arg.Role,
		Status:    arg.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.t().userVideos[uv.ID.Bytes] = uv
	return &uv, nil
}

func (q *queries) UpdateUserVideo(_ context.Context, arg *db.UpdateUserVideoParams) (*db.UserVideo, error) {
	defer q.lock()()
	uv, ok := q.t().userVideos[arg.ID.Bytes]
	if !ok {
		return nil, errNoRows
	}
	uv.Status = arg.Status
	uv.TitleOverride = arg.TitleOverride
	uv.Notes = arg.Notes
	uv.PosterURI = arg.PosterURI
	uv.UpdatedAt = q.s.tick()
	q.t().userVideos[uv.ID.Bytes] = uv
	return &uv, nil
}

func (q *queries) DeleteUserVideo(_ context.Context, id pgtype.UUID) (*db.UserVideo, error) {
	defer q.lock()()
	uv, ok := q.t().userVideos[id.Bytes]
	if !ok {
		return nil, errNoRows
	}
	delete(q.t().userVideos, id.Bytes)
	for vid, v := range q.t().variants {
		if v.UserVideoID == id {
			delete(q.t().variants, vid)
		}
	}
	return &uv, nil
}

func (q *queries) ListUserVideos(_ context.Context, arg *db.ListUserVideosParams) ([]*db.UserVideo, error) {
	defer q.lock()()
	var matches []db.UserVideo
	for _, uv := range q.t().userVideos {
		if uv.UserID != arg.UserID {
			continue
		}
		if arg.Status != nil && uv.Status != *arg.Status {
			continue
		}
		if arg.AssetID.Valid && uv.AssetID != arg.AssetID {
			continue
		}
		matches = append(matches, uv)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.Time.After(matches[j].CreatedAt.Time)
	})

	offset := int(arg.Offset)
	if offset > len(matches) {
		offset = len(matches)
	}
	matches = matches[offset:]
	limit := int(arg.Limit)
	if limit <= 0 {
		limit = 50
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]*db.UserVideo, 0, len(matches))
	for _, uv := range matches {
		uv := uv
		out = append(out, &uv)
	}
	return out, nil
}

// Video variants

func (q *queries) InsertVideoVariant(_ context.Context, arg *db.InsertVideoVariantParams) (*db.VideoVariant, error) {
	defer q.lock()()
	if _, ok := q.t().userVideos[arg.UserVideoID.Bytes]; !ok {
		return nil, foreignKeyViolation("video_variants_user_video_id_fkey")
	}
	if _, ok := q.t().assets[arg.DerivedFromAssetID.Bytes]; !ok {
		return nil, foreignKeyViolation("video_variants_derived_from_asset_id_fkey")
	}
	now := q.s.tick()
	v := db.VideoVariant{
		ID:                 newID(),
		UserVideoID:        arg.UserVideoID,
		UserID:             arg.UserID,
		DerivedFromAssetID: arg.DerivedFromAssetID,
		VariantKind:        arg.VariantKind,
		EditManifest:       arg.EditManifest,
		Status:             arg.Status,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if arg.Status == db.VariantStatusProcessing {
		v.StartedAt = now
	}
	q.t().variants[v.ID.Bytes] = v
	return &v, nil
}

func (q *queries) GetVideoVariant(_ context.Context, id pgtype.UUID) (*db.VideoVariant, error) {
	defer q.lock()()
	v, ok := q.t().variants[id.Bytes]
	if !ok {
		return nil, errNoRows
	}
	return &v, nil
}

func (q *queries) ListVideoVariantsByUserVideo(_ context.Context, userVideoID pgtype.UUID) ([]*db.VideoVariant, error) {
	defer q.lock()()
	var out []*db.VideoVariant
	for _, v := range q.t().variants {
		if v.UserVideoID == userVideoID {
			v := v
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Time.After(out[j].CreatedAt.Time) })
	return out, nil
}

func (q *queries) DequeueVideoVariant(_ context.Context) (*db.VideoVariant, error) {
	defer q.lock()()
	var oldest *db.VideoVariant
	for _, v := range q.t().variants {
		if v.Status != db.VariantStatusQueued {
			continue
		}
		if oldest == nil || v.CreatedAt.Time.Before(oldest.CreatedAt.Time) {
			v := v
			oldest = &v
		}
	}
	if oldest == nil {
		return nil, errNoRows
	}
	now := q.s.tick()
	oldest.Status = db.VariantStatusProcessing
	oldest.StartedAt = now
	oldest.UpdatedAt = now
	q.t().variants[oldest.ID.Bytes] = *oldest
	return oldest, nil
}

func (q *queries) CompleteVideoVariant(_ context.Context, arg *db.CompleteVideoVariantParams) (int64, error) {
	defer q.lock()()
	v, ok := q.t().variants[arg.ID.Bytes]
	if !ok || v.Status != db.VariantStatusProcessing {
		return 0, nil
	}
	v.Status = db.VariantStatusReady
	v.StorageURI = arg.StorageURI
	v.ContentHash = arg.ContentHash
	v.SizeBytes = arg.SizeBytes
	v.DurationSeconds = arg.DurationSeconds
	v.Width = arg.Width
	v.Height = arg.Height
	v.Fps = arg.Fps
	v.Error = nil
	v.UpdatedAt = q.s.tick()
	q.t().variants[v.ID.Bytes] = v
	return 1, nil
}

func (q *queries) FailVideoVariant(_ context.Context, arg *db.FailVideoVariantParams) (int64, error) {
	defer q.lock()()
	v, ok := q.t().variants[arg.ID.Bytes]
	if !ok || (v.Status != db.VariantStatusQueued && v.Status != db.VariantStatusProcessing) {
		return 0, nil
	}
	v.Status = db.VariantStatusFailed
	v.Error = arg.Error
	v.StorageURI = nil
	v.UpdatedAt = q.s.tick()
	q.t().variants[v.ID.Bytes] = v
	return 1, nil
}

func (q *queries) DeleteVideoVariant(_ context.Context, id pgtype.UUID) (*db.VideoVariant, error) {
	defer q.lock()()
	v, ok := q.t().variants[id.Bytes]
	if !ok {
		return nil, errNoRows
	}
	delete(q.t().variants, id.Bytes)
	return &v, nil
}

func (q *queries) ResetStuckVideoVariants(_ context.Context, startedBefore pgtype.Timestamptz) (int64, error) {
	defer q.lock()()
	var n int64
	for id, v := range q.t().variants {
		if v.Status == db.VariantStatusProcessing && v.StartedAt.Valid && v.StartedAt.Time.Before(startedBefore.Time) {
			v.Status = db.VariantStatusQueued
			v.StartedAt = pgtype.Timestamptz{}
			v.UpdatedAt = q.s.tick()
			q.t().variants[id] = v
			n++
		}
	}
	return n, nil
}
