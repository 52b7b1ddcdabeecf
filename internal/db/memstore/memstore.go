// Package memstore is an in-memory db.Store for tests. Transactions run one at
// a time and roll back by restoring a snapshot. The partial unique indexes and
// foreign keys of the Postgres schema are emulated and fail with the same
// SQLSTATE codes.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"thirdcoast.systems/postmedia/internal/db"
)

type key = [16]byte

type tables struct {
	assets     map[key]db.SourceAsset
	jobs       map[key]db.IngestionJob
	userVideos map[key]db.UserVideo
	variants   map[key]db.VideoVariant
}

func (t *tables) clone() *tables {
	return &tables{
		assets:     maps.Clone(t.assets),
		jobs:       maps.Clone(t.jobs),
		userVideos: maps.Clone(t.userVideos),
		variants:   maps.Clone(t.variants),
	}
}

type Store struct {
	*queries

	mu   sync.Mutex
	data *tables
	now  func() time.Time
	last time.Time

	insertConflicts []func(q db.Querier)
	external        []func(q db.Querier)
	commitErrs      []error
	txCount         int
}

var _ db.Store = (*Store)(nil)

func New() *Store {
	s := &Store{
		data: &tables{
			assets:     map[key]db.SourceAsset{},
			jobs:       map[key]db.IngestionJob{},
			userVideos: map[key]db.UserVideo{},
			variants:   map[key]db.VideoVariant{},
		},
		now: time.Now,
	}
	s.queries = &queries{s: s}
	return s
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.last = time.Time{}
}

// InjectInsertConflict makes the next InsertSourceAsset inside a transaction
// fail with a unique violation, as if a concurrent transaction had committed
// first. competitor runs against the store after the losing transaction rolls
// back and should create the winning rows.
func (s *Store) InjectInsertConflict(competitor func(q db.Querier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertConflicts = append(s.insertConflicts, competitor)
}

// FailNextCommit makes the next transaction fail at commit with err after fn
// succeeded. The transaction's writes are discarded.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErrs = append(s.commitErrs, err)
}

// TxCount returns how many transactions have been started.
func (s *Store) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

func (s *Store) InTx(ctx context.Context, fn func(q db.Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	snapshot := s.data.clone()
	err := fn(&queries{s: s, tx: true})
	if err == nil && len(s.commitErrs) > 0 {
		err = s.commitErrs[0]
		s.commitErrs = s.commitErrs[1:]
	}
	if err != nil {
		s.data = snapshot
	}

	external := s.external
	s.external = nil
	for _, apply := range external {
		apply(&queries{s: s, tx: true})
	}
	return err
}

func (s *Store) tick() pgtype.Timestamptz {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func (s *Store) SourceAssets() []db.SourceAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedByCreation(slices.Collect(maps.Values(s.data.assets)), func(a db.SourceAsset) time.Time { return a.CreatedAt.Time })
}

func (s *Store) IngestionJobs() []db.IngestionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedByCreation(slices.Collect(maps.Values(s.data.jobs)), func(j db.IngestionJob) time.Time { return j.CreatedAt.Time })
}

func (s *Store) UserVideos() []db.UserVideo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedByCreation(slices.Collect(maps.Values(s.data.userVideos)), func(u db.UserVideo) time.Time { return u.CreatedAt.Time })
}

func (s *Store) VideoVariants() []db.VideoVariant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedByCreation(slices.Collect(maps.Values(s.data.variants)), func(v db.VideoVariant) time.Time { return v.CreatedAt.Time })
}

// UpdateIngestionJob applies fn to a stored job. It is a test hook for states
// the queries cannot reach directly, such as backdated start times.
func (s *Store) UpdateIngestionJob(id pgtype.UUID, fn func(j *db.IngestionJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.data.jobs[id.Bytes]
	if !ok {
		return
	}
	fn(&j)
	s.data.jobs[id.Bytes] = j
}

// UpdateSourceAsset applies fn to a stored asset.
func (s *Store) UpdateSourceAsset(id pgtype.UUID, fn func(a *db.SourceAsset)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data.assets[id.Bytes]
	if !ok {
		return
	}
	fn(&a)
	s.data.assets[id.Bytes] = a
}

func sortedByCreation[T any](items []T, at func(T) time.Time) []T {
	sort.Slice(items, func(i, j int) bool { return at(items[i]).Before(at(items[j])) })
	return items
}

func newID() pgtype.UUID {
	return db.UUID(uuid.New())
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint", ConstraintName: constraint}
}

func foreignKeyViolation(constraint string) error {
	return &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint", ConstraintName: constraint}
}

var errNoRows = pgx.ErrNoRows

func checkViolation(constraint string) error {
	return &pgconn.PgError{Code: "23514", Message: "violates check constraint", ConstraintName: constraint}
}
