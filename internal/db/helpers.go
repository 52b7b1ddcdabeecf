package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrRaceConflict reports that a row changed underneath a guarded update.
// It is resolved by re-running the enclosing transaction.
var ErrRaceConflict = errors.New("db: concurrent modification")

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func IsUniqueViolation(err error) bool {
	return pgErrCode(err) == codeUniqueViolation
}

func IsSerializationFailure(err error) bool {
	code := pgErrCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}

// IsRaceConflict reports whether err was caused by a concurrent transaction
// and the operation can be retried from scratch.
func IsRaceConflict(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRaceConflict) || IsUniqueViolation(err) || IsSerializationFailure(err)
}

func UUID(u uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: u, Valid: true}
}

// GoUUID converts a pgtype.UUID; invalid values map to uuid.Nil.
func GoUUID(u pgtype.UUID) uuid.UUID {
	if !u.Valid {
		return uuid.Nil
	}
	return uuid.UUID(u.Bytes)
}

func Timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func Deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
