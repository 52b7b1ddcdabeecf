package db

import (
	"database/sql/driver"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

type Platform string

const (
	PlatformYoutube Platform = "youtube"
	PlatformX       Platform = "x"
	PlatformReddit  Platform = "reddit"
	PlatformOther   Platform = "other"
)

func (e *Platform) Scan(src interface{}) error {
	return scanEnum((*string)(e), "Platform", src)
}

func (e Platform) Value() (driver.Value, error) { return string(e), nil }

type AssetStatus string

const (
	AssetStatusPending AssetStatus = "pending"
	AssetStatusReady   AssetStatus = "ready"
	AssetStatusFailed  AssetStatus = "failed"
	AssetStatusRemoved AssetStatus = "removed"
)

func (e *AssetStatus) Scan(src interface{}) error {
	return scanEnum((*string)(e), "AssetStatus", src)
}

func (e AssetStatus) Value() (driver.Value, error) { return string(e), nil }

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

func (e *JobState) Scan(src interface{}) error {
	return scanEnum((*string)(e), "JobState", src)
}

func (e JobState) Value() (driver.Value, error) { return string(e), nil }

type UserVideoStatus string

const (
	UserVideoStatusDraft     UserVideoStatus = "draft"
	UserVideoStatusPublished UserVideoStatus = "published"
	UserVideoStatusArchived  UserVideoStatus = "archived"
)

func (e *UserVideoStatus) Scan(src interface{}) error {
	return scanEnum((*string)(e), "UserVideoStatus", src)
}

func (e UserVideoStatus) Value() (driver.Value, error) { return string(e), nil }

type VariantKind string

const (
	VariantKindEdit      VariantKind = "edit"
	VariantKindCaptioned VariantKind = "captioned"
	VariantKindClipped   VariantKind = "clipped"
)

func (e *VariantKind) Scan(src interface{}) error {
	return scanEnum((*string)(e), "VariantKind", src)
}

func (e VariantKind) Value() (driver.Value, error) { return string(e), nil }

type VariantStatus string

const (
	VariantStatusQueued     VariantStatus = "queued"
	VariantStatusProcessing VariantStatus = "processing"
	VariantStatusReady      VariantStatus = "ready"
	VariantStatusFailed     VariantStatus = "failed"
)

func (e *VariantStatus) Scan(src interface{}) error {
	return scanEnum((*string)(e), "VariantStatus", src)
}

func (e VariantStatus) Value() (driver.Value, error) { return string(e), nil }

func scanEnum(dst *string, name string, src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*dst = string(s)
	case string:
		*dst = s
	default:
		return fmt.Errorf("unsupported scan type for %s: %T", name, src)
	}
	return nil
}

// RoleOriginalRef marks a user video that points at the untouched shared asset.
const RoleOriginalRef = "original_ref"

type SourceAsset struct {
	ID                  pgtype.UUID
	Platform            Platform
	SourceURLRaw        string
	SourceURLNormalized string
	ExternalID          *string
	Status              AssetStatus
	StorageURI          *string
	ContentHash         *string
	SizeBytes           *int64
	DurationSeconds     *float64
	Width               *int32
	Height              *int32
	Fps                 *float64
	Title               *string
	Uploader            *string
	UploadDate          *string
	Error               *string
	Refcount            int32
	Version             int32
	CreatedAt           pgtype.Timestamptz
	UpdatedAt           pgtype.Timestamptz
}

type IngestionJob struct {
	ID                  pgtype.UUID
	UserID              pgtype.UUID
	AssetID             pgtype.UUID
	Platform            Platform
	SourceURLRaw        string
	SourceURLNormalized string
	ExternalID          *string
	IdempotencyKey      string
	State               JobState
	Error               *string
	Attempts            int32
	StartedAt           pgtype.Timestamptz
	FinishedAt          pgtype.Timestamptz
	CreatedAt           pgtype.Timestamptz
	UpdatedAt           pgtype.Timestamptz
}

type UserVideo struct {
	ID            pgtype.UUID
	UserID        pgtype.UUID
	AssetID       pgtype.UUID
	Role          string
	Status        UserVideoStatus
	TitleOverride *string
	Notes         *string
	PosterURI     *string
	CreatedAt     pgtype.Timestamptz
	UpdatedAt     pgtype.Timestamptz
}

type VideoVariant struct {
	ID                 pgtype.UUID
	UserVideoID        pgtype.UUID
	UserID             pgtype.UUID
	DerivedFromAssetID pgtype.UUID
	VariantKind        VariantKind
	EditManifest       EditManifest
	Status             VariantStatus
	StorageURI         *string
	ContentHash        *string
	SizeBytes          *int64
	DurationSeconds    *float64
	Width              *int32
	Height             *int32
	Fps                *float64
	Error              *string
	StartedAt          pgtype.Timestamptz
	CreatedAt          pgtype.Timestamptz
	UpdatedAt          pgtype.Timestamptz
}
