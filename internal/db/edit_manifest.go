package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgtype"
)

// EditManifest describes how a variant is derived from its source asset.
// It is stored as JSONB on video_variants.
type EditManifest struct {
	// Cuts are the source time ranges to keep, ascending and disjoint.
	Cuts     []CutRange    `json:"cuts,omitempty" validate:"omitempty,dive"`
	Audio    *AudioEdit    `json:"audio,omitempty"`
	Color    *ColorAdjust  `json:"color,omitempty"`
	Overlays []TextOverlay `json:"overlays,omitempty" validate:"omitempty,dive"`
	Output   OutputSpec    `json:"output"`
}

type CutRange struct {
	Start float64 `json:"start" validate:"gte=0"`
	End   float64 `json:"end" validate:"gtfield=Start"`
}

type AudioEdit struct {
	GainDB  float64 `json:"gainDb" validate:"gte=-60,lte=30"`
	FadeIn  float64 `json:"fadeIn" validate:"gte=0"`
	FadeOut float64 `json:"fadeOut" validate:"gte=0"`
	Mute    bool    `json:"mute"`
}

type ColorAdjust struct {
	Brightness *float64 `json:"brightness,omitempty" validate:"omitempty,gte=-1,lte=1"`
	Contrast   *float64 `json:"contrast,omitempty" validate:"omitempty,gte=0,lte=4"`
	Saturation *float64 `json:"saturation,omitempty" validate:"omitempty,gte=0,lte=3"`
}

// TextOverlay draws text at a position given as a percentage of the frame.
// End of zero keeps the text visible until the end of the output.
type TextOverlay struct {
	Text     string  `json:"text" validate:"required,max=500"`
	XPct     float64 `json:"xPct" validate:"gte=0,lte=100"`
	YPct     float64 `json:"yPct" validate:"gte=0,lte=100"`
	Start    float64 `json:"start" validate:"gte=0"`
	End      float64 `json:"end" validate:"omitempty,gtfield=Start"`
	FontSize int     `json:"fontSize,omitempty" validate:"omitempty,gte=8,lte=400"`
	Color    string  `json:"color,omitempty" validate:"omitempty,max=32,ffcolor"`
}

type OutputSpec struct {
	Format    string `json:"format,omitempty" validate:"omitempty,oneof=mp4 webm"`
	Quality   string `json:"quality,omitempty" validate:"omitempty,oneof=low medium high max"`
	MaxWidth  int    `json:"maxWidth,omitempty" validate:"omitempty,gte=16,lte=7680"`
	MaxHeight int    `json:"maxHeight,omitempty" validate:"omitempty,gte=16,lte=4320"`
}

// colorPattern accepts ffmpeg colour names and hex colours with an
// optional @alpha, and nothing that could end a filter argument.
var colorPattern = regexp.MustCompile(`^([A-Za-z]+|#[0-9A-Fa-f]{6}([0-9A-Fa-f]{2})?|0x[0-9A-Fa-f]{6}([0-9A-Fa-f]{2})?)(@(0(\.[0-9]+)?|1(\.0+)?))?$`)

// validColor reports whether s can be used as a drawtext colour.
func validColor(s string) bool { return colorPattern.MatchString(s) }

var manifestValidator = newManifestValidator()

func newManifestValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("ffcolor", func(fl validator.FieldLevel) bool {
		return validColor(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks field ranges and that cuts are ascending and disjoint.
func (m EditManifest) Validate() error {
	if err := manifestValidator.Struct(m); err != nil {
		return fmt.Errorf("invalid edit manifest: %w", err)
	}
	for i := 1; i < len(m.Cuts); i++ {
		if m.Cuts[i].Start < m.Cuts[i-1].End {
			return fmt.Errorf("invalid edit manifest: cut %d must start at or after the end of cut %d", i, i-1)
		}
	}
	return nil
}

// Scan implements sql.Scanner for reading from the database.
func (m *EditManifest) Scan(value any) error {
	if value == nil {
		*m = EditManifest{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("db.EditManifest.Scan: expected []byte or string, got %T", value)
	}
}

// Value implements driver.Valuer for writing to the database.
func (m EditManifest) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// ScanText implements the pgtype.TextScanner interface for pgx v5.
func (m *EditManifest) ScanText(v pgtype.Text) error {
	if !v.Valid {
		*m = EditManifest{}
		return nil
	}
	return json.Unmarshal([]byte(v.String), m)
}

// TextValue implements the pgtype.TextValuer interface for pgx v5.
func (m EditManifest) TextValue() (pgtype.Text, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return pgtype.Text{}, err
	}
	return pgtype.Text{String: string(b), Valid: true}, nil
}
