package variants

import (
	"errors"
	"fmt"
	"math"

	"thirdcoast.systems/postmedia/internal/db"
	"thirdcoast.systems/postmedia/pkg/ffmpeg"
)

// ErrCutsOutsideSource is returned when a manifest has cuts but none of them
// overlaps the source.
var ErrCutsOutsideSource = errors.New("variant: no cut overlaps the source")

// Compile translates an edit manifest into ffmpeg options and the output
// file extension. sourceDuration is the length of the source in seconds and
// is only needed to place fade-outs; zero disables them.
//
// The same manifest and duration always produce the same options.
func Compile(m db.EditManifest, sourceDuration float64) ([]ffmpeg.Option, string, error) {
	if err := m.Validate(); err != nil {
		return nil, "", err
	}
	encoding, ext, err := ffmpeg.Encoding(m.Output.Format, m.Output.Quality)
	if err != nil {
		return nil, "", err
	}

	mute := m.Audio != nil && m.Audio.Mute
	var opts []ffmpeg.Option

	segs := segments(m.Cuts, sourceDuration)
	if len(m.Cuts) > 0 && len(segs) == 0 {
		return nil, "", fmt.Errorf("%w: %.3fs long", ErrCutsOutsideSource, sourceDuration)
	}
	if len(segs) > 0 {
		trim := ffmpeg.KeepSegments(segs)
		if mute {
			// Drop the aselect half; there is no audio stream to filter.
			trim = trim[:1]
		}
		opts = append(opts, trim...)
	}

	if c := m.Color; c != nil {
		opts = append(opts, ffmpeg.EQ(c.Brightness, c.Contrast, c.Saturation))
	}

	if m.Output.MaxWidth > 0 || m.Output.MaxHeight > 0 {
		opts = append(opts, ffmpeg.ScaleFit(m.Output.MaxWidth, m.Output.MaxHeight))
	} else {
		opts = append(opts, ffmpeg.EvenDimensions())
	}

	// Overlays run after trimming and scaling, so their times are on the
	// output timeline and their positions relative to the output frame.
	for _, o := range m.Overlays {
		opts = append(opts, ffmpeg.DrawText(ffmpeg.Text{
			Text:     o.Text,
			X:        o.XPct / 100,
			Y:        o.YPct / 100,
			Start:    o.Start,
			End:      o.End,
			FontSize: o.FontSize,
			Color:    o.Color,
		}))
	}

	if mute {
		opts = append(opts, ffmpeg.NoAudio)
	} else if a := m.Audio; a != nil {
		if a.GainDB != 0 {
			opts = append(opts, ffmpeg.Volume(a.GainDB))
		}
		if a.FadeIn > 0 {
			opts = append(opts, ffmpeg.AudioFadeIn(a.FadeIn))
		}
		if total := outputDuration(m.Cuts, sourceDuration); a.FadeOut > 0 && total > 0 {
			opts = append(opts, ffmpeg.AudioFadeOut(total, a.FadeOut))
		}
	}

	opts = append(opts, encoding...)
	return opts, ext, nil
}

// segments converts cuts into ffmpeg segments clamped to the source length.
// Cuts starting past the end are dropped.
func segments(cuts []db.CutRange, sourceDuration float64) []ffmpeg.Segment {
	segs := make([]ffmpeg.Segment, 0, len(cuts))
	for _, c := range cuts {
		end := c.End
		if sourceDuration > 0 {
			if c.Start >= sourceDuration {
				continue
			}
			end = math.Min(end, sourceDuration)
		}
		segs = append(segs, ffmpeg.Segment{Start: c.Start, End: end})
	}
	return segs
}

// outputDuration is the length of the rendered clip, or zero when unknown.
func outputDuration(cuts []db.CutRange, sourceDuration float64) float64 {
	if len(cuts) == 0 {
		return sourceDuration
	}
	var total float64
	for _, s := range segments(cuts, sourceDuration) {
		total += s.End - s.Start
	}
	return total
}
