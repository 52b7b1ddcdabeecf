package ffmpeg

import (
	"fmt"
	"strings"
)

// Segment is a half-open time range in seconds.
type Segment struct {
	Start, End float64
}

// KeepSegments keeps only the given ranges of both streams and closes the
// gaps between them. Segments must be sorted and must not overlap.
func KeepSegments(segs []Segment) []Option {
	if len(segs) == 0 {
		return nil
	}
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = fmt.Sprintf("between(t,%s,%s)", formatSeconds(s.Start), formatSeconds(s.End))
	}
	expr := strings.Join(parts, "+")
	return []Option{
		Filter(fmt.Sprintf("select='%s',setpts=N/FRAME_RATE/TB", expr)),
		AudioFilter(fmt.Sprintf("aselect='%s',asetpts=N/SR/TB", expr)),
	}
}

// ScaleFit downsizes to fit within maxW x maxH keeping the aspect ratio and
// never upscaling. Zero leaves that dimension unbounded.
func ScaleFit(maxW, maxH int) Option {
	w, h := "iw", "ih"
	if maxW > 0 {
		w = fmt.Sprintf("min(iw\\,%d)", maxW)
	}
	if maxH > 0 {
		h = fmt.Sprintf("min(ih\\,%d)", maxH)
	}
	return Filter(fmt.Sprintf("scale=w='%s':h='%s':force_original_aspect_ratio=decrease:force_divisible_by=2", w, h))
}

// EvenDimensions rounds the frame down to even dimensions, required by
// yuv420p encoders.
func EvenDimensions() Option {
	return Filter("scale=trunc(iw/2)*2:trunc(ih/2)*2")
}

// EQ adjusts brightness, contrast and saturation. Nil leaves a value at the
// filter default.
func EQ(brightness, contrast, saturation *float64) Option {
	var parts []string
	if brightness != nil {
		parts = append(parts, fmt.Sprintf("brightness=%.4f", *brightness))
	}
	if contrast != nil {
		parts = append(parts, fmt.Sprintf("contrast=%.4f", *contrast))
	}
	if saturation != nil {
		parts = append(parts, fmt.Sprintf("saturation=%.4f", *saturation))
	}
	if len(parts) == 0 {
		return OptionFunc(func(*Command) {})
	}
	return Filter("eq=" + strings.Join(parts, ":"))
}

// Text is a drawtext overlay. X and Y are fractions of the frame size
// placing the text's top-left corner. End <= Start shows it throughout.
type Text struct {
	Text       string
	X, Y       float64
	Start, End float64
	FontSize   int
	Color      string
}

func DrawText(t Text) Option {
	size := t.FontSize
	if size <= 0 {
		size = 36
	}
	color := t.Color
	if color == "" {
		color = "white"
	}
	f := fmt.Sprintf("drawtext=text='%s':fontsize=%d:fontcolor='%s':x=w*%.4f:y=h*%.4f:box=1:boxcolor=black@0.4:boxborderw=8",
		escapeText(t.Text), size, escapeText(color), t.X, t.Y)
	if t.End > t.Start {
		f += fmt.Sprintf(":enable='between(t,%s,%s)'", formatSeconds(t.Start), formatSeconds(t.End))
	}
	return Filter(f)
}

// escapeText quotes a value for use inside a single-quoted filter argument.
func escapeText(s string) string {
	r := strings.NewReplacer(
		`\`, `\\\\`,
		`'`, `'\\\''`,
		`:`, `\:`,
		`%`, `\%`,
		"\n", " ",
	)
	return r.Replace(s)
}

// Volume changes loudness by gain decibels.
func Volume(gainDB float64) Option {
	return AudioFilter(fmt.Sprintf("volume=%.2fdB", gainDB))
}

func AudioFadeIn(seconds float64) Option {
	return AudioFilter(fmt.Sprintf("afade=t=in:st=0:d=%s", formatSeconds(seconds)))
}

// AudioFadeOut fades out over the final seconds of a clip of total length.
func AudioFadeOut(total, seconds float64) Option {
	start := total - seconds
	if start < 0 {
		start = 0
	}
	return AudioFilter(fmt.Sprintf("afade=t=out:st=%s:d=%s", formatSeconds(start), formatSeconds(seconds)))
}
