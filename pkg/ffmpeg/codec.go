package ffmpeg

import "fmt"

// Quality tiers accepted by Encoding.
const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
	QualityMax    = "max"
)

type tier struct {
	preset string
	crf    int
	vp9CRF int
}

var tiers = map[string]tier{
	QualityLow:    {preset: "veryfast", crf: 28, vp9CRF: 40},
	QualityMedium: {preset: "medium", crf: 23, vp9CRF: 33},
	QualityHigh:   {preset: "slow", crf: 20, vp9CRF: 28},
	QualityMax:    {preset: "slow", crf: 17, vp9CRF: 20},
}

// Encoding returns the codec options and file extension for an output
// container ("mp4" or "webm") at a quality tier. Empty values select mp4
// and medium.
func Encoding(format, quality string) ([]Option, string, error) {
	if quality == "" {
		quality = QualityMedium
	}
	t, ok := tiers[quality]
	if !ok {
		return nil, "", fmt.Errorf("ffmpeg: unknown quality %q", quality)
	}

	switch format {
	case "", "mp4":
		return []Option{
			VideoCodec("libx264"),
			Preset(t.preset),
			CRF(t.crf),
			PixelFormat("yuv420p"),
			AudioCodec("aac"),
			AudioBitrate("192k"),
			AudioChannels(2),
		}, ".mp4", nil
	case "webm":
		return []Option{
			VideoCodec("libvpx-vp9"),
			CRF(t.vp9CRF),
			VideoBitrate("0"),
			ExtraArgs("-row-mt", "1"),
			PixelFormat("yuv420p"),
			AudioCodec("libopus"),
			AudioBitrate("128k"),
			AudioChannels(2),
		}, ".webm", nil
	default:
		return nil, "", fmt.Errorf("ffmpeg: unknown format %q", format)
	}
}
