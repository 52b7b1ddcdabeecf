package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ProbeResult is the media metadata recorded for assets and variants.
type ProbeResult struct {
	Width      int
	Height     int
	FPS        float64
	VideoCodec string
	AudioCodec string
	Duration   float64
	Bitrate    int64
	Size       int64
	FormatName string

	VideoStreams int
	AudioStreams int
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
}

// Prober runs ffprobe.
type Prober struct {
	// Path to the ffprobe executable. Empty means a PATH lookup.
	Path string

	execFn execFunc
}

func NewProber(path string) *Prober {
	return &Prober{Path: path}
}

func (p *Prober) path() string {
	if strings.TrimSpace(p.Path) == "" {
		return "ffprobe"
	}
	return p.Path
}

func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	run := p.execFn
	if run == nil {
		run = execCommand
	}

	stdout, stderr, err := run(ctx, p.path(),
		"-hide_banner",
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	return parseProbe(stdout)
}

func parseProbe(raw []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ffprobe: parse output: %w", err)
	}

	res := &ProbeResult{FormatName: out.Format.FormatName}
	res.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	res.Bitrate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)
	res.Size, _ = strconv.ParseInt(out.Format.Size, 10, 64)

	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			res.VideoStreams++
			if res.VideoCodec != "" {
				continue
			}
			res.VideoCodec = s.CodecName
			res.Width = s.Width
			res.Height = s.Height
			res.FPS = parseFrameRate(s.AvgFrameRate)
			if res.FPS == 0 {
				res.FPS = parseFrameRate(s.RFrameRate)
			}
			if res.Duration == 0 {
				res.Duration, _ = strconv.ParseFloat(s.Duration, 64)
			}
		case "audio":
			res.AudioStreams++
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
			}
		}
	}

	if res.VideoStreams == 0 {
		return nil, fmt.Errorf("ffprobe: no video stream")
	}
	return res, nil
}

// parseFrameRate parses ffprobe rates such as "30/1" or "30000/1001".
func parseFrameRate(rate string) float64 {
	var num, den int
	if _, err := fmt.Sscanf(rate, "%d/%d", &num, &den); err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
