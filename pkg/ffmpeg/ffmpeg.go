// Package ffmpeg builds and runs ffmpeg and ffprobe invocations.
package ffmpeg

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Command is an ffmpeg invocation with a single input and output.
type Command struct {
	input        string
	output       string
	preInput     []string // before -i, e.g. input seeking
	postInput    []string
	filters      []string
	audioFilters []string
}

// Option modifies a Command. Options may be given in any order; Build
// places their arguments where ffmpeg expects them.
type Option interface {
	Apply(cmd *Command)
}

type OptionFunc func(cmd *Command)

func (f OptionFunc) Apply(cmd *Command) { f(cmd) }

func NewCommand(input, output string, opts ...Option) *Command {
	cmd := &Command{input: input, output: output}
	for _, opt := range opts {
		opt.Apply(cmd)
	}
	return cmd
}

// Build returns the argument list, without the program name.
func (c *Command) Build() []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	args = append(args, c.preInput...)
	args = append(args, "-i", c.input)
	args = append(args, c.postInput...)

	if len(c.filters) > 0 {
		args = append(args, "-vf", strings.Join(c.filters, ","))
	}
	if len(c.audioFilters) > 0 {
		args = append(args, "-af", strings.Join(c.audioFilters, ","))
	}

	switch strings.ToLower(filepath.Ext(c.output)) {
	case ".mp4", ".m4a", ".mov":
		args = append(args, "-movflags", "+faststart")
	}

	return append(args, c.output)
}

// Seek sets the input start position.
func Seek(start time.Duration) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.preInput = append(cmd.preInput, "-ss", formatSeconds(start.Seconds()))
	})
}

// Duration limits the output length.
func Duration(d time.Duration) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, "-t", formatSeconds(d.Seconds()))
	})
}

func VideoCodec(codec string) Option { return postInput("-c:v", codec) }
func CRF(value int) Option           { return postInput("-crf", strconv.Itoa(value)) }
func Preset(name string) Option      { return postInput("-preset", name) }
func PixelFormat(f string) Option    { return postInput("-pix_fmt", f) }
func VideoBitrate(b string) Option   { return postInput("-b:v", b) }
func AudioCodec(codec string) Option { return postInput("-c:a", codec) }
func AudioBitrate(b string) Option   { return postInput("-b:a", b) }
func AudioChannels(n int) Option     { return postInput("-ac", strconv.Itoa(n)) }
func MapStream(spec string) Option   { return postInput("-map", spec) }

// Metadata sets a container metadata tag.
func Metadata(key, value string) Option { return postInput("-metadata", key+"="+value) }

// NoAudio drops audio from the output.
var NoAudio Option = postInput("-an")

// CopyAll copies every stream without re-encoding.
var CopyAll Option = postInput("-c", "copy")

// Filter appends a video filter to the -vf chain.
func Filter(f string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.filters = append(cmd.filters, f)
	})
}

// AudioFilter appends an audio filter to the -af chain.
func AudioFilter(f string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.audioFilters = append(cmd.audioFilters, f)
	})
}

// ExtraArgs adds raw arguments after the input.
func ExtraArgs(args ...string) Option { return postInput(args...) }

func postInput(args ...string) Option {
	return OptionFunc(func(cmd *Command) {
		cmd.postInput = append(cmd.postInput, args...)
	})
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
