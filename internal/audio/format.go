// Package audio describes the audio formats the service can request from the
// speech provider and hand to the transcoder.
package audio

import (
	"errors"
	"fmt"
	"strings"
)

// Format represents a supported output container.
type Format string

// Supported formats.
const (
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatOGG  Format = "ogg"
	FormatFLAC Format = "flac"
)

// DefaultFormat is used when a request does not name one.
const DefaultFormat = FormatMP3

// Content types.
const (
	contentTypeMP3  = "audio/mpeg"
	contentTypeWAV  = "audio/wav"
	contentTypeOGG  = "audio/ogg"
	contentTypeFLAC = "audio/flac"
)

// ErrUnsupportedFormat is returned when a format name is not recognised.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// spec holds everything the service needs to know about one format.
type spec struct {
	contentType    string
	providerFormat string
	ffmpegMuxer    string
	ffmpegCodec    string
}

var specs = map[Format]spec{
	FormatMP3: {
		contentType:    contentTypeMP3,
		providerFormat: "mp3_44100_128",
		ffmpegMuxer:    "mp3",
		ffmpegCodec:    "libmp3lame",
	},
	FormatWAV: {
		contentType:    contentTypeWAV,
		providerFormat: "pcm_44100",
		ffmpegMuxer:    "wav",
		ffmpegCodec:    "pcm_s16le",
	},
	FormatOGG: {
		contentType:    contentTypeOGG,
		providerFormat: "opus_48000_64",
		ffmpegMuxer:    "ogg",
		ffmpegCodec:    "libopus",
	},
	FormatFLAC: {
		contentType:    contentTypeFLAC,
		providerFormat: "pcm_44100",
		ffmpegMuxer:    "flac",
		ffmpegCodec:    "flac",
	},
}

// ParseFormat converts a user supplied name into a Format. An empty name yields
// DefaultFormat.
func ParseFormat(name string) (Format, error) {
	normalized := Format(strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "."))))
	if normalized == "" {
		return DefaultFormat, nil
	}

	if _, ok := specs[normalized]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}

	return normalized, nil
}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	_, ok := specs[f]

	return ok
}

// ContentType returns the MIME type used when uploading objects of this format.
func (f Format) ContentType() string {
	return specs[f].contentType
}

// Extension returns the file extension without the leading dot.
func (f Format) Extension() string {
	return string(f)
}

// ProviderOutputFormat returns the output_format directive sent to the provider.
func (f Format) ProviderOutputFormat() string {
	return specs[f].providerFormat
}

// FFmpegMuxer returns the value for ffmpeg's -f flag.
func (f Format) FFmpegMuxer() string {
	return specs[f].ffmpegMuxer
}

// FFmpegCodec returns the value for ffmpeg's -c:a flag.
func (f Format) FFmpegCodec() string {
	return specs[f].ffmpegCodec
}
