package audio_test

import (
	"testing"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    audio.Format
		wantErr bool
	}{
		{name: "empty defaults to mp3", input: "", want: audio.FormatMP3},
		{name: "upper case", input: "WAV", want: audio.FormatWAV},
		{name: "leading dot", input: ".ogg", want: audio.FormatOGG},
		{name: "unknown", input: "aiff", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			got, err := audio.ParseFormat(testCase.input)
			if testCase.wantErr {
				require.ErrorIs(t, err, audio.ErrUnsupportedFormat)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestFormatDirectives(t *testing.T) {
	t.Parallel()

	assert.True(t, audio.FormatMP3.Valid())
	assert.False(t, audio.Format("aiff").Valid())
	assert.Equal(t, "audio/mpeg", audio.FormatMP3.ContentType())
	assert.Equal(t, "mp3", audio.FormatMP3.Extension())
	assert.Equal(t, "mp3_44100_128", audio.FormatMP3.ProviderOutputFormat())
	assert.Equal(t, "libmp3lame", audio.FormatMP3.FFmpegCodec())
	assert.Equal(t, "wav", audio.FormatWAV.FFmpegMuxer())
}
