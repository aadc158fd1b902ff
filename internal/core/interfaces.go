// Package core defines the data model, collaborator interfaces and error
// taxonomy shared by the narration pipeline.
package core

import (
	"context"
	"io"
	"time"

	"github.com/book-expert/narration-service/internal/audio"
)

// ContentItem is one unit of text to be converted to speech.
type ContentItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// VoiceSettings holds the provider tuning parameters for a voice.
type VoiceSettings struct {
	Stability    float64 `json:"stability"`
	Similarity   float64 `json:"similarity_boost"`
	Style        float64 `json:"style"`
	SpeakerBoost bool    `json:"use_speaker_boost"`
}

// VoiceProfile is a resolved voice with the settings used to synthesize with it.
type VoiceProfile struct {
	VoiceID  string        `json:"voice_id"`
	Name     string        `json:"name"`
	Settings VoiceSettings `json:"settings"`
}

// ItemMetadata is written to the cache for every synthesized item.
type ItemMetadata struct {
	ID        string       `json:"id"`
	Language  string       `json:"language"`
	VoiceID   string       `json:"voice_id"`
	Format    audio.Format `json:"format"`
	Path      string       `json:"path"`
	ObjectKey string       `json:"object_key,omitempty"`
	Size      int          `json:"size"`
	CreatedAt time.Time    `json:"created_at"`
}

// Severity classifies a notification.
type Severity string

// Notification severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// SpeechProvider converts text into audio bytes.
type SpeechProvider interface {
	Synthesize(
		ctx context.Context,
		text, voiceID string,
		settings VoiceSettings,
		format audio.Format,
	) ([]byte, error)
}

// VoiceDirectory looks up voice profiles at the provider.
type VoiceDirectory interface {
	GetVoice(ctx context.Context, voiceID string, withSettings bool) (VoiceProfile, error)
}

// LocalStore persists audio on the local filesystem. Paths are relative to the
// store root.
type LocalStore interface {
	Save(ctx context.Context, path string, r io.Reader) error
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// ObjectStore uploads audio to remote object storage.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader) error
}

// Notifier receives fire-and-forget events. Implementations never return
// errors to the caller; failures are logged.
type Notifier interface {
	Notify(ctx context.Context, title, message string, severity Severity)
}
