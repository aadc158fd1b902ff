package merge

import (
	"context"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audiobuf"
	"github.com/book-expert/narration-service/internal/core"
)

// ClipPaths are the configured optional clips, relative to the clip store.
// Empty paths are not configured.
type ClipPaths struct {
	Separator string
	Intro     string
	Outro     string
}

// Clips holds the loaded optional clips. Absent clips are nil.
type Clips struct {
	Separator *audiobuf.Buffer
	Intro     *audiobuf.Buffer
	Outro     *audiobuf.Buffer
}

// ClipLoader reads optional clips. A configured clip that cannot be loaded is
// skipped with a warning; loading never fails.
type ClipLoader struct {
	store core.LocalStore
	log   *logger.Logger
}

// NewClipLoader creates a loader reading from store.
func NewClipLoader(store core.LocalStore, log *logger.Logger) *ClipLoader {
	return &ClipLoader{store: store, log: log}
}

// Load returns the available clips and the paths of configured clips that
// were skipped.
func (l *ClipLoader) Load(ctx context.Context, paths ClipPaths) (Clips, []string) {
	var (
		clips   Clips
		missing []string
	)

	load := func(name, path string) *audiobuf.Buffer {
		if path == "" {
			return nil
		}

		data, err := l.store.Read(ctx, path)
		if err == nil {
			var buffer *audiobuf.Buffer

			buffer, err = audiobuf.New(data)
			if err == nil {
				return buffer
			}
		}

		l.log.Warn("Skipping %s clip %s: %v", name, path, err)
		missing = append(missing, path)

		return nil
	}

	clips.Intro = load("intro", paths.Intro)
	clips.Separator = load("separator", paths.Separator)
	clips.Outro = load("outro", paths.Outro)

	return clips, missing
}
