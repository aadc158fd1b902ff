package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.FileStore {
	t.Helper()

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	return store
}

func TestFileStore_SaveReadRoundTrip(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "items/a.mp3", bytes.NewReader([]byte("clip-a"))))

	exists, err := store.Exists(ctx, "items/a.mp3")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := store.Read(ctx, "items/a.mp3")
	require.NoError(t, err)
	assert.Equal(t, []byte("clip-a"), data)

	reader, err := store.Open(ctx, "items/a.mp3")
	require.NoError(t, err)

	streamed, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, data, streamed)
}

func TestFileStore_SaveOverwrites(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a.wav", bytes.NewReader([]byte("first"))))
	require.NoError(t, store.Save(ctx, "a.wav", bytes.NewReader([]byte("second"))))

	data, err := store.Read(ctx, "a.wav")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestFileStore_MissingFileIsFatal(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	_, err := store.Read(ctx, "items/missing.mp3")
	require.ErrorIs(t, err, core.ErrStorageFatal)
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = store.Open(ctx, "items/missing.mp3")
	require.ErrorIs(t, err, core.ErrNotFound)

	exists, err := store.Exists(ctx, "items/missing.mp3")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileStore_Delete(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "gone.mp3", bytes.NewReader([]byte("x"))))
	require.NoError(t, store.Delete(ctx, "gone.mp3"))
	require.NoError(t, store.Delete(ctx, "gone.mp3"))

	exists, err := store.Exists(ctx, "gone.mp3")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileStore_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	for _, path := range []string{"", "/etc/passwd", "../outside.mp3", "items/../../outside.mp3", ".."} {
		err := store.Save(context.Background(), path, bytes.NewReader([]byte("x")))
		require.ErrorIs(t, err, storage.ErrInvalidPath, path)
		require.ErrorIs(t, err, core.ErrStorageFatal, path)
	}
}

type failingReader struct {
	cancel context.CancelFunc
	sent   bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.sent {
		r.cancel()

		return 0, errors.New("interrupted")
	}

	r.sent = true

	return copy(p, "partial"), nil
}

func TestFileStore_CancelledSaveLeavesNoPartialFile(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := store.Save(ctx, "items/b.mp3", &failingReader{cancel: cancel})
	require.ErrorIs(t, err, context.Canceled)

	entries, readErr := os.ReadDir(filepath.Join(store.Root(), "items"))
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestFileStore_WriteErrorIsTransient(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	err := store.Save(context.Background(), "c.mp3", &failingReader{cancel: func() {}})
	require.ErrorIs(t, err, core.ErrStorageTransient)
}

func TestPaths(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "items/news-42.mp3", storage.ItemPath("news-42", audio.FormatMP3))
	assert.Equal(t, "news-42.wav", storage.ItemKey("news-42", audio.FormatWAV))
	assert.Regexp(t, `^items/news_42~[0-9a-f]{16}\.mp3$`, storage.ItemPath("news/42", audio.FormatMP3))
	assert.Equal(t, "merged/abc.ogg", storage.MergedPath("abc", audio.FormatOGG))
	assert.Equal(t, "__", storage.SanitizeName(".."))
	assert.Equal(t, "a_b_c", storage.SanitizeName("a:b?c"))
	assert.Equal(t, "1.5 KB", storage.FormatFileSize(1536))
	assert.Equal(t, "12 B", storage.FormatFileSize(12))
}

func TestPaths_DistinctIDsNeverShareAClip(t *testing.T) {
	t.Parallel()

	ids := []string{
		"2024/05/01-lead",
		"2024_05_01-lead",
		"2024 05 01-lead",
		"2024:05:01-lead",
		"a:b",
		"a?b",
		"a_b",
		"a_b~0000000000000000",
		" a_b",
		"..",
		"__",
	}

	seen := make(map[string]string, len(ids))

	for _, id := range ids {
		clipPath := storage.ItemPath(id, audio.FormatMP3)

		other, taken := seen[clipPath]
		require.False(t, taken, "ids %q and %q share clip path %s", id, other, clipPath)

		seen[clipPath] = id

		assert.Equal(t, clipPath, storage.ItemPath(id, audio.FormatMP3))
	}
}

func TestFileStore_CollidingIDsKeepTheirOwnAudio(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	first := storage.ItemPath("2024/05/01-lead", audio.FormatMP3)
	second := storage.ItemPath("2024_05_01-lead", audio.FormatMP3)

	require.NoError(t, store.Save(ctx, first, strings.NewReader("first")))
	require.NoError(t, store.Save(ctx, second, strings.NewReader("second")))

	for range 2 {
		data, err := store.Read(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, "first", string(data))
	}
}
