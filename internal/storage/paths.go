package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/book-expert/narration-service/internal/audio"
	"github.com/cespare/xxhash/v2"
)

// Directory prefixes inside the store root.
const (
	itemsDir  = "items"
	mergedDir = "merged"
)

// Data size constants.
const (
	kilobyte = 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

const (
	formatGB    = "%.1f GB"
	formatMB    = "%.1f MB"
	formatKB    = "%.1f KB"
	formatBytes = "%d B"
)

const (
	invalidCharReplacement = "_"
	// digestSeparator never survives in an unaltered name, so suffixed and
	// plain names cannot collide.
	digestSeparator = "~"
)

var nameReplacer = strings.NewReplacer(
	"<", invalidCharReplacement,
	">", invalidCharReplacement,
	":", invalidCharReplacement,
	"\"", invalidCharReplacement,
	"/", invalidCharReplacement,
	"\\", invalidCharReplacement,
	"|", invalidCharReplacement,
	"?", invalidCharReplacement,
	"*", invalidCharReplacement,
	" ", invalidCharReplacement,
	"\x00", invalidCharReplacement,
)

// SanitizeName replaces characters that are invalid in most filesystems and
// neutralizes dot-only names.
func SanitizeName(name string) string {
	sanitized := nameReplacer.Replace(strings.TrimSpace(name))
	if strings.Trim(sanitized, ".") == "" {
		return strings.Repeat(invalidCharReplacement, max(len(sanitized), 1))
	}

	return sanitized
}

// FileName maps an id to a file name. Ids that are already safe are kept as
// they are; any other id gets a digest of the raw id appended so distinct ids
// never share a name.
func FileName(id string) string {
	sanitized := SanitizeName(id)
	if sanitized == id && !strings.Contains(id, digestSeparator) {
		return id
	}

	return fmt.Sprintf("%s%s%016x", sanitized, digestSeparator, xxhash.Sum64String(id))
}

// ItemKey is the object store key of an item clip.
func ItemKey(id string, format audio.Format) string {
	return FileName(id) + "." + format.Extension()
}

// ItemPath is the local path of an item clip.
func ItemPath(id string, format audio.Format) string {
	return path.Join(itemsDir, ItemKey(id, format))
}

// MergedKey is the object store key of a merged bulletin.
func MergedKey(correlationID string, format audio.Format) string {
	return path.Join(mergedDir, FileName(correlationID)+"."+format.Extension())
}

// MergedPath is the local path of a merged bulletin.
func MergedPath(correlationID string, format audio.Format) string {
	return MergedKey(correlationID, format)
}

// FormatFileSize formats a byte count for logs.
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}
