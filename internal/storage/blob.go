package storage

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// BlobStore holds opaque binary objects (webcam snapshots, question images)
// addressed by slash-separated keys. The engine only ever sees the keys.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error) // returns canonical key
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// SnapshotKey names a new webcam snapshot of one student in one exam.
func SnapshotKey(examID, studentID, ext string) string {
	return path.Join("snapshots", examID, studentID, uuid.NewString()+normExt(ext))
}

// ImageKey names a new question image.
func ImageKey(ext string) string {
	return path.Join("images", uuid.NewString()+normExt(ext))
}

func normExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return ext
	case "png", "jpg", "jpeg", "gif", "webp":
		return "." + ext
	}
	return ".bin"
}
