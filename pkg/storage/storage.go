package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/storage/minio"
	"github.com/bindrap/notesWebApp/pkg/storage/s3"
)

// Store persists task artifacts. Every task owns one namespace split into
// the inputs, intermediate and outputs areas.
type Store interface {
	// Save writes data durably and returns a reference to it.
	Save(ctx context.Context, taskID, area, name string, data []byte) (models.ArtifactRef, error)
	// Open returns the artifact content or models.ErrNotFound.
	Open(ctx context.Context, ref models.ArtifactRef) (io.ReadCloser, error)
	// ListOutputs returns the task's outputs ordered by name.
	ListOutputs(ctx context.Context, taskID string) ([]models.ArtifactRef, error)
	// Delete removes the whole task namespace. Deleting an unknown task is a no-op.
	Delete(ctx context.Context, taskID string) error
	// DeleteArea removes one area of a task.
	DeleteArea(ctx context.Context, taskID, area string) error
	// Sweep deletes task namespaces last modified before olderThan, skipping
	// those for which keep returns true.
	Sweep(ctx context.Context, olderThan time.Time, keep func(taskID string) bool) (int, error)
}

// Mirror replicates artifacts to an object store.
type Mirror interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	DeletePrefix(ctx context.Context, prefix string) error
	Name() string
}

// NewMirror builds the mirror selected by the configuration, or nil when
// mirroring is off.
func NewMirror(ctx context.Context, c cfg.MirrorConfig, log logger.Logger) (Mirror, error) {
	switch c.Type {
	case cfg.MirrorNone, "":
		return nil, nil
	case cfg.MirrorS3:
		return s3.NewS3Storage(ctx, c.S3, log)
	case cfg.MirrorMinio:
		return minio.NewMinioStorage(ctx, c.Minio, log)
	default:
		return nil, fmt.Errorf("unsupported mirror type: %s", c.Type)
	}
}
