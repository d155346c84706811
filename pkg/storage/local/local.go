package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/storage"
)

const trashDir = ".trash"

var areas = map[string]bool{
	models.AreaInputs:       true,
	models.AreaIntermediate: true,
	models.AreaOutputs:      true,
}

// Store keeps artifacts on local disk under <root>/<taskID>/<area>/<name>.
// Its only in-memory state is the tombstones of deleted tasks.
type Store struct {
	root   string
	mirror storage.Mirror
	logger logger.Logger

	// mu orders writers against Delete: Save holds it shared for the whole
	// write, Delete takes it exclusively while tombstoning and renaming.
	mu         sync.RWMutex
	tombstones map[string]time.Time
	now        func() time.Time
}

var _ storage.Store = (*Store)(nil)

type Option func(*Store)

// WithMirror replicates outputs to m.
func WithMirror(m storage.Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(root string, log logger.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, trashDir), 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create storage root: %v", models.ErrStorage, err)
	}

	s := &Store{
		root:       root,
		logger:     log.Named("store"),
		tombstones: make(map[string]time.Time),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Leftovers from an interrupted delete.
	s.emptyTrash()
	return s, nil
}

func (s *Store) Save(ctx context.Context, taskID, area, name string, data []byte) (models.ArtifactRef, error) {
	if err := checkPath(taskID, area, name); err != nil {
		return models.ArtifactRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.ArtifactRef{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, gone := s.tombstones[taskID]; gone {
		return models.ArtifactRef{}, fmt.Errorf("%w: task %s was deleted", models.ErrNotFound, taskID)
	}

	dir := filepath.Join(s.root, taskID, area)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("%w: failed to create %s: %v", models.ErrStorage, dir, err)
	}

	final := filepath.Join(dir, name)
	if err := writeFileAtomic(dir, final, data); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("%w: failed to write %s: %v", models.ErrStorage, final, err)
	}

	ref := models.ArtifactRef{
		TaskID:     taskID,
		Key:        area + "/" + name,
		Size:       int64(len(data)),
		LastAccess: s.now(),
	}

	if s.mirror != nil && area == models.AreaOutputs {
		key := taskID + "/" + ref.Key
		if err := s.mirror.Put(ctx, key, bytes.NewReader(data), ref.Size); err != nil {
			s.logger.Warn("Mirror upload failed",
				logger.String("mirror", s.mirror.Name()),
				logger.String("key", key),
				logger.Error(err),
			)
		}
	}

	s.logger.Debug("Saved artifact",
		logger.String("task_id", taskID),
		logger.String("key", ref.Key),
		logger.String("size", humanize.Bytes(uint64(ref.Size))),
	)
	return ref, nil
}

func (s *Store) Open(ctx context.Context, ref models.ArtifactRef) (io.ReadCloser, error) {
	area, name, ok := strings.Cut(ref.Key, "/")
	if !ok {
		return nil, fmt.Errorf("%w: malformed artifact key %q", models.ErrNotFound, ref.Key)
	}
	if err := checkPath(ref.TaskID, area, name); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}

	s.mu.RLock()
	_, gone := s.tombstones[ref.TaskID]
	s.mu.RUnlock()
	if gone {
		return nil, fmt.Errorf("%w: task %s was deleted", models.ErrNotFound, ref.TaskID)
	}

	path := filepath.Join(s.root, ref.TaskID, area, name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", models.ErrNotFound, ref.TaskID, ref.Key)
		}
		return nil, fmt.Errorf("%w: failed to open %s: %v", models.ErrStorage, path, err)
	}

	if info, err := f.Stat(); err == nil {
		// atime only; mtime drives retention
		_ = os.Chtimes(path, s.now(), info.ModTime())
	}
	return f, nil
}

func (s *Store) ListOutputs(ctx context.Context, taskID string) ([]models.ArtifactRef, error) {
	if err := checkPath(taskID, models.AreaOutputs, "x"); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}

	s.mu.RLock()
	_, gone := s.tombstones[taskID]
	s.mu.RUnlock()
	if gone {
		return nil, fmt.Errorf("%w: task %s was deleted", models.ErrNotFound, taskID)
	}

	entries, err := os.ReadDir(filepath.Join(s.root, taskID, models.AreaOutputs))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(filepath.Join(s.root, taskID)); statErr != nil {
				return nil, fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
			}
			return []models.ArtifactRef{}, nil
		}
		return nil, fmt.Errorf("%w: failed to list outputs: %v", models.ErrStorage, err)
	}

	refs := make([]models.ArtifactRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		refs = append(refs, models.ArtifactRef{
			TaskID:     taskID,
			Key:        models.AreaOutputs + "/" + e.Name(),
			Size:       info.Size(),
			LastAccess: accessTime(filepath.Join(s.root, taskID, models.AreaOutputs, e.Name()), info),
		})
	}
	// os.ReadDir already sorts by file name.
	return refs, nil
}

// Delete tombstones the task, moves its directory into the trash in one
// rename and then removes it. Failures are logged and returned for
// reporting only; the task is already invisible to readers.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := checkPath(taskID, models.AreaOutputs, "x"); err != nil {
		return nil
	}

	s.mu.Lock()
	s.tombstones[taskID] = s.now()
	src := filepath.Join(s.root, taskID)
	dst := filepath.Join(s.root, trashDir, taskID+"-"+xid.New().String())
	renameErr := os.Rename(src, dst)
	s.mu.Unlock()

	var errs error
	switch {
	case renameErr == nil:
		errs = multierr.Append(errs, os.RemoveAll(dst))
	case errors.Is(renameErr, fs.ErrNotExist):
		// nothing on disk
	default:
		errs = multierr.Append(errs, renameErr)
		errs = multierr.Append(errs, os.RemoveAll(src))
	}

	if s.mirror != nil {
		errs = multierr.Append(errs, s.mirror.DeletePrefix(ctx, taskID+"/"))
	}

	if errs != nil {
		s.logger.Warn("Task delete incomplete",
			logger.String("task_id", taskID),
			logger.Error(errs),
		)
		return fmt.Errorf("%w: %v", models.ErrStorage, errs)
	}

	s.logger.Debug("Deleted task artifacts", logger.String("task_id", taskID))
	return nil
}

func (s *Store) DeleteArea(ctx context.Context, taskID, area string) error {
	if err := checkPath(taskID, area, "x"); err != nil {
		return err
	}

	s.mu.Lock()
	src := filepath.Join(s.root, taskID, area)
	dst := filepath.Join(s.root, trashDir, taskID+"-"+area+"-"+xid.New().String())
	err := os.Rename(src, dst)
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: failed to remove %s: %v", models.ErrStorage, src, err)
	}
	if err := os.RemoveAll(dst); err != nil {
		s.logger.Warn("Failed to purge area",
			logger.String("task_id", taskID),
			logger.String("area", area),
			logger.Error(err),
		)
	}
	return nil
}

func (s *Store) Sweep(ctx context.Context, olderThan time.Time, keep func(taskID string) bool) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read storage root: %v", models.ErrStorage, err)
	}

	count := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		taskID := e.Name()
		if keep != nil && keep(taskID) {
			continue
		}
		if !lastModified(filepath.Join(s.root, taskID)).Before(olderThan) {
			continue
		}
		if err := s.Delete(ctx, taskID); err != nil {
			continue
		}
		count++
	}

	s.pruneTombstones(olderThan)
	s.emptyTrash()
	return count, nil
}

// FreeBytes reports the space available to unprivileged writers on the
// filesystem holding the storage root.
func (s *Store) FreeBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.root, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.root, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func (s *Store) pruneTombstones(before time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.tombstones {
		if at.Before(before) {
			delete(s.tombstones, id)
		}
	}
}

func (s *Store) emptyTrash() {
	trash := filepath.Join(s.root, trashDir)
	entries, err := os.ReadDir(trash)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(trash, e.Name())); err != nil {
			s.logger.Warn("Failed to empty trash entry",
				logger.String("entry", e.Name()),
				logger.Error(err),
			)
		}
	}
}

func writeFileAtomic(dir, final string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), final); err != nil {
		return err
	}

	if d, derr := os.Open(dir); derr == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// lastModified is the newest mtime of the task directory and its areas.
func lastModified(taskDir string) time.Time {
	var newest time.Time
	if info, err := os.Stat(taskDir); err == nil {
		newest = info.ModTime()
	}
	for area := range areas {
		if info, err := os.Stat(filepath.Join(taskDir, area)); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

func checkPath(taskID, area, name string) error {
	if !areas[area] {
		return fmt.Errorf("%w: unknown area %q", models.ErrStorage, area)
	}
	for _, part := range []string{taskID, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) || strings.HasPrefix(part, ".") {
			return fmt.Errorf("%w: invalid path element %q", models.ErrStorage, part)
		}
	}
	return nil
}
