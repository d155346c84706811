package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/agent/document"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/internal/service/scheduler"
	"github.com/bindrap/notesWebApp/internal/utils/validator"
	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/storage/local"
)

type fakeTasks struct {
	mu        sync.Mutex
	expiresAt map[string]time.Time
	running   map[string]bool
	deleted   []string
	failOn    string
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{expiresAt: map[string]time.Time{}, running: map[string]bool{}}
}

func (f *fakeTasks) Expired(now time.Time) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, at := range f.expiresAt {
		if !f.running[id] && !now.Before(at) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeTasks) Delete(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID == f.failOn {
		return errors.New("disk on fire")
	}
	if _, ok := f.expiresAt[taskID]; !ok {
		return models.ErrNotFound
	}
	delete(f.expiresAt, taskID)
	f.deleted = append(f.deleted, taskID)
	return nil
}

func (f *fakeTasks) Owns(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.expiresAt[taskID]
	return ok
}

type fakeSweeper struct {
	olderThan time.Time
	kept      []string
	candidate []string
}

func (s *fakeSweeper) Sweep(_ context.Context, olderThan time.Time, keep func(string) bool) (int, error) {
	s.olderThan = olderThan
	n := 0
	for _, id := range s.candidate {
		if keep(id) {
			s.kept = append(s.kept, id)
			continue
		}
		n++
	}
	return n, nil
}

func TestSweepNowExpiresOnlyTerminalTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tasks := newFakeTasks()
	tasks.expiresAt["old-done"] = now.Add(-time.Minute)
	tasks.expiresAt["old-running"] = now.Add(-time.Minute)
	tasks.running["old-running"] = true
	tasks.expiresAt["fresh"] = now.Add(time.Hour)

	sweeper := &fakeSweeper{candidate: []string{"old-running", "stray"}}
	m, err := NewManager(Config{Retention: time.Hour}, tasks, sweeper, logger.NewTestLogger(),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	report, err := m.SweepNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Expired: 1, Orphaned: 1}, report)
	assert.Equal(t, []string{"old-done"}, tasks.deleted)
	assert.Equal(t, []string{"old-running"}, sweeper.kept)
	assert.Equal(t, now.Add(-time.Hour), sweeper.olderThan)
}

func TestSweepNowContinuesPastFailures(t *testing.T) {
	now := time.Now()
	tasks := newFakeTasks()
	tasks.expiresAt["a"] = now.Add(-time.Second)
	tasks.expiresAt["b"] = now.Add(-time.Second)
	tasks.failOn = "a"

	m, err := NewManager(Config{Retention: time.Hour}, tasks, &fakeSweeper{}, logger.NewTestLogger(),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	report, err := m.SweepNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, []string{"b"}, tasks.deleted)
}

func TestSweepNowRemovesOrphanedDirectories(t *testing.T) {
	log := logger.NewTestLogger()
	root := t.TempDir()
	store, err := local.New(root, log)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Save(ctx, "orphan", models.AreaOutputs, "a.md", []byte("x"))
	require.NoError(t, err)
	_, err = store.Save(ctx, "live", models.AreaOutputs, "a.md", []byte("x"))
	require.NoError(t, err)

	tasks := newFakeTasks()
	tasks.expiresAt["live"] = time.Now().Add(48 * time.Hour)

	later := time.Now().Add(2 * time.Hour)
	m, err := NewManager(Config{Retention: time.Hour}, tasks, store, log,
		WithClock(func() time.Time { return later }))
	require.NoError(t, err)

	report, err := m.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)

	_, err = os.Stat(filepath.Join(root, "orphan"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "live"))
	assert.NoError(t, err)
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	_, err := NewManager(Config{}, newFakeTasks(), &fakeSweeper{}, logger.NewTestLogger())
	assert.Error(t, err)

	_, err = NewManager(Config{Retention: time.Hour, Schedule: "every tuesday"}, newFakeTasks(), &fakeSweeper{}, logger.NewTestLogger())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	m, err := NewManager(Config{Retention: time.Hour, Schedule: "@every 1h"}, newFakeTasks(), &fakeSweeper{}, logger.NewTestLogger())
	require.NoError(t, err)
	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Stop(ctx))
}

type gatedGateway struct {
	release chan struct{}
}

func (g gatedGateway) Recognize(context.Context, []byte, models.RecognizeOptions) (string, error) {
	return "text", nil
}

func (g gatedGateway) Enhance(ctx context.Context, text string, _ models.EnhanceOptions) (string, error) {
	if text == "slow" {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "# " + text, nil
}

func TestSweepNowSparesUnfinishedTasks(t *testing.T) {
	log := logger.NewTestLogger()
	root := t.TempDir()
	store, err := local.New(root, log)
	require.NoError(t, err)
	registry, err := document.NewRegistry(cfg.Default().Image, log)
	require.NoError(t, err)

	gw := gatedGateway{release: make(chan struct{})}
	retention := time.Minute
	sched := scheduler.New(scheduler.Config{
		Workers:            2,
		MaxConcurrentCalls: 2,
		RetryAttempts:      1,
		RetryDelay:         time.Millisecond,
		Retention:          retention,
	}, store, validator.NewDocumentValidator(cfg.Default().Limits, log), registry, gw, log)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop() })
	defer close(gw.release)

	ctx := context.Background()
	finished, err := sched.Submit(ctx, []models.Upload{{Filename: "done.txt", Data: []byte("fast")}}, models.Options{})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = sched.Wait(waitCtx, finished)
	require.NoError(t, err)

	busy, err := sched.Submit(ctx, []models.Upload{{Filename: "busy.txt", Data: []byte("slow")}}, models.Options{})
	require.NoError(t, err)

	// Well past retention for both tasks and their directories.
	later := time.Now().Add(10 * retention)
	m, err := NewManager(Config{Retention: retention}, sched, store, log,
		WithClock(func() time.Time { return later }))
	require.NoError(t, err)

	report, err := m.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Zero(t, report.Orphaned)

	assert.False(t, sched.Owns(finished))
	assert.NoDirExists(t, filepath.Join(root, finished))

	snap, err := sched.Status(busy)
	require.NoError(t, err)
	assert.False(t, snap.Terminal)
	assert.DirExists(t, filepath.Join(root, busy, models.AreaInputs))

	// Sweeping again changes nothing for the running task.
	_, err = m.SweepNow(ctx)
	require.NoError(t, err)
	assert.True(t, sched.Owns(busy))
	assert.DirExists(t, filepath.Join(root, busy))
}
