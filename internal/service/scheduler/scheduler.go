// Package scheduler owns tasks: it admits batches, fans files out to the
// worker pool, aggregates their progress and serves their outputs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/internal/service/pipeline"
	"github.com/bindrap/notesWebApp/internal/utils/validator"
	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/queue"
	"github.com/bindrap/notesWebApp/pkg/storage"
	"github.com/bindrap/notesWebApp/pkg/worker"
)

const persistWorkers = 4

type Config struct {
	Workers            int
	MaxConcurrentCalls int64
	RetryAttempts      int
	RetryDelay         time.Duration
	Retention          time.Duration
}

// Stats is a point-in-time view of scheduler load.
type Stats struct {
	Tasks         int   `json:"tasks"`
	ActiveTasks   int   `json:"activeTasks"`
	QueuedJobs    int   `json:"queuedJobs"`
	RunningJobs   int   `json:"runningJobs"`
	InFlightCalls int64 `json:"inFlightCalls"`
	PeakCalls     int64 `json:"peakCalls"`
	MaxCalls      int64 `json:"maxCalls"`
}

type ticket struct {
	taskID    string
	index     int
	requestID string
}

// entry is one task record. mu guards task.Jobs, remaining and deleted.
type entry struct {
	mu        sync.Mutex
	task      *models.Task
	remaining int
	deleted   bool
	done      chan struct{}
	removed   chan struct{}
}

type Scheduler struct {
	config    Config
	store     storage.Store
	validator *validator.DocumentValidator
	pipeline  *pipeline.Pipeline
	limiter   *pipeline.Limiter
	queue     *queue.Queue[ticket]
	pool      *worker.Pool[ticket]
	logger    logger.Logger
	now       func() time.Time

	mu    sync.RWMutex
	tasks map[string]*entry
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(
	config Config,
	store storage.Store,
	v *validator.DocumentValidator,
	extractor pipeline.Extractor,
	gateway pipeline.ModelGateway,
	log logger.Logger,
	opts ...Option,
) *Scheduler {
	log = log.Named("scheduler")
	limiter := pipeline.NewLimiter(config.MaxConcurrentCalls)

	s := &Scheduler{
		config:    config,
		store:     store,
		validator: v,
		limiter:   limiter,
		pipeline: pipeline.New(pipeline.Config{
			RetryAttempts: config.RetryAttempts,
			RetryDelay:    config.RetryDelay,
		}, store, extractor, gateway, limiter, log),
		queue:  queue.New[ticket](),
		logger: log,
		now:    time.Now,
		tasks:  make(map[string]*entry),
	}
	s.pool = worker.NewPool(worker.Config{Concurrency: config.Workers, Name: "jobs"}, s.queue, s.handle, log)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Stop stops the workers. Jobs still queued are abandoned.
func (s *Scheduler) Stop() error {
	err := s.pool.Stop()
	s.queue.Close()
	return err
}

// Submit validates the batch, persists its inputs and queues one FileJob per
// upload in submission order. It returns before any file is processed.
func (s *Scheduler) Submit(ctx context.Context, uploads []models.Upload, opts models.Options) (string, error) {
	infos, err := s.validator.ValidateBatch(uploads)
	if err != nil {
		return "", err
	}

	now := s.now()
	task := &models.Task{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.Retention),
		Options:   opts,
		Jobs:      make([]*models.FileJob, len(infos)),
	}
	outputs := newNameSet()
	for i, info := range infos {
		task.Jobs[i] = &models.FileJob{
			ID:         xid.New().String(),
			Index:      i,
			Filename:   info.Filename,
			Kind:       info.Kind,
			MimeType:   info.MimeType,
			Size:       info.Size,
			InputName:  fmt.Sprintf("%03d_%s", i, info.Filename),
			OutputName: outputs.claim(stem(info.Filename), ".md"),
			Stage:      models.StageUploaded,
			UpdatedAt:  now,
		}
	}

	if err := s.persistInputs(ctx, task, uploads); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), task.ID); derr != nil {
			s.logger.Warn("Failed to remove partial task", logger.String("task_id", task.ID), logger.Error(derr))
		}
		return "", err
	}

	s.mu.Lock()
	s.tasks[task.ID] = &entry{
		task:      task,
		remaining: len(task.Jobs),
		done:      make(chan struct{}),
		removed:   make(chan struct{}),
	}
	s.mu.Unlock()

	requestID := logger.RequestID(ctx)
	tickets := make([]ticket, len(task.Jobs))
	for i := range task.Jobs {
		tickets[i] = ticket{taskID: task.ID, index: i, requestID: requestID}
	}
	if err := s.queue.Enqueue(tickets...); err != nil {
		s.forget(task.ID)
		_ = s.store.Delete(context.WithoutCancel(ctx), task.ID)
		return "", fmt.Errorf("failed to queue task: %w", err)
	}

	logger.FromContext(ctx, s.logger).Info("Task submitted",
		logger.String("task_id", task.ID),
		logger.Int("files", len(task.Jobs)),
		logger.Bool("summary", opts.Summary),
		logger.Bool("cleanup", opts.Cleanup),
	)
	return task.ID, nil
}

func (s *Scheduler) persistInputs(ctx context.Context, task *models.Task, uploads []models.Upload) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(persistWorkers)
	for i, job := range task.Jobs {
		data := uploads[i].Data
		name := job.InputName
		g.Go(func() error {
			_, err := s.store.Save(ctx, task.ID, models.AreaInputs, name, data)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to persist inputs: %w", err)
	}
	return nil
}

// Status computes the current snapshot of a task.
func (s *Scheduler) Status(taskID string) (models.TaskSnapshot, error) {
	e, err := s.lookup(taskID)
	if err != nil {
		return models.TaskSnapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Snapshot(), nil
}

// Wait blocks until the task is terminal, deleted or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, taskID string) (models.TaskSnapshot, error) {
	e, err := s.lookup(taskID)
	if err != nil {
		return models.TaskSnapshot{}, err
	}
	select {
	case <-e.done:
		return s.Status(taskID)
	case <-e.removed:
		return models.TaskSnapshot{}, fmt.Errorf("%w: task %s was deleted", models.ErrNotFound, taskID)
	case <-ctx.Done():
		return models.TaskSnapshot{}, ctx.Err()
	}
}

// Delete removes the record and every artifact of a task. Work in flight for
// it stops at its next stage boundary and its results are discarded.
// Artifact removal is best effort: once the record is gone the task is
// deleted, and whatever stays on disk is left to the orphan sweep.
func (s *Scheduler) Delete(ctx context.Context, taskID string) error {
	e := s.forget(taskID)
	if e == nil {
		return fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
	}

	log := logger.FromContext(ctx, s.logger)
	if err := s.store.Delete(ctx, taskID); err != nil {
		log.Warn("Task artifacts not fully removed",
			logger.String("task_id", taskID),
			logger.Error(err),
		)
		return nil
	}
	log.Info("Task deleted", logger.String("task_id", taskID))
	return nil
}

// forget drops the record and marks it deleted. It returns nil when the task
// was unknown.
func (s *Scheduler) forget(taskID string) *entry {
	s.mu.Lock()
	e, ok := s.tasks[taskID]
	delete(s.tasks, taskID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if !e.deleted {
		e.deleted = true
		close(e.removed)
	}
	e.mu.Unlock()
	return e
}

// Outputs lists the output artifacts of the task's succeeded files in
// submission order.
func (s *Scheduler) Outputs(taskID string) ([]models.ArtifactRef, error) {
	e, err := s.lookup(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	refs := make([]models.ArtifactRef, 0, len(e.task.Jobs))
	for _, job := range e.task.Jobs {
		if job.Stage.Done() && job.Output != nil {
			refs = append(refs, *job.Output)
		}
	}
	return refs, nil
}

// OpenOutput opens one output by name. Outputs of failed or unfinished files
// do not exist.
func (s *Scheduler) OpenOutput(ctx context.Context, taskID, filename string) (io.ReadCloser, models.ArtifactRef, error) {
	refs, err := s.Outputs(taskID)
	if err != nil {
		return nil, models.ArtifactRef{}, err
	}
	for _, ref := range refs {
		if ref.Name() == filename {
			rc, err := s.store.Open(ctx, ref)
			return rc, ref, err
		}
	}
	return nil, models.ArtifactRef{}, fmt.Errorf("%w: %s in task %s", models.ErrNotFound, filename, taskID)
}

// WriteArchive writes a zip of every available output to w and returns how
// many files it contains.
func (s *Scheduler) WriteArchive(ctx context.Context, taskID string, w io.Writer) (int, error) {
	refs, err := s.Outputs(taskID)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, fmt.Errorf("%w: task %s has no outputs", models.ErrNotFound, taskID)
	}

	zw := zip.NewWriter(w)
	for _, ref := range refs {
		if err := s.addToArchive(ctx, zw, ref); err != nil {
			_ = zw.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}
	return len(refs), nil
}

func (s *Scheduler) addToArchive(ctx context.Context, zw *zip.Writer, ref models.ArtifactRef) error {
	rc, err := s.store.Open(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     ref.Name(),
		Method:   zip.Deflate,
		Modified: ref.LastAccess,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", ref.Name(), err)
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", ref.Name(), err)
	}
	return nil
}

// Expired returns the terminal tasks whose expiry is before now, oldest
// first. Tasks with unfinished files are never returned.
func (s *Scheduler) Expired(now time.Time) []string {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	type candidate struct {
		id      string
		expires time.Time
	}
	var out []candidate
	for _, e := range entries {
		e.mu.Lock()
		if e.remaining == 0 && e.task.ExpiresAt.Before(now) {
			out = append(out, candidate{e.task.ID, e.task.ExpiresAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].expires.Before(out[j].expires) })

	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.id
	}
	return ids
}

// Owns reports whether taskID is a live task.
func (s *Scheduler) Owns(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[taskID]
	return ok
}

func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	st := Stats{
		Tasks:         len(entries),
		QueuedJobs:    s.queue.Len(),
		RunningJobs:   s.pool.Running(),
		InFlightCalls: s.limiter.InFlight(),
		PeakCalls:     s.limiter.Peak(),
		MaxCalls:      s.limiter.Size(),
	}
	for _, e := range entries {
		e.mu.Lock()
		if e.remaining > 0 {
			st.ActiveTasks++
		}
		e.mu.Unlock()
	}
	return st
}

func (s *Scheduler) lookup(taskID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: task %s", models.ErrNotFound, taskID)
	}
	return e, nil
}

func (s *Scheduler) handle(ctx context.Context, t ticket) {
	e, err := s.lookup(t.taskID)
	if err != nil {
		return
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return
	}
	fj := e.task.Jobs[t.index]
	job := pipeline.Job{
		TaskID:     e.task.ID,
		JobID:      fj.ID,
		Index:      fj.Index,
		Filename:   fj.Filename,
		Kind:       fj.Kind,
		Size:       fj.Size,
		InputName:  fj.InputName,
		OutputName: fj.OutputName,
		Options:    e.task.Options,
	}
	e.mu.Unlock()

	if t.requestID != "" {
		ctx = logger.WithRequestID(ctx, t.requestID)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("File processing panicked",
				logger.String("task_id", job.TaskID),
				logger.String("job_id", job.JobID),
				logger.Any("panic", r),
				logger.Stack(),
			)
			_ = s.Transition(job, models.StageFailed, pipeline.Result{Err: fmt.Errorf("internal error: %v", r)})
		}
	}()
	_ = s.pipeline.Run(ctx, job, s)
}

// Transition implements pipeline.Reporter.
func (s *Scheduler) Transition(job pipeline.Job, to models.Stage, res pipeline.Result) error {
	e, err := s.lookup(job.TaskID)
	if err != nil {
		return pipeline.ErrCanceled
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return pipeline.ErrCanceled
	}
	fj := e.task.Jobs[job.Index]
	if !models.CanTransition(fj.Stage, to) {
		from := fj.Stage
		e.mu.Unlock()
		return fmt.Errorf("illegal stage transition %s -> %s for %s", from, to, job.JobID)
	}

	fj.Stage = to
	fj.UpdatedAt = s.now()
	if res.Err != nil {
		fj.Error = res.Err.Error()
	}
	if res.Output != nil {
		ref := *res.Output
		fj.Output = &ref
	}

	finished := false
	if to.Terminal() {
		e.remaining--
		if e.remaining == 0 {
			finished = true
			close(e.done)
		}
	}
	var snap models.TaskSnapshot
	if finished {
		snap = e.task.Snapshot()
	}
	e.mu.Unlock()

	if finished {
		s.finish(snap)
	}
	return nil
}

// Retrying implements pipeline.Reporter.
func (s *Scheduler) Retrying(job pipeline.Job, attempt int, cause error) {
	e, err := s.lookup(job.TaskID)
	if err != nil {
		return
	}
	e.mu.Lock()
	if !e.deleted {
		e.task.Jobs[job.Index].RetryCount++
	}
	e.mu.Unlock()

	s.logger.Info("Retrying model call",
		logger.String("task_id", job.TaskID),
		logger.String("job_id", job.JobID),
		logger.Int("attempt", attempt),
		logger.Error(cause),
	)
}

// Canceled implements pipeline.Reporter.
func (s *Scheduler) Canceled(job pipeline.Job) bool {
	e, err := s.lookup(job.TaskID)
	if err != nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleted
}

func (s *Scheduler) finish(snap models.TaskSnapshot) {
	s.logger.Info("Task finished",
		logger.String("task_id", snap.TaskID),
		logger.String("status", string(snap.Status)),
		logger.Int("succeeded", snap.Counts.Succeeded),
		logger.Int("failed", snap.Counts.Failed),
	)
	if !snap.Options.Cleanup {
		return
	}

	ctx := context.Background()
	for _, area := range []string{models.AreaInputs, models.AreaIntermediate} {
		if err := s.store.DeleteArea(ctx, snap.TaskID, area); err != nil && !errors.Is(err, models.ErrNotFound) {
			s.logger.Warn("Cleanup failed",
				logger.String("task_id", snap.TaskID),
				logger.String("area", area),
				logger.Error(err),
			)
		}
	}
}

// nameSet hands out output names unique within one task, ignoring case.
type nameSet map[string]struct{}

func newNameSet() nameSet {
	return make(nameSet)
}

func (n nameSet) claim(base, ext string) string {
	name := base + ext
	for i := 2; ; i++ {
		key := strings.ToLower(name)
		if _, taken := n[key]; !taken {
			n[key] = struct{}{}
			return name
		}
		name = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

func stem(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i > 0 {
		return filename[:i]
	}
	return filename
}
