// Package lifecycle expires finished tasks and sweeps abandoned artifacts.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// Tasks is the part of the scheduler the sweeper needs.
type Tasks interface {
	Expired(now time.Time) []string
	Delete(ctx context.Context, taskID string) error
	Owns(taskID string) bool
}

// Sweeper removes task namespaces that no live task owns.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Time, keep func(taskID string) bool) (int, error)
}

type Config struct {
	Retention time.Duration
	Schedule  string
}

// Report summarizes one sweep.
type Report struct {
	Expired  int `json:"expired"`
	Orphaned int `json:"orphaned"`
}

type Manager struct {
	config  Config
	tasks   Tasks
	sweeper Sweeper
	cron    *cron.Cron
	logger  logger.Logger
	now     func() time.Time

	// sweepMu keeps manual and scheduled sweeps from overlapping.
	sweepMu sync.Mutex
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(config Config, tasks Tasks, sweeper Sweeper, log logger.Logger, opts ...Option) (*Manager, error) {
	if config.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if config.Schedule == "" {
		config.Schedule = "@every 1h"
	}

	log = log.Named("lifecycle")
	m := &Manager{
		config:  config,
		tasks:   tasks,
		sweeper: sweeper,
		logger:  log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	cl := logger.Cron(log)
	m.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := m.cron.AddFunc(config.Schedule, m.scheduled); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Schedule, err)
	}
	return m, nil
}

func (m *Manager) Start() {
	m.cron.Start()
	m.logger.Info("Lifecycle manager started",
		logger.String("schedule", m.config.Schedule),
		logger.Duration("retention", m.config.Retention),
	)
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (m *Manager) Stop(ctx context.Context) error {
	done := m.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) scheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if _, err := m.SweepNow(ctx); err != nil {
		m.logger.Error("Sweep failed", logger.Error(err))
	}
}

// SweepNow deletes every terminal task past its expiry, then removes on-disk
// namespaces older than the retention period that no live task owns.
// Tasks with unfinished jobs are never touched.
func (m *Manager) SweepNow(ctx context.Context) (Report, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	now := m.now()
	var report Report
	var errs error
	for _, taskID := range m.tasks.Expired(now) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := m.tasks.Delete(ctx, taskID)
		switch {
		case err == nil, errors.Is(err, models.ErrNotFound):
			report.Expired++
		default:
			errs = multierr.Append(errs, err)
			m.logger.Warn("Failed to expire task",
				logger.String("task_id", taskID),
				logger.Error(err),
			)
		}
	}

	orphaned, err := m.sweeper.Sweep(ctx, now.Add(-m.config.Retention), m.tasks.Owns)
	report.Orphaned = orphaned
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	if report.Expired > 0 || report.Orphaned > 0 {
		m.logger.Info("Sweep finished",
			logger.Int("expired", report.Expired),
			logger.Int("orphaned", report.Orphaned),
		)
	}
	return report, errs
}
