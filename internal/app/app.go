// Package app assembles the service from configuration.
package app

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/agent"
	"github.com/bindrap/notesWebApp/internal/agent/document"
	"github.com/bindrap/notesWebApp/internal/service/lifecycle"
	"github.com/bindrap/notesWebApp/internal/service/scheduler"
	"github.com/bindrap/notesWebApp/internal/utils/validator"
	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/storage"
	"github.com/bindrap/notesWebApp/pkg/storage/local"
)

// App holds the long-lived components.
type App struct {
	Config    *cfg.Config
	Store     *local.Store
	Gateway   *agent.Gateway
	Scheduler *scheduler.Scheduler
	Lifecycle *lifecycle.Manager
	logger    logger.Logger
}

// New wires every component but starts nothing.
func New(ctx context.Context, c *cfg.Config, log logger.Logger) (*App, error) {
	mirror, err := storage.NewMirror(ctx, c.Storage.Mirror, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create mirror: %w", err)
	}
	var storeOpts []local.Option
	if mirror != nil {
		storeOpts = append(storeOpts, local.WithMirror(mirror))
	}
	store, err := local.New(c.Storage.Root, log, storeOpts...)
	if err != nil {
		return nil, err
	}

	registry, err := document.NewRegistry(c.Image, log)
	if err != nil {
		return nil, err
	}

	gateway, err := agent.NewGatewayFromConfig(ctx, c.Models, log)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		Workers:            c.Scheduler.Workers,
		MaxConcurrentCalls: c.Scheduler.MaxConcurrentCalls,
		RetryAttempts:      c.Scheduler.RetryAttempts,
		RetryDelay:         c.Scheduler.RetryDelay,
		Retention:          c.Storage.Retention,
	}, store, validator.NewDocumentValidator(c.Limits, log), registry, gateway, log)

	lm, err := lifecycle.NewManager(lifecycle.Config{
		Retention: c.Storage.Retention,
		Schedule:  c.Storage.SweepSchedule,
	}, sched, store, log)
	if err != nil {
		_ = gateway.Close()
		return nil, err
	}

	return &App{
		Config:    c,
		Store:     store,
		Gateway:   gateway,
		Scheduler: sched,
		Lifecycle: lm,
		logger:    log,
	}, nil
}

// Start launches the workers and the sweep schedule.
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.Lifecycle.Start()
	return nil
}

// Shutdown stops the sweeper, then the workers, then closes model clients.
func (a *App) Shutdown(ctx context.Context) error {
	var errs error
	errs = multierr.Append(errs, a.Lifecycle.Stop(ctx))
	errs = multierr.Append(errs, a.Scheduler.Stop())
	errs = multierr.Append(errs, a.Gateway.Close())
	return errs
}
