package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/queue"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

// Handler processes one item to completion.
type Handler[T any] func(ctx context.Context, item T)

type Config struct {
	Concurrency int
	Name        string
}

// Pool runs Concurrency goroutines, each taking one item at a time from a
// shared queue and running it to completion before taking the next.
type Pool[T any] struct {
	cfg     Config
	source  *queue.Queue[T]
	handler Handler[T]
	logger  logger.Logger

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Int64
	started atomic.Bool
}

var _ Worker = (*Pool[int])(nil)

func NewPool[T any](cfg Config, source *queue.Queue[T], handler Handler[T], log logger.Logger) *Pool[T] {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	return &Pool[T]{
		cfg:     cfg,
		source:  source,
		handler: handler,
		logger:  log.Named(cfg.Name),
	}
}

func (p *Pool[T]) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pool %s already started", p.cfg.Name)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}

	p.logger.Info("Worker pool started", logger.Int("concurrency", p.cfg.Concurrency))
	return nil
}

// Stop cancels the workers and waits for them to return.
func (p *Pool[T]) Stop() error {
	if !p.started.Load() {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
	return nil
}

// Running reports how many items are being handled right now.
func (p *Pool[T]) Running() int {
	return int(p.running.Load())
}

func (p *Pool[T]) loop(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		item, err := p.source.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				p.logger.Error("Dequeue failed", logger.Int("worker", id), logger.Error(err))
			}
			return
		}
		p.run(ctx, id, item)
	}
}

func (p *Pool[T]) run(ctx context.Context, id int, item T) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Handler panicked",
				logger.Int("worker", id),
				logger.Any("panic", r),
				logger.Stack(),
			)
		}
	}()

	p.handler(ctx, item)
}
