// Package pipeline drives one file through extraction, recognition,
// enhancement and formatting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/converters"
	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/storage"
)

// ErrCanceled stops a run whose task was deleted. It is not a failure.
var ErrCanceled = errors.New("task canceled")

// ModelGateway is the model access the pipeline needs.
type ModelGateway interface {
	Recognize(ctx context.Context, image []byte, opts models.RecognizeOptions) (string, error)
	Enhance(ctx context.Context, text string, opts models.EnhanceOptions) (string, error)
}

// Extractor reads raw file bytes into text or a normalized image.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (models.Extraction, error)
}

// Reporter receives every state change of a run. The scheduler implements it
// and owns the records.
type Reporter interface {
	// Transition moves the job to stage. It returns ErrCanceled once the
	// task is gone, and the run stops without recording anything else.
	Transition(job Job, to models.Stage, result Result) error
	// Retrying records that a model call is about to be attempted again.
	Retrying(job Job, attempt int, cause error)
	// Canceled reports whether the job's task has been deleted.
	Canceled(job Job) bool
}

// Job is the immutable description of one file to process.
type Job struct {
	TaskID     string
	JobID      string
	Index      int
	Filename   string
	Kind       models.FileKind
	Size       int64
	InputName  string
	OutputName string
	Options    models.Options
}

// Result carries the outcome attached to a transition.
type Result struct {
	Err    error
	Output *models.ArtifactRef
}

type Config struct {
	// RetryAttempts is the total number of attempts per model call.
	RetryAttempts int
	RetryDelay    time.Duration
}

type Pipeline struct {
	config    Config
	store     storage.Store
	extractor Extractor
	gateway   ModelGateway
	limiter   *Limiter
	converter converters.DocumentConverter
	logger    logger.Logger
	now       func() time.Time
}

func New(config Config, store storage.Store, extractor Extractor, gateway ModelGateway, limiter *Limiter, log logger.Logger) *Pipeline {
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &Pipeline{
		config:    config,
		store:     store,
		extractor: extractor,
		gateway:   gateway,
		limiter:   limiter,
		converter: converters.NewMarkdownConverter(),
		logger:    log.Named("pipeline"),
		now:       time.Now,
	}
}

// Run processes job to a terminal stage. It returns nil on success,
// ErrCanceled when the task vanished, and otherwise the error that failed
// the job, which has already been reported.
func (p *Pipeline) Run(ctx context.Context, job Job, r Reporter) error {
	log := logger.FromContext(ctx, p.logger).With(
		logger.String("task_id", job.TaskID),
		logger.String("job_id", job.JobID),
		logger.String("filename", job.Filename),
	)
	start := p.now()

	err := p.run(ctx, job, r)
	switch {
	case err == nil:
		log.Info("File processed", logger.Duration("elapsed", p.now().Sub(start)))
		return nil
	case errors.Is(err, ErrCanceled):
		log.Info("Task deleted, abandoning file")
		return err
	}

	log.Warn("File failed", logger.Error(err))
	if terr := r.Transition(job, models.StageFailed, Result{Err: err}); terr != nil && !errors.Is(terr, ErrCanceled) {
		log.Error("Failed to record failure", logger.Error(terr))
	}
	return err
}

func (p *Pipeline) run(ctx context.Context, job Job, r Reporter) error {
	data, err := p.readInput(ctx, job)
	if err != nil {
		return err
	}

	extracted, err := p.extractor.Extract(ctx, job.Filename, data)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if err := r.Transition(job, models.StageExtracted, Result{}); err != nil {
		return err
	}

	text := extracted.Text
	if job.Kind == models.KindImage {
		opts := models.RecognizeOptions{MimeType: extracted.MimeType}
		text, err = p.callModel(ctx, job, r, func(ctx context.Context) (string, error) {
			return p.gateway.Recognize(ctx, extracted.Image, opts)
		})
		if err != nil {
			return fmt.Errorf("recognize: %w", err)
		}
	}
	if _, err := p.store.Save(ctx, job.TaskID, models.AreaIntermediate, stem(job.OutputName)+".txt", []byte(text)); err != nil {
		return p.storageErr(job, r, "save recognized text", err)
	}
	if err := r.Transition(job, models.StageRecognized, Result{}); err != nil {
		return err
	}

	enhanceOpts := models.EnhanceOptions{Summary: job.Options.Summary, Title: stem(job.Filename)}
	enhanced, err := p.callModel(ctx, job, r, func(ctx context.Context) (string, error) {
		return p.gateway.Enhance(ctx, text, enhanceOpts)
	})
	if err != nil {
		return fmt.Errorf("enhance: %w", err)
	}
	if err := r.Transition(job, models.StageEnhanced, Result{}); err != nil {
		return err
	}

	out, err := p.converter.Convert(converters.ProcessedDocument{
		Title:       stem(job.Filename),
		Filename:    job.Filename,
		Kind:        job.Kind,
		Size:        job.Size,
		Pages:       extracted.Pages,
		Body:        enhanced,
		ProcessedAt: p.now(),
	}, job.Options)
	if err != nil {
		return fmt.Errorf("format: %w", err)
	}
	ref, err := p.store.Save(ctx, job.TaskID, models.AreaOutputs, job.OutputName, out)
	if err != nil {
		return p.storageErr(job, r, "save output", err)
	}
	return r.Transition(job, models.StageFormatted, Result{Output: &ref})
}

func (p *Pipeline) readInput(ctx context.Context, job Job) ([]byte, error) {
	rc, err := p.store.Open(ctx, models.ArtifactRef{TaskID: job.TaskID, Key: models.AreaInputs + "/" + job.InputName})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrCanceled
		}
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read input: %v", models.ErrStorage, err)
	}
	return data, nil
}

// storageErr turns a save into a cancellation when the task was deleted
// underneath it.
func (p *Pipeline) storageErr(job Job, r Reporter, op string, err error) error {
	if errors.Is(err, models.ErrNotFound) || r.Canceled(job) {
		return ErrCanceled
	}
	return fmt.Errorf("%s: %w", op, err)
}

// callModel runs fn under the concurrency limiter, retrying transient
// failures up to the configured number of attempts.
func (p *Pipeline) callModel(ctx context.Context, job Job, r Reporter, fn func(context.Context) (string, error)) (string, error) {
	delay := p.config.RetryDelay
	if delay <= 0 {
		delay = time.Nanosecond
	}
	backoff := retry.WithMaxRetries(uint64(p.config.RetryAttempts-1), retry.NewConstant(delay))

	var (
		out     string
		attempt int
		lastErr error
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if r.Canceled(job) {
			return ErrCanceled
		}
		if attempt > 1 {
			r.Retrying(job, attempt, lastErr)
		}

		var err error
		out, err = p.limiter.Do(ctx, fn)
		if err != nil {
			lastErr = err
			if models.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func stem(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
