package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/storage/local"
)

type stubGateway struct {
	recognize      func(image []byte) (string, error)
	enhance        func(text string) (string, error)
	recognizeCalls int32
	enhanceCalls   int32
}

func (g *stubGateway) Recognize(_ context.Context, image []byte, _ models.RecognizeOptions) (string, error) {
	atomic.AddInt32(&g.recognizeCalls, 1)
	if g.recognize == nil {
		return string(image), nil
	}
	return g.recognize(image)
}

func (g *stubGateway) Enhance(_ context.Context, text string, _ models.EnhanceOptions) (string, error) {
	atomic.AddInt32(&g.enhanceCalls, 1)
	if g.enhance == nil {
		return text, nil
	}
	return g.enhance(text)
}

type stubExtractor struct {
	err error
}

func (e stubExtractor) Extract(_ context.Context, filename string, data []byte) (models.Extraction, error) {
	if e.err != nil {
		return models.Extraction{}, e.err
	}
	if len(filename) > 4 && filename[len(filename)-4:] == ".png" {
		return models.Extraction{Image: data, MimeType: "image/png"}, nil
	}
	return models.Extraction{Text: string(data), Pages: 2}, nil
}

type recorder struct {
	mu       sync.Mutex
	stages   []models.Stage
	results  []Result
	retries  []int
	cancelAt models.Stage
	canceled bool
}

func (r *recorder) Transition(_ Job, to models.Stage, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		return ErrCanceled
	}
	r.stages = append(r.stages, to)
	r.results = append(r.results, res)
	if to == r.cancelAt {
		r.canceled = true
	}
	return nil
}

func (r *recorder) Retrying(_ Job, attempt int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, attempt)
}

func (r *recorder) Canceled(Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

func (r *recorder) last() (models.Stage, Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stages[len(r.stages)-1], r.results[len(r.results)-1]
}

type fixture struct {
	store    *local.Store
	gateway  *stubGateway
	pipeline *Pipeline
}

func newFixture(t *testing.T, attempts int, ex Extractor) *fixture {
	t.Helper()
	store, err := local.New(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)
	gw := &stubGateway{}
	p := New(Config{RetryAttempts: attempts, RetryDelay: time.Millisecond}, store, ex, gw, NewLimiter(2), logger.NewTestLogger())
	return &fixture{store: store, gateway: gw, pipeline: p}
}

func (f *fixture) job(t *testing.T, filename string, kind models.FileKind, data []byte) Job {
	t.Helper()
	_, err := f.store.Save(context.Background(), "task1", models.AreaInputs, "000_"+filename, data)
	require.NoError(t, err)
	return Job{
		TaskID:     "task1",
		JobID:      "job-" + filename,
		Filename:   filename,
		Kind:       kind,
		Size:       int64(len(data)),
		InputName:  "000_" + filename,
		OutputName: stem(filename) + ".md",
	}
}

func (f *fixture) output(t *testing.T, name string) string {
	t.Helper()
	rc, err := f.store.Open(context.Background(), models.ArtifactRef{TaskID: "task1", Key: models.AreaOutputs + "/" + name})
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestRunTextFile(t *testing.T) {
	f := newFixture(t, 2, stubExtractor{})
	f.gateway.enhance = func(text string) (string, error) { return "# Plan\n\n" + text, nil }
	rec := &recorder{}

	err := f.pipeline.Run(context.Background(), f.job(t, "notes.txt", models.KindText, []byte("buy wood")), rec)
	require.NoError(t, err)

	assert.Equal(t, []models.Stage{
		models.StageExtracted, models.StageRecognized, models.StageEnhanced, models.StageFormatted,
	}, rec.stages)
	_, res := rec.last()
	require.NotNil(t, res.Output)
	assert.Equal(t, "outputs/notes.md", res.Output.Key)
	assert.Equal(t, "# Plan\n\nbuy wood", f.output(t, "notes.md"))
	assert.Zero(t, atomic.LoadInt32(&f.gateway.recognizeCalls))
}

func TestRunRecordsPageCountInMetadata(t *testing.T) {
	f := newFixture(t, 1, stubExtractor{})
	f.gateway.enhance = func(text string) (string, error) { return "# Plan", nil }

	job := f.job(t, "report.txt", models.KindText, []byte("x"))
	job.Options = models.Options{Metadata: true}
	require.NoError(t, f.pipeline.Run(context.Background(), job, &recorder{}))

	out := f.output(t, "report.md")
	assert.Contains(t, out, "\npages: 2\n")
	assert.True(t, strings.HasSuffix(out, "---\n\n# Plan"), out)
}

func TestRunImageFile(t *testing.T) {
	f := newFixture(t, 2, stubExtractor{})
	f.gateway.recognize = func([]byte) (string, error) { return "Hello world", nil }
	f.gateway.enhance = func(string) (string, error) { return "# Hello\n\nworld", nil }
	rec := &recorder{}

	err := f.pipeline.Run(context.Background(), f.job(t, "scan.png", models.KindImage, []byte("pixels")), rec)
	require.NoError(t, err)
	assert.Equal(t, "# Hello\n\nworld", f.output(t, "scan.md"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.gateway.recognizeCalls))

	rc, err := f.store.Open(context.Background(), models.ArtifactRef{TaskID: "task1", Key: "intermediate/scan.txt"})
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "Hello world", string(b))
}

func TestRunEmptyRecognitionStillEnhances(t *testing.T) {
	f := newFixture(t, 1, stubExtractor{})
	f.gateway.recognize = func([]byte) (string, error) { return "  ", nil }
	f.gateway.enhance = func(string) (string, error) { return "# Empty", nil }
	rec := &recorder{}

	require.NoError(t, f.pipeline.Run(context.Background(), f.job(t, "blank.png", models.KindImage, []byte("x")), rec))
	assert.Contains(t, rec.stages, models.StageRecognized)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.gateway.enhanceCalls))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, 3, stubExtractor{})
	var calls int32
	f.gateway.enhance = func(text string) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", fmt.Errorf("%w: overloaded", models.ErrModelUnavailable)
		}
		return "# ok", nil
	}
	rec := &recorder{}

	require.NoError(t, f.pipeline.Run(context.Background(), f.job(t, "a.txt", models.KindText, []byte("x")), rec))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, []int{2, 3}, rec.retries)
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	f := newFixture(t, 2, stubExtractor{})
	f.gateway.enhance = func(string) (string, error) {
		return "", fmt.Errorf("%w: down", models.ErrModelUnavailable)
	}
	rec := &recorder{}

	err := f.pipeline.Run(context.Background(), f.job(t, "a.txt", models.KindText, []byte("x")), rec)
	require.ErrorIs(t, err, models.ErrModelUnavailable)
	assert.EqualValues(t, 2, atomic.LoadInt32(&f.gateway.enhanceCalls))

	stage, res := rec.last()
	assert.Equal(t, models.StageFailed, stage)
	assert.ErrorIs(t, res.Err, models.ErrModelUnavailable)
}

func TestRunDoesNotRetryRejection(t *testing.T) {
	f := newFixture(t, 5, stubExtractor{})
	f.gateway.recognize = func([]byte) (string, error) {
		return "", fmt.Errorf("%w: unsupported image", models.ErrModelRejected)
	}
	rec := &recorder{}

	err := f.pipeline.Run(context.Background(), f.job(t, "a.png", models.KindImage, []byte("x")), rec)
	require.ErrorIs(t, err, models.ErrModelRejected)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.gateway.recognizeCalls))
	assert.Empty(t, rec.retries)
	assert.Equal(t, []models.Stage{models.StageExtracted, models.StageFailed}, rec.stages)
}

func TestRunExtractionFailure(t *testing.T) {
	f := newFixture(t, 2, stubExtractor{err: fmt.Errorf("%w: corrupt", models.ErrExtraction)})
	rec := &recorder{}

	err := f.pipeline.Run(context.Background(), f.job(t, "a.pdf", models.KindDocument, []byte("x")), rec)
	require.ErrorIs(t, err, models.ErrExtraction)
	assert.Equal(t, []models.Stage{models.StageFailed}, rec.stages)
	assert.Zero(t, atomic.LoadInt32(&f.gateway.enhanceCalls))
}

func TestRunStopsWhenCanceled(t *testing.T) {
	f := newFixture(t, 2, stubExtractor{})
	rec := &recorder{cancelAt: models.StageExtracted}

	err := f.pipeline.Run(context.Background(), f.job(t, "a.txt", models.KindText, []byte("x")), rec)
	require.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, []models.Stage{models.StageExtracted}, rec.stages)
	assert.Zero(t, atomic.LoadInt32(&f.gateway.enhanceCalls))
}

func TestRunMissingInputIsCanceled(t *testing.T) {
	f := newFixture(t, 2, stubExtractor{})
	rec := &recorder{}
	job := f.job(t, "a.txt", models.KindText, []byte("x"))
	require.NoError(t, f.store.Delete(context.Background(), job.TaskID))

	err := f.pipeline.Run(context.Background(), job, rec)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Empty(t, rec.stages)
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	const k = 3
	l := NewLimiter(k)
	var (
		wg      sync.WaitGroup
		current int32
		over    int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Do(context.Background(), func(context.Context) (string, error) {
				if atomic.AddInt32(&current, 1) > k {
					atomic.StoreInt32(&over, 1)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return "", errors.New("released anyway")
			})
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&over))
	assert.LessOrEqual(t, l.Peak(), int64(k))
	assert.Zero(t, l.InFlight())
	assert.EqualValues(t, k, l.Size())
}

func TestLimiterRespectsContext(t *testing.T) {
	l := NewLimiter(1)
	hold := make(chan struct{})
	go func() {
		_, _ = l.Do(context.Background(), func(context.Context) (string, error) {
			<-hold
			return "", nil
		})
	}()
	require.Eventually(t, func() bool { return l.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Do(ctx, func(context.Context) (string, error) { return "never", nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(hold)
	require.Eventually(t, func() bool { return l.InFlight() == 0 }, time.Second, time.Millisecond)
}
