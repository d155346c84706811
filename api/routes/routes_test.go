package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindrap/notesWebApp/api/handlers"
	"github.com/bindrap/notesWebApp/api/middleware"
	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/agent/document"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/internal/service/scheduler"
	"github.com/bindrap/notesWebApp/internal/utils/validator"
	"github.com/bindrap/notesWebApp/pkg/logger"
	"github.com/bindrap/notesWebApp/pkg/storage/local"
)

type echoGateway struct {
	pingErr error
}

func (echoGateway) Recognize(context.Context, []byte, models.RecognizeOptions) (string, error) {
	return "recognized", nil
}

func (echoGateway) Enhance(_ context.Context, text string, _ models.EnhanceOptions) (string, error) {
	if text == "reject me" {
		return "", fmt.Errorf("%w: nope", models.ErrModelRejected)
	}
	return "# Notes\n\n" + text, nil
}

func (g echoGateway) Ping(context.Context) error { return g.pingErr }

func (echoGateway) Providers() (string, string) { return "stub", "stub" }

type fixedDisk uint64

func (d fixedDisk) FreeBytes() (uint64, error) { return uint64(d), nil }

type server struct {
	engine *gin.Engine
	sched  *scheduler.Scheduler
}

func newServer(t *testing.T, gw echoGateway, disk uint64) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewTestLogger()
	conf := cfg.Default()

	store, err := local.New(t.TempDir(), log)
	require.NoError(t, err)
	registry, err := document.NewRegistry(conf.Image, log)
	require.NoError(t, err)

	sched := scheduler.New(scheduler.Config{
		Workers:            2,
		MaxConcurrentCalls: 2,
		RetryAttempts:      1,
		RetryDelay:         time.Millisecond,
		Retention:          time.Hour,
	}, store, validator.NewDocumentValidator(conf.Limits, log), registry, gw, log)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Stop() })

	h := handlers.NewHandlers(sched,
		handlers.Limits{MaxBatchSize: conf.Limits.MaxBatchSize, MaxFiles: conf.Limits.MaxFiles},
		handlers.Probes{Models: gw, Disk: fixedDisk(disk), MinFreeBytes: 1 << 20},
		log,
	)
	r := gin.New()
	SetupRoutes(r, h, []string{"*"}, log)
	return &server{engine: r, sched: sched}
}

func (s *server) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, files map[string]string, order []string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range order {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/process", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (s *server) submit(t *testing.T, files map[string]string, order []string) handlers.ProcessResponse {
	t.Helper()
	w := s.do(multipartRequest(t, files, order, map[string]string{"summary": "false"}))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp handlers.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (s *server) waitTerminal(t *testing.T, taskID string) models.TaskSnapshot {
	t.Helper()
	var snap models.TaskSnapshot
	require.Eventually(t, func() bool {
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/status/"+taskID, nil))
		if w.Code != http.StatusOK {
			return false
		}
		snap = models.TaskSnapshot{}
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.Terminal
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestProcessAndDownload(t *testing.T) {
	s := newServer(t, echoGateway{}, 1<<30)

	resp := s.submit(t, map[string]string{"a.txt": "first", "b.md": "second"}, []string{"a.txt", "b.md"})
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "/api/status/"+resp.TaskID, resp.StatusURL)
	require.Len(t, resp.Files, 2)
	assert.Equal(t, handlers.FileAccepted{Filename: "a.txt", OutputName: "a.md"}, resp.Files[0])

	snap := s.waitTerminal(t, resp.TaskID)
	assert.Equal(t, models.StatusCompleted, snap.Status)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/download/"+resp.TaskID+"/a.md", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# Notes\n\nfirst", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="a.md"`)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/download-all/"+resp.TaskID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "a.md", zr.File[0].Name)
	assert.Equal(t, "b.md", zr.File[1].Name)
}

func TestProcessRejectsDisallowedFile(t *testing.T) {
	s := newServer(t, echoGateway{}, 1<<30)

	w := s.do(multipartRequest(t, map[string]string{"ok.txt": "x", "run.exe": "MZ"}, []string{"ok.txt", "run.exe"}, nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation", resp.Error)
	require.NotEmpty(t, resp.Issues)
	assert.Equal(t, "run.exe", resp.Issues[0].Filename)
	assert.Zero(t, s.sched.Stats().Tasks)
}

func TestProcessRejectsOverlongName(t *testing.T) {
	s := newServer(t, echoGateway{}, 1<<30)
	name := strings.Repeat("n", 251) + ".txt"

	w := s.do(multipartRequest(t, map[string]string{name: "x"}, []string{name}, nil))
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	var resp handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation", resp.Error)
	require.Len(t, resp.Issues, 1)
	assert.Equal(t, name, resp.Issues[0].Filename)
	assert.Zero(t, s.sched.Stats().Tasks)
}

func TestProcessWithoutFiles(t *testing.T) {
	s := newServer(t, echoGateway{}, 1<<30)
	w := s.do(multipartRequest(t, nil, nil, map[string]string{"cleanup": "on"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPartialTaskDownloads(t *testing.T) {
	s := newServer(t, echoGateway{}, 1<<30)
	resp := s.submit(t, map[string]string{"good.txt": "fine", "bad.txt": "reject me"}, []string{"good.txt", "bad.txt"})

	snap := s.waitTerminal(t, resp.TaskID)
	assert.Equal(t, models.StatusPartial, snap.Status)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/download/"+resp.TaskID+"/bad.md", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/download-all/"+resp.TaskID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	assert.Len(t, zr.File, 1)
}

func TestUnknownTask(t *testing.T) {
	s := newServer(t, echoGateway{}, 1<<30)
	for _, path := range []string{"/api/status/nope", "/api/download/nope/a.md", "/api/download-all/nope"} {
		w := s.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	s := newServer(t, echoGateway{}, 1<<30)
	resp := s.submit(t, map[string]string{"a.txt": "x"}, []string{"a.txt"})
	s.waitTerminal(t, resp.TaskID)

	for _, want := range []bool{true, false} {
		w := s.do(httptest.NewRequest(http.MethodDelete, "/api/cleanup/"+resp.TaskID, nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Deleted bool `json:"deleted"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, want, body.Deleted)
	}

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/status/"+resp.TaskID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := newServer(t, echoGateway{}, 1<<30)
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp handlers.HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.True(t, resp.Models.Reachable)
		assert.Equal(t, "1.1 GB", resp.Disk.Free)
		assert.EqualValues(t, 2, resp.Scheduler.MaxCalls)
	})

	t.Run("models unreachable", func(t *testing.T) {
		s := newServer(t, echoGateway{pingErr: errors.New("connection refused")}, 1<<30)
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "connection refused")
	})

	t.Run("disk low", func(t *testing.T) {
		s := newServer(t, echoGateway{}, 1024)
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newServer(t, echoGateway{}, 1<<30)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "abc-123")
	w := s.do(req)
	assert.Equal(t, "abc-123", w.Header().Get(middleware.RequestIDHeader))

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Len(t, w.Header().Get(middleware.RequestIDHeader), 36)
}
