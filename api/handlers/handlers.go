package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/internal/service/scheduler"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// TaskService is what the HTTP surface needs from the scheduler.
type TaskService interface {
	Submit(ctx context.Context, uploads []models.Upload, opts models.Options) (string, error)
	Status(taskID string) (models.TaskSnapshot, error)
	Delete(ctx context.Context, taskID string) error
	Outputs(taskID string) ([]models.ArtifactRef, error)
	OpenOutput(ctx context.Context, taskID, filename string) (io.ReadCloser, models.ArtifactRef, error)
	WriteArchive(ctx context.Context, taskID string, w io.Writer) (int, error)
	Stats() scheduler.Stats
}

type Handlers struct {
	Task   *TaskHandler
	Health *HealthHandler
}

func NewHandlers(
	tasks TaskService,
	limits Limits,
	probes Probes,
	log logger.Logger,
) *Handlers {
	log = log.Named("api")
	return &Handlers{
		Task:   NewTaskHandler(tasks, limits, log),
		Health: NewHealthHandler(tasks, probes, log),
	}
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string             `json:"error"`
	Message string             `json:"message"`
	Issues  []models.FileIssue `json:"issues,omitempty"`
}

// handleError maps err to a status code and writes the error body.
func handleError(c *gin.Context, log logger.Logger, message string, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: "internal", Message: message}

	var verr *models.ValidationError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp.Error = "validation"
		resp.Issues = verr.Issues
	case errors.As(err, &maxErr):
		status = http.StatusRequestEntityTooLarge
		resp.Error = "too_large"
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
		resp.Error = "validation"
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
		resp.Error = "not_found"
	case errors.Is(err, models.ErrStorage):
		resp.Error = "storage"
	}
	if err != nil && status < http.StatusInternalServerError {
		resp.Message = message + ": " + err.Error()
	}

	l := logger.FromContext(c.Request.Context(), log)
	if status >= http.StatusInternalServerError {
		l.Error(message, logger.String("path", c.Request.URL.Path), logger.Error(err))
	} else {
		l.Debug(message, logger.String("path", c.Request.URL.Path), logger.Error(err))
	}

	if err != nil {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, resp)
}
