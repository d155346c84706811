package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// Limits bound a single upload request.
type Limits struct {
	MaxBatchSize int64
	MaxFiles     int
}

// multipart framing on top of the payload
const formOverhead = 1 << 20

type TaskHandler struct {
	tasks  TaskService
	limits Limits
	logger logger.Logger
}

// FileAccepted is one entry of the process response.
type FileAccepted struct {
	Filename   string `json:"filename"`
	OutputName string `json:"outputName"`
}

type ProcessResponse struct {
	TaskID    string         `json:"taskId"`
	Files     []FileAccepted `json:"files"`
	StatusURL string         `json:"statusUrl"`
}

func NewTaskHandler(tasks TaskService, limits Limits, log logger.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, limits: limits, logger: log}
}

// Process accepts a multipart batch under "files" and queues it.
func (h *TaskHandler) Process(c *gin.Context) {
	if h.limits.MaxBatchSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.limits.MaxBatchSize+formOverhead)
	}

	form, err := c.MultipartForm()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handleError(c, h.logger, "Upload too large", err)
			return
		}
		handleError(c, h.logger, "Invalid form data", fmt.Errorf("%w: %v", models.ErrValidation, err))
		return
	}
	defer func() { _ = form.RemoveAll() }()

	headers := form.File["files"]
	if len(headers) == 0 {
		handleError(c, h.logger, "No files provided", &models.ValidationError{
			Issues: []models.FileIssue{{Filename: "files", Reason: "no files in request"}},
		})
		return
	}
	if h.limits.MaxFiles > 0 && len(headers) > h.limits.MaxFiles {
		handleError(c, h.logger, "Too many files",
			fmt.Errorf("%w: %d files, limit is %d", models.ErrBatchTooLarge, len(headers), h.limits.MaxFiles))
		return
	}

	uploads := make([]models.Upload, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			handleError(c, h.logger, "Failed to read upload", err)
			return
		}
		uploads = append(uploads, models.Upload{Filename: fh.Filename, Data: data})
	}

	opts := models.Options{
		Cleanup:  formBool(c, "cleanup"),
		Summary:  formBool(c, "summary"),
		Metadata: formBool(c, "metadata"),
	}

	taskID, err := h.tasks.Submit(c.Request.Context(), uploads, opts)
	if err != nil {
		handleError(c, h.logger, "Failed to submit files", err)
		return
	}

	resp := ProcessResponse{TaskID: taskID, StatusURL: "/api/status/" + taskID}
	if snap, err := h.tasks.Status(taskID); err == nil {
		resp.Files = make([]FileAccepted, 0, len(snap.Files))
		for _, f := range snap.Files {
			resp.Files = append(resp.Files, FileAccepted{Filename: f.Filename, OutputName: f.OutputName})
		}
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *TaskHandler) Status(c *gin.Context) {
	snap, err := h.tasks.Status(c.Param("taskId"))
	if err != nil {
		handleError(c, h.logger, "Failed to get status", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Download streams one Markdown output.
func (h *TaskHandler) Download(c *gin.Context) {
	taskID, filename := c.Param("taskId"), c.Param("filename")
	rc, ref, err := h.tasks.OpenOutput(c.Request.Context(), taskID, filename)
	if err != nil {
		handleError(c, h.logger, "Failed to open output", err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, ref.Size, "text/markdown; charset=utf-8", rc, map[string]string{
		"Content-Disposition": attachment(ref.Name()),
	})
}

// DownloadAll streams a zip of every output produced so far.
func (h *TaskHandler) DownloadAll(c *gin.Context) {
	taskID := c.Param("taskId")
	refs, err := h.tasks.Outputs(taskID)
	if err == nil && len(refs) == 0 {
		err = fmt.Errorf("%w: task %s has no outputs", models.ErrNotFound, taskID)
	}
	if err != nil {
		handleError(c, h.logger, "Failed to build archive", err)
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", attachment("notes_"+taskID+".zip"))
	c.Status(http.StatusOK)
	n, err := h.tasks.WriteArchive(c.Request.Context(), taskID, c.Writer)
	if err != nil {
		// Headers are already sent.
		logger.FromContext(c.Request.Context(), h.logger).Error("Archive stream failed",
			logger.String("task_id", taskID),
			logger.Error(err),
		)
		_ = c.Error(err)
		c.Abort()
		return
	}
	logger.FromContext(c.Request.Context(), h.logger).Debug("Archive sent",
		logger.String("task_id", taskID),
		logger.Int("files", n),
	)
}

// Cleanup deletes a task. Deleting an unknown task succeeds with deleted=false.
func (h *TaskHandler) Cleanup(c *gin.Context) {
	taskID := c.Param("taskId")
	err := h.tasks.Delete(c.Request.Context(), taskID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"taskId": taskID, "deleted": true})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusOK, gin.H{"taskId": taskID, "deleted": false})
	default:
		handleError(c, h.logger, "Failed to delete task", err)
	}
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrValidation, fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrValidation, fh.Filename, err)
	}
	return data, nil
}

// formBool accepts the strconv spellings plus "on" from HTML checkboxes.
func formBool(c *gin.Context, key string) bool {
	v := strings.ToLower(strings.TrimSpace(c.PostForm(key)))
	if v == "on" || v == "yes" {
		return true
	}
	return cast.ToBool(v)
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}
