package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/bindrap/notesWebApp/internal/service/scheduler"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

const pingTimeout = 3 * time.Second

// Probes are the dependencies health reports on.
type Probes struct {
	Models interface {
		Ping(ctx context.Context) error
		Providers() (recognizer, enhancer string)
	}
	Disk interface {
		FreeBytes() (uint64, error)
	}
	MinFreeBytes uint64
}

type HealthHandler struct {
	tasks  TaskService
	probes Probes
	logger logger.Logger
}

type ModelsHealth struct {
	Reachable  bool   `json:"reachable"`
	Recognizer string `json:"recognizer"`
	Enhancer   string `json:"enhancer"`
	Error      string `json:"error,omitempty"`
}

type DiskHealth struct {
	FreeBytes uint64 `json:"freeBytes"`
	Free      string `json:"free"`
	Low       bool   `json:"low"`
	Error     string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string          `json:"status"`
	Models    ModelsHealth    `json:"models"`
	Disk      DiskHealth      `json:"disk"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

func NewHealthHandler(tasks TaskService, probes Probes, log logger.Logger) *HealthHandler {
	return &HealthHandler{tasks: tasks, probes: probes, logger: log}
}

// Health reports model reachability, disk headroom and load. It answers 503
// when models are unreachable or the disk is low.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Scheduler: h.tasks.Stats()}
	degraded := false

	if m := h.probes.Models; m != nil {
		resp.Models.Recognizer, resp.Models.Enhancer = m.Providers()
		ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
		err := m.Ping(ctx)
		cancel()
		if err != nil {
			degraded = true
			resp.Models.Error = err.Error()
		} else {
			resp.Models.Reachable = true
		}
	}

	if d := h.probes.Disk; d != nil {
		free, err := d.FreeBytes()
		if err != nil {
			degraded = true
			resp.Disk.Error = err.Error()
		} else {
			resp.Disk.FreeBytes = free
			resp.Disk.Free = humanize.Bytes(free)
			resp.Disk.Low = free < h.probes.MinFreeBytes
			degraded = degraded || resp.Disk.Low
		}
	}

	status := http.StatusOK
	if degraded {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
		logger.FromContext(c.Request.Context(), h.logger).Warn("Health degraded",
			logger.Bool("models_reachable", resp.Models.Reachable),
			logger.String("disk_free", resp.Disk.Free),
		)
	}
	c.JSON(status, resp)
}
