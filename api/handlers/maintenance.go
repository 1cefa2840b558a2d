package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/queue"
)

// Config groups the handler settings that come from the server config.
type Config struct {
	Stream    StreamConfig
	Retention time.Duration
}

type MaintenanceHandler struct {
	queue     queue.Queue
	retention time.Duration
	logger    logger.Logger
}

type sweepRequest struct {
	RetentionHours float64 `json:"retentionHours"`
}

// SweepResponse 定义清理任务响应结构
type SweepResponse struct {
	TaskID    string `json:"taskId"`
	Retention string `json:"retention"`
}

// NewMaintenanceHandler accepts a nil queue; sweep endpoints then answer 503.
func NewMaintenanceHandler(q queue.Queue, retention time.Duration, log logger.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		queue:     q,
		retention: retention,
		logger:    log.Named("maintenance"),
	}
}

// Health 健康检查
func (h *MaintenanceHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"queue":     h.queue != nil,
		"timestamp": time.Now().UTC(),
	})
}

// EnqueueSweep 提交过期文档清理任务
func (h *MaintenanceHandler) EnqueueSweep(c *gin.Context) {
	if h.queue == nil {
		handleError(c, h.logger, http.StatusServiceUnavailable, "Task queue is not configured", nil)
		return
	}

	var req sweepRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			handleError(c, h.logger, http.StatusBadRequest, "Invalid sweep request", err)
			return
		}
	}
	if req.RetentionHours < 0 {
		handleError(c, h.logger, http.StatusBadRequest, "Retention must not be negative", nil)
		return
	}

	retention := h.retention
	if req.RetentionHours > 0 {
		retention = time.Duration(req.RetentionHours * float64(time.Hour))
	}

	taskID, err := h.queue.EnqueueSweep(c.Request.Context(), queue.SweepPayload{
		RetentionSeconds: int64(retention / time.Second),
		RequestedBy:      c.ClientIP(),
		RequestedAt:      time.Now().UTC(),
	})
	if err != nil {
		handleError(c, h.logger, http.StatusInternalServerError, "Failed to enqueue sweep", err)
		return
	}

	h.logger.Info("Sweep enqueued",
		logger.String("taskId", taskID),
		logger.Duration("retention", retention),
	)
	c.JSON(http.StatusAccepted, SweepResponse{TaskID: taskID, Retention: retention.String()})
}

// SweepStatus 查询清理任务状态
func (h *MaintenanceHandler) SweepStatus(c *gin.Context) {
	if h.queue == nil {
		handleError(c, h.logger, http.StatusServiceUnavailable, "Task queue is not configured", nil)
		return
	}

	status, err := h.queue.GetTaskStatus(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, queue.ErrTaskNotFound) {
			code = http.StatusNotFound
		}
		handleError(c, h.logger, code, "Failed to get task status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}
