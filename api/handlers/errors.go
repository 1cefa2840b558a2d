package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/page-colorizer/internal/ingest"
	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/internal/workflow"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, ingest.ErrDocumentNotFound),
		errors.Is(err, models.ErrPageNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrInvalidUpload),
		errors.Is(err, models.ErrInvalidStepSize),
		errors.Is(err, models.ErrNoPages),
		errors.Is(err, workflow.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrAlreadyRunning),
		errors.Is(err, workflow.ErrNotRunning),
		errors.Is(err, workflow.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleError 统一错误处理
func handleError(c *gin.Context, log logger.Logger, status int, message string, err error) {
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Info(message, fields...)
	}

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, response)
}
