package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/internal/service/document"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

type DocumentHandler struct {
	service document.DocumentProcessor
	logger  logger.Logger
}

// UploadResponse 定义上传响应结构
type UploadResponse struct {
	DocumentID string `json:"documentId"`
	Filename   string `json:"filename"`
	TotalPages int    `json:"totalPages"`
	Message    string `json:"message"`
}

// ControlResponse is returned by every workflow control endpoint.
type ControlResponse struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	State   *models.ProcessingState `json:"state,omitempty"`
}

type promptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

func NewDocumentHandler(service document.DocumentProcessor, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service: service,
		logger:  log.Named("documents"),
	}
}

// Upload 上传 PDF 并拆分页面
func (h *DocumentHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}

	manifest, err := h.service.Upload(c.Request.Context(), header)
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to upload document", err)
		return
	}

	c.JSON(http.StatusOK, UploadResponse{
		DocumentID: manifest.DocumentID,
		Filename:   manifest.Filename,
		TotalPages: manifest.TotalPages,
		Message:    fmt.Sprintf("Uploaded %s with %d pages", manifest.Filename, manifest.TotalPages),
	})
}

// List 列出所有文档
func (h *DocumentHandler) List(c *gin.Context) {
	docs, err := h.service.List(c.Request.Context())
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to list documents", err)
		return
	}
	if docs == nil {
		docs = []models.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// GetStatus 获取处理状态
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	st, err := h.service.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to get document status", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.handleError(c, statusFor(err), "Failed to delete document", err)
		return
	}
	c.JSON(http.StatusOK, ControlResponse{Success: true, Message: "Document deleted"})
}

// Start 开始处理，请求体可省略
func (h *DocumentHandler) Start(c *gin.Context) {
	var req document.StartRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			h.handleError(c, http.StatusBadRequest, "Invalid start request", err)
			return
		}
	}

	st, err := h.service.Start(c.Request.Context(), c.Param("id"), req)
	h.respondControl(c, st, err, "Processing started", "Failed to start processing")
}

func (h *DocumentHandler) Pause(c *gin.Context) {
	st, err := h.service.Pause(c.Request.Context(), c.Param("id"))
	h.respondControl(c, st, err, "Pause requested", "Failed to pause processing")
}

func (h *DocumentHandler) Continue(c *gin.Context) {
	st, err := h.service.Continue(c.Request.Context(), c.Param("id"))
	h.respondControl(c, st, err, "Processing continued", "Failed to continue processing")
}

func (h *DocumentHandler) Stop(c *gin.Context) {
	st, err := h.service.Stop(c.Request.Context(), c.Param("id"))
	h.respondControl(c, st, err, "Processing stopped", "Failed to stop processing")
}

func (h *DocumentHandler) RetryBatch(c *gin.Context) {
	st, err := h.service.RetryBatch(c.Request.Context(), c.Param("id"))
	h.respondControl(c, st, err, "Retrying current batch", "Failed to retry batch")
}

func (h *DocumentHandler) TrustAndRun(c *gin.Context) {
	st, err := h.service.TrustAndRun(c.Request.Context(), c.Param("id"))
	h.respondControl(c, st, err, "Running all remaining batches", "Failed to enable trust and run")
}

// UpdatePrompt 修改后续批次使用的提示词
func (h *DocumentHandler) UpdatePrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid prompt request", err)
		return
	}

	st, err := h.service.UpdatePrompt(c.Request.Context(), c.Param("id"), req.Prompt)
	h.respondControl(c, st, err, "Prompt updated", "Failed to update prompt")
}

func (h *DocumentHandler) OriginalPage(c *gin.Context) {
	h.servePage(c, h.service.OriginalPage)
}

func (h *DocumentHandler) ColorizedPage(c *gin.Context) {
	h.servePage(c, h.service.ColorizedPage)
}

type pageLoader func(ctx context.Context, documentID string, page int) ([]byte, error)

func (h *DocumentHandler) servePage(c *gin.Context, load pageLoader) {
	page, err := strconv.Atoi(c.Param("page"))
	if err != nil || page < 1 {
		h.handleError(c, http.StatusBadRequest, "Invalid page number", err)
		return
	}

	data, err := load(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		h.handleError(c, statusFor(err), "Failed to load page image", err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (h *DocumentHandler) respondControl(c *gin.Context, st *models.ProcessingState, err error, ok, failed string) {
	if err != nil {
		h.handleError(c, statusFor(err), failed, err)
		return
	}
	c.JSON(http.StatusOK, ControlResponse{Success: true, Message: ok, State: st})
}

func (h *DocumentHandler) handleError(c *gin.Context, status int, message string, err error) {
	handleError(c, h.logger, status, message, err)
}
