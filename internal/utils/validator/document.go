package validator

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// DocumentValidator 文档验证器
type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	MaxFileSize  int64               // 最大文件大小（字节）
	AllowedTypes map[string][]string // 允许的文件类型 {扩展名: []MIME类型}
	MaxPageCount int                 // PDF最大页数
}

// DefaultValidatorConfig accepts PDFs up to 100MB and 500 pages.
func DefaultValidatorConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize: 100 * 1024 * 1024,
		AllowedTypes: map[string][]string{
			".pdf": {"application/pdf"},
		},
		MaxPageCount: 500,
	}
}

// ValidationResult 验证结果
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// Error joins the validation messages.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// ValidationError 验证错误
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// FileInfo 文件信息
type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
	PageCount int    `json:"pageCount"`
}

// NewDocumentValidator 创建新的文档验证器
func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = DefaultValidatorConfig()
	}
	return &DocumentValidator{
		logger: log.Named("validator"),
		config: config,
	}
}

// ValidateFile reads an uploaded multipart file and validates its content.
func (v *DocumentValidator) ValidateFile(file *multipart.FileHeader) (*ValidationResult, []byte, error) {
	if file.Size > v.config.MaxFileSize {
		return &ValidationResult{
			Errors:   []ValidationError{tooLarge(v.config.MaxFileSize)},
			FileInfo: FileInfo{Filename: file.Filename, Size: file.Size},
		}, nil, nil
	}

	f, err := file.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, v.config.MaxFileSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file: %w", err)
	}
	return v.Validate(file.Filename, data), data, nil
}

// Validate checks a complete upload.
func (v *DocumentValidator) Validate(filename string, data []byte) *ValidationResult {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  filename,
			Size:      int64(len(data)),
			Extension: strings.ToLower(filepath.Ext(filename)),
			MimeType:  http.DetectContentType(data),
			Hash:      calculateHash(data),
		},
	}

	// 基本验证
	result.Errors = append(result.Errors, v.performBasicValidation(result.FileInfo)...)
	// MIME类型验证
	result.Errors = append(result.Errors, v.validateMimeType(result.FileInfo)...)

	if len(result.Errors) == 0 && result.FileInfo.Extension == ".pdf" {
		pages, errs := v.validatePDF(data)
		result.FileInfo.PageCount = pages
		result.Errors = append(result.Errors, errs...)
	}

	result.IsValid = len(result.Errors) == 0
	if !result.IsValid {
		v.logger.Info("Upload rejected",
			logger.String("filename", filename),
			logger.String("reason", result.Error()),
		)
	}
	return result
}

// 基本验证
func (v *DocumentValidator) performBasicValidation(fileInfo FileInfo) []ValidationError {
	var errs []ValidationError

	// 检查文件大小
	if fileInfo.Size > v.config.MaxFileSize {
		errs = append(errs, tooLarge(v.config.MaxFileSize))
	}
	if fileInfo.Size == 0 {
		errs = append(errs, ValidationError{
			Code:    "EMPTY_FILE",
			Message: "File is empty",
			Field:   "size",
		})
	}

	// 检查文件扩展名
	if _, ok := v.config.AllowedTypes[fileInfo.Extension]; !ok {
		errs = append(errs, ValidationError{
			Code:    "INVALID_FILE_TYPE",
			Message: "Only PDF files are supported",
			Field:   "extension",
		})
	}
	return errs
}

// MIME类型验证
func (v *DocumentValidator) validateMimeType(fileInfo FileInfo) []ValidationError {
	allowedMimes, ok := v.config.AllowedTypes[fileInfo.Extension]
	if !ok || fileInfo.Size == 0 {
		return nil
	}
	for _, mime := range allowedMimes {
		if mime == fileInfo.MimeType {
			return nil
		}
	}
	return []ValidationError{{
		Code:    "INVALID_MIME_TYPE",
		Message: fmt.Sprintf("Invalid MIME type %s for extension %s", fileInfo.MimeType, fileInfo.Extension),
		Field:   "mimeType",
	}}
}

// validatePDF parses the document and checks its page count.
func (v *DocumentValidator) validatePDF(data []byte) (int, []ValidationError) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, []ValidationError{{
			Code:    "INVALID_PDF",
			Message: fmt.Sprintf("PDF could not be parsed: %v", err),
			Field:   "file",
		}}
	}

	pages := reader.NumPage()
	switch {
	case pages == 0:
		return 0, []ValidationError{{Code: "EMPTY_PDF", Message: "PDF has no pages", Field: "file"}}
	case v.config.MaxPageCount > 0 && pages > v.config.MaxPageCount:
		return pages, []ValidationError{{
			Code:    "TOO_MANY_PAGES",
			Message: fmt.Sprintf("PDF has %d pages, the limit is %d", pages, v.config.MaxPageCount),
			Field:   "file",
		}}
	}
	return pages, nil
}

func tooLarge(limit int64) ValidationError {
	return ValidationError{
		Code:    "FILE_TOO_LARGE",
		Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", limit),
		Field:   "size",
	}
}

// 计算文件哈希
func calculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
