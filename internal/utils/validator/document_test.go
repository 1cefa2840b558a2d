package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/page-colorizer/internal/utils/pdftest"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

func codes(r *ValidationResult) []string {
	var out []string
	for _, e := range r.Errors {
		out = append(out, e.Code)
	}
	return out
}

func TestValidate_AcceptsPDF(t *testing.T) {
	v := NewDocumentValidator(logger.NewNop(), nil)

	r := v.Validate("Vol 1.PDF", pdftest.Minimal(3))
	require.True(t, r.IsValid, r.Error())
	assert.Equal(t, 3, r.FileInfo.PageCount)
	assert.Equal(t, ".pdf", r.FileInfo.Extension)
	assert.Equal(t, "application/pdf", r.FileInfo.MimeType)
	assert.Len(t, r.FileInfo.Hash, 64)
}

func TestValidate_Rejections(t *testing.T) {
	v := NewDocumentValidator(logger.NewNop(), &ValidatorConfig{
		MaxFileSize:  4096,
		AllowedTypes: map[string][]string{".pdf": {"application/pdf"}},
		MaxPageCount: 2,
	})

	tests := []struct {
		name     string
		filename string
		data     []byte
		code     string
	}{
		{"wrong extension", "pages.zip", pdftest.Minimal(1), "INVALID_FILE_TYPE"},
		{"not a pdf", "pages.pdf", []byte("hello there, definitely text"), "INVALID_MIME_TYPE"},
		{"empty", "pages.pdf", nil, "EMPTY_FILE"},
		{"too large", "pages.pdf", append([]byte("%PDF-"), make([]byte, 5000)...), "FILE_TOO_LARGE"},
		{"too many pages", "pages.pdf", pdftest.Minimal(3), "TOO_MANY_PAGES"},
		{"broken pdf", "pages.pdf", []byte("%PDF-1.4\nthis is not really a pdf\n"), "INVALID_PDF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(tt.filename, tt.data)
			assert.False(t, r.IsValid)
			assert.Contains(t, codes(r), tt.code)
			assert.NotEmpty(t, r.Error())
		})
	}
}
