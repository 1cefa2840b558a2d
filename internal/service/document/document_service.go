package document

import (
	"context"
	"mime/multipart"
	"time"

	"github.com/feichai0017/page-colorizer/internal/models"
)

// DocumentProcessor is everything the HTTP layer and the maintenance worker
// need from the colorizer.
type DocumentProcessor interface {
	Upload(ctx context.Context, header *multipart.FileHeader) (*models.Manifest, error)
	Start(ctx context.Context, documentID string, req StartRequest) (*models.ProcessingState, error)
	Pause(ctx context.Context, documentID string) (*models.ProcessingState, error)
	Continue(ctx context.Context, documentID string) (*models.ProcessingState, error)
	Stop(ctx context.Context, documentID string) (*models.ProcessingState, error)
	RetryBatch(ctx context.Context, documentID string) (*models.ProcessingState, error)
	TrustAndRun(ctx context.Context, documentID string) (*models.ProcessingState, error)
	UpdatePrompt(ctx context.Context, documentID, prompt string) (*models.ProcessingState, error)
	GetStatus(ctx context.Context, documentID string) (*models.ProcessingState, error)
	List(ctx context.Context) ([]models.Summary, error)
	Delete(ctx context.Context, documentID string) error
	OriginalPage(ctx context.Context, documentID string, page int) ([]byte, error)
	ColorizedPage(ctx context.Context, documentID string, page int) ([]byte, error)
	SweepExpired(ctx context.Context, retention time.Duration) (*SweepResult, error)
}

// StartRequest carries the optional start parameters; zero values take the
// service defaults.
type StartRequest struct {
	StepSize int    `json:"stepSize"`
	Prompt   string `json:"prompt"`
}

// SweepResult lists the documents removed by a retention sweep.
type SweepResult struct {
	Deleted []string  `json:"deleted"`
	Orphans []string  `json:"orphans"`
	Cutoff  time.Time `json:"cutoff"`
}
