package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/feichai0017/page-colorizer/internal/colorize"
	"github.com/feichai0017/page-colorizer/internal/ingest"
	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/internal/workflow"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// Engine is the subset of *workflow.Engine used by the service.
type Engine interface {
	Start(ctx context.Context, documentID string, opts workflow.StartOptions) (*models.ProcessingState, error)
	Pause(ctx context.Context, documentID string) (*models.ProcessingState, error)
	Continue(ctx context.Context, documentID string) (*models.ProcessingState, error)
	Stop(ctx context.Context, documentID string) (*models.ProcessingState, error)
	RetryCurrentBatch(ctx context.Context, documentID string) (*models.ProcessingState, error)
	TrustAndRun(ctx context.Context, documentID string) (*models.ProcessingState, error)
	UpdatePrompt(ctx context.Context, documentID, prompt string) (*models.ProcessingState, error)
	Status(ctx context.Context, documentID string) (*models.ProcessingState, error)
	List(ctx context.Context) ([]models.Summary, error)
	Delete(ctx context.Context, documentID string) error
	DeleteExpired(ctx context.Context, documentID string, cutoff time.Time, removeBlobs func(context.Context) error) (bool, error)
}

// DocumentStore is the subset of *ingest.Store used by the service.
type DocumentStore interface {
	Ingest(ctx context.Context, filename string, data []byte) (*models.Manifest, error)
	Manifest(ctx context.Context, documentID string) (*models.Manifest, error)
	List(ctx context.Context) ([]models.Manifest, error)
	Delete(ctx context.Context, documentID string) error
	SourceImage(ctx context.Context, documentID string, page int) ([]byte, error)
	OutputImage(ctx context.Context, documentID string, page int) ([]byte, error)
	PruneOrphans(ctx context.Context, cutoff time.Time) ([]string, error)
}

type ServiceConfig struct {
	MaxFileSize     int64
	DefaultStepSize int
	DefaultPrompt   string
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		MaxFileSize:     100 * 1024 * 1024, // 100MB
		DefaultStepSize: 10,
		DefaultPrompt:   colorize.DefaultPrompt,
	}
}

type DocumentService struct {
	engine Engine
	docs   DocumentStore
	logger logger.Logger
	config *ServiceConfig
	now    func() time.Time
}

func NewService(engine Engine, docs DocumentStore, log logger.Logger, cfg *ServiceConfig) *DocumentService {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	return &DocumentService{
		engine: engine,
		docs:   docs,
		logger: log.Named("document"),
		config: cfg,
		now:    time.Now,
	}
}

// Upload 处理上传的 PDF
func (s *DocumentService) Upload(ctx context.Context, header *multipart.FileHeader) (*models.Manifest, error) {
	s.logger.Info("Upload received",
		logger.String("filename", header.Filename),
		logger.Int64("size", header.Size),
	)

	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.config.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	m, err := s.docs.Ingest(ctx, header.Filename, data)
	if err != nil {
		s.logger.Error("Upload failed",
			logger.String("filename", header.Filename),
			logger.Error(err),
		)
		return nil, err
	}
	return m, nil
}

// Start begins processing an uploaded document.
func (s *DocumentService) Start(ctx context.Context, documentID string, req StartRequest) (*models.ProcessingState, error) {
	m, err := s.manifest(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if req.StepSize == 0 {
		req.StepSize = s.config.DefaultStepSize
	}
	if strings.TrimSpace(req.Prompt) == "" {
		req.Prompt = s.config.DefaultPrompt
	}

	return s.engine.Start(ctx, documentID, workflow.StartOptions{
		Filename:   m.Filename,
		TotalPages: m.TotalPages,
		StepSize:   req.StepSize,
		Prompt:     req.Prompt,
	})
}

func (s *DocumentService) Pause(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	return s.engine.Pause(ctx, documentID)
}

func (s *DocumentService) Continue(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	return s.engine.Continue(ctx, documentID)
}

func (s *DocumentService) Stop(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	return s.engine.Stop(ctx, documentID)
}

func (s *DocumentService) RetryBatch(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	return s.engine.RetryCurrentBatch(ctx, documentID)
}

func (s *DocumentService) TrustAndRun(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	return s.engine.TrustAndRun(ctx, documentID)
}

func (s *DocumentService) UpdatePrompt(ctx context.Context, documentID, prompt string) (*models.ProcessingState, error) {
	return s.engine.UpdatePrompt(ctx, documentID, prompt)
}

func (s *DocumentService) GetStatus(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	return s.engine.Status(ctx, documentID)
}

func (s *DocumentService) List(ctx context.Context) ([]models.Summary, error) {
	return s.engine.List(ctx)
}

// Delete removes the processing state and every stored image of a document.
func (s *DocumentService) Delete(ctx context.Context, documentID string) error {
	_, stateErr := s.engine.Status(ctx, documentID)
	_, docErr := s.docs.Manifest(ctx, documentID)
	if errors.Is(stateErr, workflow.ErrNotFound) && errors.Is(docErr, ingest.ErrDocumentNotFound) {
		return workflow.ErrNotFound
	}

	if err := s.engine.Delete(ctx, documentID); err != nil {
		return err
	}
	if err := s.docs.Delete(ctx, documentID); err != nil {
		return err
	}
	s.logger.Info("Document deleted", logger.String("documentId", documentID))
	return nil
}

func (s *DocumentService) OriginalPage(ctx context.Context, documentID string, page int) ([]byte, error) {
	if page < 1 {
		return nil, models.ErrPageNotFound
	}
	return s.docs.SourceImage(ctx, documentID, page)
}

func (s *DocumentService) ColorizedPage(ctx context.Context, documentID string, page int) ([]byte, error) {
	if page < 1 {
		return nil, models.ErrPageNotFound
	}
	return s.docs.OutputImage(ctx, documentID, page)
}

// SweepExpired deletes documents untouched for longer than retention. A
// document that is processing is never swept, even when it was started after
// the candidates were listed; one that was uploaded but never started ages
// from its upload time. Blobs of uploads that never completed are pruned too.
func (s *DocumentService) SweepExpired(ctx context.Context, retention time.Duration) (*SweepResult, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	cutoff := s.now().Add(-retention)
	result := &SweepResult{Deleted: []string{}, Orphans: []string{}, Cutoff: cutoff}

	summaries, err := s.engine.List(ctx)
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]bool, len(summaries))
	var expired []string
	for _, sum := range summaries {
		tracked[sum.DocumentID] = true
		if sum.Status != models.StatusProcessing && sum.UpdatedAt.Before(cutoff) {
			expired = append(expired, sum.DocumentID)
		}
	}

	manifests, err := s.docs.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if !tracked[m.DocumentID] && m.UploadedAt.Before(cutoff) {
			expired = append(expired, m.DocumentID)
		}
	}

	for _, id := range expired {
		deleted, err := s.engine.DeleteExpired(ctx, id, cutoff, func(ctx context.Context) error {
			return s.docs.Delete(ctx, id)
		})
		if err != nil {
			s.logger.Error("Failed to sweep document",
				logger.String("documentId", id),
				logger.Error(err),
			)
			continue
		}
		if !deleted {
			s.logger.Info("Document became active, skipping sweep", logger.String("documentId", id))
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}

	orphans, err := s.docs.PruneOrphans(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune orphaned uploads", logger.Error(err))
	} else {
		result.Orphans = orphans
	}

	s.logger.Info("Retention sweep finished",
		logger.Time("cutoff", cutoff),
		logger.Int("deleted", len(result.Deleted)),
		logger.Int("orphans", len(result.Orphans)),
	)
	return result, nil
}

func (s *DocumentService) manifest(ctx context.Context, documentID string) (*models.Manifest, error) {
	m, err := s.docs.Manifest(ctx, documentID)
	if errors.Is(err, ingest.ErrDocumentNotFound) {
		return nil, workflow.ErrNotFound
	}
	return m, err
}
