// Package ingest turns uploaded PDFs into page images and serves them to the
// workflow engine.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/internal/utils/validator"
	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/storage"
)

// DefaultDPI is the rendering resolution for uploaded pages.
const DefaultDPI = 150

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidUpload    = errors.New("invalid upload")
)

// Config controls rasterization and blob I/O.
type Config struct {
	DPI         float64 `yaml:"dpi" mapstructure:"dpi"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// Store keeps uploaded documents in blob storage:
//
//	<id>/manifest.json
//	<id>/original.pdf
//	<id>/original/page_0001.png
//	<id>/colorized/page_0001.png
type Store struct {
	blobs     storage.Storage
	raster    Rasterizer
	validator *validator.DocumentValidator
	cfg       Config
	logger    logger.Logger
	newID     func() string
	now       func() time.Time
}

func NewStore(blobs storage.Storage, raster Rasterizer, v *validator.DocumentValidator, cfg Config, log logger.Logger) *Store {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Store{
		blobs:     blobs,
		raster:    raster,
		validator: v,
		cfg:       cfg,
		logger:    log.Named("ingest"),
		newID:     newDocumentID,
		now:       time.Now,
	}
}

// newDocumentID returns the first 8 hex characters of a random UUID.
func newDocumentID() string {
	return uuid.NewString()[:8]
}

// allocateID draws document ids until one is not yet taken by a stored
// upload.
func (s *Store) allocateID(ctx context.Context) (string, error) {
	const attempts = 5
	for range attempts {
		id := s.newID()
		taken, err := s.blobs.Exists(ctx, sourceKey(id))
		if err != nil {
			return "", fmt.Errorf("failed to check document id: %w", err)
		}
		if !taken {
			return id, nil
		}
		s.logger.Warn("Document id collision", logger.String("documentId", id))
	}
	return "", fmt.Errorf("failed to allocate a free document id after %d attempts", attempts)
}

func manifestKey(id string) string { return id + "/manifest.json" }

func sourceKey(id string) string { return id + "/original.pdf" }

func originalKey(id string, page int) string {
	return fmt.Sprintf("%s/original/page_%04d.png", id, page)
}

func outputKey(id string, page int) string {
	return fmt.Sprintf("%s/colorized/page_%04d.png", id, page)
}

// Ingest validates an upload, renders every page and stores the page images
// and manifest. Nothing is left behind when it fails.
func (s *Store) Ingest(ctx context.Context, filename string, data []byte) (*models.Manifest, error) {
	result := s.validator.Validate(filename, data)
	if !result.IsValid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidUpload, result.Error())
	}

	doc, err := s.raster.Open(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	defer doc.Close()

	total := doc.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("%w: PDF has no pages", ErrInvalidUpload)
	}

	id, err := s.allocateID(ctx)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(logger.String("documentId", id))
	log.Info("Ingesting document",
		logger.String("filename", filename),
		logger.Int("totalPages", total),
	)

	if err := s.storePages(ctx, id, data, doc); err != nil {
		if cerr := s.blobs.DeletePrefix(context.WithoutCancel(ctx), id+"/"); cerr != nil {
			log.Error("Failed to clean up partial upload", logger.Error(cerr))
		}
		return nil, err
	}

	m := &models.Manifest{
		DocumentID: id,
		Filename:   filename,
		TotalPages: total,
		FileSize:   int64(len(data)),
		Hash:       result.FileInfo.Hash,
		UploadedAt: s.now().UTC(),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := storage.PutBytes(ctx, s.blobs, manifestKey(id), raw); err != nil {
		_ = s.blobs.DeletePrefix(context.WithoutCancel(ctx), id+"/")
		return nil, fmt.Errorf("failed to store manifest: %w", err)
	}

	log.Info("Document ingested", logger.Int("totalPages", total))
	return m, nil
}

// storePages renders pages one at a time and uploads them concurrently.
func (s *Store) storePages(ctx context.Context, id string, data []byte, doc Document) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	g.Go(func() error {
		if err := storage.PutBytes(gctx, s.blobs, sourceKey(id), data); err != nil {
			return fmt.Errorf("failed to store source pdf: %w", err)
		}
		return nil
	})

	for page := 1; page <= doc.NumPage(); page++ {
		if gctx.Err() != nil {
			break
		}
		img, err := doc.Render(page)
		if err != nil {
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			png, err := encodePNG(img)
			if err != nil {
				return fmt.Errorf("failed to encode page %d: %w", page, err)
			}
			if err := storage.PutBytes(gctx, s.blobs, originalKey(id, page), png); err != nil {
				return fmt.Errorf("failed to store page %d: %w", page, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Manifest returns the stored manifest of a document.
func (s *Store) Manifest(ctx context.Context, id string) (*models.Manifest, error) {
	raw, err := storage.ReadAll(ctx, s.blobs, manifestKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m models.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// List returns the manifest of every stored document.
func (s *Store) List(ctx context.Context) ([]models.Manifest, error) {
	objects, err := s.blobs.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []models.Manifest
	for _, obj := range objects {
		id, ok := strings.CutSuffix(obj.Key, "/manifest.json")
		if !ok || strings.Contains(id, "/") {
			continue
		}
		m, err := s.Manifest(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping unreadable manifest",
				logger.String("documentId", id),
				logger.Error(err),
			)
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// Delete removes every blob of a document.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.blobs.DeletePrefix(ctx, id+"/"); err != nil {
		return fmt.Errorf("failed to delete document blobs: %w", err)
	}
	s.logger.Info("Document blobs deleted", logger.String("documentId", id))
	return nil
}

// PruneOrphans removes blobs left behind by uploads that never got a
// manifest, such as those of a crashed ingest. Only blobs older than cutoff
// are touched so an ingest still in flight keeps its pages. The ids whose
// blobs were pruned are returned.
func (s *Store) PruneOrphans(ctx context.Context, cutoff time.Time) ([]string, error) {
	objects, err := s.blobs.List(ctx, "")
	if err != nil {
		return nil, err
	}
	complete := make(map[string]bool)
	stale := make(map[string]bool)
	for _, obj := range objects {
		id, rest, ok := strings.Cut(obj.Key, "/")
		if !ok {
			continue
		}
		if rest == "manifest.json" {
			complete[id] = true
		} else if obj.LastModified.Before(cutoff) {
			stale[id] = true
		}
	}

	pruned := []string{}
	for _, id := range slices.Sorted(maps.Keys(stale)) {
		if complete[id] {
			continue
		}
		if err := s.blobs.CleanupBefore(ctx, id+"/", cutoff); err != nil {
			s.logger.Error("Failed to prune orphaned blobs",
				logger.String("documentId", id),
				logger.Error(err),
			)
			continue
		}
		pruned = append(pruned, id)
	}
	if len(pruned) > 0 {
		s.logger.Info("Orphaned uploads pruned", logger.Int("count", len(pruned)))
	}
	return pruned, nil
}

// SourceImage returns the rendered original page.
func (s *Store) SourceImage(ctx context.Context, id string, page int) ([]byte, error) {
	return s.readPage(ctx, originalKey(id, page), page)
}

// OutputImage returns the colorized page.
func (s *Store) OutputImage(ctx context.Context, id string, page int) ([]byte, error) {
	return s.readPage(ctx, outputKey(id, page), page)
}

func (s *Store) readPage(ctx context.Context, key string, page int) ([]byte, error) {
	data, err := storage.ReadAll(ctx, s.blobs, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("page %d: %w", page, models.ErrPageNotFound)
	}
	return data, err
}

// SaveOutput stores a colorized page and returns its key.
func (s *Store) SaveOutput(ctx context.Context, id string, page int, image []byte) (string, error) {
	key := outputKey(id, page)
	if err := storage.PutBytes(ctx, s.blobs, key, image); err != nil {
		return "", err
	}
	return key, nil
}

// DeleteOutputs removes the colorized images of the given pages.
func (s *Store) DeleteOutputs(ctx context.Context, id string, pages []int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, page := range pages {
		g.Go(func() error {
			return s.blobs.Delete(gctx, outputKey(id, page))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to delete outputs: %w", err)
	}
	return nil
}
