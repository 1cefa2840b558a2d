package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/page-colorizer/internal/models"
)

// ErrNotFound is returned when no state exists for a document id.
var ErrNotFound = errors.New("processing state not found")

// UpdateFunc mutates a state in place. Returning an error aborts the update
// and leaves the stored record unchanged.
type UpdateFunc func(s *models.ProcessingState) error

// Store persists one ProcessingState per document id.
// Update is an atomic read-modify-write for a single id.
type Store interface {
	Get(ctx context.Context, documentID string) (*models.ProcessingState, error)
	Put(ctx context.Context, s *models.ProcessingState) error
	Update(ctx context.Context, documentID string, fn UpdateFunc) (*models.ProcessingState, error)
	Delete(ctx context.Context, documentID string) error
	List(ctx context.Context) ([]*models.ProcessingState, error)
	Close() error
}

// Backend selects a Store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

func validateForWrite(s *models.ProcessingState) error {
	if s == nil {
		return errors.New("state is nil")
	}
	if s.DocumentID == "" {
		return errors.New("state has no document id")
	}
	return nil
}

// stamp sets the bookkeeping timestamps before a write.
func stamp(s *models.ProcessingState, now time.Time) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}

func applyUpdate(s *models.ProcessingState, documentID string, fn UpdateFunc) error {
	if err := fn(s); err != nil {
		return err
	}
	if s.DocumentID != documentID {
		return fmt.Errorf("update changed document id from %q to %q", documentID, s.DocumentID)
	}
	return nil
}
