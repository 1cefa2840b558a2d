package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	MinStepSize = 1
	MaxStepSize = 50
)

var (
	ErrNoPages         = errors.New("document has no pages")
	ErrInvalidStepSize = fmt.Errorf("step size must be between %d and %d", MinStepSize, MaxStepSize)
	ErrUnknownBatch    = errors.New("unknown batch")
	ErrPageNotFound    = errors.New("page image not found")
)

// BatchInfo is one contiguous page range processed and checkpointed together.
// StartPage and EndPage never change after the state is created.
type BatchInfo struct {
	BatchNumber    int         `json:"batchNumber"`
	StartPage      int         `json:"startPage"`
	EndPage        int         `json:"endPage"`
	Status         BatchStatus `json:"status"`
	PromptUsed     *string     `json:"promptUsed"`
	CompletedPages []int       `json:"completedPages"`
}

// Contains reports whether page falls in the batch range.
func (b *BatchInfo) Contains(page int) bool {
	return page >= b.StartPage && page <= b.EndPage
}

// ProcessingState is the persisted record of one document's colorization run.
type ProcessingState struct {
	DocumentID     string           `json:"documentId"`
	Filename       string           `json:"filename"`
	TotalPages     int              `json:"totalPages"`
	StepSize       int              `json:"stepSize"`
	CurrentBatch   int              `json:"currentBatch"`
	TotalBatches   int              `json:"totalBatches"`
	Status         ProcessingStatus `json:"status"`
	CurrentPrompt  string           `json:"currentPrompt"`
	CompletedPages []int            `json:"completedPages"`
	Batches        []BatchInfo      `json:"batches"`
	ErrorMessage   *string          `json:"errorMessage"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// NewProcessingState partitions [1, totalPages] into ceil(totalPages/stepSize) batches.
func NewProcessingState(documentID, filename string, totalPages, stepSize int, prompt string) (*ProcessingState, error) {
	if totalPages <= 0 {
		return nil, ErrNoPages
	}
	if stepSize < MinStepSize || stepSize > MaxStepSize {
		return nil, ErrInvalidStepSize
	}

	totalBatches := (totalPages + stepSize - 1) / stepSize
	batches := make([]BatchInfo, 0, totalBatches)
	for i := 1; i <= totalBatches; i++ {
		batches = append(batches, BatchInfo{
			BatchNumber:    i,
			StartPage:      (i-1)*stepSize + 1,
			EndPage:        min(i*stepSize, totalPages),
			Status:         BatchPending,
			CompletedPages: []int{},
		})
	}

	return &ProcessingState{
		DocumentID:     documentID,
		Filename:       filename,
		TotalPages:     totalPages,
		StepSize:       stepSize,
		CurrentBatch:   1,
		TotalBatches:   totalBatches,
		Status:         StatusIdle,
		CurrentPrompt:  prompt,
		CompletedPages: []int{},
		Batches:        batches,
	}, nil
}

// Batch returns the batch with the given number, or nil.
func (s *ProcessingState) Batch(n int) *BatchInfo {
	if n < 1 || n > len(s.Batches) {
		return nil
	}
	b := &s.Batches[n-1]
	if b.BatchNumber != n {
		// batches are stored in order; fall back to a scan for hand-built states
		for i := range s.Batches {
			if s.Batches[i].BatchNumber == n {
				return &s.Batches[i]
			}
		}
		return nil
	}
	return b
}

// BatchForPage returns the batch owning page, or nil.
func (s *ProcessingState) BatchForPage(page int) *BatchInfo {
	if page < 1 || page > s.TotalPages || s.StepSize < 1 {
		return nil
	}
	return s.Batch((page-1)/s.StepSize + 1)
}

// IsPageComplete reports whether page has a stored colorized output.
func (s *ProcessingState) IsPageComplete(page int) bool {
	_, found := slices.BinarySearch(s.CompletedPages, page)
	return found
}

// MarkPageComplete records page at both document and batch level.
func (s *ProcessingState) MarkPageComplete(page int) error {
	b := s.BatchForPage(page)
	if b == nil {
		return fmt.Errorf("page %d: %w", page, ErrUnknownBatch)
	}
	s.CompletedPages = insertSorted(s.CompletedPages, page)
	b.CompletedPages = insertSorted(b.CompletedPages, page)
	return nil
}

// BeginBatch marks batch n processing and stamps the prompt snapshot it runs with.
func (s *ProcessingState) BeginBatch(n int, prompt string) error {
	b := s.Batch(n)
	if b == nil {
		return fmt.Errorf("batch %d: %w", n, ErrUnknownBatch)
	}
	b.Status = BatchProcessing
	p := prompt
	b.PromptUsed = &p
	return nil
}

// CompleteBatch marks batch n completed.
func (s *ProcessingState) CompleteBatch(n int) error {
	b := s.Batch(n)
	if b == nil {
		return fmt.Errorf("batch %d: %w", n, ErrUnknownBatch)
	}
	b.Status = BatchCompleted
	return nil
}

// ResetBatch returns batch n to pending and forgets every page it completed.
func (s *ProcessingState) ResetBatch(n int) error {
	b := s.Batch(n)
	if b == nil {
		return fmt.Errorf("batch %d: %w", n, ErrUnknownBatch)
	}
	s.CompletedPages = slices.DeleteFunc(s.CompletedPages, b.Contains)
	b.CompletedPages = []int{}
	b.Status = BatchPending
	b.PromptUsed = nil
	return nil
}

// AdvanceBatch moves the cursor to the next batch. The cursor may reach
// TotalBatches+1 once the last batch is done.
func (s *ProcessingState) AdvanceBatch() {
	if s.CurrentBatch <= s.TotalBatches {
		s.CurrentBatch++
	}
}

// SetStatus moves the document state machine. A message is kept only for StatusError.
func (s *ProcessingState) SetStatus(status ProcessingStatus, message string) {
	s.Status = status
	if status == StatusError {
		m := message
		s.ErrorMessage = &m
		return
	}
	s.ErrorMessage = nil
}

// SetPrompt replaces the prompt used by batches that have not started yet.
func (s *ProcessingState) SetPrompt(prompt string) {
	s.CurrentPrompt = prompt
}

// Summary returns the listing view.
func (s *ProcessingState) Summary() Summary {
	return Summary{
		DocumentID:     s.DocumentID,
		Filename:       s.Filename,
		TotalPages:     s.TotalPages,
		Status:         s.Status,
		CompletedPages: len(s.CompletedPages),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// Clone returns a deep copy.
func (s *ProcessingState) Clone() *ProcessingState {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedPages = slices.Clone(s.CompletedPages)
	if c.CompletedPages == nil {
		c.CompletedPages = []int{}
	}
	c.Batches = make([]BatchInfo, len(s.Batches))
	for i, b := range s.Batches {
		nb := b
		nb.CompletedPages = slices.Clone(b.CompletedPages)
		if nb.CompletedPages == nil {
			nb.CompletedPages = []int{}
		}
		if b.PromptUsed != nil {
			p := *b.PromptUsed
			nb.PromptUsed = &p
		}
		c.Batches[i] = nb
	}
	if s.ErrorMessage != nil {
		m := *s.ErrorMessage
		c.ErrorMessage = &m
	}
	return &c
}

func insertSorted(pages []int, page int) []int {
	i, found := slices.BinarySearch(pages, page)
	if found {
		return pages
	}
	return slices.Insert(pages, i, page)
}
