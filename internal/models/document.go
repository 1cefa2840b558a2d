package models

import (
	"time"
)

// Manifest describes an ingested document: the uploaded file and its rasterized pages.
type Manifest struct {
	DocumentID string    `json:"documentId"`
	Filename   string    `json:"filename"`
	TotalPages int       `json:"totalPages"`
	FileSize   int64     `json:"fileSize"`
	Hash       string    `json:"hash"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Summary is the listing view of a ProcessingState.
type Summary struct {
	DocumentID     string           `json:"documentId"`
	Filename       string           `json:"filename"`
	TotalPages     int              `json:"totalPages"`
	Status         ProcessingStatus `json:"status"`
	CompletedPages int              `json:"completedPages"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// ProcessingStatus is the document-level state machine.
type ProcessingStatus string

const (
	StatusIdle       ProcessingStatus = "idle"
	StatusProcessing ProcessingStatus = "processing"
	StatusPaused     ProcessingStatus = "paused"
	StatusCompleted  ProcessingStatus = "completed"
	StatusError      ProcessingStatus = "error"
)

// BatchStatus is the per-batch state.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)
