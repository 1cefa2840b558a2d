package events

import (
	"math"

	"github.com/feichai0017/page-colorizer/internal/models"
)

// Type names an event on the wire.
type Type string

const (
	TypeProgress      Type = "progress"
	TypePageComplete  Type = "page_complete"
	TypeBatchComplete Type = "batch_complete"
	TypeStatus        Type = "status"
	TypeError         Type = "error"
	TypeAnnouncement  Type = "announcement"
	TypePong          Type = "pong"
)

// Event is the envelope every observer receives: {"type": ..., "data": {...}}.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data,omitempty"`
}

type Progress struct {
	DocumentID  string  `json:"documentId"`
	CurrentPage int     `json:"currentPage"`
	TotalPages  int     `json:"totalPages"`
	BatchNumber int     `json:"batchNumber"`
	Percentage  float64 `json:"percentage"`
}

type PageComplete struct {
	DocumentID string `json:"documentId"`
	PageNumber int    `json:"pageNumber"`
	OutputPath string `json:"outputPath"`
}

type BatchComplete struct {
	DocumentID  string `json:"documentId"`
	BatchNumber int    `json:"batchNumber"`
	StartPage   int    `json:"startPage"`
	EndPage     int    `json:"endPage"`
}

type Status struct {
	DocumentID string                  `json:"documentId"`
	Status     models.ProcessingStatus `json:"status"`
	Message    string                  `json:"message"`
}

// Error reports a page-level failure (PageNumber set) or a run-level fault.
type Error struct {
	DocumentID string `json:"documentId"`
	Error      string `json:"error"`
	PageNumber *int   `json:"pageNumber"`
}

type Announcement struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// Percentage is current/total*100 rounded to one decimal.
func Percentage(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(current)/float64(total)*1000) / 10
}

func NewProgress(documentID string, currentPage, totalPages, batchNumber int) Event {
	return Event{Type: TypeProgress, Data: Progress{
		DocumentID:  documentID,
		CurrentPage: currentPage,
		TotalPages:  totalPages,
		BatchNumber: batchNumber,
		Percentage:  Percentage(currentPage, totalPages),
	}}
}

func NewPageComplete(documentID string, pageNumber int, outputPath string) Event {
	return Event{Type: TypePageComplete, Data: PageComplete{
		DocumentID: documentID,
		PageNumber: pageNumber,
		OutputPath: outputPath,
	}}
}

func NewBatchComplete(documentID string, b models.BatchInfo) Event {
	return Event{Type: TypeBatchComplete, Data: BatchComplete{
		DocumentID:  documentID,
		BatchNumber: b.BatchNumber,
		StartPage:   b.StartPage,
		EndPage:     b.EndPage,
	}}
}

func NewStatus(documentID string, status models.ProcessingStatus, message string) Event {
	return Event{Type: TypeStatus, Data: Status{
		DocumentID: documentID,
		Status:     status,
		Message:    message,
	}}
}

func NewPageError(documentID string, page int, message string) Event {
	p := page
	return Event{Type: TypeError, Data: Error{DocumentID: documentID, Error: message, PageNumber: &p}}
}

func NewRunError(documentID string, message string) Event {
	return Event{Type: TypeError, Data: Error{DocumentID: documentID, Error: message}}
}

func NewAnnouncement(message, level string) Event {
	return Event{Type: TypeAnnouncement, Data: Announcement{Message: message, Level: level}}
}

// Pong answers a client keepalive.
func Pong() Event {
	return Event{Type: TypePong}
}
