package handlers

import (
	"github.com/feichai0017/page-colorizer/internal/events"
	"github.com/feichai0017/page-colorizer/internal/service/document"
	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/queue"
)

type Handlers struct {
	Document    *DocumentHandler
	Events      *EventHandler
	Maintenance *MaintenanceHandler
}

func NewHandlers(
	documentService document.DocumentProcessor,
	hub *events.Hub,
	sweeps queue.Queue,
	cfg Config,
	log logger.Logger,
) *Handlers {
	log = log.Named("api")
	return &Handlers{
		Document:    NewDocumentHandler(documentService, log),
		Events:      NewEventHandler(hub, cfg.Stream, log),
		Maintenance: NewMaintenanceHandler(sweeps, cfg.Retention, log),
	}
}
