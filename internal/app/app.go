// Package app wires the colorizer's components from a loaded Config. The
// server and worker commands share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/feichai0017/page-colorizer/config"
	"github.com/feichai0017/page-colorizer/internal/colorize"
	"github.com/feichai0017/page-colorizer/internal/events"
	"github.com/feichai0017/page-colorizer/internal/ingest"
	"github.com/feichai0017/page-colorizer/internal/service/document"
	"github.com/feichai0017/page-colorizer/internal/state"
	"github.com/feichai0017/page-colorizer/internal/utils/validator"
	"github.com/feichai0017/page-colorizer/internal/workflow"
	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/storage"
	"github.com/feichai0017/page-colorizer/pkg/storage/backend"
)

// errNoTransformer is returned by processes that never run batches.
var errNoTransformer = errors.New("page transformation is not available in this process")

type Options struct {
	// Transformer builds the Gemini client. Maintenance-only processes
	// leave it off and do not need an API key.
	Transformer bool
}

// App holds the long-lived components of one process.
type App struct {
	Config  *config.Config
	Logger  logger.Logger
	States  state.Store
	Blobs   storage.Storage
	Docs    *ingest.Store
	Hub     *events.Hub
	Engine  *workflow.Engine
	Service *document.DocumentService
}

// NewLogger builds the root logger from the logger section.
func NewLogger(cfg *config.Config, name string) (logger.Logger, error) {
	log, err := logger.NewLogger(logger.WithConfig(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return log.Named(name), nil
}

// New connects every backend and assembles the engine and service.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts Options) (*App, error) {
	states, err := state.Open(ctx, cfg.State, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	blobs, err := backend.New(ctx, cfg.Storage, log.Named("storage"))
	if err != nil {
		_ = states.Close()
		return nil, fmt.Errorf("failed to open blob storage: %w", err)
	}

	var transformer workflow.Transformer = unavailable{}
	if opts.Transformer {
		t, err := colorize.NewGeminiTransformer(ctx, cfg.Gemini, log)
		if err != nil {
			_ = states.Close()
			return nil, fmt.Errorf("failed to init transformer: %w", err)
		}
		transformer = t
	}

	v := validator.NewDocumentValidator(log, &validator.ValidatorConfig{
		MaxFileSize:  cfg.Workflow.MaxUploadSize,
		AllowedTypes: validator.DefaultValidatorConfig().AllowedTypes,
		MaxPageCount: cfg.Workflow.MaxPages,
	})
	docs := ingest.NewStore(blobs, ingest.NewFitzRasterizer(cfg.Workflow.DPI), v, cfg.Workflow.Ingest(), log)

	hub := events.NewHub(log.Named("events"))
	engine := workflow.NewEngine(states, docs, transformer, hub, log)
	svc := document.NewService(engine, docs, log, &document.ServiceConfig{
		MaxFileSize:     cfg.Workflow.MaxUploadSize,
		DefaultStepSize: cfg.Workflow.DefaultStepSize,
		DefaultPrompt:   cfg.Workflow.DefaultPrompt,
	})

	return &App{
		Config:  cfg,
		Logger:  log,
		States:  states,
		Blobs:   blobs,
		Docs:    docs,
		Hub:     hub,
		Engine:  engine,
		Service: svc,
	}, nil
}

// Close stops running batches and releases the state store. Interrupted
// runs stay "processing" and are picked up by Recover on the next start.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Engine.Close(ctx), a.States.Close())
}

type unavailable struct{}

func (unavailable) Transform(context.Context, []byte, string) ([]byte, error) {
	return nil, errNoTransformer
}
