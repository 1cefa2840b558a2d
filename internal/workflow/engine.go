package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/feichai0017/page-colorizer/internal/events"
	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/internal/state"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// PageSource resolves page images and stores transformed outputs.
type PageSource interface {
	// SourceImage returns the original page image, or an error wrapping
	// models.ErrPageNotFound when it does not exist.
	SourceImage(ctx context.Context, documentID string, page int) ([]byte, error)
	// SaveOutput stores a transformed page and returns where it was written.
	SaveOutput(ctx context.Context, documentID string, page int, image []byte) (string, error)
	DeleteOutputs(ctx context.Context, documentID string, pages []int) error
}

// Transformer performs one image transformation, retrying internally.
type Transformer interface {
	Transform(ctx context.Context, image []byte, prompt string) ([]byte, error)
}

// StartOptions initializes a fresh processing state.
type StartOptions struct {
	Filename   string
	TotalPages int
	StepSize   int
	Prompt     string
}

const (
	msgStarted     = "Processing started"
	msgContinued   = "Processing continued"
	msgStopped     = "Processing stopped"
	msgAutoRun     = "Processing will continue without pauses"
	msgCompleted   = "All pages processed"
	msgInterrupted = "Processing was interrupted. Continue to resume."
)

// run is the handle of one background unit of work.
type run struct {
	documentID string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	pause      atomic.Bool
}

func (r *run) stopping() bool {
	return r.ctx.Err() != nil
}

// Engine owns the per-document processing state machine.
type Engine struct {
	store       state.Store
	pages       PageSource
	transformer Transformer
	sink        events.Sink
	logger      logger.Logger

	locks *keyedMutex

	mu      sync.Mutex
	runs    map[string]*run
	autoRun map[string]bool

	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

func NewEngine(store state.Store, pages PageSource, transformer Transformer, sink events.Sink, log logger.Logger) *Engine {
	base, shutdown := context.WithCancel(context.Background())
	return &Engine{
		store:       store,
		pages:       pages,
		transformer: transformer,
		sink:        sink,
		logger:      log.Named("workflow"),
		locks:       newKeyedMutex(),
		runs:        make(map[string]*run),
		autoRun:     make(map[string]bool),
		base:        base,
		shutdown:    shutdown,
	}
}

// Start creates a fresh state for the document and launches a run. A state
// may only be re-initialized while it is idle.
func (e *Engine) Start(ctx context.Context, documentID string, opts StartOptions) (*models.ProcessingState, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	fresh, err := models.NewProcessingState(documentID, opts.Filename, opts.TotalPages, opts.StepSize, opts.Prompt)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(documentID)
	defer unlock()

	if e.runFor(documentID) != nil {
		return nil, ErrAlreadyRunning
	}

	existing, err := e.store.Get(ctx, documentID)
	switch {
	case errors.Is(err, state.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load state: %w", err)
	case existing.Status != models.StatusIdle:
		return nil, fmt.Errorf("%w: cannot start while %s", ErrInvalidState, existing.Status)
	}

	fresh.SetStatus(models.StatusProcessing, "")
	if err := e.store.Put(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}

	e.setAutoRun(documentID, false)
	e.sink.Emit(documentID, events.NewStatus(documentID, models.StatusProcessing, msgStarted))
	e.launch(documentID)

	e.logger.Info("Processing started",
		logger.String("documentId", documentID),
		logger.Int("totalPages", fresh.TotalPages),
		logger.Int("stepSize", fresh.StepSize),
		logger.Int("totalBatches", fresh.TotalBatches),
	)
	return fresh.Clone(), nil
}

// Pause asks the active run to stop at the next batch boundary.
func (e *Engine) Pause(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	r := e.runFor(documentID)
	if r == nil || r.stopping() {
		if _, err := e.load(ctx, documentID); err != nil {
			return nil, err
		}
		return nil, ErrNotRunning
	}
	r.pause.Store(true)

	e.logger.Info("Pause requested", logger.String("documentId", documentID))
	return e.load(ctx, documentID)
}

// Continue resumes a paused document at its current batch.
func (e *Engine) Continue(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if _, err := e.requirePaused(ctx, documentID); err != nil {
		return nil, err
	}
	return e.resume(ctx, documentID, msgContinued)
}

// Stop cancels any run and returns the document to idle. Work already
// persisted stays.
func (e *Engine) Stop(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if r := e.runFor(documentID); r != nil {
		r.cancel()
	}
	e.setAutoRun(documentID, false)

	st, err := e.store.Update(ctx, documentID, func(s *models.ProcessingState) error {
		s.SetStatus(models.StatusIdle, "")
		return nil
	})
	if err != nil {
		return nil, e.wrapStoreErr("failed to stop processing", err)
	}

	e.sink.Emit(documentID, events.NewStatus(documentID, models.StatusIdle, msgStopped))
	e.logger.Info("Processing stopped", logger.String("documentId", documentID))
	return st, nil
}

// RetryCurrentBatch discards the outputs of the current batch and runs it again.
func (e *Engine) RetryCurrentBatch(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	st, err := e.requirePaused(ctx, documentID)
	if err != nil {
		return nil, err
	}
	n := st.CurrentBatch
	b := st.Batch(n)
	if b == nil {
		return nil, fmt.Errorf("%w: no batch %d to retry", ErrInvalidState, n)
	}

	// the reset is persisted first so a failed write never leaves pages
	// marked complete without their outputs
	if _, err := e.store.Update(ctx, documentID, func(s *models.ProcessingState) error {
		return s.ResetBatch(n)
	}); err != nil {
		return nil, e.wrapStoreErr("failed to reset batch", err)
	}

	pages := make([]int, 0, b.EndPage-b.StartPage+1)
	for p := b.StartPage; p <= b.EndPage; p++ {
		pages = append(pages, p)
	}
	if err := e.pages.DeleteOutputs(ctx, documentID, pages); err != nil {
		// stale outputs are overwritten when the pages are processed again
		e.logger.Warn("Failed to delete outputs of retried batch",
			logger.String("documentId", documentID),
			logger.Int("batch", n),
			logger.Error(err),
		)
	}

	e.logger.Info("Retrying batch",
		logger.String("documentId", documentID),
		logger.Int("batch", n),
	)
	return e.resume(ctx, documentID, fmt.Sprintf("Retrying batch %d", n))
}

// TrustAndRun disables the post-batch checkpoint. A paused document is
// resumed; an active run simply stops pausing.
func (e *Engine) TrustAndRun(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if r := e.runFor(documentID); r != nil {
		if r.stopping() {
			return nil, ErrAlreadyRunning
		}
		e.setAutoRun(documentID, true)
		e.logger.Info("Auto-run enabled for active run", logger.String("documentId", documentID))
		return e.load(ctx, documentID)
	}

	if _, err := e.requirePaused(ctx, documentID); err != nil {
		return nil, err
	}
	e.setAutoRun(documentID, true)
	return e.resume(ctx, documentID, msgAutoRun)
}

// UpdatePrompt replaces the prompt used by batches that start afterwards.
func (e *Engine) UpdatePrompt(ctx context.Context, documentID, prompt string) (*models.ProcessingState, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	st, err := e.store.Update(ctx, documentID, func(s *models.ProcessingState) error {
		s.SetPrompt(prompt)
		return nil
	})
	if err != nil {
		return nil, e.wrapStoreErr("failed to update prompt", err)
	}
	e.logger.Info("Prompt updated", logger.String("documentId", documentID))
	return st, nil
}

// Status returns the persisted state.
func (e *Engine) Status(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	return e.load(ctx, documentID)
}

// List returns summaries of every known document, most recently updated first.
func (e *Engine) List(ctx context.Context) ([]models.Summary, error) {
	states, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	out := make([]models.Summary, 0, len(states))
	for _, s := range states {
		out = append(out, s.Summary())
	}
	return out, nil
}

// Active reports whether a run exists for the document.
func (e *Engine) Active(documentID string) bool {
	return e.runFor(documentID) != nil
}

// Delete cancels any run, waits for it to exit and removes the state.
// Deleting an unknown document is not an error.
func (e *Engine) Delete(ctx context.Context, documentID string) error {
	unlock := e.locks.Lock(documentID)
	r := e.runFor(documentID)
	if r != nil {
		r.cancel()
	}
	unlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("failed to wait for run to exit: %w", ctx.Err())
		}
	}

	unlock = e.locks.Lock(documentID)
	defer unlock()

	if e.runFor(documentID) != nil {
		return ErrAlreadyRunning
	}
	e.setAutoRun(documentID, false)
	if err := e.store.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	e.logger.Info("State deleted", logger.String("documentId", documentID))
	return nil
}

// DeleteExpired removes an idle document whose state was last updated before
// cutoff. Unlike Delete it never cancels a run: a document that is running,
// processing or touched after cutoff is left alone and false is returned.
// A document without state counts as expired. removeBlobs runs under the
// document lock, so no run can start until the stored images are gone.
func (e *Engine) DeleteExpired(ctx context.Context, documentID string, cutoff time.Time, removeBlobs func(context.Context) error) (bool, error) {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if e.runFor(documentID) != nil {
		return false, nil
	}
	st, err := e.store.Get(ctx, documentID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		st = nil
	case err != nil:
		return false, fmt.Errorf("failed to load state: %w", err)
	case st.Status == models.StatusProcessing || !st.UpdatedAt.Before(cutoff):
		return false, nil
	}

	if st != nil {
		e.setAutoRun(documentID, false)
		if err := e.store.Delete(ctx, documentID); err != nil {
			return false, fmt.Errorf("failed to delete state: %w", err)
		}
	}
	if removeBlobs != nil {
		if err := removeBlobs(ctx); err != nil {
			return false, err
		}
	}
	e.logger.Info("Expired document deleted", logger.String("documentId", documentID))
	return true, nil
}

// Recover moves states left in processing by a previous process to paused.
// Nothing is resumed automatically.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	states, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list states: %w", err)
	}

	recovered := 0
	for _, s := range states {
		if s.Status != models.StatusProcessing {
			continue
		}
		if err := e.recoverOne(ctx, s.DocumentID); err != nil {
			e.logger.Error("Failed to recover interrupted document",
				logger.String("documentId", s.DocumentID),
				logger.Error(err),
			)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("Recovered interrupted documents", logger.Int("count", recovered))
	}
	return recovered, nil
}

func (e *Engine) recoverOne(ctx context.Context, documentID string) error {
	unlock := e.locks.Lock(documentID)
	defer unlock()

	if e.runFor(documentID) != nil {
		return nil
	}
	changed := false
	_, err := e.store.Update(ctx, documentID, func(s *models.ProcessingState) error {
		if s.Status == models.StatusProcessing {
			s.SetStatus(models.StatusPaused, "")
			changed = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		e.sink.Emit(documentID, events.NewStatus(documentID, models.StatusPaused, msgInterrupted))
	}
	return nil
}

// Close cancels every run and waits for them to exit. Runs cancelled this
// way keep their processing status and are picked up by Recover.
func (e *Engine) Close(ctx context.Context) error {
	e.shutdown()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for runs to exit: %w", ctx.Err())
	}
}

// resume flips a paused state back to processing and launches a run.
// Callers hold the document lock.
func (e *Engine) resume(ctx context.Context, documentID, message string) (*models.ProcessingState, error) {
	st, err := e.store.Update(ctx, documentID, func(s *models.ProcessingState) error {
		s.SetStatus(models.StatusProcessing, "")
		return nil
	})
	if err != nil {
		return nil, e.wrapStoreErr("failed to resume processing", err)
	}

	e.sink.Emit(documentID, events.NewStatus(documentID, models.StatusProcessing, message))
	e.launch(documentID)

	e.logger.Info("Processing resumed",
		logger.String("documentId", documentID),
		logger.Int("batch", st.CurrentBatch),
		logger.Bool("autoRun", e.autoRunEnabled(documentID)),
	)
	return st, nil
}

func (e *Engine) requirePaused(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	if e.runFor(documentID) != nil {
		return nil, ErrAlreadyRunning
	}
	st, err := e.load(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StatusPaused {
		return nil, fmt.Errorf("%w: document is %s, not paused", ErrInvalidState, st.Status)
	}
	return st, nil
}

func (e *Engine) load(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	st, err := e.store.Get(ctx, documentID)
	if err != nil {
		return nil, e.wrapStoreErr("failed to load state", err)
	}
	return st, nil
}

func (e *Engine) wrapStoreErr(message string, err error) error {
	if errors.Is(err, state.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", message, err)
}

func (e *Engine) runFor(documentID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[documentID]
}

func (e *Engine) setAutoRun(documentID string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.autoRun[documentID] = true
		return
	}
	delete(e.autoRun, documentID)
}

func (e *Engine) autoRunEnabled(documentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.autoRun[documentID]
}

// launch registers a run and starts its goroutine. Callers hold the document lock.
func (e *Engine) launch(documentID string) {
	ctx, cancel := context.WithCancel(e.base)
	r := &run{
		documentID: documentID,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	e.runs[documentID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(r)
}

// detach removes r from the run table if it is still the registered run.
func (e *Engine) detach(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[r.documentID] == r {
		delete(e.runs, r.documentID)
	}
}
