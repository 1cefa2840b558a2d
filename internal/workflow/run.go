package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/feichai0017/page-colorizer/internal/events"
	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

// execute is the body of a run goroutine.
func (e *Engine) execute(r *run) {
	defer e.wg.Done()
	defer close(r.done)
	defer e.detach(r)
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Run panicked",
				logger.String("documentId", r.documentID),
				logger.Any("panic", p),
				logger.String("stack", string(debug.Stack())),
			)
			e.fail(r, fmt.Errorf("internal error: %v", p))
		}
	}()

	if err := e.processDocument(r); err != nil {
		e.fail(r, err)
	}
}

// processDocument iterates batches from the persisted cursor. It returns nil
// when the run ended on its own terms (checkpoint, completion or stop).
func (e *Engine) processDocument(r *run) error {
	id := r.documentID
	work := context.WithoutCancel(r.ctx)
	log := e.logger.With(logger.String("documentId", id))

	st, err := e.store.Get(work, id)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	for n := st.CurrentBatch; n <= st.TotalBatches; n++ {
		if r.stopping() {
			log.Info("Run stopped before batch", logger.Int("batch", n))
			return nil
		}

		b := st.Batch(n)
		if b == nil {
			return fmt.Errorf("batch %d is missing from state", n)
		}
		if b.Status == models.BatchCompleted {
			if st.CurrentBatch == n {
				st, err = e.store.Update(work, id, func(s *models.ProcessingState) error {
					s.AdvanceBatch()
					return nil
				})
				if err != nil {
					return fmt.Errorf("failed to advance past batch %d: %w", n, err)
				}
			}
			continue
		}

		st, err = e.store.Update(work, id, func(s *models.ProcessingState) error {
			return s.BeginBatch(n, s.CurrentPrompt)
		})
		if err != nil {
			return fmt.Errorf("failed to begin batch %d: %w", n, err)
		}
		prompt := *st.Batch(n).PromptUsed
		log.Info("Batch started",
			logger.Int("batch", n),
			logger.Int("startPage", b.StartPage),
			logger.Int("endPage", b.EndPage),
		)

		st, err = e.processBatch(r, st, n, prompt)
		if err != nil {
			return err
		}
		if r.stopping() {
			log.Info("Run stopped during batch", logger.Int("batch", n))
			return nil
		}

		exit, err := e.finishBatch(r, n)
		if err != nil || exit {
			return err
		}

		if st, err = e.store.Get(work, id); err != nil {
			return fmt.Errorf("failed to reload state: %w", err)
		}
	}

	return e.complete(r)
}

// processBatch runs the page loop for batch n. Page level failures become
// error events; only a failure to record a finished page is returned.
func (e *Engine) processBatch(r *run, st *models.ProcessingState, n int, prompt string) (*models.ProcessingState, error) {
	id := r.documentID
	work := context.WithoutCancel(r.ctx)
	b := *st.Batch(n)

	for page := b.StartPage; page <= b.EndPage; page++ {
		if r.stopping() {
			return st, nil
		}
		if st.IsPageComplete(page) {
			continue
		}

		src, err := e.pages.SourceImage(work, id, page)
		if err != nil {
			msg := fmt.Sprintf("Page %d image not found", page)
			if !errors.Is(err, models.ErrPageNotFound) {
				msg = fmt.Sprintf("Page %d image could not be read: %v", page, err)
			}
			e.pageFailed(id, n, page, msg, err)
			continue
		}

		e.sink.Emit(id, events.NewProgress(id, page, st.TotalPages, n))

		out, err := e.transformer.Transform(work, src, prompt)
		if err != nil {
			e.pageFailed(id, n, page, err.Error(), err)
			continue
		}

		path, err := e.pages.SaveOutput(work, id, page, out)
		if err != nil {
			e.pageFailed(id, n, page, fmt.Sprintf("Page %d output could not be saved: %v", page, err), err)
			continue
		}

		st, err = e.store.Update(work, id, func(s *models.ProcessingState) error {
			return s.MarkPageComplete(page)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record page %d: %w", page, err)
		}

		e.sink.Emit(id, events.NewPageComplete(id, page, path))
		e.logger.Debug("Page completed",
			logger.String("documentId", id),
			logger.Int("batch", n),
			logger.Int("page", page),
		)
	}
	return st, nil
}

func (e *Engine) pageFailed(documentID string, batch, page int, message string, err error) {
	e.logger.Warn("Page skipped",
		logger.String("documentId", documentID),
		logger.Int("batch", batch),
		logger.Int("page", page),
		logger.Error(err),
	)
	e.sink.Emit(documentID, events.NewPageError(documentID, page, message))
}

// finishBatch closes batch n and decides whether the run goes on. It holds
// the document lock so control operations see either the run or its outcome.
func (e *Engine) finishBatch(r *run, n int) (bool, error) {
	id := r.documentID
	work := context.WithoutCancel(r.ctx)

	unlock := e.locks.Lock(id)
	defer unlock()
	if r.stopping() {
		return true, nil
	}

	st, err := e.store.Update(work, id, func(s *models.ProcessingState) error {
		return s.CompleteBatch(n)
	})
	if err != nil {
		return true, fmt.Errorf("failed to complete batch %d: %w", n, err)
	}
	e.sink.Emit(id, events.NewBatchComplete(id, *st.Batch(n)))
	e.logger.Info("Batch completed",
		logger.String("documentId", id),
		logger.Int("batch", n),
		logger.Int("completedPages", len(st.Batch(n).CompletedPages)),
	)

	if n >= st.TotalBatches {
		return true, e.markCompleted(r)
	}

	pauseRequested := r.pause.Load()
	autoRun := e.autoRunEnabled(id)
	checkpoint := !autoRun || pauseRequested

	if _, err := e.store.Update(work, id, func(s *models.ProcessingState) error {
		s.AdvanceBatch()
		if checkpoint {
			s.SetStatus(models.StatusPaused, "")
		}
		return nil
	}); err != nil {
		return true, fmt.Errorf("failed to advance past batch %d: %w", n, err)
	}

	if !checkpoint {
		return false, nil
	}
	if pauseRequested {
		e.setAutoRun(id, false)
	}
	e.sink.Emit(id, events.NewStatus(id, models.StatusPaused,
		fmt.Sprintf("Batch %d completed. Please review and continue.", n)))
	e.detach(r)
	e.logger.Info("Paused at checkpoint",
		logger.String("documentId", id),
		logger.Int("batch", n),
		logger.Bool("pauseRequested", pauseRequested),
	)
	return true, nil
}

// complete handles a batch loop that ran out of batches without finishBatch
// reaching the last one, e.g. when every remaining batch was already done.
func (e *Engine) complete(r *run) error {
	unlock := e.locks.Lock(r.documentID)
	defer unlock()
	if r.stopping() {
		return nil
	}
	return e.markCompleted(r)
}

// markCompleted needs the document lock held.
func (e *Engine) markCompleted(r *run) error {
	id := r.documentID
	if _, err := e.store.Update(context.WithoutCancel(r.ctx), id, func(s *models.ProcessingState) error {
		s.SetStatus(models.StatusCompleted, "")
		return nil
	}); err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}
	e.setAutoRun(id, false)
	e.sink.Emit(id, events.NewStatus(id, models.StatusCompleted, msgCompleted))
	e.detach(r)
	e.logger.Info("Processing completed", logger.String("documentId", id))
	return nil
}

// fail records an engine fault. A stopped run is never turned into an error.
func (e *Engine) fail(r *run, cause error) {
	id := r.documentID
	unlock := e.locks.Lock(id)
	defer unlock()

	if r.stopping() {
		e.logger.Info("Run ended after stop",
			logger.String("documentId", id),
			logger.Error(cause),
		)
		return
	}

	e.logger.Error("Processing failed",
		logger.String("documentId", id),
		logger.Error(cause),
	)
	if _, err := e.store.Update(context.WithoutCancel(r.ctx), id, func(s *models.ProcessingState) error {
		s.SetStatus(models.StatusError, cause.Error())
		return nil
	}); err != nil {
		e.logger.Error("Failed to persist error status",
			logger.String("documentId", id),
			logger.Error(err),
		)
	}
	e.setAutoRun(id, false)
	e.sink.Emit(id, events.NewRunError(id, cause.Error()))
	e.detach(r)
}
