package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/page-colorizer/internal/service/document"
	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/queue"
)

// Sweeper removes expired documents.
type Sweeper interface {
	SweepExpired(ctx context.Context, retention time.Duration) (*document.SweepResult, error)
}

// StatusRecorder keeps the final status of finished tasks.
type StatusRecorder interface {
	SaveFinalStatus(ctx context.Context, status *queue.TaskStatus) error
}

// SweepWorker runs document:sweep tasks and, when a schedule is set,
// enqueues them periodically.
type SweepWorker struct {
	BaseWorker
	sweeper   Sweeper
	statuses  StatusRecorder
	scheduler *asynq.Scheduler
	schedOnce sync.Once
	retention time.Duration
}

// SweepConfig configures the retention policy and its schedule.
type SweepConfig struct {
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`
	Schedule  string        `yaml:"schedule" mapstructure:"schedule"`
}

func NewSweepWorker(cfg *Config, qcfg *queue.QueueConfig, sweep SweepConfig, sweeper Sweeper, statuses StatusRecorder, log logger.Logger) (*SweepWorker, error) {
	if sweep.Retention <= 0 {
		return nil, fmt.Errorf("sweep retention must be positive")
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = map[string]int{queue.QueueCritical: 6, queue.QueueDefault: 3, queue.QueueLow: 1}
	}

	log = log.Named("worker")
	redisOpt := qcfg.RedisOpt()
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: max(cfg.Concurrency, 1),
		Queues:      queues,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			return time.Duration(n) * time.Minute
		},
	})

	w := &SweepWorker{
		BaseWorker: BaseWorker{
			server: server,
			mux:    asynq.NewServeMux(),
			logger: log,
		},
		sweeper:   sweeper,
		statuses:  statuses,
		retention: sweep.Retention,
	}

	if sweep.Schedule != "" {
		w.scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
		task, err := queue.NewSweepTask(queue.SweepPayload{
			RetentionSeconds: int64(sweep.Retention / time.Second),
			RequestedBy:      "schedule",
		}, asynq.Queue(queue.QueueLow))
		if err != nil {
			return nil, err
		}
		if _, err := w.scheduler.Register(sweep.Schedule, task); err != nil {
			return nil, fmt.Errorf("failed to register sweep schedule %q: %w", sweep.Schedule, err)
		}
	}

	// 注册任务处理器
	w.mux.HandleFunc(queue.TaskTypeDocumentSweep, w.handleSweep)
	return w, nil
}

func (w *SweepWorker) handleSweep(ctx context.Context, t *asynq.Task) error {
	var payload queue.SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal task",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return fmt.Errorf("failed to unmarshal task: %w: %w", err, asynq.SkipRetry)
	}

	retention := payload.Retention()
	if retention <= 0 {
		retention = w.retention
	}
	taskID, _ := asynq.GetTaskID(ctx)
	started := time.Now().UTC()
	w.logger.Info("Sweep started",
		logger.String("taskId", taskID),
		logger.String("requestedBy", payload.RequestedBy),
		logger.Duration("retention", retention),
	)

	result, err := w.sweeper.SweepExpired(ctx, retention)
	status := &queue.TaskStatus{
		TaskID:     taskID,
		Status:     "completed",
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Status = "failed"
		status.Error = err.Error()
	} else {
		status.Result = result
		// 写入任务结果
		if raw, merr := json.Marshal(result); merr == nil && t.ResultWriter() != nil {
			if _, werr := t.ResultWriter().Write(raw); werr != nil {
				w.logger.Warn("Failed to write task result", logger.Error(werr))
			}
		}
	}

	if taskID != "" && w.statuses != nil {
		if serr := w.statuses.SaveFinalStatus(ctx, status); serr != nil {
			w.logger.Error("Failed to save task status", logger.Error(serr))
		}
	}
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	return nil
}

func (w *SweepWorker) Start(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			w.server.Shutdown()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

func (w *SweepWorker) Stop() error {
	if w.scheduler != nil {
		w.schedOnce.Do(w.scheduler.Shutdown)
	}
	return w.BaseWorker.Stop()
}
