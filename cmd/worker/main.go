package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/feichai0017/page-colorizer/config"
	"github.com/feichai0017/page-colorizer/internal/app"
	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/queue"
	"github.com/feichai0017/page-colorizer/pkg/worker"
)

var (
	cfgFile string
	envFile string
	once    bool
)

var rootCmd = &cobra.Command{
	Use:   "colorizer-worker",
	Short: "Maintenance worker for the page colorizer",
	Long: `Consumes document:sweep tasks from the asynq queue and schedules the
periodic retention sweep that deletes expired documents.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.Flags().BoolVar(&once, "once", false, "run a single sweep in-process and exit")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		return err
	}

	// 初始化日志
	log, err := app.NewLogger(cfg, "worker")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := app.New(ctx, cfg, log, app.Options{})
	if err != nil {
		log.Error("Failed to initialise components", logger.Error(err))
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	if once {
		res, err := a.Service.SweepExpired(ctx, cfg.Maintenance.Retention)
		if err != nil {
			log.Error("Sweep failed", logger.Error(err))
			return err
		}
		log.Info("Sweep finished",
			logger.Int("deleted", len(res.Deleted)),
			logger.Time("cutoff", res.Cutoff),
		)
		return nil
	}

	q, err := queue.NewAsynqQueue(&cfg.Queue)
	if err != nil {
		log.Error("Failed to create queue", logger.Error(err))
		return err
	}
	defer func() { _ = q.Close() }()

	// 创建 worker
	w, err := worker.NewSweepWorker(&cfg.Worker, &cfg.Queue, cfg.Maintenance, a.Service, q, log)
	if err != nil {
		log.Error("Failed to create worker", logger.Error(err))
		return err
	}

	if err := w.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		return err
	}
	log.Info("Worker started",
		logger.String("schedule", cfg.Maintenance.Schedule),
		logger.Duration("retention", cfg.Maintenance.Retention),
	)

	<-ctx.Done()
	log.Info("Shutting down worker...")
	return w.Stop()
}
