package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/feichai0017/page-colorizer/api/handlers"
	"github.com/feichai0017/page-colorizer/api/routes"
	"github.com/feichai0017/page-colorizer/config"
	"github.com/feichai0017/page-colorizer/internal/app"
	"github.com/feichai0017/page-colorizer/pkg/logger"
	"github.com/feichai0017/page-colorizer/pkg/queue"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "colorizer-server",
	Short: "Batch page colorization API server",
	Long: `Serves the HTTP control API and the WebSocket event stream, and runs
colorization batches for uploaded PDF documents.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		return err
	}

	// init logger
	log, err := app.NewLogger(cfg, "server")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := app.New(ctx, cfg, log, app.Options{Transformer: true})
	if err != nil {
		log.Error("Failed to initialise components", logger.Error(err))
		return err
	}

	// 恢复中断的任务
	recovered, err := a.Engine.Recover(ctx)
	if err != nil {
		log.Error("Failed to recover interrupted runs", logger.Error(err))
	} else if recovered > 0 {
		log.Info("Recovered interrupted runs", logger.Int("count", recovered))
	}

	// 清理队列可选；没有 Redis 时维护接口返回 503
	var sweeps queue.Queue
	if cfg.Queue.RedisAddr != "" {
		q, err := queue.NewAsynqQueue(&cfg.Queue)
		if err != nil {
			log.Warn("Maintenance queue disabled", logger.Error(err))
		} else {
			sweeps = q
			defer func() { _ = q.Close() }()
		}
	}

	gin.SetMode(cfg.Server.Mode)
	h := handlers.NewHandlers(a.Service, a.Hub, sweeps, handlers.Config{
		Stream:    cfg.Server.Stream,
		Retention: cfg.Maintenance.Retention,
	}, log)
	r := gin.New()
	routes.SetupRoutes(r, h, log, cfg.Server.AllowedOrigins...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// wait for a signal or a listener failure
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("Server error", logger.Error(err))
			_ = a.Close(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error("Failed to stop engine cleanly", logger.Error(err))
	}
	return nil
}
