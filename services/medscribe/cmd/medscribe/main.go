package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/pkg/ocr"
	"github.com/LifelineOCR/medscribe-backend/pkg/queue"
	"github.com/LifelineOCR/medscribe-backend/pkg/storage"
	"github.com/LifelineOCR/medscribe-backend/pkg/store"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/app"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/config"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/server"
)

const shutdownTimeout = 30 * time.Second

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "medscribe",
		Short:         "Medical document transcription backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.ConfigPath, "path to the YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		util.Fatal("command failed", "err", err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and in-process dispatch workers for the local queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run dispatch workers against the redis or amqp queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Sweep stale pending and processing documents once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

// runtime bundles what every subcommand needs.
type runtime struct {
	cfg     config.FileConfig
	logger  *slog.Logger
	redis   *redis.Client
	app     *app.App
	closers []io.Closer
}

func (rt *runtime) Close() {
	if rt.app != nil {
		if err := rt.app.Close(); err != nil {
			rt.logger.Warn("close app", "err", err)
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
}

func setup() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := util.InitLogger(cfg.LogLevel, "medscribe", cfg.LogsDir)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password})
	}

	transcriberTimeout := cfg.Transcriber.Timeout
	a, err := app.New(app.Config{
		DatabaseDriver:  cfg.Database.Driver,
		DatabaseURL:     cfg.Database.URL,
		StorageDriver:   cfg.Storage.Driver,
		StorageBasePath: cfg.Storage.BasePath,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.Storage.MinioEndpoint,
			AccessKey: cfg.Storage.MinioAccessKey,
			SecretKey: cfg.Storage.MinioSecretKey,
			Bucket:    cfg.Storage.MinioBucket,
			UseSSL:    cfg.Storage.MinioUseSSL,
		},
		QueueDriver: cfg.Queue.Driver,
		QueueSize:   cfg.Dispatch.QueueSize,
		RedisQueue: queue.RedisQueueConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Stream:   cfg.Queue.Stream,
			Group:    cfg.Queue.Group,
			// a delivery is only reclaimed once its transcription call must have ended
			ClaimIdle: transcriberTimeout + time.Minute,
		},
		AMQPQueue: queue.AMQPQueueConfig{
			URL:      cfg.Queue.AMQPURL,
			Queue:    cfg.Queue.QueueName,
			Prefetch: cfg.Dispatch.Workers,
		},
		Redis:      rt.redis,
		JWTSecret:  cfg.Auth.JWTSecret,
		SessionTTL: cfg.Auth.SessionTTL,
		JWT: store.JWTOptions{
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway,
		},
		TranscriberConfig: ocr.Config{
			URL:     cfg.Transcriber.URL,
			APIKey:  cfg.Transcriber.APIKey,
			Timeout: transcriberTimeout,
		},
		MaxUploadBytes: cfg.Upload.MaxBytes,
		AllowedTypes:   cfg.Upload.AllowedTypes,
		Workers:        cfg.Dispatch.Workers,
		StaleAfter:     cfg.Dispatch.StaleAfter,
		Logger:         logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("init app: %w", err)
	}
	rt.app = a
	return rt, nil
}

func runServe() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	httpServer, err := server.New(server.Config{
		App:                      rt.app,
		Redis:                    rt.redis,
		LoginRateLimitPerMinute:  cfg.Auth.LoginRateLimitPerMinute,
		SignupRateLimitPerMinute: cfg.Auth.SignupRateLimitPerMinute,
		MaxUploadBytes:           cfg.Upload.MaxBytes,
		CORSOrigins:              cfg.CORSOrigins,
		TrustedProxies:           trusted,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if strings.EqualFold(cfg.Queue.Driver, "local") || cfg.Queue.Driver == "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.app.RunWorkers(ctx); err != nil {
				rt.logger.Error("dispatch workers stopped", "err", err)
			}
		}()
	}
	if _, err := rt.app.Reconciler().Resume(ctx); err != nil {
		rt.logger.Error("resume pending documents failed", "err", err)
	}
	if interval := cfg.Dispatch.SweepInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.app.Reconciler().Run(ctx, interval)
		}()
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("medscribe server listening", "addr", addr, "queue", cfg.Queue.Driver, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("server shutdown failed", "err", err)
	}
	// in-flight dispatches run to completion
	wg.Wait()
	rt.logger.Info("server stopped")
	return nil
}

func runWorker() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()
	driver := strings.ToLower(rt.cfg.Queue.Driver)
	if driver != "redis" && driver != "amqp" {
		return fmt.Errorf("worker needs the redis or amqp queue driver, got %q", rt.cfg.Queue.Driver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if _, err := rt.app.Reconciler().Resume(ctx); err != nil {
		rt.logger.Error("resume pending documents failed", "err", err)
	}
	if err := rt.app.RunWorkers(ctx); err != nil {
		return err
	}
	rt.logger.Info("worker stopped")
	return nil
}

func runReconcile() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()
	if strings.EqualFold(rt.cfg.Queue.Driver, "local") || rt.cfg.Queue.Driver == "" {
		rt.logger.Warn("local queue jobs do not outlive this process; requeued documents wait for the next serve start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, err := rt.app.Reconciler().Sweep(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	rt.logger.Info("reconcile finished", "requeued", res.Requeued, "repaired", res.Repaired, "abandoned", res.Abandoned)
	return nil
}

func runMigrate() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := util.InitLogger(cfg.LogLevel, "medscribe", cfg.LogsDir)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	if strings.EqualFold(cfg.Database.Driver, "memory") {
		return errors.New("migrate needs the postgres database driver")
	}
	st, err := store.NewGormStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer st.Close()
	logger.Info("database migrated")
	return nil
}
