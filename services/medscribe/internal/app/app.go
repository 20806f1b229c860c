package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LifelineOCR/medscribe-backend/pkg/ocr"
	"github.com/LifelineOCR/medscribe-backend/pkg/queue"
	"github.com/LifelineOCR/medscribe-backend/pkg/storage"
	"github.com/LifelineOCR/medscribe-backend/pkg/store"
)

// Transcriber sends one document to the external OCR/LLM service.
type Transcriber interface {
	Transcribe(ctx context.Context, file io.Reader, fileName, contentType string) (ocr.Result, error)
}

// Config holds runtime configuration for the core application. Collaborators
// left nil are built from the driver settings.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string

	StorageDriver   string
	StorageBasePath string
	Minio           storage.MinioConfig

	QueueDriver string
	QueueSize   int
	RedisQueue  queue.RedisQueueConfig
	AMQPQueue   queue.AMQPQueueConfig

	// Redis backs token revocation when set.
	Redis *redis.Client

	JWTSecret  string
	SessionTTL time.Duration
	JWT        store.JWTOptions

	TranscriberConfig ocr.Config

	MaxUploadBytes int64
	AllowedTypes   []string
	Workers        int
	StaleAfter     time.Duration

	Logger      *slog.Logger
	Store       store.Store
	Blobs       storage.BlobStore
	Queue       queue.Queue
	Sessions    store.SessionStore
	Transcriber Transcriber
}

// App is the core application service wiring together storage, dispatch and auth logic.
type App struct {
	store          store.Store
	blobs          storage.BlobStore
	queue          queue.Queue
	sessions       store.SessionStore
	dispatcher     *Dispatcher
	reconciler     *Reconciler
	logger         *slog.Logger
	maxUploadBytes int64
	allowedTypes   map[string]string
	workers        int
	closers        []io.Closer
}

// New constructs the application and any collaborator missing from cfg.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 4 * time.Hour
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 5 << 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}

	a := &App{
		logger:         logger,
		maxUploadBytes: cfg.MaxUploadBytes,
		allowedTypes:   normalizeTypes(cfg.AllowedTypes),
		workers:        cfg.Workers,
	}
	var err error
	if a.store, err = a.initStore(cfg); err != nil {
		return nil, err
	}
	if a.blobs, err = initBlobs(cfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.sessions, err = initSessions(cfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.queue, err = a.initQueue(cfg); err != nil {
		a.Close()
		return nil, err
	}

	transcriber := cfg.Transcriber
	timeout := cfg.TranscriberConfig.Timeout
	if transcriber == nil {
		client := ocr.NewClient(cfg.TranscriberConfig)
		timeout = client.Timeout()
		transcriber = client
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	a.dispatcher = NewDispatcher(a.store, a.blobs, transcriber, logger)
	a.reconciler = NewReconciler(ReconcilerConfig{
		Store:             a.store,
		Queue:             a.queue,
		Dispatcher:        a.dispatcher,
		StaleAfter:        cfg.StaleAfter,
		ProcessingTimeout: timeout,
		Logger:            logger,
	})
	return a, nil
}

func (a *App) initStore(cfg Config) (store.Store, error) {
	if cfg.Store != nil {
		return cfg.Store, nil
	}
	if strings.EqualFold(cfg.DatabaseDriver, "memory") {
		return store.NewMemoryStore(), nil
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL required")
	}
	gormStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	a.closers = append(a.closers, gormStore)
	return gormStore, nil
}

func initBlobs(cfg Config) (storage.BlobStore, error) {
	if cfg.Blobs != nil {
		return cfg.Blobs, nil
	}
	switch strings.ToLower(cfg.StorageDriver) {
	case "minio":
		blobs, err := storage.NewMinioStore(cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("init minio store: %w", err)
		}
		return blobs, nil
	case "", "filesystem":
		basePath := cfg.StorageBasePath
		if basePath == "" {
			basePath = "uploads"
		}
		blobs, err := storage.NewFileStore(basePath)
		if err != nil {
			return nil, fmt.Errorf("init file store: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func initSessions(cfg Config) (store.SessionStore, error) {
	if cfg.Sessions != nil {
		return cfg.Sessions, nil
	}
	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if cfg.Redis != nil {
		revoker = store.NewRedisTokenRevokerWithClient(cfg.Redis, cfg.SessionTTL)
	}
	sessions, err := store.NewJWTSessionStoreWithOptions(cfg.JWTSecret, cfg.SessionTTL, revoker, cfg.JWT)
	if err != nil {
		return nil, fmt.Errorf("init jwt session store: %w", err)
	}
	return sessions, nil
}

func (a *App) initQueue(cfg Config) (queue.Queue, error) {
	if cfg.Queue != nil {
		return cfg.Queue, nil
	}
	var (
		q   queue.Queue
		err error
	)
	switch strings.ToLower(cfg.QueueDriver) {
	case "", "local":
		q = queue.NewLocalQueue(cfg.QueueSize)
	case "redis":
		q, err = queue.NewRedisJobQueue(cfg.RedisQueue)
	case "amqp":
		q, err = queue.NewAMQPJobQueue(cfg.AMQPQueue)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s queue: %w", cfg.QueueDriver, err)
	}
	a.closers = append(a.closers, q)
	return q, nil
}

// Dispatcher returns the transcription dispatcher.
func (a *App) Dispatcher() *Dispatcher {
	return a.dispatcher
}

// Reconciler returns the stale-document sweeper.
func (a *App) Reconciler() *Reconciler {
	return a.reconciler
}

// RunWorkers consumes dispatch jobs until ctx is done. A job already
// talking to the transcription service finishes even after ctx ends.
func (a *App) RunWorkers(ctx context.Context) error {
	a.logger.Info("dispatch workers started", "workers", a.workers)
	err := a.queue.Consume(ctx, a.workers, func(ctx context.Context, job queue.Job) {
		a.dispatcher.Dispatch(context.WithoutCancel(ctx), job.DocumentID)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume dispatch queue: %w", err)
	}
	return nil
}

// Close releases connections opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// normalizeTypes maps each allowed MIME type to the extension used for storage names.
func normalizeTypes(types []string) map[string]string {
	if len(types) == 0 {
		types = []string{"image/jpeg", "image/png", "application/pdf"}
	}
	out := make(map[string]string, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		out[t] = extensionFor(t)
	}
	return out
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "application/pdf":
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
