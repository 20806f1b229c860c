package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/pkg/queue"
	"github.com/LifelineOCR/medscribe-backend/pkg/store"
)

const reconcileBatch = 500

// ReconcilerConfig wires the reconciler.
type ReconcilerConfig struct {
	Store      store.Store
	Queue      queue.Queue
	Dispatcher *Dispatcher
	// StaleAfter is how long a document may sit in PENDING before it is re-enqueued.
	StaleAfter time.Duration
	// ProcessingTimeout bounds one transcription call.
	ProcessingTimeout time.Duration
	Logger            *slog.Logger
}

// Reconciler repairs documents whose dispatch was lost or interrupted. The
// documents table is the job record, so re-enqueueing a PENDING row is
// always safe.
type Reconciler struct {
	store             store.Store
	queue             queue.Queue
	dispatcher        *Dispatcher
	staleAfter        time.Duration
	processingTimeout time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Requeued  int
	Repaired  int
	Abandoned int
}

// NewReconciler builds a reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:             cfg.Store,
		queue:             cfg.Queue,
		dispatcher:        cfg.Dispatcher,
		staleAfter:        cfg.StaleAfter,
		processingTimeout: cfg.ProcessingTimeout,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Resume re-enqueues every PENDING document. Run once at startup.
func (r *Reconciler) Resume(ctx context.Context) (int, error) {
	docs, err := r.store.ListDocumentsByStatus(domain.StatusPending, time.Time{}, reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending documents: %w", err)
	}
	n, err := r.requeue(ctx, docs)
	if n > 0 {
		r.logger.Info("resumed pending documents", "count", n)
	}
	return n, err
}

// Sweep re-enqueues stale PENDING documents, re-derives the status of
// PROCESSING documents whose transcription already finished and fails those
// that outlived the transcription timeout.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.now()

	pending, err := r.store.ListDocumentsByStatus(domain.StatusPending, now.Add(-r.staleAfter), reconcileBatch)
	if err != nil {
		return res, fmt.Errorf("list pending documents: %w", err)
	}
	if res.Requeued, err = r.requeue(ctx, pending); err != nil {
		return res, err
	}

	processing, err := r.store.ListDocumentsByStatus(domain.StatusProcessing, now.Add(-r.staleAfter), reconcileBatch)
	if err != nil {
		return res, fmt.Errorf("list processing documents: %w", err)
	}
	deadline := now.Add(-(r.processingTimeout + r.staleAfter))
	for _, doc := range processing {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		t, ok, err := r.store.GetTranscription(doc.ID, doc.OwnerID)
		if err != nil {
			return res, fmt.Errorf("fetch transcription: %w", err)
		}
		if ok && t.Status.Terminal() {
			if err := r.store.SetDocumentStatus(doc.ID, t.Status, t.ErrorMessage); err != nil && !errors.Is(err, store.ErrDocumentGone) {
				return res, fmt.Errorf("repair document status: %w", err)
			}
			r.logger.Info("document status repaired", "document_id", doc.ID, "stage", t.Status)
			res.Repaired++
			continue
		}
		if doc.UpdatedAt.Before(deadline) {
			if err := r.dispatcher.Abandon(ctx, doc.ID, "processing timed out"); err != nil && !errors.Is(err, store.ErrDocumentGone) {
				return res, fmt.Errorf("abandon document: %w", err)
			}
			res.Abandoned++
		}
	}
	if res != (SweepResult{}) {
		r.logger.Info("reconcile sweep finished", "requeued", res.Requeued, "repaired", res.Repaired, "abandoned", res.Abandoned)
	}
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reconcile sweep failed", "err", err)
			}
		}
	}
}

func (r *Reconciler) requeue(ctx context.Context, docs []domain.Document) (int, error) {
	n := 0
	for _, doc := range docs {
		job, err := queue.NewJob(doc.ID, doc.OwnerID)
		if err != nil {
			return n, err
		}
		if err := r.queue.Enqueue(ctx, job); err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				// the next sweep picks up the rest
				r.logger.Warn("dispatch queue full, deferring requeue", "remaining", len(docs)-n)
				return n, nil
			}
			return n, fmt.Errorf("enqueue document %s: %w", doc.ID, err)
		}
		n++
	}
	return n, nil
}
