package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/pkg/ocr"
	"github.com/LifelineOCR/medscribe-backend/pkg/storage"
	"github.com/LifelineOCR/medscribe-backend/pkg/store"
)

// Dispatcher drives one document from PENDING to COMPLETED or FAILED with a
// single call to the transcription service.
type Dispatcher struct {
	store       store.Store
	blobs       storage.BlobStore
	transcriber Transcriber
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(st store.Store, blobs storage.BlobStore, transcriber Transcriber, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       st,
		blobs:       blobs,
		transcriber: transcriber,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch transcribes one document. It never returns an error: every
// outcome is recorded on the document and its transcription. Documents that
// already left PENDING are skipped, so redelivered jobs are harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, documentID string) {
	logger := d.logger.With("document_id", documentID)
	doc, claimed, err := d.store.ClaimDocument(documentID)
	if err != nil {
		logger.Error("claim document failed", "err", err)
		return
	}
	if !claimed {
		logger.Info("dispatch skipped", "reason", "document missing or already dispatched")
		return
	}
	logger = logger.With("owner_id", doc.OwnerID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch panicked", "panic", r)
			d.record(logger, doc, d.failedPatch("internal error during transcription", 0))
		}
	}()

	if !d.record(logger, doc, domain.TranscriptionPatch{Status: domain.StatusProcessing}) {
		return
	}

	start := time.Now()
	rc, _, err := d.blobs.Open(ctx, doc.FilePath)
	if err != nil {
		msg := "document file could not be read"
		if errors.Is(err, storage.ErrBlobNotFound) {
			logger.Warn("integrity_warning", "reason", "blob missing for existing document", "storage_file_name", doc.StorageFileName)
			msg = ErrBlobMissing.Error()
		} else {
			logger.Error("open document file failed", "err", err)
		}
		d.record(logger, doc, d.failedPatch(msg, 0))
		return
	}
	defer rc.Close()

	res, err := d.transcriber.Transcribe(ctx, rc, doc.OriginalFileName, doc.FileType)
	elapsed := time.Since(start)
	if err != nil {
		kind := "unknown"
		var upErr *ocr.UpstreamError
		if errors.As(err, &upErr) {
			kind = string(upErr.Kind)
		}
		logger.Warn("transcription failed",
			"stage", domain.StatusFailed,
			"kind", kind,
			"duration_ms", elapsed.Milliseconds(),
			"err", err,
		)
		d.record(logger, doc, d.failedPatch(fmt.Sprintf("Transcription failed: %v", err), elapsed))
		return
	}

	if res.Duration > 0 {
		elapsed = res.Duration
	}
	ms := elapsed.Milliseconds()
	completedAt := d.now()
	ok := d.record(logger, doc, domain.TranscriptionPatch{
		Status:           domain.StatusCompleted,
		TranscribedText:  res.TranscribedText,
		StructuredData:   res.StructuredData,
		ConfidenceScore:  res.ConfidenceScore,
		ProcessingTimeMs: &ms,
		CompletedAt:      &completedAt,
	})
	if ok {
		logger.Info("transcription completed", "stage", domain.StatusCompleted, "duration_ms", ms)
	}
}

// Abandon marks a document FAILED without calling the transcription service.
// Terminal documents are left untouched.
func (d *Dispatcher) Abandon(_ context.Context, documentID, reason string) error {
	doc, ok, err := d.store.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("fetch document: %w", err)
	}
	if !ok {
		return store.ErrDocumentGone
	}
	if doc.ProcessingStatus.Terminal() {
		return nil
	}
	if doc.ProcessingStatus == domain.StatusPending {
		// claim first so a late delivery of the job cannot start a run
		claimed, won, err := d.store.ClaimDocument(documentID)
		if err != nil {
			return fmt.Errorf("claim document: %w", err)
		}
		if !won {
			return nil
		}
		doc = claimed
	}
	logger := d.logger.With("document_id", documentID, "owner_id", doc.OwnerID)
	logger.Warn("document abandoned", "stage", domain.StatusFailed, "reason", reason)
	if !d.record(logger, doc, d.failedPatch(reason, 0)) {
		return fmt.Errorf("record failed stage for %s", documentID)
	}
	return nil
}

func (d *Dispatcher) failedPatch(msg string, elapsed time.Duration) domain.TranscriptionPatch {
	completedAt := d.now()
	patch := domain.TranscriptionPatch{
		Status:       domain.StatusFailed,
		ErrorMessage: msg,
		CompletedAt:  &completedAt,
	}
	if elapsed > 0 {
		ms := elapsed.Milliseconds()
		patch.ProcessingTimeMs = &ms
	}
	return patch
}

// record writes one stage to the transcription and the document. It reports
// false when the run must stop.
func (d *Dispatcher) record(logger *slog.Logger, doc domain.Document, patch domain.TranscriptionPatch) bool {
	var err error
	if recorder, ok := d.store.(store.StageRecorder); ok {
		_, err = recorder.RecordStage(doc.ID, patch)
	} else {
		_, err = d.store.UpsertTranscription(doc.ID, doc.OwnerID, patch)
		if err == nil {
			err = d.store.SetDocumentStatus(doc.ID, patch.Status, patch.ErrorMessage)
		}
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrDocumentGone):
		logger.Info("document deleted during dispatch", "stage", patch.Status)
	default:
		logger.Error("record dispatch stage failed", "stage", patch.Status, "err", err)
	}
	return false
}
