package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/pkg/queue"
	"github.com/LifelineOCR/medscribe-backend/pkg/storage"
	"github.com/LifelineOCR/medscribe-backend/pkg/store"
)

// RecentLimit is the number of documents returned by Recent.
const RecentLimit = 5

const allStatusFilter = "All Status"

// UploadInput describes one uploaded file and its optional metadata.
type UploadInput struct {
	FileName    string
	ContentType string
	// Size is the declared size; 0 or negative when unknown.
	Size          int64
	Body          io.Reader
	DocumentTitle string
	DoctorName    string
	DocumentDate  string
}

// TranscriptionView joins a document's state with its transcription, which
// is nil until the dispatcher has started.
type TranscriptionView struct {
	DocumentID       string                  `json:"documentId"`
	OriginalFileName string                  `json:"originalFileName"`
	ProcessingStatus domain.ProcessingStatus `json:"processingStatus"`
	Transcription    *domain.Transcription   `json:"transcription"`
	Message          string                  `json:"message,omitempty"`
}

// Upload stores the file, records a PENDING document and schedules its
// transcription. Scheduling failures do not fail the upload: a full queue
// leaves the document PENDING for the reconciler, any other error marks it
// FAILED.
func (a *App) Upload(ctx context.Context, owner domain.User, in UploadInput) (domain.Document, error) {
	if in.Body == nil {
		return domain.Document{}, ErrFileRequired
	}
	fileName := filepath.Base(strings.TrimSpace(strings.ReplaceAll(in.FileName, "\\", "/")))
	if fileName == "" || fileName == "." || fileName == "/" {
		return domain.Document{}, invalid("originalFileName", "is required")
	}
	if a.maxUploadBytes > 0 && in.Size > a.maxUploadBytes {
		return domain.Document{}, ErrFileTooLarge
	}
	documentDate, err := parseOptionalDate(in.DocumentDate)
	if err != nil {
		return domain.Document{}, invalid("documentDate", "must be YYYY-MM-DD or RFC 3339")
	}

	br := bufio.NewReaderSize(in.Body, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return domain.Document{}, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return domain.Document{}, invalid("document", "file is empty")
	}
	contentType := sniffContentType(head, in.ContentType, fileName)
	ext, ok := a.allowedTypes[contentType]
	if !ok {
		return domain.Document{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	limit := a.maxUploadBytes
	if limit <= 0 {
		limit = 1 << 40
	}
	counter := &countingReader{r: io.LimitReader(br, limit+1)}
	var body io.Reader = counter
	size := in.Size
	pageCount := 0
	if contentType == "application/pdf" {
		data, err := io.ReadAll(counter)
		if err != nil {
			return domain.Document{}, fmt.Errorf("read upload: %w", err)
		}
		if int64(len(data)) > limit {
			return domain.Document{}, ErrFileTooLarge
		}
		if pageCount, err = countPDFPages(data); err != nil {
			return domain.Document{}, invalid("document", "PDF could not be read")
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}
	if size <= 0 {
		size = -1
	}

	storageName := fmt.Sprintf("document-%s%s", uuid.NewString(), ext)
	if err := a.blobs.Put(ctx, storageName, body, size, contentType); err != nil {
		return domain.Document{}, fmt.Errorf("save file: %w", err)
	}
	if counter.n > limit {
		a.deleteBlob(ctx, storageName)
		return domain.Document{}, ErrFileTooLarge
	}

	now := time.Now().UTC()
	title := strings.TrimSpace(in.DocumentTitle)
	if title == "" {
		title = titleFromName(fileName)
	}
	doc := domain.Document{
		ID:               util.NewID(),
		OwnerID:          owner.ID,
		OriginalFileName: fileName,
		StorageFileName:  storageName,
		FilePath:         storageName,
		FileType:         contentType,
		FileSize:         counter.n,
		PageCount:        pageCount,
		UploadDate:       now,
		ProcessingStatus: domain.StatusPending,
		DocumentTitle:    title,
		DoctorName:       strings.TrimSpace(in.DoctorName),
		DocumentDate:     documentDate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.CreateDocument(doc); err != nil {
		a.deleteBlob(ctx, storageName)
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}

	if err := a.schedule(ctx, doc); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			// the row stays PENDING; the reconciler sweep enqueues it later
			a.logger.Warn("dispatch queue full, deferring document", "document_id", doc.ID, "owner_id", owner.ID)
			return doc, nil
		}
		reason := "transcription could not be scheduled"
		a.logger.Error("enqueue dispatch failed", "document_id", doc.ID, "owner_id", owner.ID, "err", err)
		if abandonErr := a.dispatcher.Abandon(context.WithoutCancel(ctx), doc.ID, reason); abandonErr != nil {
			a.logger.Error("abandon document failed", "document_id", doc.ID, "err", abandonErr)
		} else {
			doc.ProcessingStatus = domain.StatusFailed
			doc.ProcessingError = reason
		}
	}
	return doc, nil
}

func (a *App) schedule(ctx context.Context, doc domain.Document) error {
	job, err := queue.NewJob(doc.ID, doc.OwnerID)
	if err != nil {
		return err
	}
	return a.queue.Enqueue(ctx, job)
}

// ListDocuments returns the owner's documents, newest first. Unknown status
// filters are ignored.
func (a *App) ListDocuments(ctx context.Context, owner domain.User, status, searchTerm string) ([]domain.Document, error) {
	filter := store.DocumentFilter{SearchTerm: strings.TrimSpace(searchTerm)}
	if raw := strings.TrimSpace(status); raw != "" && !strings.EqualFold(raw, allStatusFilter) {
		parsed, ok := domain.ParseProcessingStatus(raw)
		if ok {
			filter.Status = parsed
		} else {
			util.LoggerFromContext(ctx).Warn("ignoring unknown status filter", "status", raw)
		}
	}
	docs, err := a.store.ListDocuments(owner.ID, filter)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// RecentDocuments returns the owner's newest uploads.
func (a *App) RecentDocuments(owner domain.User) ([]domain.Document, error) {
	docs, err := a.store.ListDocuments(owner.ID, store.DocumentFilter{Limit: RecentLimit})
	if err != nil {
		return nil, fmt.Errorf("list recent documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns an owned document.
func (a *App) GetDocument(owner domain.User, id string) (domain.Document, error) {
	if !ValidID(id) {
		return domain.Document{}, ErrInvalidID
	}
	doc, ok, err := a.store.GetOwnedDocument(id, owner.ID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("fetch document: %w", err)
	}
	if !ok {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

// GetDocumentByStorageName returns an owned document by its generated storage name.
func (a *App) GetDocumentByStorageName(owner domain.User, storageFileName string) (domain.Document, error) {
	storageFileName = strings.TrimSpace(storageFileName)
	if storageFileName == "" || strings.ContainsAny(storageFileName, `/\`) {
		return domain.Document{}, ErrDocumentNotFound
	}
	doc, ok, err := a.store.GetOwnedDocumentByStorageName(storageFileName, owner.ID)
	if err != nil {
		return domain.Document{}, fmt.Errorf("fetch document: %w", err)
	}
	if !ok {
		return domain.Document{}, ErrDocumentNotFound
	}
	return doc, nil
}

// OpenDocumentFile streams the stored bytes of doc. A missing blob behind an
// existing row is logged as an integrity warning.
func (a *App) OpenDocumentFile(ctx context.Context, doc domain.Document) (io.ReadCloser, storage.BlobInfo, error) {
	rc, info, err := a.blobs.Open(ctx, doc.FilePath)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			util.LoggerFromContext(ctx).Warn("integrity_warning",
				"reason", "blob missing for existing document",
				"document_id", doc.ID,
				"storage_file_name", doc.StorageFileName,
			)
			return nil, storage.BlobInfo{}, ErrBlobMissing
		}
		return nil, storage.BlobInfo{}, fmt.Errorf("open document file: %w", err)
	}
	if info.ContentType == "" || info.ContentType == "application/octet-stream" {
		info.ContentType = doc.FileType
	}
	if info.Size <= 0 {
		info.Size = doc.FileSize
	}
	return rc, info, nil
}

// GetTranscription joins the document state with its transcription.
func (a *App) GetTranscription(owner domain.User, documentID string) (TranscriptionView, error) {
	doc, err := a.GetDocument(owner, documentID)
	if err != nil {
		return TranscriptionView{}, err
	}
	view := TranscriptionView{
		DocumentID:       doc.ID,
		OriginalFileName: doc.OriginalFileName,
		ProcessingStatus: doc.ProcessingStatus,
	}
	t, ok, err := a.store.GetTranscription(doc.ID, owner.ID)
	if err != nil {
		return TranscriptionView{}, fmt.Errorf("fetch transcription: %w", err)
	}
	if !ok {
		view.Message = fmt.Sprintf("Transcription is currently %s. Please check back later.", strings.ToLower(string(doc.ProcessingStatus)))
		return view, nil
	}
	view.Transcription = &t
	return view, nil
}

// DeleteDocument removes one owned document, its file and its transcription.
// An in-flight dispatch for it finds the row gone and stops.
func (a *App) DeleteDocument(ctx context.Context, owner domain.User, id string) error {
	doc, err := a.GetDocument(owner, id)
	if err != nil {
		return err
	}
	a.deleteBlob(ctx, doc.FilePath)
	if err := a.store.DeleteDocument(doc.ID, owner.ID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// DeleteAllDocuments removes every document of owner and returns how many were deleted.
func (a *App) DeleteAllDocuments(ctx context.Context, owner domain.User) (int, error) {
	docs, err := a.store.ListDocuments(owner.ID, store.DocumentFilter{})
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}
	if len(docs) == 0 {
		return 0, ErrDocumentNotFound
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, doc := range docs {
		g.Go(func() error {
			a.deleteBlob(gctx, doc.FilePath)
			return nil
		})
	}
	_ = g.Wait()
	deleted, err := a.store.DeleteDocumentsByOwner(owner.ID)
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return deleted, nil
}

// deleteBlob is best effort; a failure leaves an orphaned file, which is logged.
func (a *App) deleteBlob(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := a.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		util.LoggerFromContext(ctx).Warn("integrity_warning",
			"reason", "blob delete failed",
			"storage_file_name", key,
			"err", err,
		)
	}
}

// ValidID reports whether id is a 24 character hex identifier.
func ValidID(id string) bool {
	if len(id) != 24 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func titleFromName(name string) string {
	base := filepath.Base(name)
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" {
		return "Untitled document"
	}
	return title
}

func parseOptionalDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", raw)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
