package server

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/LifelineOCR/medscribe-backend/internal/security"
	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/app"
)

// multipart headers and text fields on top of the file itself
const formOverheadBytes = 1 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+formOverheadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAppError(w, r, app.ErrFileTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := formFile(r, "document", "file")
	if err != nil {
		writeAppError(w, r, app.ErrFileRequired)
		return
	}
	defer file.Close()

	doc, err := s.app.Upload(r.Context(), user, app.UploadInput{
		FileName:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		Size:          header.Size,
		Body:          file,
		DocumentTitle: r.FormValue("documentTitle"),
		DoctorName:    r.FormValue("doctorName"),
		DocumentDate:  r.FormValue("documentDate"),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	msg := "Document uploaded successfully and is being processed"
	if doc.ProcessingStatus == domain.StatusFailed {
		msg = "Document uploaded but transcription could not be scheduled"
	}
	writeJSON(w, http.StatusCreated, documentResponse{Message: msg, Document: doc})
}

type documentResponse struct {
	Message  string          `json:"message,omitempty"`
	Document domain.Document `json:"document"`
}

func formFile(r *http.Request, fields ...string) (multipart.File, *multipart.FileHeader, error) {
	var lastErr error
	for _, field := range fields {
		file, header, err := r.FormFile(field)
		if err == nil {
			return file, header, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	q := r.URL.Query()
	docs, err := s.app.ListDocuments(r.Context(), user, q.Get("status"), q.Get("searchTerm"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", docs)
}

func (s *Server) handleRecentDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	docs, err := s.app.RecentDocuments(user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", docs)
}

// handleGetDocument streams the file inline unless the client asks for JSON.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, err := s.app.GetDocument(user, chi.URLParam(r, "id"))
	if err != nil {
		s.auditLookup(r, user, err)
		writeAppError(w, r, err)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, documentResponse{Document: doc})
		return
	}
	s.streamFile(w, r, doc, "inline")
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request, user domain.User) {
	doc, err := s.app.GetDocumentByStorageName(user, chi.URLParam(r, "storageFileName"))
	if err != nil {
		s.auditLookup(r, user, err)
		writeAppError(w, r, err)
		return
	}
	s.streamFile(w, r, doc, "attachment")
}

func (s *Server) streamFile(w http.ResponseWriter, r *http.Request, doc domain.Document, disposition string) {
	rc, info, err := s.app.OpenDocumentFile(r.Context(), doc)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": doc.OriginalFileName}))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		util.LoggerFromContext(r.Context()).Warn("stream document aborted", "document_id", doc.ID, "err", err)
	}
}

func (s *Server) handleGetTranscription(w http.ResponseWriter, r *http.Request, user domain.User) {
	view, err := s.app.GetTranscription(user, chi.URLParam(r, "id"))
	if err != nil {
		s.auditLookup(r, user, err)
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeleteDocument(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Document deleted successfully", nil)
}

func (s *Server) handleDeleteAllDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	n, err := s.app.DeleteAllDocuments(r.Context(), user)
	if err != nil {
		if errors.Is(err, app.ErrDocumentNotFound) {
			writeErrorCode(w, http.StatusNotFound, "No documents found to delete", "DOCUMENT_NOT_FOUND")
			return
		}
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "All documents deleted successfully", map[string]int{"deletedCount": n})
}

// auditLookup counts not-found lookups per user so id probing raises an alert.
func (s *Server) auditLookup(r *http.Request, user domain.User, err error) {
	if errors.Is(err, app.ErrDocumentNotFound) {
		s.audit(r, security.EventDocumentProbe, security.OutcomeNotFound, user.ID, "user_id", user.ID)
	}
}

func wantsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}
