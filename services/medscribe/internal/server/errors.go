package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/app"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, msg, errorCodeFor(status, msg))
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps an app error to its HTTP status. Unknown errors are
// logged and answered with a generic 500.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *app.ValidationError
	switch {
	case errors.As(err, &validation):
		writeErrorCode(w, http.StatusBadRequest, validation.Error(), "VALIDATION_FAILED")
	case errors.Is(err, app.ErrInvalidID):
		writeErrorCode(w, http.StatusBadRequest, "Invalid ID format", "INVALID_ID")
	case errors.Is(err, app.ErrFileRequired):
		writeErrorCode(w, http.StatusBadRequest, "No file uploaded", "DOCUMENT_FILE_REQUIRED")
	case errors.Is(err, app.ErrUnsupportedType):
		writeErrorCode(w, http.StatusBadRequest, "Invalid file type. Only JPEG, PNG and PDF are allowed.", "DOCUMENT_UNSUPPORTED_FILE_TYPE")
	case errors.Is(err, app.ErrFileTooLarge):
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "File too large", "DOCUMENT_FILE_TOO_LARGE")
	case errors.Is(err, app.ErrBlobMissing):
		writeErrorCode(w, http.StatusNotFound, "Document file not found", "DOCUMENT_FILE_MISSING")
	case errors.Is(err, app.ErrDocumentNotFound):
		writeErrorCode(w, http.StatusNotFound, "Document not found", "DOCUMENT_NOT_FOUND")
	case errors.Is(err, app.ErrPatientNotFound):
		writeErrorCode(w, http.StatusNotFound, "Patient not found", "PATIENT_NOT_FOUND")
	case errors.Is(err, app.ErrTranscriptionNotFound):
		writeErrorCode(w, http.StatusNotFound, "Transcription not found", "TRANSCRIPTION_NOT_FOUND")
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUserDisabled):
		writeErrorCode(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error(), "AUTH_INVALID_CREDENTIALS")
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeErrorCode(w, http.StatusConflict, "Email already registered", "AUTH_EMAIL_EXISTS")
	case errors.Is(err, app.ErrEmailAndPasswordRequired):
		writeErrorCode(w, http.StatusBadRequest, "Email and password are required", "AUTH_INVALID_REQUEST")
	case errors.Is(err, app.ErrInvalidEmail):
		writeErrorCode(w, http.StatusBadRequest, "Invalid email address", "AUTH_INVALID_EMAIL")
	case errors.Is(err, app.ErrPasswordUnchanged):
		writeErrorCode(w, http.StatusBadRequest, err.Error(), "AUTH_PASSWORD_UNCHANGED")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "invalid json body":
		return "INVALID_REQUEST"
	case message == "invalid form data":
		return "DOCUMENT_INVALID_UPLOAD_FORM"
	case strings.HasPrefix(message, "too many"):
		return "RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
