package app

import (
	"errors"
	"fmt"
)

// ValidationError reports missing or malformed input for one field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

var (
	ErrInvalidID = errors.New("invalid id format")

	ErrDocumentNotFound      = errors.New("document not found")
	ErrPatientNotFound       = errors.New("patient not found")
	ErrTranscriptionNotFound = errors.New("transcription not found")

	ErrFileRequired    = errors.New("no file uploaded")
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")

	// ErrBlobMissing means a document row exists but its file does not.
	ErrBlobMissing = errors.New("document file missing from storage")
)

var (
	// ErrInvalidCredentials is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	// ErrUserDisabled should not be exposed to clients.
	ErrUserDisabled = errors.New("user disabled")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrInvalidEmail             = errors.New("invalid email address")
	ErrPasswordUnchanged        = errors.New("new password must differ from the current password")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrForbidden                = errors.New("forbidden")
)

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrTranscriptionNotFound) ||
		errors.Is(err, ErrBlobMissing)
}
