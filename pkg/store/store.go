package store

import (
	"errors"
	"time"

	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
)

// ErrDocumentGone is returned by status and transcription writes that target
// a document which no longer exists.
var ErrDocumentGone = errors.New("document no longer exists")

// DocumentFilter narrows owner-scoped document listings.
type DocumentFilter struct {
	Status     domain.ProcessingStatus
	SearchTerm string
	Limit      int
}

// Store defines persistence operations for users, documents, transcriptions and patients.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UserCount() (int, error)

	// documents
	CreateDocument(domain.Document) error
	GetDocument(id string) (domain.Document, bool, error)
	GetOwnedDocument(id, ownerID string) (domain.Document, bool, error)
	GetOwnedDocumentByStorageName(storageFileName, ownerID string) (domain.Document, bool, error)
	ListDocuments(ownerID string, filter DocumentFilter) ([]domain.Document, error)
	ListDocumentsByStatus(status domain.ProcessingStatus, updatedBefore time.Time, limit int) ([]domain.Document, error)
	SetDocumentStatus(id string, status domain.ProcessingStatus, errMsg string) error
	// ClaimDocument moves a PENDING document to PROCESSING. It reports false
	// when the document is missing or already left PENDING.
	ClaimDocument(id string) (domain.Document, bool, error)
	DeleteDocument(id, ownerID string) error
	DeleteDocumentsByOwner(ownerID string) (int, error)

	// transcriptions
	UpsertTranscription(documentID, ownerID string, patch domain.TranscriptionPatch) (domain.Transcription, error)
	GetTranscription(documentID, ownerID string) (domain.Transcription, bool, error)

	// patients
	SavePatient(domain.Patient) error
	GetPatient(id, ownerID string) (domain.Patient, bool, error)
	ListPatients(ownerID, searchTerm string) ([]domain.Patient, error)
	DeletePatient(id, ownerID string) (bool, error)
}

// StageRecorder is an optional capability that writes a transcription stage
// and the matching document status atomically.
type StageRecorder interface {
	RecordStage(documentID string, patch domain.TranscriptionPatch) (domain.Transcription, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}
