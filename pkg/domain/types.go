package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ProcessingStatus is the lifecycle state of an uploaded document.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "PENDING"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusCompleted  ProcessingStatus = "COMPLETED"
	StatusFailed     ProcessingStatus = "FAILED"
)

// ParseProcessingStatus matches raw case-insensitively against the four known states.
func ParseProcessingStatus(raw string) (ProcessingStatus, bool) {
	switch ProcessingStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, true
	case StatusProcessing:
		return StatusProcessing, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transition is allowed.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

type Gender string

const (
	GenderMale         Gender = "Male"
	GenderFemale       Gender = "Female"
	GenderOther        Gender = "Other"
	GenderNotDisclosed Gender = "Prefer not to say"
)

// ParseGender accepts the canonical spellings case-insensitively.
func ParseGender(raw string) (Gender, bool) {
	raw = strings.TrimSpace(raw)
	for _, g := range []Gender{GenderMale, GenderFemale, GenderOther, GenderNotDisclosed} {
		if strings.EqualFold(raw, string(g)) {
			return g, true
		}
	}
	return "", false
}

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Document is an uploaded medical document and its processing state.
type Document struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"ownerId"`
	OriginalFileName string           `json:"originalFileName"`
	StorageFileName  string           `json:"storageFileName"`
	FilePath         string           `json:"-"`
	FileType         string           `json:"fileType"`
	FileSize         int64            `json:"fileSize"`
	PageCount        int              `json:"pageCount,omitempty"`
	UploadDate       time.Time        `json:"uploadDate"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	ProcessingError  string           `json:"processingError,omitempty"`
	DocumentTitle    string           `json:"documentTitle,omitempty"`
	DoctorName       string           `json:"doctorName,omitempty"`
	DocumentDate     *time.Time       `json:"documentDate,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Transcription is the single transcription result attached to a document.
type Transcription struct {
	ID               string           `json:"id"`
	DocumentID       string           `json:"documentId"`
	OwnerID          string           `json:"ownerId"`
	Status           ProcessingStatus `json:"status"`
	TranscribedText  string           `json:"transcribedText,omitempty"`
	StructuredData   json.RawMessage  `json:"structuredData,omitempty"`
	ConfidenceScore  *float64         `json:"confidenceScore,omitempty"`
	ProcessingTimeMs *int64           `json:"processingTimeMs,omitempty"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// TranscriptionPatch is the set of fields written by one dispatcher stage.
// The whole patch replaces the previous values; zero fields clear them.
type TranscriptionPatch struct {
	Status           ProcessingStatus
	TranscribedText  string
	StructuredData   json.RawMessage
	ConfidenceScore  *float64
	ProcessingTimeMs *int64
	ErrorMessage     string
	CompletedAt      *time.Time
}

type ContactInfo struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Patient struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	FirstName   string      `json:"firstName"`
	LastName    string      `json:"lastName"`
	DateOfBirth *time.Time  `json:"dateOfBirth,omitempty"`
	Gender      Gender      `json:"gender,omitempty"`
	ContactInfo ContactInfo `json:"contactInfo"`
	CustomID    string      `json:"customId,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}
