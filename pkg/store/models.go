package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey;size:24"`
	Email        string `gorm:"uniqueIndex;not null"`
	Name         string
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type DocumentModel struct {
	ID               string `gorm:"primaryKey;size:24"`
	OwnerID          string `gorm:"not null;index:idx_documents_owner_upload,priority:1"`
	OriginalFileName string `gorm:"not null"`
	StorageFileName  string `gorm:"not null;uniqueIndex"`
	FilePath         string `gorm:"not null"`
	FileType         string `gorm:"not null"`
	FileSize         int64  `gorm:"not null"`
	PageCount        int
	UploadDate       time.Time `gorm:"not null;index:idx_documents_owner_upload,priority:2,sort:desc"`
	ProcessingStatus string    `gorm:"not null;index;default:PENDING"`
	ProcessingError  string
	DocumentTitle    string
	DoctorName       string
	DocumentDate     *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null;index"`
}

type TranscriptionModel struct {
	ID               string         `gorm:"primaryKey;size:24"`
	DocumentID       string         `gorm:"not null;uniqueIndex;size:24"`
	OwnerID          string         `gorm:"not null;index"`
	Status           string         `gorm:"not null"`
	TranscribedText  string         `gorm:"type:text"`
	StructuredData   datatypes.JSON `gorm:"type:jsonb"`
	ConfidenceScore  *float64
	ProcessingTimeMs *int64
	ErrorMessage     string
	CompletedAt      *time.Time
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type PatientModel struct {
	ID           string `gorm:"primaryKey;size:24"`
	OwnerID      string `gorm:"not null;index"`
	FirstName    string `gorm:"not null"`
	LastName     string `gorm:"not null"`
	DateOfBirth  *time.Time
	Gender       string
	ContactPhone string
	ContactEmail string
	CustomID     string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}
