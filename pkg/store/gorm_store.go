package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
)

const migrateLockID int64 = 61340217

var transcriptionUpsertColumns = []string{
	"owner_id",
	"status",
	"transcribed_text",
	"structured_data",
	"confidence_score",
	"processing_time_ms",
	"error_message",
	"completed_at",
	"updated_at",
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &DocumentModel{}, &TranscriptionModel{}, &PatientModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM transcription_models t
				WHERE NOT EXISTS (SELECT 1 FROM document_models d WHERE d.id = t.document_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'transcription_models'
					AND constraint_name = 'transcription_models_document_id_fkey'
				) THEN
					ALTER TABLE transcription_models
					ADD CONSTRAINT transcription_models_document_id_fkey
					FOREIGN KEY (document_id) REFERENCES document_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure transcription foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "password_hash", "role", "status", "updated_at"}),
	}).Create(&model).Error
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// CreateDocument inserts a new document row.
func (s *GormStore) CreateDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Create(&model).Error
}

// GetDocument returns a document regardless of owner. Dispatcher use only.
func (s *GormStore) GetDocument(id string) (domain.Document, bool, error) {
	return s.firstDocument("id = ?", id)
}

// GetOwnedDocument returns a document only when it belongs to ownerID.
func (s *GormStore) GetOwnedDocument(id, ownerID string) (domain.Document, bool, error) {
	return s.firstDocument("id = ? AND owner_id = ?", id, ownerID)
}

// GetOwnedDocumentByStorageName looks a document up by its generated storage name.
func (s *GormStore) GetOwnedDocumentByStorageName(storageFileName, ownerID string) (domain.Document, bool, error) {
	return s.firstDocument("storage_file_name = ? AND owner_id = ?", storageFileName, ownerID)
}

func (s *GormStore) firstDocument(query string, args ...any) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocuments returns owner documents, newest upload first.
func (s *GormStore) ListDocuments(ownerID string, filter DocumentFilter) ([]domain.Document, error) {
	tx := s.db.Where("owner_id = ?", ownerID)
	if filter.Status != "" {
		tx = tx.Where("processing_status = ?", string(filter.Status))
	}
	if term := strings.TrimSpace(filter.SearchTerm); term != "" {
		pattern := likePattern(term)
		tx = tx.Where("original_file_name ILIKE ? OR document_title ILIKE ? OR doctor_name ILIKE ?", pattern, pattern, pattern)
	}
	tx = tx.Order("upload_date DESC")
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var models []DocumentModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	return documentsFromModels(models), nil
}

// ListDocumentsByStatus returns documents of any owner in status that were
// last touched before updatedBefore, oldest first.
func (s *GormStore) ListDocumentsByStatus(status domain.ProcessingStatus, updatedBefore time.Time, limit int) ([]domain.Document, error) {
	tx := s.db.Where("processing_status = ?", string(status))
	if !updatedBefore.IsZero() {
		tx = tx.Where("updated_at < ?", updatedBefore.UTC())
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var models []DocumentModel
	if err := tx.Order("updated_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return documentsFromModels(models), nil
}

// SetDocumentStatus overwrites status and error message.
func (s *GormStore) SetDocumentStatus(id string, status domain.ProcessingStatus, errMsg string) error {
	res := s.db.Model(&DocumentModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processing_status": string(status),
			"processing_error":  errMsg,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDocumentGone
	}
	return nil
}

// ClaimDocument moves a PENDING document to PROCESSING with a conditional update.
func (s *GormStore) ClaimDocument(id string) (domain.Document, bool, error) {
	res := s.db.Model(&DocumentModel{}).
		Where("id = ? AND processing_status = ?", id, string(domain.StatusPending)).
		Updates(map[string]any{
			"processing_status": string(domain.StatusProcessing),
			"processing_error":  "",
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.Document{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Document{}, false, nil
	}
	return s.firstDocument("id = ?", id)
}

// DeleteDocument removes one owned document and its transcription.
func (s *GormStore) DeleteDocument(id, ownerID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&TranscriptionModel{}, "document_id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ? AND owner_id = ?", id, ownerID).Error
	})
}

// DeleteDocumentsByOwner removes every document and transcription of an owner.
func (s *GormStore) DeleteDocumentsByOwner(ownerID string) (int, error) {
	var deleted int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&TranscriptionModel{}, "owner_id = ?", ownerID).Error; err != nil {
			return err
		}
		res := tx.Delete(&DocumentModel{}, "owner_id = ?", ownerID)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	return int(deleted), err
}

// UpsertTranscription writes the single transcription row of a document.
func (s *GormStore) UpsertTranscription(documentID, ownerID string, patch domain.TranscriptionPatch) (domain.Transcription, error) {
	var out domain.Transcription
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = upsertTranscription(tx, documentID, ownerID, patch)
		return err
	})
	return out, err
}

// RecordStage upserts the transcription and sets the document status in one
// transaction. The document row is locked for the duration.
func (s *GormStore) RecordStage(documentID string, patch domain.TranscriptionPatch) (domain.Transcription, error) {
	var out domain.Transcription
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var doc DocumentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, "id = ?", documentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDocumentGone
			}
			return err
		}
		t, err := upsertTranscription(tx, documentID, doc.OwnerID, patch)
		if err != nil {
			return err
		}
		if err := tx.Model(&DocumentModel{}).
			Where("id = ?", documentID).
			Updates(map[string]any{
				"processing_status": string(patch.Status),
				"processing_error":  patch.ErrorMessage,
				"updated_at":        t.UpdatedAt,
			}).Error; err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func upsertTranscription(tx *gorm.DB, documentID, ownerID string, patch domain.TranscriptionPatch) (domain.Transcription, error) {
	now := time.Now().UTC()
	model := TranscriptionModel{
		ID:               util.NewID(),
		DocumentID:       documentID,
		OwnerID:          ownerID,
		Status:           string(patch.Status),
		TranscribedText:  patch.TranscribedText,
		StructuredData:   jsonColumn(patch.StructuredData),
		ConfidenceScore:  patch.ConfidenceScore,
		ProcessingTimeMs: patch.ProcessingTimeMs,
		ErrorMessage:     patch.ErrorMessage,
		CompletedAt:      patch.CompletedAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns(transcriptionUpsertColumns),
	}).Create(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return domain.Transcription{}, ErrDocumentGone
		}
		return domain.Transcription{}, err
	}
	var stored TranscriptionModel
	if err := tx.First(&stored, "document_id = ?", documentID).Error; err != nil {
		return domain.Transcription{}, err
	}
	return transcriptionFromModel(stored), nil
}

// GetTranscription returns the owner-scoped transcription of a document.
func (s *GormStore) GetTranscription(documentID, ownerID string) (domain.Transcription, bool, error) {
	var model TranscriptionModel
	if err := s.db.First(&model, "document_id = ? AND owner_id = ?", documentID, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Transcription{}, false, nil
		}
		return domain.Transcription{}, false, err
	}
	return transcriptionFromModel(model), true, nil
}

// SavePatient creates or replaces a patient.
func (s *GormStore) SavePatient(p domain.Patient) error {
	model := patientToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"first_name", "last_name", "date_of_birth", "gender",
			"contact_phone", "contact_email", "custom_id", "updated_at",
		}),
	}).Create(&model).Error
}

// GetPatient returns an owned patient.
func (s *GormStore) GetPatient(id, ownerID string) (domain.Patient, bool, error) {
	var model PatientModel
	if err := s.db.First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Patient{}, false, nil
		}
		return domain.Patient{}, false, err
	}
	return patientFromModel(model), true, nil
}

// ListPatients returns owned patients sorted by last then first name.
func (s *GormStore) ListPatients(ownerID, searchTerm string) ([]domain.Patient, error) {
	tx := s.db.Where("owner_id = ?", ownerID)
	if term := strings.TrimSpace(searchTerm); term != "" {
		pattern := likePattern(term)
		tx = tx.Where("first_name ILIKE ? OR last_name ILIKE ? OR custom_id ILIKE ?", pattern, pattern, pattern)
	}
	var models []PatientModel
	if err := tx.Order("last_name ASC").Order("first_name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Patient, 0, len(models))
	for _, m := range models {
		res = append(res, patientFromModel(m))
	}
	return res, nil
}

// DeletePatient removes an owned patient and reports whether it existed.
func (s *GormStore) DeletePatient(id, ownerID string) (bool, error) {
	res := s.db.Delete(&PatientModel{}, "id = ? AND owner_id = ?", id, ownerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func likePattern(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(term) + "%"
}

func jsonColumn(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.UserActive
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:               d.ID,
		OwnerID:          d.OwnerID,
		OriginalFileName: d.OriginalFileName,
		StorageFileName:  d.StorageFileName,
		FilePath:         d.FilePath,
		FileType:         d.FileType,
		FileSize:         d.FileSize,
		PageCount:        d.PageCount,
		UploadDate:       d.UploadDate,
		ProcessingStatus: string(d.ProcessingStatus),
		ProcessingError:  d.ProcessingError,
		DocumentTitle:    d.DocumentTitle,
		DoctorName:       d.DoctorName,
		DocumentDate:     d.DocumentDate,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	status, ok := domain.ParseProcessingStatus(m.ProcessingStatus)
	if !ok {
		status = domain.StatusPending
	}
	return domain.Document{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		OriginalFileName: m.OriginalFileName,
		StorageFileName:  m.StorageFileName,
		FilePath:         m.FilePath,
		FileType:         m.FileType,
		FileSize:         m.FileSize,
		PageCount:        m.PageCount,
		UploadDate:       m.UploadDate,
		ProcessingStatus: status,
		ProcessingError:  m.ProcessingError,
		DocumentTitle:    m.DocumentTitle,
		DoctorName:       m.DoctorName,
		DocumentDate:     m.DocumentDate,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func documentsFromModels(models []DocumentModel) []domain.Document {
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res
}

func transcriptionFromModel(m TranscriptionModel) domain.Transcription {
	var structured json.RawMessage
	if len(m.StructuredData) > 0 {
		structured = json.RawMessage(m.StructuredData)
	}
	return domain.Transcription{
		ID:               m.ID,
		DocumentID:       m.DocumentID,
		OwnerID:          m.OwnerID,
		Status:           domain.ProcessingStatus(m.Status),
		TranscribedText:  m.TranscribedText,
		StructuredData:   structured,
		ConfidenceScore:  m.ConfidenceScore,
		ProcessingTimeMs: m.ProcessingTimeMs,
		ErrorMessage:     m.ErrorMessage,
		CompletedAt:      m.CompletedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func patientToModel(p domain.Patient) PatientModel {
	return PatientModel{
		ID:           p.ID,
		OwnerID:      p.OwnerID,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		DateOfBirth:  p.DateOfBirth,
		Gender:       string(p.Gender),
		ContactPhone: p.ContactInfo.Phone,
		ContactEmail: p.ContactInfo.Email,
		CustomID:     p.CustomID,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func patientFromModel(m PatientModel) domain.Patient {
	return domain.Patient{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		DateOfBirth: m.DateOfBirth,
		Gender:      domain.Gender(m.Gender),
		ContactInfo: domain.ContactInfo{
			Phone: m.ContactPhone,
			Email: m.ContactEmail,
		},
		CustomID:  m.CustomID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
