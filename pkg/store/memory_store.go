package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
)

// MemoryStore keeps all records in-process. Used by tests and the
// database-less dev profile.
type MemoryStore struct {
	mu             sync.RWMutex
	users          map[string]domain.User // key: user ID
	email          map[string]string      // email -> user ID
	documents      map[string]domain.Document
	transcriptions map[string]domain.Transcription // key: document ID
	patients       map[string]domain.Patient
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          make(map[string]domain.User),
		email:          make(map[string]string),
		documents:      make(map[string]domain.Document),
		transcriptions: make(map[string]domain.Transcription),
		patients:       make(map[string]domain.Patient),
	}
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsers returns all users ordered by creation time.
func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// UserCount returns number of users.
func (m *MemoryStore) UserCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// CreateDocument inserts a new document.
func (m *MemoryStore) CreateDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[d.ID] = d
	return nil
}

// GetDocument returns a document regardless of owner.
func (m *MemoryStore) GetDocument(id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	return d, ok, nil
}

// GetOwnedDocument returns a document only when it belongs to ownerID.
func (m *MemoryStore) GetOwnedDocument(id, ownerID string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok || d.OwnerID != ownerID {
		return domain.Document{}, false, nil
	}
	return d, true, nil
}

// GetOwnedDocumentByStorageName looks a document up by its storage name.
func (m *MemoryStore) GetOwnedDocumentByStorageName(storageFileName, ownerID string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.documents {
		if d.StorageFileName == storageFileName && d.OwnerID == ownerID {
			return d, true, nil
		}
	}
	return domain.Document{}, false, nil
}

// ListDocuments returns owner documents, newest upload first.
func (m *MemoryStore) ListDocuments(ownerID string, filter DocumentFilter) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	term := strings.ToLower(strings.TrimSpace(filter.SearchTerm))
	res := make([]domain.Document, 0)
	for _, d := range m.documents {
		if d.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && d.ProcessingStatus != filter.Status {
			continue
		}
		if term != "" && !containsFold(term, d.OriginalFileName, d.DocumentTitle, d.DoctorName) {
			continue
		}
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UploadDate.After(res[j].UploadDate) })
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

// ListDocumentsByStatus returns documents in status last touched before
// updatedBefore, oldest first.
func (m *MemoryStore) ListDocumentsByStatus(status domain.ProcessingStatus, updatedBefore time.Time, limit int) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, d := range m.documents {
		if d.ProcessingStatus != status {
			continue
		}
		if !updatedBefore.IsZero() && !d.UpdatedAt.Before(updatedBefore) {
			continue
		}
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.Before(res[j].UpdatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// SetDocumentStatus overwrites status and error message.
func (m *MemoryStore) SetDocumentStatus(id string, status domain.ProcessingStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, status, errMsg, time.Now().UTC())
}

func (m *MemoryStore) setStatusLocked(id string, status domain.ProcessingStatus, errMsg string, now time.Time) error {
	d, ok := m.documents[id]
	if !ok {
		return ErrDocumentGone
	}
	d.ProcessingStatus = status
	d.ProcessingError = errMsg
	d.UpdatedAt = now
	m.documents[id] = d
	return nil
}

// ClaimDocument moves a PENDING document to PROCESSING.
func (m *MemoryStore) ClaimDocument(id string) (domain.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok || d.ProcessingStatus != domain.StatusPending {
		return domain.Document{}, false, nil
	}
	d.ProcessingStatus = domain.StatusProcessing
	d.ProcessingError = ""
	d.UpdatedAt = time.Now().UTC()
	m.documents[id] = d
	return d, true, nil
}

// DeleteDocument removes one owned document and its transcription.
func (m *MemoryStore) DeleteDocument(id, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok || d.OwnerID != ownerID {
		return nil
	}
	delete(m.documents, id)
	delete(m.transcriptions, id)
	return nil
}

// DeleteDocumentsByOwner removes every document and transcription of an owner.
func (m *MemoryStore) DeleteDocumentsByOwner(ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, d := range m.documents {
		if d.OwnerID != ownerID {
			continue
		}
		delete(m.documents, id)
		delete(m.transcriptions, id)
		deleted++
	}
	return deleted, nil
}

// UpsertTranscription writes the single transcription of a document.
func (m *MemoryStore) UpsertTranscription(documentID, ownerID string, patch domain.TranscriptionPatch) (domain.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[documentID]; !ok {
		return domain.Transcription{}, ErrDocumentGone
	}
	return m.upsertLocked(documentID, ownerID, patch, time.Now().UTC()), nil
}

// RecordStage upserts the transcription and sets the document status under one lock.
func (m *MemoryStore) RecordStage(documentID string, patch domain.TranscriptionPatch) (domain.Transcription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[documentID]
	if !ok {
		return domain.Transcription{}, ErrDocumentGone
	}
	now := time.Now().UTC()
	t := m.upsertLocked(documentID, d.OwnerID, patch, now)
	if err := m.setStatusLocked(documentID, patch.Status, patch.ErrorMessage, now); err != nil {
		return domain.Transcription{}, err
	}
	return t, nil
}

func (m *MemoryStore) upsertLocked(documentID, ownerID string, patch domain.TranscriptionPatch, now time.Time) domain.Transcription {
	t, ok := m.transcriptions[documentID]
	if !ok {
		t = domain.Transcription{
			ID:         util.NewID(),
			DocumentID: documentID,
			CreatedAt:  now,
		}
	}
	t.OwnerID = ownerID
	t.Status = patch.Status
	t.TranscribedText = patch.TranscribedText
	t.StructuredData = patch.StructuredData
	t.ConfidenceScore = patch.ConfidenceScore
	t.ProcessingTimeMs = patch.ProcessingTimeMs
	t.ErrorMessage = patch.ErrorMessage
	t.CompletedAt = patch.CompletedAt
	t.UpdatedAt = now
	m.transcriptions[documentID] = t
	return t
}

// GetTranscription returns the owner-scoped transcription of a document.
func (m *MemoryStore) GetTranscription(documentID, ownerID string) (domain.Transcription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transcriptions[documentID]
	if !ok || t.OwnerID != ownerID {
		return domain.Transcription{}, false, nil
	}
	return t, true, nil
}

// SavePatient creates or replaces a patient.
func (m *MemoryStore) SavePatient(p domain.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
	return nil
}

// GetPatient returns an owned patient.
func (m *MemoryStore) GetPatient(id, ownerID string) (domain.Patient, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok || p.OwnerID != ownerID {
		return domain.Patient{}, false, nil
	}
	return p, true, nil
}

// ListPatients returns owned patients sorted by last then first name.
func (m *MemoryStore) ListPatients(ownerID, searchTerm string) ([]domain.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	term := strings.ToLower(strings.TrimSpace(searchTerm))
	res := make([]domain.Patient, 0)
	for _, p := range m.patients {
		if p.OwnerID != ownerID {
			continue
		}
		if term != "" && !containsFold(term, p.FirstName, p.LastName, p.CustomID) {
			continue
		}
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].LastName != res[j].LastName {
			return res[i].LastName < res[j].LastName
		}
		return res[i].FirstName < res[j].FirstName
	})
	return res, nil
}

// DeletePatient removes an owned patient and reports whether it existed.
func (m *MemoryStore) DeletePatient(id, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.OwnerID != ownerID {
		return false, nil
	}
	delete(m.patients, id)
	return true, nil
}

// containsFold reports whether any field contains the lowercased term.
func containsFold(term string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}
