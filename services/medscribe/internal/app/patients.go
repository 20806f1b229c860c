package app

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
)

// PatientInput is the client-editable part of a patient record.
type PatientInput struct {
	FirstName   string             `json:"firstName"`
	LastName    string             `json:"lastName"`
	DateOfBirth string             `json:"dateOfBirth"`
	Gender      string             `json:"gender"`
	ContactInfo domain.ContactInfo `json:"contactInfo"`
	CustomID    string             `json:"customId"`
}

// CreatePatient validates input and stores a new patient for owner.
func (a *App) CreatePatient(owner domain.User, in PatientInput) (domain.Patient, error) {
	now := time.Now().UTC()
	p := domain.Patient{
		ID:        util.NewID(),
		OwnerID:   owner.ID,
		CreatedAt: now,
	}
	if err := applyPatientInput(&p, in); err != nil {
		return domain.Patient{}, err
	}
	p.UpdatedAt = now
	if err := a.store.SavePatient(p); err != nil {
		return domain.Patient{}, fmt.Errorf("save patient: %w", err)
	}
	return p, nil
}

// ListPatients returns owner patients ordered by name, optionally filtered.
func (a *App) ListPatients(owner domain.User, searchTerm string) ([]domain.Patient, error) {
	patients, err := a.store.ListPatients(owner.ID, strings.TrimSpace(searchTerm))
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	return patients, nil
}

// GetPatient returns an owned patient.
func (a *App) GetPatient(owner domain.User, id string) (domain.Patient, error) {
	if !ValidID(id) {
		return domain.Patient{}, ErrInvalidID
	}
	p, ok, err := a.store.GetPatient(id, owner.ID)
	if err != nil {
		return domain.Patient{}, fmt.Errorf("fetch patient: %w", err)
	}
	if !ok {
		return domain.Patient{}, ErrPatientNotFound
	}
	return p, nil
}

// UpdatePatient replaces the editable fields of an owned patient.
func (a *App) UpdatePatient(owner domain.User, id string, in PatientInput) (domain.Patient, error) {
	p, err := a.GetPatient(owner, id)
	if err != nil {
		return domain.Patient{}, err
	}
	if err := applyPatientInput(&p, in); err != nil {
		return domain.Patient{}, err
	}
	p.UpdatedAt = time.Now().UTC()
	if err := a.store.SavePatient(p); err != nil {
		return domain.Patient{}, fmt.Errorf("save patient: %w", err)
	}
	return p, nil
}

// DeletePatient removes an owned patient.
func (a *App) DeletePatient(owner domain.User, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	deleted, err := a.store.DeletePatient(id, owner.ID)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if !deleted {
		return ErrPatientNotFound
	}
	return nil
}

func applyPatientInput(p *domain.Patient, in PatientInput) error {
	first := strings.TrimSpace(in.FirstName)
	if first == "" {
		return invalid("firstName", "is required")
	}
	last := strings.TrimSpace(in.LastName)
	if last == "" {
		return invalid("lastName", "is required")
	}
	dob, err := parseOptionalDate(in.DateOfBirth)
	if err != nil {
		return invalid("dateOfBirth", "must be YYYY-MM-DD or RFC 3339")
	}
	if dob != nil && dob.After(time.Now()) {
		return invalid("dateOfBirth", "must not be in the future")
	}
	var gender domain.Gender
	if raw := strings.TrimSpace(in.Gender); raw != "" {
		g, ok := domain.ParseGender(raw)
		if !ok {
			return invalid("gender", "must be one of Male, Female, Other, Prefer not to say")
		}
		gender = g
	}
	email := strings.ToLower(strings.TrimSpace(in.ContactInfo.Email))
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return invalid("contactInfo.email", "is not a valid email address")
		}
	}

	p.FirstName = first
	p.LastName = last
	p.DateOfBirth = dob
	p.Gender = gender
	p.ContactInfo = domain.ContactInfo{
		Phone: strings.TrimSpace(in.ContactInfo.Phone),
		Email: email,
	}
	p.CustomID = strings.TrimSpace(in.CustomID)
	return nil
}
