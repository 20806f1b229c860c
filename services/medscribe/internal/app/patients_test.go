package app

import (
	"errors"
	"testing"
	"time"

	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
)

func TestCreatePatientNormalizesInput(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := testUser("owner-1")

	p, err := env.app.CreatePatient(owner, PatientInput{
		FirstName:   " Asha ",
		LastName:    "Verma",
		DateOfBirth: "1980-04-12",
		Gender:      "female",
		ContactInfo: domain.ContactInfo{Phone: " 555-0100 ", Email: "Asha@Example.com"},
		CustomID:    "MRN-42",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !ValidID(p.ID) || p.OwnerID != owner.ID {
		t.Fatalf("unexpected identity %+v", p)
	}
	if p.FirstName != "Asha" || p.Gender != domain.GenderFemale {
		t.Fatalf("unexpected normalized fields %+v", p)
	}
	if p.ContactInfo.Email != "asha@example.com" || p.ContactInfo.Phone != "555-0100" {
		t.Fatalf("unexpected contact info %+v", p.ContactInfo)
	}
	if p.DateOfBirth == nil || p.DateOfBirth.Format("2006-01-02") != "1980-04-12" {
		t.Fatalf("unexpected date of birth %v", p.DateOfBirth)
	}
}

func TestCreatePatientValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := testUser("owner-1")
	tomorrow := time.Now().Add(48 * time.Hour).Format("2006-01-02")
	cases := []struct {
		name  string
		in    PatientInput
		field string
	}{
		{"missing first name", PatientInput{LastName: "Verma"}, "firstName"},
		{"missing last name", PatientInput{FirstName: "Asha"}, "lastName"},
		{"bad dob", PatientInput{FirstName: "Asha", LastName: "Verma", DateOfBirth: "12/04/1980"}, "dateOfBirth"},
		{"future dob", PatientInput{FirstName: "Asha", LastName: "Verma", DateOfBirth: tomorrow}, "dateOfBirth"},
		{"bad gender", PatientInput{FirstName: "Asha", LastName: "Verma", Gender: "unknown"}, "gender"},
		{"bad email", PatientInput{FirstName: "Asha", LastName: "Verma", ContactInfo: domain.ContactInfo{Email: "nope"}}, "contactInfo.email"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.app.CreatePatient(owner, tc.in)
			var v *ValidationError
			if !errors.As(err, &v) || v.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestPatientLifecycleIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := testUser("owner-1")
	other := testUser("owner-2")

	p, err := env.app.CreatePatient(owner, PatientInput{FirstName: "Asha", LastName: "Verma"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.app.CreatePatient(owner, PatientInput{FirstName: "Ben", LastName: "Okafor"}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	if _, err := env.app.GetPatient(other, p.ID); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected not found for another owner, got %v", err)
	}
	if _, err := env.app.GetPatient(owner, "bad"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected invalid id, got %v", err)
	}

	found, err := env.app.ListPatients(owner, "verm")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(found) != 1 || found[0].ID != p.ID {
		t.Fatalf("search should match last name, got %+v", found)
	}
	if all, _ := env.app.ListPatients(other, ""); len(all) != 0 {
		t.Fatalf("other owner must see no patients, got %d", len(all))
	}

	updated, err := env.app.UpdatePatient(owner, p.ID, PatientInput{FirstName: "Asha", LastName: "Verma-Rao", Gender: "Prefer not to say"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.LastName != "Verma-Rao" || updated.Gender != domain.GenderNotDisclosed || !updated.CreatedAt.Equal(p.CreatedAt) {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if _, err := env.app.UpdatePatient(other, p.ID, PatientInput{FirstName: "X", LastName: "Y"}); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("another owner must not update, got %v", err)
	}

	if err := env.app.DeletePatient(other, p.ID); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("another owner must not delete, got %v", err)
	}
	if err := env.app.DeletePatient(owner, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.app.GetPatient(owner, p.ID); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected deleted patient to be gone, got %v", err)
	}
}
