package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/app"
)

func decodePatient(w http.ResponseWriter, r *http.Request) (app.PatientInput, bool) {
	var in app.PatientInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return in, false
	}
	return in, true
}

func (s *Server) handleCreatePatient(w http.ResponseWriter, r *http.Request, user domain.User) {
	in, ok := decodePatient(w, r)
	if !ok {
		return
	}
	p, err := s.app.CreatePatient(user, in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, "Patient created successfully", p)
}

func (s *Server) handleListPatients(w http.ResponseWriter, r *http.Request, user domain.User) {
	patients, err := s.app.ListPatients(user, r.URL.Query().Get("searchTerm"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", patients)
}

func (s *Server) handleGetPatient(w http.ResponseWriter, r *http.Request, user domain.User) {
	p, err := s.app.GetPatient(user, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", p)
}

func (s *Server) handleUpdatePatient(w http.ResponseWriter, r *http.Request, user domain.User) {
	in, ok := decodePatient(w, r)
	if !ok {
		return
	}
	p, err := s.app.UpdatePatient(user, chi.URLParam(r, "id"), in)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Patient updated successfully", p)
}

func (s *Server) handleDeletePatient(w http.ResponseWriter, r *http.Request, user domain.User) {
	if err := s.app.DeletePatient(user, chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "Patient deleted successfully", nil)
}
