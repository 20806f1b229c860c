package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/LifelineOCR/medscribe-backend/internal/security"
	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/app"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetPasswordRequest struct {
	Email           string `json:"email"`
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, security.EventRegister, security.OutcomeRateLimited, "")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Register(req.Email, req.Password, req.Name)
	if err != nil {
		s.audit(r, security.EventRegister, security.OutcomeFail, "", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, security.EventRegister, "success", user.ID, "user_id", user.ID)
	writeData(w, http.StatusCreated, "User registered successfully", authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, security.EventLogin, security.OutcomeRateLimited, "")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		if app.IsAuthError(err) {
			s.audit(r, security.EventLogin, security.OutcomeFail, "", "reason", err.Error())
		}
		writeAppError(w, r, err)
		return
	}
	s.audit(r, security.EventLogin, "success", user.ID, "user_id", user.ID)
	writeData(w, http.StatusOK, "Login successful", authResponse{Token: token, User: user})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many password reset attempts") {
		s.audit(r, security.EventPasswordReset, security.OutcomeRateLimited, "")
		return
	}
	var req resetPasswordRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.ResetPassword(req.Email, req.CurrentPassword, req.NewPassword); err != nil {
		if app.IsAuthError(err) {
			s.audit(r, security.EventPasswordReset, security.OutcomeFail, "", "reason", err.Error())
		}
		writeAppError(w, r, err)
		return
	}
	s.audit(r, security.EventPasswordReset, "success", "")
	writeData(w, http.StatusOK, "Password updated successfully", nil)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, ok := bearerToken(r); ok {
		if err := s.app.Logout(token); err != nil && !errors.Is(err, app.ErrUnauthorized) {
			writeAppError(w, r, err)
			return
		}
	}
	writeData(w, http.StatusOK, "Logged out successfully", nil)
}

func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request, user domain.User) {
	users, err := s.app.ListUsers(user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", users)
}
