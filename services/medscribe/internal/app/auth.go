package app

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/pkg/auth"
	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/pkg/store"
)

// Register creates an account and issues a session token. The first account becomes admin.
func (a *App) Register(email, password, name string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, "", ErrInvalidEmail
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", invalid("password", err.Error())
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	count, err := a.store.UserCount()
	if err != nil {
		return domain.User{}, "", fmt.Errorf("count users: %w", err)
	}
	role := domain.RoleUser
	if count == 0 {
		role = domain.RoleAdmin
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", err
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: passwordHash,
		Role:         role,
		Status:       domain.UserActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	user, err := a.checkCredentials(email, password)
	if err != nil {
		return domain.User{}, "", err
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// ResetPassword replaces the password after verifying the current one and
// revokes every token issued before the change.
func (a *App) ResetPassword(email, currentPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return invalid("newPassword", "is required")
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return invalid("newPassword", err.Error())
	}
	if currentPassword == newPassword {
		return ErrPasswordUnchanged
	}
	user, err := a.checkCredentials(email, currentPassword)
	if err != nil {
		return err
	}
	passwordHash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user.PasswordHash = passwordHash
	user.UpdatedAt = now
	if err := a.store.SaveUser(user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if revoker, ok := a.sessions.(store.UserSessionRevoker); ok {
		if err := revoker.RevokeUserSessions(user.ID, now); err != nil {
			return fmt.Errorf("revoke sessions: %w", err)
		}
	}
	return nil
}

// Logout revokes the token. Unknown or malformed tokens are ignored.
func (a *App) Logout(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves an active user from a session token.
func (a *App) UserFromToken(token string) (domain.User, error) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, ErrUnauthorized
	}
	user, found, err := a.store.GetUserByID(uid)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || user.Status == domain.UserDisabled {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

// ListUsers returns all users (admin use only).
func (a *App) ListUsers(requester domain.User) ([]domain.User, error) {
	if requester.Role != domain.RoleAdmin {
		return nil, ErrForbidden
	}
	users, err := a.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (a *App) checkCredentials(email, password string) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, ErrEmailAndPasswordRequired
	}
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	if user.Status == domain.UserDisabled {
		return domain.User{}, ErrUserDisabled
	}
	return user, nil
}

// IsAuthError reports whether err should be answered as a credential failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrUserDisabled) || errors.Is(err, ErrUnauthorized)
}
