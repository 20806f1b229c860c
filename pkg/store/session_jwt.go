package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
)

const (
	defaultJWTIssuer   = "medscribe-api"
	defaultJWTAudience = "medscribe-clients"
	minJWTSecretLength = 32
)

var defaultJWTLeeway = 30 * time.Second

// ErrSessionRevoked marks a well-formed token that was logged out or predates
// a password change.
var ErrSessionRevoked = errors.New("session revoked")

// sessionClaims carries a millisecond issue time next to the standard
// second-precision iat so user cutoffs can separate tokens minted in the
// same second as a password reset.
type sessionClaims struct {
	jwt.RegisteredClaims
	IssuedAtMillis int64 `json:"iat_ms,omitempty"`
}

func (c sessionClaims) issuedAt() time.Time {
	if c.IssuedAtMillis > 0 {
		return time.UnixMilli(c.IssuedAtMillis).UTC()
	}
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time.UTC()
}

// JWTOptions tunes claim validation. Zero values fall back to the defaults above.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTSessionStore issues HS256 session tokens. Logout and password resets are
// enforced through the optional revoker since the tokens themselves are stateless.
type JWTSessionStore struct {
	secret   []byte
	ttl      time.Duration
	revoker  TokenRevoker
	issuer   string
	audience string
	parser   *jwt.Parser
}

func NewJWTSessionStore(secret string, ttl time.Duration, revoker TokenRevoker) (*JWTSessionStore, error) {
	return NewJWTSessionStoreWithOptions(secret, ttl, revoker, JWTOptions{})
}

func NewJWTSessionStoreWithOptions(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minJWTSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", minJWTSecretLength)
	}
	if ttl <= 0 {
		return nil, errors.New("jwt ttl must be positive")
	}
	issuer := firstNonBlank(opts.Issuer, defaultJWTIssuer)
	audience := firstNonBlank(opts.Audience, defaultJWTAudience)
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = defaultJWTLeeway
	}
	return &JWTSessionStore{
		secret:   []byte(secret),
		ttl:      ttl,
		revoker:  revoker,
		issuer:   issuer,
		audience: audience,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
		),
	}, nil
}

func firstNonBlank(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func (s *JWTSessionStore) TTL() time.Duration {
	return s.ttl
}

func (s *JWTSessionStore) NewSession(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        util.NewID(),
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		IssuedAtMillis: now.UnixMilli(),
	}).SignedString(s.secret)
}

// GetUserIDByToken returns the subject of a valid, unrevoked token.
func (s *JWTSessionStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, err := s.verify(token)
	if err != nil {
		return "", false, err
	}
	if err := s.checkRevoked(claims); err != nil {
		return "", false, err
	}
	return claims.Subject, true, nil
}

func (s *JWTSessionStore) checkRevoked(claims sessionClaims) error {
	if s.revoker == nil {
		return nil
	}
	revoked, err := s.revoker.IsRevoked(claims.ID)
	if err != nil {
		return fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return ErrSessionRevoked
	}
	users, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return nil
	}
	cutoff, err := users.RevokedAfter(claims.Subject)
	if err != nil {
		return fmt.Errorf("check user revocation: %w", err)
	}
	if cutoff.IsZero() {
		return nil
	}
	issued := claims.issuedAt()
	// tokens minted in the same millisecond as the cutoff are revoked too
	if issued.IsZero() || !issued.After(cutoff.Truncate(time.Millisecond)) {
		return ErrSessionRevoked
	}
	return nil
}

// DeleteSession revokes the token's jti for the rest of its lifetime.
// Tokens that no longer verify are already unusable and are ignored.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.verify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	users, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return errors.New("session revoker does not support user revocation")
	}
	return users.RevokeUser(userID, since)
}

func (s *JWTSessionStore) verify(token string) (sessionClaims, error) {
	var claims sessionClaims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	if _, err := s.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return claims, fmt.Errorf("verify token: %w", err)
	}
	switch {
	case strings.TrimSpace(claims.ID) == "":
		return claims, errors.New("token jti missing")
	case strings.TrimSpace(claims.Subject) == "":
		return claims, errors.New("token subject missing")
	}
	return claims, nil
}
