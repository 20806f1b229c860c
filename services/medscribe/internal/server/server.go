package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/LifelineOCR/medscribe-backend/internal/ratelimit"
	"github.com/LifelineOCR/medscribe-backend/internal/security"
	"github.com/LifelineOCR/medscribe-backend/internal/util"
	"github.com/LifelineOCR/medscribe-backend/pkg/domain"
	"github.com/LifelineOCR/medscribe-backend/services/medscribe/internal/app"
)

const serviceName = "medscribe"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Redis enables rate limiting and security alerts. Both are off without it.
	Redis                    *redis.Client
	Alerter                  *security.AuditAlerter
	LoginRateLimitPerMinute  int
	SignupRateLimitPerMinute int
	MaxUploadBytes           int64
	CORSOrigins              []string
	TrustedProxies           *util.TrustedProxies
}

// Server exposes the MedScribe HTTP API.
type Server struct {
	app            *app.App
	alerter        *security.AuditAlerter
	router         chi.Router
	maxUploadBytes int64
	corsOrigins    []string
	trustedProxies *util.TrustedProxies
	loginLimiter   *ratelimit.FixedWindowLimiter
	signupLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("server requires an app")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 5 << 20
	}
	s := &Server{
		app:            cfg.App,
		alerter:        cfg.Alerter,
		router:         chi.NewRouter(),
		maxUploadBytes: maxUploadBytes,
		corsOrigins:    cfg.CORSOrigins,
		trustedProxies: cfg.TrustedProxies,
	}
	if s.alerter == nil && cfg.Redis != nil {
		s.alerter = security.NewAuditAlerter(cfg.Redis, "medscribe:alerts")
	}
	if cfg.Redis != nil {
		loginLimit := cfg.LoginRateLimitPerMinute
		if loginLimit <= 0 {
			loginLimit = 20
		}
		signupLimit := cfg.SignupRateLimitPerMinute
		if signupLimit <= 0 {
			signupLimit = 10
		}
		var err error
		if s.loginLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.Redis, "medscribe:ratelimit:login", loginLimit, time.Minute); err != nil {
			return nil, fmt.Errorf("init login limiter: %w", err)
		}
		if s.signupLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.Redis, "medscribe:ratelimit:signup", signupLimit, time.Minute); err != nil {
			return nil, fmt.Errorf("init signup limiter: %w", err)
		}
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(serviceName, util.WithSecurityHeaders(util.WithCORS(s.corsOrigins)(s.router))))
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimiddleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/reset-password", s.handleResetPassword)
		r.Get("/logout", s.handleLogout)
		r.Post("/logout", s.handleLogout)
		r.Get("/allUsers", s.adminOnly(s.handleAllUsers))
	})

	r.Route("/api/documents", func(r chi.Router) {
		r.Post("/upload", s.authenticated(s.handleUpload))
		r.Get("/", s.authenticated(s.handleListDocuments))
		r.Delete("/", s.authenticated(s.handleDeleteAllDocuments))
		r.Get("/recent", s.authenticated(s.handleRecentDocuments))
		r.Get("/file/{storageFileName}", s.authenticated(s.handleDownloadFile))
		r.Get("/{id}", s.authenticated(s.handleGetDocument))
		r.Delete("/{id}", s.authenticated(s.handleDeleteDocument))
		r.Get("/{id}/transcription", s.authenticated(s.handleGetTranscription))
	})

	r.Route("/api/patients", func(r chi.Router) {
		r.Post("/", s.authenticated(s.handleCreatePatient))
		r.Get("/", s.authenticated(s.handleListPatients))
		r.Get("/{id}", s.authenticated(s.handleGetPatient))
		r.Put("/{id}", s.authenticated(s.handleUpdatePatient))
		r.Delete("/{id}", s.authenticated(s.handleDeletePatient))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	}
}

func (s *Server) adminOnly(next authHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, security.EventAdminAccess, security.OutcomeFail, "", "reason", "unauthorized")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if user.Role != domain.RoleAdmin {
			s.audit(r, security.EventAdminAccess, security.OutcomeFail, user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	}
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	user, err := s.app.UserFromToken(token)
	if err != nil {
		return domain.User{}, false
	}
	return user, true
}

type envelope struct {
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

func writeData(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Message: msg, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

// audit logs a security event and feeds the alert counters. subject falls
// back to the client IP.
func (s *Server) audit(r *http.Request, event, outcome, subject string, attrs ...any) {
	ip := s.clientIP(r)
	logger := util.LoggerFromContext(r.Context())
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	if subject == "" {
		subject = ip
	}
	res, err := s.alerter.Observe(r.Context(), event, outcome, subject)
	if err != nil {
		logger.Error("security alert counter failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"subject", subject,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	d := limiter.Allow(r.Context(), s.clientIP(r))
	if d.Allowed {
		return true
	}
	retry := int(d.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
