package httpapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whisperintel/whisper/internal/auth"
	"github.com/whisperintel/whisper/internal/config"
	"github.com/whisperintel/whisper/internal/rate"
	"github.com/whisperintel/whisper/internal/store"
	"github.com/whisperintel/whisper/internal/trending"
)

const maxBodyBytes = 64 << 10

type Server struct {
	store   store.Store
	auth    *auth.Service
	limiter rate.Limiter
	cfg     config.Config
	ranker  *trending.Ranker
	logger  *log.Logger
	router  chi.Router
	now     func() time.Time
}

func NewServer(store store.Store, authSvc *auth.Service, limiter rate.Limiter, cfg config.Config, logger *log.Logger) (*Server, error) {
	if store == nil || authSvc == nil || limiter == nil {
		return nil, errors.New("httpapp: store, auth and limiter are required")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		store:   store,
		auth:    authSvc,
		limiter: limiter,
		cfg:     cfg,
		ranker:  trending.New(cfg.Weights()),
		logger:  logger,
		now:     time.Now,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(corsHandler(s.cfg.CORSOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) { notFound(w) })
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) { methodNotAllowed(w) })

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/gists", func(r chi.Router) {
			r.Get("/", s.handleListGists)
			r.Post("/", s.handleCreateGist)
			r.Get("/{id}", s.handleGetGist)
			r.Post("/{id}/vote", s.handleVote)
			r.Get("/{id}/comments", s.handleListComments)
			r.Post("/{id}/comments", s.handleCreateComment)
		})
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", s.handleSignup)
			r.Post("/login", s.handleLogin)
			r.Get("/me", s.handleMe)
			r.Post("/logout", s.handleLogout)
			r.Post("/challenge", s.handleAuthChallenge)
			r.Post("/verify", s.handleAuthVerify)
			r.Post("/keys", s.handleAddKey)
			r.Delete("/keys/{keyID}", s.handleRevokeKey)
		})
		r.Get("/stats", s.handleGetStats)
	})
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"message": "whisper API is running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetSiteStats(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) allowRateLimit(w http.ResponseWriter, r *http.Request, action string, limit int) bool {
	if limit <= 0 {
		return true
	}
	ipKey := fmt.Sprintf("%s:ip:%s", action, s.clientIP(r))
	if ok, retry := s.limiter.Allow(ipKey, limit, time.Minute); !ok {
		writeRateLimit(w, retry)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// optionalAuth returns nil when no valid bearer token is present.
func (s *Server) optionalAuth(r *http.Request) *auth.Claims {
	bearer := bearerToken(r)
	if bearer == "" {
		return nil
	}
	claims, err := s.auth.VerifyToken(r.Context(), bearer)
	if err != nil {
		return nil
	}
	return &claims
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	bearer := bearerToken(r)
	if bearer == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return auth.Claims{}, false
	}
	claims, err := s.auth.VerifyToken(r.Context(), bearer)
	if err != nil {
		s.writeAuthError(w, r, err)
		return auth.Claims{}, false
	}
	return claims, true
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// serverError logs err and answers 500 without leaking it.
func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"err", err,
	)
	writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrDuplicateVote),
		errors.Is(err, store.ErrDuplicateKey),
		errors.Is(err, store.ErrDuplicateUsername),
		errors.Is(err, store.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err)
	default:
		s.serverError(w, r, err)
	}
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrUnsupportedAlg):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrChallengeExpired),
		errors.Is(err, auth.ErrInvalidSignature),
		errors.Is(err, auth.ErrUnknownKey),
		errors.Is(err, auth.ErrKeyRevoked):
		writeError(w, http.StatusUnauthorized, err)
	default:
		s.writeStoreError(w, r, err)
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeRateLimit(w http.ResponseWriter, retry time.Duration) {
	seconds := int(retry.Seconds())
	if retry > 0 && seconds == 0 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": seconds,
	})
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, errors.New("not found"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return def
}
