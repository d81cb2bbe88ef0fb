package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.io/infrasutra/slowpost/internal/auth"
	"github.io/infrasutra/slowpost/internal/config"
	"github.io/infrasutra/slowpost/internal/letter"
	"github.io/infrasutra/slowpost/internal/metrics"
	"github.io/infrasutra/slowpost/internal/notify"
	"github.io/infrasutra/slowpost/internal/sse"
	"github.io/infrasutra/slowpost/internal/store"
)

const streamPingInterval = 20 * time.Second

type Server struct {
	cfg      config.Config
	store    *store.Store
	letters  *letter.Manager
	auth     *auth.Manager
	hub      *sse.Hub
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	mux      *http.ServeMux
}

type Option func(*Server)

// WithNotifier sets who is told about drafts, sends and reads made through
// the API.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(cfg config.Config, st *store.Store, letters *letter.Manager, authManager *auth.Manager, hub *sse.Hub, logger *slog.Logger, opts ...Option) *Server {
	server := &Server{
		cfg:     cfg,
		store:   st,
		letters: letters,
		auth:    authManager,
		hub:     hub,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/letters", server.handleLetters)
	mux.HandleFunc("/api/letters/", server.handleLetter)
	mux.HandleFunc("/api/stream", server.handleStream)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)
	mux.HandleFunc("/metrics", server.handleMetrics)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	email, err := auth.NormalizeEmail(payload.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	now := time.Now()
	if err := s.store.UpsertUser(r.Context(), email, now); err != nil {
		s.logger.Error("save user", "email", email, "error", err)
		http.Error(w, "unable to save user", http.StatusServiceUnavailable)
		return
	}
	token, err := s.auth.Issue(email, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, now)
	s.respondJSON(w, http.StatusOK, map[string]string{"email": email})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	email, err := s.sessionEmail(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	me := map[string]any{
		"email":         email,
		"deliveryDelay": s.letters.Delay().String(),
	}
	user, err := s.store.GetUser(r.Context(), email)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		s.logger.Error("load user", "email", email, "error", err)
		http.Error(w, "unable to load user", http.StatusServiceUnavailable)
		return
	default:
		me["createdAt"] = formatTime(&user.CreatedAt)
		me["lastLogin"] = formatTime(&user.LastLogin)
	}
	s.respondJSON(w, http.StatusOK, me)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	email, err := s.sessionEmail(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(email)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) sessionEmail(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return "", errors.New("missing session")
	}
	return s.auth.Parse(cookie.Value, time.Now())
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.auth.MaxAge().Seconds()),
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// respondError maps lifecycle errors onto HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, letter.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, letter.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, letter.ErrInvalidTransition), errors.Is(err, letter.ErrNotDue):
		status = http.StatusConflict
	case errors.Is(err, letter.ErrInvalidLetter):
		status = http.StatusBadRequest
	case errors.Is(err, letter.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func (s *Server) announce(ctx context.Context, event notify.Event, l letter.Letter) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, l); err != nil {
		s.logger.Warn("notify", "event", event, "id", l.ID, "error", err)
	}
}
