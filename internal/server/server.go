// Package server exposes the dashboard API: log analytics and metric
// time series over an operator-selected window, plus auth and health
// endpoints.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mogi-io/cdnstat/internal/analytics"
	"github.com/mogi-io/cdnstat/internal/config"
	"github.com/mogi-io/cdnstat/internal/metrics"
	"github.com/mogi-io/cdnstat/internal/series"
	"github.com/mogi-io/cdnstat/internal/storage"
	"github.com/mogi-io/cdnstat/internal/version"
)

// LogSource delivers one bounded page of access-log entries for an
// inclusive time window.
type LogSource interface {
	Entries(ctx context.Context, start, end time.Time, pageSize int) ([]analytics.LogEntry, error)
}

type Server struct {
	store       *storage.Storage
	logs        LogSource
	agg         *analytics.Aggregator
	fetcher     *series.Fetcher
	mux         *http.ServeMux
	cfg         config.Config
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
}

// New assembles the API server. m may be nil to disable operational
// metrics recording.
func New(store *storage.Storage, logs LogSource, agg *analytics.Aggregator, fetcher *series.Fetcher, cfg config.Config, m *metrics.Metrics) *Server {
	s := &Server{
		store:       store,
		logs:        logs,
		agg:         agg,
		fetcher:     fetcher,
		mux:         http.NewServeMux(),
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		metrics:     m,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Public endpoints (no auth required)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/robots.txt", s.handleRobotsTxt)
	s.mux.Handle("/metrics", promhttp.Handler())

	// Auth endpoints (always accessible)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("/api/auth/check", s.handleAuthCheck)

	// Log aggregation accepts no anonymous calls; the metrics endpoint
	// serves pre-aggregated provider data and stays open.
	s.mux.HandleFunc("/api/analytics", s.requireAuth(s.handleAnalytics))
	s.mux.HandleFunc("/api/metrics", s.handleMetrics)
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Prevent search engine indexing
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")
	setSecurityHeaders(w)

	if s.rateLimiter.enabled {
		ip := extractIP(r)
		if !s.rateLimiter.Allow(ip) {
			slog.Debug("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	if s.cfg.MaxRequestBodyBytes > 0 && r.ContentLength > s.cfg.MaxRequestBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if s.cfg.MaxRequestBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBodyBytes)
	}

	if s.metrics != nil {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		begin := time.Now()
		s.mux.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(begin).Seconds())
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	dbStatus := "connected"
	httpStatus := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		status = "error"
		dbStatus = "disconnected"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"db":      dbStatus,
		"version": version.Version,
	})
}

func (s *Server) handleRobotsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
}

// Authentication

const sessionCookieName = "cdnstat_session"
const sessionDuration = 24 * time.Hour

func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (s *Server) createSession(ctx context.Context) (string, error) {
	token, err := generateSessionToken()
	if err != nil {
		return "", err
	}
	expiresAt := time.Now().Add(sessionDuration)
	if err := s.store.CreateSession(ctx, token, expiresAt); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Server) validateSession(ctx context.Context, token string) bool {
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		slog.Warn("failed to get session", "error", err)
		return false
	}
	if sess == nil {
		return false
	}
	if time.Now().After(sess.ExpiresAt) {
		if err := s.store.DeleteSession(ctx, token); err != nil {
			slog.Warn("failed to delete expired session", "error", err)
		}
		return false
	}
	return true
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			next(w, r)
			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || !s.validateSession(r.Context(), cookie.Value) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.cfg.AuthEnabled() {
		writeJSON(w, map[string]any{"authenticated": true, "auth_required": false})
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	// Constant-time comparison to prevent timing attacks
	usernameMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.AuthUsername)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AuthPassword)) == 1

	if !usernameMatch || !passwordMatch {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.createSession(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionDuration.Seconds()),
	})

	writeJSON(w, map[string]any{"authenticated": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		if err := s.store.DeleteSession(r.Context(), cookie.Value); err != nil {
			slog.Warn("failed to delete session", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})

	writeJSON(w, map[string]any{"authenticated": false})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled() {
		writeJSON(w, map[string]any{"authenticated": true, "auth_required": false})
		return
	}

	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || !s.validateSession(r.Context(), cookie.Value) {
		writeJSON(w, map[string]any{"authenticated": false, "auth_required": true})
		return
	}

	writeJSON(w, map[string]any{"authenticated": true, "auth_required": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write JSON response", "error", err)
	}
}

// writeError emits the single-object error payload used for every
// failed request.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
