package httpapi

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/lockwarden/internal/lockwarden"
	"github.com/charmbracelet/log"
)

// StatusSource reports what the agent is currently enforcing.
type StatusSource interface {
	Status() lockwarden.Status
}

type ServerConfig struct {
	Status StatusSource
	// Token guards /v1/locks. Empty disables the route.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          *log.Logger
}

// Server answers keepalive pings and exposes a read-only view of the lock
// state.
type Server struct {
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *log.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = io.WriteString(w, "OK")
		}
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/locks" && r.Method == http.MethodGet:
		s.handleLocks(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.Status == nil || strings.TrimSpace(s.cfg.Token) == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if authErr := authorizeStaticBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		s.logger.Debug("status request rejected", "code", authErr.code, "remote", r.RemoteAddr)
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Status.Status())
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
