// Package apiServer exposes the vault workflows over HTTP.
package apiServer

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/pkg/session"
)

const (
	headerSession  = "X-Vault-Session"
	headerShareKey = "X-Vault-Share-Key"

	defaultMaxUpload = 256 << 20
	limiterTTL       = 10 * time.Minute
)

type Server struct {
	mux       *http.ServeMux
	vault     *vault.Vault
	sessions  *session.Manager
	log       *slog.Logger
	limiter   *multiLimiter
	maxUpload int64
}

func New(v *vault.Vault, sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		vault:     v,
		sessions:  sessions,
		log:       slog.Default(),
		maxUpload: defaultMaxUpload,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /session", s.handleLogin)
	s.mux.HandleFunc("DELETE /session", s.handleLogout)

	s.mux.HandleFunc("POST /files", s.authed(s.handleUpload))
	s.mux.HandleFunc("GET /files", s.authed(s.handleList))
	s.mux.HandleFunc("GET /files/{id}", s.authed(s.handleDownload))
	s.mux.HandleFunc("DELETE /files/{id}", s.authed(s.handleDestroy))
	s.mux.HandleFunc("GET /files/{id}/permissions", s.authed(s.handlePermissions))
	s.mux.HandleFunc("POST /files/{id}/share", s.authed(s.handleShare))
	s.mux.HandleFunc("POST /files/{id}/revoke", s.authed(s.handleRevoke))
	s.mux.HandleFunc("POST /files/{id}/lock", s.authed(s.handleLock))
	s.mux.HandleFunc("GET /files/{id}/evidence", s.authed(s.handleEvidence))
	s.mux.HandleFunc("POST /lockdown", s.authed(s.handleLockdown))

	s.mux.HandleFunc("GET /access/{id}", s.handleAccess)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, "+headerSession+", "+headerShareKey)
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.Header().Set("Access-Control-Expose-Headers", "Content-Type, Content-Length, Content-Disposition, X-Vault-File, X-Vault-Storage")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.limiter != nil && !s.limiter.allow(getClientIP(r)) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	s.mux.ServeHTTP(w, r)
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithRateLimit limits requests per client address. A zero limit disables
// limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		if limit <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = newMultiLimiter(limit, burst, limiterTTL)
	}
}

// WithMaxUpload bounds the accepted upload body size in bytes.
func WithMaxUpload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}
