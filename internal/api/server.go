// Package api is the HTTP facade over the record service and access log.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/phivault/internal/audit"
	"github.com/org/phivault/internal/auth"
	"github.com/org/phivault/internal/crypto"
	"github.com/org/phivault/internal/deid"
	"github.com/org/phivault/internal/records"
	"github.com/org/phivault/internal/storage"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	EnforceScopes  bool
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	TrustProxy     bool // key the rate limiter on X-Forwarded-For
}

func (c Config) withDefaults() Config {
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 100
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 200
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Server is the API server.
type Server struct {
	store    storage.StorageBackend
	records  *records.Service
	access   *audit.Logger
	sessions *auth.Sessions
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.StorageBackend, keys *crypto.Keyring, sessions *auth.Sessions, cfg Config) *Server {
	engine := deid.NewEngine(keys)
	return &Server{
		store:    store,
		records:  records.NewService(store, keys, engine),
		access:   audit.NewLogger(store, keys),
		sessions: sessions,
		cfg:      cfg.withDefaults(),
	}
}

// Records exposes the record service (for the background sweeper).
func (s *Server) Records() *records.Service {
	return s.records
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(requestLogMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst, s.cfg.TrustProxy).middleware)
	r.Use(bodyLimitMiddleware(s.cfg.MaxBodyBytes))
	r.Use(sessionMiddleware(s.sessions))

	// Public routes
	r.Handle("/metrics", MetricsHandler())
	r.Get("/healthz", s.HealthHandler)

	r.Route("/secure-records", func(r chi.Router) {
		r.With(s.gate(auth.ScopeWrite)).Post("/", s.CreateRecordHandler)
		r.With(s.gate(auth.ScopeRead)).Get("/{token}", s.GetRecordHandler)
		r.With(s.gate(auth.ScopeWrite)).Delete("/{token}", s.DeleteRecordHandler)
	})

	r.Route("/compliance/access-log", func(r chi.Router) {
		r.Use(s.gate(auth.ScopeAudit))
		r.Post("/", s.RecordAccessHandler)
		r.Get("/", s.FetchAccessLogHandler)
	})

	// Always session-gated.
	r.With(requireScope(auth.ScopeRead)).Get("/audit/logs", s.AuditLogsHandler)

	return r
}

// gate applies requireScope only when scope enforcement is configured.
func (s *Server) gate(scope string) func(http.Handler) http.Handler {
	if !s.cfg.EnforceScopes {
		return func(next http.Handler) http.Handler { return next }
	}
	return requireScope(scope)
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
