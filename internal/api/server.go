// Package api exposes the vault server over HTTP: tag registry management,
// the two-round phrase verification exchange, and encrypted vault object
// storage. Every payload that crosses this surface is client-derived
// material the server cannot reverse to a phrase or a plaintext.
package api

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/tagvault/internal/audit"
	"github.com/org/tagvault/internal/opaque"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/internal/storage"
	"github.com/org/tagvault/internal/tags"
	"github.com/org/tagvault/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	DBUrl         string
	MigrationsDir string
	// DecoySecret keys the deterministic decoy records served for unknown
	// tag ids. Empty means a random per-process secret: decoys then vary
	// across restarts but stay consistent within one.
	DecoySecret string
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	store       storage.Backend
	registry    *tags.Registry
	sessions    *session.Manager
	engine      opaque.Engine
	attempts    *attemptStore
	tracker     *tags.AttemptTracker
	auditor     AuditLogger
	decoySecret []byte
	cfg         Config
	httpSrv     *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.Backend, cfg Config) *Server {
	sessions := session.NewManager(models.DefaultSessionConfig(), nil)
	secret := []byte(cfg.DecoySecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		io.ReadFull(rand.Reader, secret) //nolint:errcheck
	}
	return &Server{
		store:       store,
		registry:    tags.NewRegistry(store, sessions),
		sessions:    sessions,
		engine:      opaque.NewEngine(),
		attempts:    newAttemptStore(nil),
		tracker:     tags.NewAttemptTracker(nil),
		auditor:     audit.NewLogger(store),
		decoySecret: secret,
		cfg:         cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(auditMiddleware(s.auditor))

	// Unauthenticated surface.
	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	// Tenant-scoped surface.
	r.Group(func(r chi.Router) {
		r.Use(userMiddleware)

		r.Post("/v1/tags/register", s.TagRegisterHandler)
		r.Get("/v1/tags", s.TagListHandler)
		r.Patch("/v1/tags/{tagID}", s.TagUpdateHandler)
		r.Patch("/v1/tags/{tagID}/active", s.TagActiveHandler)
		r.Delete("/v1/tags/{tagID}", s.TagDeleteHandler)
		r.Post("/v1/tags/{tagID}/rekey", s.TagRekeyHandler)

		r.Get("/v1/auth/candidates", s.CandidatesHandler)
		r.Post("/v1/auth/init", s.AuthInitHandler)
		r.Post("/v1/auth/finalize", s.AuthFinalizeHandler)

		r.Post("/v1/vaults/{vaultID}/objects", s.ObjectPutHandler)
		r.Get("/v1/vaults/{vaultID}/objects", s.ObjectListHandler)
		r.Get("/v1/vaults/{vaultID}/objects/{objectID}", s.ObjectGetHandler)
		r.Delete("/v1/vaults/{vaultID}/objects/{objectID}", s.ObjectDeleteHandler)
		r.Delete("/v1/vaults/{vaultID}", s.VaultDeleteHandler)

		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
	})

	return r
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
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
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
