package server

import (
	"context"
	"net/http"
	"time"

	"attestd/internal/catalogue"
	"attestd/internal/challenge"
	"attestd/internal/config"
	"attestd/internal/logging"
	"attestd/internal/mail"
	"attestd/internal/security"
	"attestd/internal/store"
	"attestd/internal/verifier"
)

// Server wires every collaborator the Ingress Adapters need: the
// account/device store, the sample database, the device catalogue, the
// challenge index, the attestation verifier, the mailer, and the
// structured/audit loggers.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	samples  *store.SampleStore
	cat      *catalogue.Catalogue
	idx      *challenge.Index
	ver      *verifier.Verifier
	mailer   mail.Mailer
	logger   *logging.Logger
	audit    *logging.AuditLogger
	schemas  *schemaSet
	loginLim *security.FailureLimiter
	ipLim    *security.IPRateLimiter
	conns    *security.ConnectionLimiter

	httpServer *http.Server
}

// New assembles a Server from its collaborators and compiles the
// embedded JSON schemas used to validate admin endpoint bodies.
func New(
	cfg *config.Config,
	st *store.Store,
	samples *store.SampleStore,
	cat *catalogue.Catalogue,
	idx *challenge.Index,
	ver *verifier.Verifier,
	mailer mail.Mailer,
	logger *logging.Logger,
	audit *logging.AuditLogger,
) (*Server, error) {
	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg, store: st, samples: samples, cat: cat, idx: idx, ver: ver,
		mailer: mailer, logger: logger, audit: audit, schemas: schemas,
		loginLim: security.NewFailureLimiter(500*time.Millisecond, 30*time.Second, 10*time.Minute, 10, 15*time.Minute),
		ipLim:    security.NewIPRateLimiter(5, 20, 10*time.Minute),
		conns:    security.NewConnectionLimiter(cfg.WorkerPoolSize, maxPerIPConns(cfg.WorkerPoolSize)),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// maxPerIPConns caps how much of the worker pool a single source IP may
// occupy at once, so a challenge-flood from one address cannot starve
// the rest of the fleet.
func maxPerIPConns(workerPoolSize int) int {
	if n := workerPoolSize / 8; n > 0 {
		return n
	}
	return 1
}

// routes builds the request mux, composing every handler with the
// middleware chain appropriate to its method and trust boundary.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	rid := withRequestID(s.logger)
	origin := withOrigin(s.cfg.CanonicalOrigin)

	// Protocol endpoints: called by the auditor client, never a browser.
	// These carry the fleet's request volume, so they're the ones bounded
	// to the configured worker pool size.
	mux.HandleFunc("/challenge", chain(s.handleChallenge,
		rid, withConcurrencyLimit(s.conns), withMethod(http.MethodPost), withBodyLimit(1<<10)))
	mux.HandleFunc("/verify", chain(s.handleVerify,
		rid, withConcurrencyLimit(s.conns), withMethod(http.MethodPost), withBodyLimit(s.cfg.MaxMessageSize)))
	mux.HandleFunc("/submit", chain(s.handleSubmit,
		rid, withConcurrencyLimit(s.conns), withMethod(http.MethodPost), withBodyLimit(s.cfg.MaxSampleSize)))

	// Account and admin surface: browser-originated, CSRF-checked.
	mux.HandleFunc("/api/create-account", chain(s.handleCreateAccount,
		rid, origin, withMethod(http.MethodPost), withBodyLimit(4<<10)))
	mux.HandleFunc("/api/login", chain(s.handleLogin,
		rid, origin, withMethod(http.MethodPost), withBodyLimit(4<<10)))
	mux.HandleFunc("/api/logout", chain(s.handleLogout,
		rid, origin, withMethod(http.MethodPost), withBodyLimit(1<<10)))
	mux.HandleFunc("/logout-everywhere", chain(s.handleLogoutEverywhere,
		rid, origin, withMethod(http.MethodPost), withBodyLimit(1<<10)))
	mux.HandleFunc("/api/account", chain(s.handleAccount,
		rid, origin, withMethod(http.MethodGet)))
	mux.HandleFunc("/api/devices.json", chain(s.handleDevices,
		rid, origin, withMethod(http.MethodGet)))
	mux.HandleFunc("/api/attestation-history.json", chain(s.handleAttestationHistory,
		rid, origin, withMethod(http.MethodGet)))
	mux.HandleFunc("/api/delete-device", chain(s.handleDeleteDevice,
		rid, origin, withMethod(http.MethodPost), withBodyLimit(1<<10)))
	mux.HandleFunc("/api/configuration", chain(s.handleConfiguration,
		rid, origin, withMethod(http.MethodPost), withBodyLimit(1<<10)))

	return mux
}

// ListenAndServe blocks serving HTTP until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
