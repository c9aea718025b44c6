// attestd is the remote attestation server: it issues challenge nonces,
// verifies Android keystore attestation chains, pins devices on first
// use, and alerts account owners when a pinned device goes silent.
package main

import (
	"context"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attestd/internal/alert"
	"attestd/internal/catalogue"
	"attestd/internal/challenge"
	"attestd/internal/config"
	"attestd/internal/logging"
	"attestd/internal/mail"
	"attestd/internal/maintenance"
	"attestd/internal/server"
	"attestd/internal/store"
	"attestd/internal/verifier"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "attestd.toml", "path to the TOML configuration file")
	rootsPath := flag.String("roots", "", "path to a PEM bundle of trusted attestation root certificates")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("attestd %s (%s)\n", Version, Commit)
		return
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	defer loader.Close()

	logger, err := logging.New(&logging.Config{
		Level:     mustParseLevel(cfg.Logging.Level),
		Format:    logFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "attestd",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)

	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:  cfg.Logging.AuditPath,
		Component: "attestd",
	})
	if err != nil {
		logger.Error("init audit logger", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	st, err := store.Open(cfg.DatabasePath, time.Duration(cfg.DatabaseBusyTimeout)*time.Millisecond)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	samples, err := store.OpenSamples(cfg.SamplesDatabasePath, time.Duration(cfg.DatabaseBusyTimeout)*time.Millisecond)
	if err != nil {
		logger.Error("open samples store", "error", err)
		os.Exit(1)
	}
	defer samples.Close()

	cat, err := catalogue.Load()
	if err != nil {
		logger.Error("load device catalogue", "error", err)
		os.Exit(1)
	}

	roots, err := loadRoots(*rootsPath)
	if err != nil {
		logger.Error("load trusted roots", "error", err)
		os.Exit(1)
	}
	ver := verifier.New(roots, cat)

	idx := challenge.New(cfg.ChallengeFreshness, cfg.ChallengeCapacity)
	defer idx.Close()

	mailer := mail.New(cfg.SMTP)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := alert.New(st, mailer, cfg.AlertInterval, audit, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	maint := maintenance.New(st, cfg.MaintenanceInterval, cfg.AttestationRetention, cfg.BackupDir, logger)
	maint.Start(ctx)
	defer maint.Stop()

	srv, err := server.New(cfg, st, samples, cat, idx, ver, mailer, logger, audit)
	if err != nil {
		logger.Error("init server", "error", err)
		os.Exit(1)
	}

	audit.LogStartup(ctx, Version)
	logger.Info("attestd listening", "addr", cfg.ListenAddr)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server exited", "error", err)
		audit.LogShutdown(context.Background(), err.Error())
		os.Exit(1)
	}
	audit.LogShutdown(context.Background(), "signal")
}

func mustParseLevel(s string) logging.Level {
	lvl, err := logging.ParseLevel(s)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}

func logFormat(s string) logging.Format {
	if s == "text" {
		return logging.FormatText
	}
	return logging.FormatJSON
}

func loadRoots(path string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if path == "" {
		return pool, nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trusted roots: %w", err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}
