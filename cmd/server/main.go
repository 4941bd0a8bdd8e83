package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/phivault/internal/api"
	"github.com/org/phivault/internal/auth"
	"github.com/org/phivault/internal/config"
	"github.com/org/phivault/internal/crypto"
	"github.com/org/phivault/internal/records"
	"github.com/org/phivault/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("PHIVAULT_CONFIG"); v != "" {
		cfgFile = v
	}
	if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	secrets, err := config.NewSecretSource(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure secret source")
	}
	if cfg.IsProd() {
		if err := config.RequireSecrets(ctx, secrets, crypto.SecretEncryption, crypto.SecretSession); err != nil {
			log.Fatal().Err(err).Msg("missing required secret")
		}
	}

	keys := crypto.NewKeyring(secrets)
	if err := keys.Load(ctx); err != nil {
		if cfg.IsProd() {
			log.Fatal().Err(err).Msg("failed to load encryption keys")
		}
		log.Warn().Err(err).Msg("encryption keys unavailable; record and access-log calls will fail")
	}

	sessionSecret, err := secrets.Lookup(ctx, crypto.SecretSession)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read session secret")
	}
	if sessionSecret == "" {
		log.Warn().Msg("PHIVAULT_SESSION_SECRET not set; /audit/logs will reject every caller")
	}
	var sessionOpts []auth.Option
	if cfg.SessionIssuer != "" {
		sessionOpts = append(sessionOpts, auth.WithIssuer(cfg.SessionIssuer))
	}
	sessions := auth.NewSessions([]byte(sessionSecret), sessionOpts...)

	if storage.IsPostgresURL(cfg.DBUrl) {
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
	}

	store, err := storage.Open(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	srv := api.NewServer(store, keys, sessions, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		EnforceScopes:  cfg.EnforceScopes,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		TrustProxy:     cfg.TrustProxy,
	})

	sweeper := records.NewSweeper(srv.Records(), cfg.SweepInterval)
	sweeper.Start(ctx)

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("env", cfg.Env).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	sweeper.Stop()
	log.Info().Msg("server stopped")
}
