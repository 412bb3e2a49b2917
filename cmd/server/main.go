package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bcnelson/hostbeat/internal/api"
	"github.com/bcnelson/hostbeat/internal/api/middleware"
	"github.com/bcnelson/hostbeat/internal/auth"
	"github.com/bcnelson/hostbeat/internal/config"
	"github.com/bcnelson/hostbeat/internal/logging"
	"github.com/bcnelson/hostbeat/internal/metrics"
	"github.com/bcnelson/hostbeat/internal/security"
	"github.com/bcnelson/hostbeat/internal/service"
	"github.com/bcnelson/hostbeat/internal/storage/cached"
	"github.com/bcnelson/hostbeat/internal/storage/sql"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "json", os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Create data directory if needed (for SQLite)
	if cfg.Database.Driver == "sqlite3" {
		dir := filepath.Dir(strings.SplitN(cfg.Database.DSN, "?", 2)[0])
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatal().Err(err).Str("dir", dir).Msg("failed to create data directory")
		}
	}

	// Initialize storage
	sqlStore, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer sqlStore.Close()
	store := cached.New(sqlStore, cfg.Ingest.CredentialCacheTTL)

	// Access token keys
	signer, pub, ephemeral, err := security.LoadKeyPair(cfg.Tokens.PrivateKey, cfg.Tokens.PublicKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load token signing keys")
	}
	if ephemeral {
		logger.Warn().Msg("no JWT_PRIVATE_KEY configured, using an ephemeral key; access tokens will not survive a restart")
	}
	tokens := security.NewTokenIssuer(signer, pub, cfg.Tokens.Issuer, cfg.Tokens.Audience, cfg.Tokens.AccessTTL)

	m := metrics.New()

	var adminVerifier middleware.AdminTokenVerifier
	if cfg.OIDC.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		verifier, err := auth.NewOIDCVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID, cfg.OIDC.GetAllowedDomains())
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("issuer", cfg.OIDC.IssuerURL).Msg("failed to initialize OIDC verifier")
		}
		adminVerifier = verifier
		logger.Info().Str("issuer", cfg.OIDC.IssuerURL).Msg("OIDC admin authentication enabled")
	}
	if cfg.Admin.APIKey == "" && adminVerifier == nil {
		logger.Warn().Msg("neither ADMIN_API_KEY nor OIDC is configured, the admin API is unreachable")
	}

	// Create router
	router := api.NewRouter(api.Dependencies{
		Store:         store,
		Credentials:   service.NewCredentialManager(store, tokens, m, logger),
		Authenticator: service.NewAuthenticator(tokens, store, store, cfg.Ingest.TimestampSkew, m, logger),
		Ingest:        service.NewIngestService(store, m, logger),
		Jobs:          service.NewJobRunner(store, cfg.Jobs, m, logger),
		Tenants:       service.NewTenantService(store, cfg.Jobs.RollupFineWidth, logger),
		Metrics:       m,
		Logger:        logger,
		JobSecret:     cfg.Jobs.Secret,
		AdminAPIKey:   cfg.Admin.APIKey,
		AdminVerifier: adminVerifier,
		MaxBodyBytes:  cfg.Ingest.MaxBodyBytes,
		Version:       version,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info().Str("addr", cfg.Server.Addr()).Str("version", version).Msg("starting hostbeat")

	// Start server in goroutine
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	logger.Info().Msg("server stopped")
}
