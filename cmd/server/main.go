package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubforge/hubforge/internal/api"
	"github.com/hubforge/hubforge/internal/api/handler"
	"github.com/hubforge/hubforge/internal/config"
	"github.com/hubforge/hubforge/internal/credential"
	"github.com/hubforge/hubforge/internal/identity"
	"github.com/hubforge/hubforge/internal/oauthstate"
	"github.com/hubforge/hubforge/internal/outbox"
	"github.com/hubforge/hubforge/internal/platform"
	"github.com/hubforge/hubforge/internal/session"
	"github.com/hubforge/hubforge/internal/settings"
	"github.com/hubforge/hubforge/internal/store"
	"github.com/hubforge/hubforge/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	userRepo := user.NewRepository(pool)
	identityRepo := identity.NewRepository(pool)
	sessionRepo := session.NewRepository(pool)
	tempRepo := credential.NewTempPasswordRepository(pool)
	verificationRepo := credential.NewVerificationRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	settingsRepo := settings.NewRepository(pool)

	flags := settings.NewService(settingsRepo)
	hasher := credential.NewHasher(cfg.BcryptCost)
	tempPasswords := credential.NewTempPasswordService(tempRepo, hasher)
	sessions := session.NewManager(sessionRepo, cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL)
	states := oauthstate.NewStore(pool, cfg.StateTTL)
	resolver := identity.NewResolver(userRepo, identityRepo, outboxRepo)
	registry := newRegistry(cfg, flags)

	deps := api.RouterDeps{
		Auth:     handler.NewAuthHandler(userRepo, sessions, hasher, tempPasswords, verificationRepo, flags, outboxRepo, handler.LogEmailSender{}),
		OAuth:    handler.NewOAuthHandler(registry, states, resolver, sessions, cfg.FrontendURL, cfg.PublicBaseURL),
		Identity: handler.NewIdentityHandler(registry, states, resolver, cfg.FrontendURL, cfg.PublicBaseURL),
		Health:   handler.NewHealthHandler(pool, cfg.Version),
		Sessions: sessions,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting hubforge server", "port", cfg.Port, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped gracefully")
}

// newRegistry builds the provider registry: direct platform exchange by
// default, Identity Core delegation when configured.
func newRegistry(cfg *config.Config, creds platform.CredentialSource) *platform.Registry {
	if cfg.IdentityCoreURL != "" {
		slog.Info("routing platform exchange through identity core", "url", cfg.IdentityCoreURL)
		return platform.NewRegistry(platform.NewIdentityCoreProviders(cfg.IdentityCoreURL, cfg.OAuthTimeout)...)
	}

	return platform.NewRegistry(
		platform.NewDiscordProvider(creds, cfg.OAuthTimeout),
		platform.NewTwitchProvider(creds, cfg.OAuthTimeout),
		platform.NewSlackProvider(creds, cfg.OAuthTimeout),
		platform.NewYouTubeProvider(creds, cfg.OAuthTimeout),
		platform.NewKickProvider(creds, cfg.OAuthTimeout),
	)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
