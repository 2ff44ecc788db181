package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/statehub/statehub/internal/api"
	"github.com/statehub/statehub/internal/auth"
	"github.com/statehub/statehub/internal/config"
	"github.com/statehub/statehub/internal/logging"
	"github.com/statehub/statehub/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(nil)
		l := logging.WithComponent("main")
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := logging.Init(&logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		l := logging.WithComponent("main")
		l.Fatal().Err(err).Msg("failed to initialize logging")
	}
	logger := logging.WithComponent("main")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
	}
	defer st.Close()

	repo := auth.NewRepository(st.DB())
	tokens := auth.NewTokenService(repo, auth.TokenConfig{
		AccessSecret:  []byte(cfg.JWTSecret),
		RefreshSecret: []byte(cfg.RefreshSecret),
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		RequireCSRF:   cfg.RequireCSRF,
	})
	authSvc := auth.NewService(repo, tokens, auth.NewLoginLimiter())

	if err := seedUser(authSvc); err != nil {
		logger.Fatal().Err(err).Msg("failed to seed user")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(cfg, st, authSvc, nil).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}

// seedUser creates an initial account from AUTH_SEED_EMAIL and
// AUTH_SEED_PASSWORD. Existing accounts are left alone.
func seedUser(svc *auth.Service) error {
	email := os.Getenv("AUTH_SEED_EMAIL")
	password := os.Getenv("AUTH_SEED_PASSWORD")
	if email == "" || password == "" {
		return nil
	}

	ctx := context.Background()
	existing, err := svc.Repository().UserByEmail(ctx, email)
	if err != nil || existing != nil {
		return err
	}
	hash, err := svc.Hasher().Hash(password)
	if err != nil {
		return err
	}
	_, err = svc.Repository().CreateUser(ctx, email, hash,
		[]string{auth.ScopeConsoleRead, auth.ScopeConsoleWrite}, true, false)
	return err
}
