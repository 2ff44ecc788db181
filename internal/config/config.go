package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide configuration. It is loaded once at
// startup and treated as immutable afterwards; tests construct it
// directly instead of mutating globals.
type Config struct {
	ListenAddr   string
	DatabasePath string

	LogLevel  string
	LogFormat string

	// Auth engine
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	JWTSecret       string
	RefreshSecret   string
	JWTIssuer       string
	JWTAudience     string
	RefreshCookie   string
	CookieSecure    bool
	CookieDomain    string
	CookieSameSite  string
	APIToken        string
	RequireCSRF     bool

	// State engine
	BackendFetchTimeout time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envString("LISTEN_ADDR", ":8080"),
		DatabasePath:        envString("DATABASE_PATH", "statehub.db"),
		LogLevel:            envString("LOG_LEVEL", "info"),
		LogFormat:           envString("LOG_FORMAT", "json"),
		AccessTokenTTL:      time.Duration(envInt("ACCESS_TOKEN_MINUTES", 30)) * time.Minute,
		RefreshTokenTTL:     time.Duration(envInt("REFRESH_TOKEN_MINUTES", 10080)) * time.Minute,
		JWTSecret:           os.Getenv("JWT_SECRET"),
		RefreshSecret:       os.Getenv("REFRESH_SECRET"),
		JWTIssuer:           os.Getenv("JWT_ISSUER"),
		JWTAudience:         os.Getenv("JWT_AUDIENCE"),
		RefreshCookie:       envString("AUTH_REFRESH_COOKIE", "statehub_refresh"),
		CookieSecure:        envBool("COOKIE_SECURE", true),
		CookieDomain:        os.Getenv("COOKIE_DOMAIN"),
		CookieSameSite:      envString("COOKIE_SAMESITE", "lax"),
		APIToken:            os.Getenv("API_TOKEN"),
		RequireCSRF:         envBool("AUTH_REQUIRE_CSRF", false),
		BackendFetchTimeout: time.Duration(envInt("BACKEND_FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.RefreshSecret == "" {
		cfg.RefreshSecret = cfg.JWTSecret
	}

	switch strings.ToLower(cfg.CookieSameSite) {
	case "lax", "strict", "none":
	default:
		return nil, fmt.Errorf("invalid COOKIE_SAMESITE %q", cfg.CookieSameSite)
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
