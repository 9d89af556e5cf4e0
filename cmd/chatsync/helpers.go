package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/masterbook/chatsync"
)

// Environment variables that override the config file. A .env file in the
// working directory is loaded first when present.
const (
	envAPIURL     = "CHATSYNC_API_URL"
	envGatewayURL = "CHATSYNC_GATEWAY_URL"
	envToken      = "CHATSYNC_TOKEN"
)

// resolveConfig loads the config file and applies environment overrides.
func resolveConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v := os.Getenv(envAPIURL); v != "" {
		cfg.Default.APIURL = v
	}
	if v := os.Getenv(envGatewayURL); v != "" {
		cfg.Default.GatewayURL = v
	}
	if v := os.Getenv(envToken); v != "" {
		cfg.Auth.Token = v
	}
	return cfg, nil
}

// requireToken loads the config and fails unless a token is configured.
func requireToken() (*Config, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'chatsync init <token>' or set %s", envToken)
	}
	return cfg, nil
}

// newAPIClient creates a durable API client from the config.
func newAPIClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.APIURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.APIURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// newLogger returns a console logger on stderr.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

// tokenClaims reads the registered claims of a JWT without verifying it.
// ok is false for tokens that are not JWTs.
func tokenClaims(token string) (claims jwt.RegisteredClaims, ok bool) {
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return claims, false
	}
	return claims, true
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
