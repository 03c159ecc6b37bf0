// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Platform API tokens are issued elsewhere; we only validate them.
	Issuer   string
	Audience string
	JWKSURL  string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string

	// Path to the connector registration manifest (YAML); optional.
	ConnectorManifest string

	// Credential refresh policy defaults. Per-registration overrides win.
	// The upstream defaults were tuning placeholders, so every knob is
	// environment-tunable rather than baked in.
	RefreshInitialBackoff   time.Duration
	RefreshBackoffIncrement float64
	RefreshWaitCountLimit   int
	RefreshErrorLimit       int
	AccessTokenExpiryBuffer time.Duration
	TokenEndpointTimeout    time.Duration
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                     env("WEFT_ENV", "dev"),
		HTTPAddr:                env("WEFT_HTTP_ADDR", ":8080"),
		Issuer:                  env("OIDC_ISSUER", ""),
		Audience:                env("OIDC_AUDIENCE", "weft-runtime"),
		JWKSURL:                 env("JWKS_URL", ""),
		RedisURL:                env("REDIS_URL", ""),
		DatabaseURL:             env("DATABASE_URL", ""),
		ConnectorManifest:       env("CONNECTOR_MANIFEST", ""),
		RefreshInitialBackoff:   envDur("REFRESH_INITIAL_BACKOFF_MS", 100) * time.Millisecond,
		RefreshBackoffIncrement: envFloat("REFRESH_BACKOFF_INCREMENT", 1.5),
		RefreshWaitCountLimit:   envInt("REFRESH_WAIT_COUNT_LIMIT", 10),
		RefreshErrorLimit:       envInt("REFRESH_ERROR_LIMIT", 5),
		AccessTokenExpiryBuffer: envDur("ACCESS_TOKEN_EXPIRY_BUFFER_MS", 30000) * time.Millisecond,
		TokenEndpointTimeout:    envDur("TOKEN_ENDPOINT_TIMEOUT_MS", 15000) * time.Millisecond,
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set, using in-memory storage backend for dev")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return i
	}
	return def
}
func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
