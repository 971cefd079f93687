// Package config loads the plane's runtime configuration: environment
// variables for deployment plumbing, an optional YAML profile for policy
// knobs. It carries plain values only; cmd/osprey converts them into the
// per-package configs at wiring time.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// EnforceSignatures requires a valid caller signature on every envelope.
	EnforceSignatures bool

	// AllowedAlgorithms restricts caller signature algorithms; empty
	// means all nine.
	AllowedAlgorithms []string

	// StoreBackend selects the idempotency store: memory, sqlite,
	// postgres or redis.
	StoreBackend string
	SQLitePath   string
	PostgresDSN  string
	RedisAddr    string

	// RootPublicKeyFile holds the PEM root-of-trust key for registry
	// chain verification, RootAlg its signature algorithm. ServerKeyFile
	// holds the server's private signing key.
	RootPublicKeyFile string
	RootAlg           string
	ServerKeyFile     string
	ServerKeyID       string
	ServerAlg         string

	// AdminJWTSecret signs and verifies registry admin tokens.
	AdminJWTSecret string

	// CallersFile points at a JSON map of caller id to public key and
	// algorithm, used to verify envelope signatures.
	CallersFile string

	RateLimitRPS   float64
	RateLimitBurst int

	// OTLPEndpoint enables the OTLP metric exporter when non-empty.
	OTLPEndpoint string

	// ProfilePath points at the optional YAML policy profile.
	ProfilePath string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:              envOr("PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		EnforceSignatures: os.Getenv("ENFORCE_SIGNATURES") == "true",
		AllowedAlgorithms: splitList(os.Getenv("ALLOWED_ALGORITHMS")),
		StoreBackend:      envOr("STORE_BACKEND", "memory"),
		SQLitePath:        envOr("SQLITE_PATH", "osprey.db"),
		PostgresDSN:       envOr("DATABASE_URL", "postgres://osprey@localhost:5432/osprey?sslmode=disable"),
		RedisAddr:         envOr("REDIS_ADDR", "localhost:6379"),
		RootPublicKeyFile: os.Getenv("ROOT_PUBLIC_KEY_FILE"),
		RootAlg:           envOr("ROOT_ALG", "EdDSA"),
		ServerKeyFile:     os.Getenv("SERVER_KEY_FILE"),
		ServerKeyID:       envOr("SERVER_KEY_ID", "server-default"),
		ServerAlg:         envOr("SERVER_ALG", "EdDSA"),
		AdminJWTSecret:    os.Getenv("ADMIN_JWT_SECRET"),
		CallersFile:       os.Getenv("CALLERS_FILE"),
		RateLimitRPS:      envFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:    envInt("RATE_LIMIT_BURST", 100),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		ProfilePath:       os.Getenv("PROFILE_PATH"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
