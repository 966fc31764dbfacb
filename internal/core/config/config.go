// Package config provides configuration management for tollgate services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Engine    EngineConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds listener settings for the gRPC and HTTP transports.
type ServerConfig struct {
	Host           string
	GRPCPort       int
	HTTPPort       int
	RequestTimeout time.Duration
	MaxConnections int
}

// DatabaseConfig holds the connection URL (sqlite://... or postgres://...).
type DatabaseConfig struct {
	URL string
}

// EngineConfig tunes rule execution.
type EngineConfig struct {
	FunctionTimeout time.Duration
	RuleCacheTTL    time.Duration
	GateEntryPoints []string
	AuditEnabled    bool
}

// RedisConfig enables cross-process rule cache invalidation when URL is set.
type RedisConfig struct {
	URL string
}

// TelemetryConfig configures trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	SampleRatio  float64
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			GRPCPort:       50051,
			HTTPPort:       8080,
			RequestTimeout: 30 * time.Second,
			MaxConnections: 1000,
		},
		Database: DatabaseConfig{
			URL: "sqlite://./data/tollgate.db",
		},
		Engine: EngineConfig{
			FunctionTimeout: 2 * time.Second,
			RuleCacheTTL:    5 * time.Minute,
			GateEntryPoints: []string{"checkout_terms", "checkout_payment"},
			AuditEnabled:    true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tollgate",
			SampleRatio: 1.0,
		},
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports TG_HMAC_SECRET (single) and TG_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	add := func(key, val string) error {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return fmt.Errorf("duplicate secret_id '%s' found in environment variables (check TG_HMAC_SECRET and TG_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
		return nil
	}

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("TG_HMAC_SECRET"); val != "" {
		if err := add("TG_HMAC_SECRET", val); err != nil {
			return nil, err
		}
	}

	// Numbered secrets keep old and new keys valid during rotation
	for i := 1; ; i++ {
		key := fmt.Sprintf("TG_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		if err := add(key, val); err != nil {
			return nil, err
		}
	}

	return secrets, nil
}

// ParseHMACSecret decodes base64-encoded HMAC secret from environment variable.
func ParseHMACSecret(envValue string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envValue))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(decoded) < 32 {
		return nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = ParseHMACSecret(parts[1])
	if err != nil {
		return "", nil, err
	}
	return secretID, secret, nil
}
