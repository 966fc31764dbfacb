package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"host":      "server.host",
	"grpc-port": "server.grpc_port",
	"http-port": "server.http_port",
	"db-url":    "database.url",
	"redis-url": "redis.url",
}

// LoadConfig loads configuration using viper.
// CLI flags > environment > config file > defaults precedence. flags may be
// nil; only flags the user changed override lower layers.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// TG_SERVER_GRPC_PORT overrides server.grpc_port
	v.SetEnvPrefix("TG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets must be environment-only
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			GRPCPort:       v.GetInt("server.grpc_port"),
			HTTPPort:       v.GetInt("server.http_port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
			MaxConnections: v.GetInt("server.max_connections"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Engine: EngineConfig{
			FunctionTimeout: v.GetDuration("engine.function_timeout"),
			RuleCacheTTL:    v.GetDuration("engine.rule_cache_ttl"),
			GateEntryPoints: v.GetStringSlice("engine.gate_entry_points"),
			AuditEnabled:    v.GetBool("engine.audit_enabled"),
		},
		Redis: RedisConfig{
			URL: v.GetString("redis.url"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
			ServiceName:  v.GetString("telemetry.service_name"),
			Insecure:     v.GetBool("telemetry.insecure"),
			SampleRatio:  v.GetFloat64("telemetry.sample_ratio"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.grpc_port", d.Server.GRPCPort)
	v.SetDefault("server.http_port", d.Server.HTTPPort)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("engine.function_timeout", d.Engine.FunctionTimeout.String())
	v.SetDefault("engine.rule_cache_ttl", d.Engine.RuleCacheTTL.String())
	v.SetDefault("engine.gate_entry_points", d.Engine.GateEntryPoints)
	v.SetDefault("engine.audit_enabled", d.Engine.AuditEnabled)
	v.SetDefault("redis.url", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sample_ratio", d.Telemetry.SampleRatio)
}

// validateConfig checks ranges and names the offending key.
func validateConfig(cfg *Config) error {
	for key, port := range map[string]int{
		"server.grpc_port": cfg.Server.GRPCPort,
		"server.http_port": cfg.Server.HTTPPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", key, port)
		}
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Engine.FunctionTimeout <= 0 {
		return fmt.Errorf("engine.function_timeout must be positive, got %v", cfg.Engine.FunctionTimeout)
	}
	if cfg.Engine.RuleCacheTTL < 0 {
		return fmt.Errorf("engine.rule_cache_ttl must not be negative, got %v", cfg.Engine.RuleCacheTTL)
	}
	if len(cfg.Engine.GateEntryPoints) == 0 {
		return fmt.Errorf("engine.gate_entry_points must name at least one entry point")
	}
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1, got %v", r)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets. InConfig
// ignores the environment, so TG_HMAC_SECRET itself is not rejected.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use TG_HMAC_SECRET environment variable)")
	}
	return nil
}
