package config

import (
	"testing"
)

// TestSecretHandling covers the environment-only secret contract end to end.
func TestSecretHandling(t *testing.T) {
	t.Run("environment secret coexists with LoadConfig", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TG_HMAC_SECRET", testSecretID+":"+testSecret)

		if _, err := LoadConfig("", nil); err != nil {
			t.Fatalf("LoadConfig() error = %v, an environment secret must not be rejected", err)
		}
		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets() error = %v", err)
		}
		if _, ok := secrets[testSecretID]; !ok {
			t.Fatal("secret not accessible")
		}
	})

	for _, content := range []string{
		"hmac_secret: \"should_be_rejected\"\n",
		"server:\n  host: localhost\n  hmac_secret: \"should_be_rejected\"\n",
	} {
		t.Run("config file secret rejected", func(t *testing.T) {
			clearEnv(t)
			_, err := LoadConfig(writeConfig(t, content), nil)
			if err == nil {
				t.Fatal("LoadConfig() error = nil, want rejection")
			}
			want := "HMAC secrets not allowed in config files (use TG_HMAC_SECRET environment variable)"
			if err.Error() != want {
				t.Fatalf("LoadConfig() error = %q, want %q", err, want)
			}
		})
	}

	t.Run("environment beats config file", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TG_SERVER_GRPC_PORT", "8081")

		cfg, err := LoadConfig(writeConfig(t, "server:\n  grpc_port: 9091\n"), nil)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.Server.GRPCPort != 8081 {
			t.Fatalf("Server.GRPCPort = %d, want 8081", cfg.Server.GRPCPort)
		}
	})
}
