package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/solatis/tollgate/internal/core/auth"
	"github.com/solatis/tollgate/internal/core/config"
)

var (
	keyChannel  string
	keyName     string
	keySecretID string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage storefront API keys",
}

var keysIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue an API key for a channel; the key is printed once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, closeDB, err := openAuthenticator(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		secrets, err := config.HMACSecrets()
		if err != nil {
			return err
		}
		secretID, err := pickSecretID(keySecretID, slices.Sorted(maps.Keys(secrets)))
		if err != nil {
			return err
		}

		id, key, err := a.IssueKey(ctx, secretID, keyChannel, keyName)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "api_key_id: %s\napi_key:    %s\n", id, key)
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <api-key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeDB, err := openAuthenticator(cmd)
		if err != nil {
			return err
		}
		defer closeDB()
		if err := a.RevokeKey(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
		return nil
	},
}

func init() {
	keysIssueCmd.Flags().StringVar(&keyChannel, "channel", "", "channel the key authenticates as")
	keysIssueCmd.Flags().StringVar(&keyName, "name", "", "human-readable key name")
	keysIssueCmd.Flags().StringVar(&keySecretID, "secret-id", "", "HMAC secret to sign with (default: the only configured secret)")
	_ = keysIssueCmd.MarkFlagRequired("channel")
	keysCmd.AddCommand(keysIssueCmd, keysRevokeCmd)
	rootCmd.AddCommand(keysCmd)
}

func openAuthenticator(cmd *cobra.Command) (*auth.Authenticator, func(), error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	secrets, err := config.HMACSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	database, queries, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := requireMigrated(ctx, database); err != nil {
		database.Close()
		return nil, nil, err
	}
	return auth.NewAuthenticator(secrets, queries, nil), func() { database.Close() }, nil
}

// pickSecretID resolves --secret-id against the configured secrets.
func pickSecretID(requested string, configured []string) (string, error) {
	switch {
	case requested != "":
		if !slices.Contains(configured, requested) {
			return "", fmt.Errorf("secret %s is not configured", requested)
		}
		return requested, nil
	case len(configured) == 0:
		return "", fmt.Errorf("no HMAC secrets configured (set TG_HMAC_SECRET environment variable)")
	case len(configured) > 1:
		return "", fmt.Errorf("%d secrets configured; choose one with --secret-id", len(configured))
	default:
		return configured[0], nil
	}
}
