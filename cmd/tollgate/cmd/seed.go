package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/solatis/tollgate/internal/store"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load entry points, schemas, templates and rules from a YAML file",
	Long: `Seed upserts every entity in the file inside one transaction. With
--redis-url set, running servers drop their cached rules immediately;
otherwise they pick the change up when the cache TTL expires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		f, err := os.Open(seedFile)
		if err != nil {
			return fmt.Errorf("failed to open seed file: %w", err)
		}
		defer f.Close()
		seed, err := store.LoadSeed(f)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, queries, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := requireMigrated(ctx, database); err != nil {
			return err
		}

		c, err := buildComponents(ctx, cfg, queries, logger)
		if err != nil {
			return err
		}
		defer c.close()

		report, err := c.store.ApplySeed(ctx, seed)
		if err != nil {
			return fmt.Errorf("seed %s: %w", seedFile, err)
		}
		logger.Info("seed applied", "file", seedFile,
			"entry_points", report.EntryPoints, "schemas", report.Schemas,
			"templates", report.Templates, "rules", report.Rules)
		fmt.Fprintf(cmd.OutOrStdout(), "entry points: %d, schemas: %d, templates: %d, rules: %d\n",
			report.EntryPoints, report.Schemas, report.Templates, report.Rules)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "seed YAML file")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}
