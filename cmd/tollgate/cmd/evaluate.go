package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/solatis/tollgate/internal/core/api"
	"github.com/solatis/tollgate/internal/gate"
)

var (
	evalEntryPoint string
	evalContext    string
	evalSession    string
	evalGate       bool
	evalOrderID    string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run an entry point or the checkout gate against a context and print the result",
	Example: `  tollgate evaluate --entry-point checkout_terms --context cart.json
  echo '{"session":{"id":"s1"}}' | tollgate evaluate --entry-point checkout_terms --context -
  tollgate evaluate --gate --context cart.json --session s1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !evalGate && evalEntryPoint == "" {
			return fmt.Errorf("--entry-point or --gate required")
		}

		evalCtx, err := readContext(evalContext, cmd.InOrStdin())
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

		c, err := buildComponents(ctx, cfg, queries, slog.Default())
		if err != nil {
			return err
		}
		defer c.close()

		var out any
		if evalGate {
			out, err = c.service.Gate(ctx, &gate.OrderDraft{
				SessionID: evalSession,
				OrderID:   evalOrderID,
				Context:   evalCtx,
			})
		} else {
			out, err = c.service.Execute(ctx, &api.ExecuteRequest{
				EntryPoint: evalEntryPoint,
				Context:    evalCtx,
				SessionID:  evalSession,
			})
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	evaluateCmd.Flags().StringVarP(&evalEntryPoint, "entry-point", "e", "", "entry point code")
	evaluateCmd.Flags().StringVarP(&evalContext, "context", "c", "", "context JSON: a file path, '-' for stdin, or an inline object")
	evaluateCmd.Flags().StringVar(&evalSession, "session", "", "session id (overrides session.id in the context)")
	evaluateCmd.Flags().BoolVar(&evalGate, "gate", false, "run the checkout gate instead of a single entry point")
	evaluateCmd.Flags().StringVar(&evalOrderID, "order-id", "", "with --gate, snapshot acknowledgments onto this order when it passes")
	rootCmd.AddCommand(evaluateCmd)
}

// readContext decodes the --context argument. An empty argument is an
// empty context.
func readContext(arg string, stdin io.Reader) (map[string]any, error) {
	var raw []byte
	switch trimmed := strings.TrimSpace(arg); {
	case trimmed == "":
		return map[string]any{}, nil
	case trimmed == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read context from stdin: %w", err)
		}
		raw = b
	case strings.HasPrefix(trimmed, "{"):
		raw = []byte(trimmed)
	default:
		b, err := os.ReadFile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		raw = b
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("context must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
