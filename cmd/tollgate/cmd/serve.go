package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/solatis/tollgate/internal/core/auth"
	"github.com/solatis/tollgate/internal/core/config"
	"github.com/solatis/tollgate/internal/core/server"
	"github.com/solatis/tollgate/internal/observability"
)

// shutdownTimeout bounds draining both transports on SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC and HTTP APIs",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "listen host")
	serveCmd.Flags().Int("grpc-port", 50051, "gRPC listen port")
	serveCmd.Flags().Int("http-port", 8080, "HTTP listen port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set TG_HMAC_SECRET environment variable)")
	}

	database, queries, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := requireMigrated(ctx, database); err != nil {
		return err
	}

	telemetry, err := observability.New(ctx, cfg.Telemetry, Version, logger.With("component", "observability"))
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	c, err := buildComponents(ctx, cfg, queries, logger)
	if err != nil {
		return err
	}
	defer c.close()
	if c.redis != nil {
		go func() {
			if err := c.redis.Run(ctx); err != nil {
				logger.Error("redis invalidation listener stopped", "error", err)
			}
		}()
	}

	authenticator := auth.NewAuthenticator(secrets, queries, logger.With("component", "auth"))

	grpcServer, err := server.NewGRPCServer(&cfg.Server, c.service, authenticator, logger.With("component", "grpc"))
	if err != nil {
		return fmt.Errorf("failed to create grpc server: %w", err)
	}
	httpServer, err := server.NewHTTPServer(&cfg.Server, c.service, authenticator, logger.With("component", "http"))
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info("starting tollgate",
		"version", Version,
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"redis", cfg.Redis.URL != "",
		"tracing", telemetry.Enabled(),
	)

	errChan := make(chan error, 2)
	go func() { errChan <- grpcServer.Start(ctx) }()
	go func() { errChan <- httpServer.Start(ctx) }()

	var serveErr error
	select {
	case serveErr = <-errChan:
		logger.Error("server stopped", "error", serveErr)
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(
		serveErr,
		httpServer.Shutdown(shutdownCtx),
		grpcServer.Shutdown(shutdownCtx),
	)
}
