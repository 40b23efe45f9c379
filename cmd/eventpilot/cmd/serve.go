package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/api"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/auth"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/config"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/db"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/server"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/generate"
)

// Version is the gateway build version.
const Version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the segment gateway HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().Bool("migrate", false, "apply pending migrations before serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.Server.DBURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	migrate, _ := cmd.Flags().GetBool("migrate")
	if err := ensureSchema(ctx, database, migrate); err != nil {
		return err
	}

	queries, err := db.LoadQueries(database)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}

	svc, err := api.NewService(db.NewRepository(queries), gatewayOptions(cfg))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	httpServer, err := server.NewHTTPServer(cfg.Server, svc.Routes(), logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("starting segment gateway", zap.String("version", Version), zap.String("addr", cfg.Server.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ensureSchema applies or verifies migrations before the gateway starts.
func ensureSchema(ctx context.Context, database *sqlx.DB, apply bool) error {
	if apply {
		if _, err := db.MigrateUp(ctx, database, logger); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
		return nil
	}
	statuses, err := db.MigrateStatus(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'eventpilot migrate up' first", s.Version)
		}
	}
	return nil
}

func gatewayOptions(c *config.Config) api.Options {
	opts := api.Options{
		Logger:         logger,
		MaxBodyBytes:   c.Server.MaxBodyBytes,
		RequestTimeout: c.Server.RequestTimeout,
		Auth:           auth.NewAuthenticator(config.GatewayToken(), logger),
	}
	if opts.Auth == nil {
		logger.Warn("gateway authentication disabled", zap.String("env", config.EnvGatewayToken))
	}

	if c.Upstream.URL != "" {
		opts.Upstream = client.New(c.Upstream.URL,
			client.WithHTTPClient(&http.Client{Timeout: c.Upstream.Timeout}),
			client.WithToken(config.ClientToken()),
			client.WithLogger(logger.Named("upstream")),
		)
	} else {
		logger.Warn("upstream.url not set, segment execution disabled")
	}

	gen, err := generate.New(generate.Config{
		APIKey:  config.OpenAIAPIKey(),
		BaseURL: c.OpenAI.BaseURL,
		Model:   c.OpenAI.Model,
	}, logger.Named("generate"))
	switch {
	case err == nil:
		opts.Generator = gen
	case errors.Is(err, generate.ErrNoAPIKey):
		logger.Warn("segment generation disabled", zap.String("env", config.EnvOpenAIAPIKey))
	default:
		logger.Warn("segment generation disabled", zap.Error(err))
	}
	return opts
}
