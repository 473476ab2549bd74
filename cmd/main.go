package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/NgigiN/stablelink/internal/breaker"
	"github.com/NgigiN/stablelink/internal/config"
	"github.com/NgigiN/stablelink/internal/custody"
	"github.com/NgigiN/stablelink/internal/discord"
	"github.com/NgigiN/stablelink/internal/logging"
	"github.com/NgigiN/stablelink/internal/notify"
	"github.com/NgigiN/stablelink/internal/ratelimit"
	"github.com/NgigiN/stablelink/internal/retry"
	"github.com/NgigiN/stablelink/internal/safety"
	"github.com/NgigiN/stablelink/internal/server"
	"github.com/NgigiN/stablelink/internal/storage"
	"github.com/NgigiN/stablelink/internal/wallet"
	"github.com/NgigiN/stablelink/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "stablelink",
		Short:         "Stablecoin payment settlement core",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to load .env file: %w", err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := logging.New(cfg.Logging)

			db, err := storage.NewDatabase(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			logger.Info("ledger schema up to date", "path", cfg.Database.Path)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the wallet API and rail webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return serve(cfg, logging.New(cfg.Logging))
		},
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("closing database failed", "error", err)
		}
	}()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, breaker.NewMemoryStore(), logger)
	retrier := retry.New(logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.PolicyFor(cfg.Strict()), logger)
	guard := safety.NewGuard(limiter, retrier, cfg.Strict(), logger)

	custodyClient := custody.NewClient(cfg.Custody.BaseURL, cfg.Custody.AppID, cfg.Custody.AppSecret, cfg.Custody.Timeout)
	gateway := wallet.NewGateway(custodyClient, custodyClient, db, breakers.Get("custody"), logger).
		WithGrace(cfg.Custody.RecoveryGrace)

	var (
		sinks       []notify.Sink
		connections []server.Connection
	)
	if cfg.Discord.BotToken != "" {
		bot, err := discord.NewBot(cfg.Discord.BotToken, cfg.Discord.ChannelID, db, breakers.Get("discord"), logger)
		if err != nil {
			return err
		}
		if err := bot.Start(); err != nil {
			return err
		}
		defer bot.Stop()
		sinks = append(sinks, bot)
		connections = append(connections, bot)
	} else {
		logger.Warn("DISCORD_BOT_TOKEN not set, discord notifications disabled")
	}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, breakers.Get("notify-webhook"), retrier))
	}
	dispatcher := notify.NewDispatcher(logger, sinks...)

	rails := []webhook.Rail{
		webhook.NewOffRamp(cfg.Webhooks.OffRampSecret),
		webhook.NewOnRamp(cfg.Webhooks.OnRampSecret),
		webhook.NewIndexer(cfg.Webhooks.IndexerToken),
	}
	for _, secret := range []struct{ rail, value string }{
		{webhook.RailOffRamp, cfg.Webhooks.OffRampSecret},
		{webhook.RailOnRamp, cfg.Webhooks.OnRampSecret},
		{webhook.RailIndexer, cfg.Webhooks.IndexerToken},
	} {
		if webhook.IsPlaceholder(secret.value) {
			logger.Warn("webhook secret not configured, deliveries will be accepted unverified", "rail", secret.rail)
		}
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, wallet API will reject every request")
	}

	router := server.NewRouter(logger, server.RouterDependencies{
		Health:    server.NewHealthHandler(db, breakers, connections...),
		API:       server.NewAPIHandlers(gateway, guard, db, logger),
		Webhooks:  webhook.NewEngine(db, dispatcher, retrier, logger),
		Rails:     rails,
		JWTSecret: cfg.Auth.JWTSecret,
	})

	srv := server.New(logger, cfg.HTTP, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped unexpectedly", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
