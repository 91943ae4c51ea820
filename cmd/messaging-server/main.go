package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/billing-messenger/internal/app"
	"github.com/example/billing-messenger/internal/config"
	"github.com/example/billing-messenger/internal/dispatch"
	"github.com/example/billing-messenger/internal/httpapi"
	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/secrets"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "messaging-server").Logger()

	if cfg.Secrets.ProviderSecretID != "" {
		client, err := secrets.NewAWSClient(ctx, cfg.Secrets.Region)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create secrets manager client")
		}
		if err := secrets.Overlay(ctx, cfg, client, log); err != nil {
			log.Fatal().Err(err).Msg("failed to load provider secret")
		}
	}

	runtime, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise runtime")
	}
	defer func() {
		if err := runtime.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close runtime")
		}
	}()

	jobs := dispatch.NewJobs(runtime.Dispatch, cfg.Dispatch.BulkJobs, cfg.Dispatch.JobRetention, logger.Component(log, "bulk_jobs"))

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	api, err := httpapi.New(httpapi.Dependencies{
		Dispatcher:   runtime.Dispatch,
		Jobs:         jobs,
		Deliveries:   runtime.Stores.Deliveries,
		Interactions: runtime.Stores.Interactions,
		Bot:          runtime.Bot,
		Webhook:      runtime.Webhook,
		APIToken:     cfg.App.APIToken,
		VerifyToken:  cfg.Webhook.VerifyToken,
		Logger:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise http api")
	}
	if cfg.App.APIToken == "" {
		log.Warn().Msg("APP_API_TOKEN not set; admin routes are unauthenticated")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("whatsapp_provider", runtime.WhatsApp.Name()).Msg("messaging server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown failed")
		}
		return jobs.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("messaging server stopped with error")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("messaging server init failed")
}
