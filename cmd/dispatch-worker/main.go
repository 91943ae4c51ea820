package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/app"
	"github.com/example/billing-messenger/internal/config"
	"github.com/example/billing-messenger/internal/kafka/consumer"
	kafkapublisher "github.com/example/billing-messenger/internal/kafka/publisher"
	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/secrets"
	"github.com/example/billing-messenger/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}
	if !cfg.Kafka.Enabled() {
		fail("config load", errors.New("KAFKA_BROKERS is required for the dispatch worker"))
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "dispatch-worker").Logger()

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

	if runtime.WhatsApp.RequiresSession() {
		state, err := runtime.Bot.Start(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start bot session")
		}
		log.Info().Str("bot_status", string(state.Status)).Msg("bot session starting")
	}

	cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger.Component(log, "consumer"), cfg.Kafka.CommitOnSuccessOnly)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kafka consumer")
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	dlqPublisher := kafkapublisher.NewDLQPublisher(runtime.Producer, cfg.Kafka.DLQTopic, logger.Component(log, "dlq_publisher"))
	if dlqPublisher == nil {
		log.Fatal().Msg("failed to create dlq publisher")
	}

	engine, err := worker.NewEngine(worker.Config{
		MsgMaxBytes:       cfg.Validation.MsgMaxBytes,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseBackoff:       time.Duration(cfg.Retry.BaseBackoffSeconds) * time.Second,
		MaxBackoff:        time.Duration(cfg.Retry.MaxBackoffSeconds) * time.Second,
		WorkerConcurrency: cfg.Kafka.WorkerConcurrency,
		RecipientsMax:     cfg.Validation.RecipientsMax,
		ExtraMaxEntries:   cfg.Validation.MetaMaxEntries,
		ExtraMaxKeyLen:    cfg.Validation.MetaMaxKeyLen,
		ExtraMaxValueLen:  cfg.Validation.MetaMaxValueLen,
	}, worker.Dependencies{
		Dispatcher:   runtime.Dispatch,
		DLQPublisher: dlqPublisher,
		Logger:       log,
		Now:          time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise worker engine")
	}

	topics := []string{cfg.Kafka.TriggerTopic}
	handler := worker.KafkaHandler(engine, cons)

	errCh := make(chan error, 1)
	go func() {
		if err := cons.Consume(ctx, topics, handler); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Str("trigger_topic", cfg.Kafka.TriggerTopic).Msg("dispatch worker started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("consumer terminated with error")
		}
	}
	engine.Wait()
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("dispatch worker init failed")
}
