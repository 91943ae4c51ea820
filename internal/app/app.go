// Package app assembles the stores, adapters and engines shared by the
// server and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	common "github.com/example/billing-messenger/internal/adapters/common"
	emailadapter "github.com/example/billing-messenger/internal/adapters/email"
	waadapter "github.com/example/billing-messenger/internal/adapters/whatsapp"
	"github.com/example/billing-messenger/internal/config"
	"github.com/example/billing-messenger/internal/dedup"
	"github.com/example/billing-messenger/internal/dispatch"
	"github.com/example/billing-messenger/internal/kafka/producer"
	kafkapublisher "github.com/example/billing-messenger/internal/kafka/publisher"
	"github.com/example/billing-messenger/internal/lifecycle"
	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/providers/factory"
	"github.com/example/billing-messenger/internal/store"
	"github.com/example/billing-messenger/internal/store/memory"
	"github.com/example/billing-messenger/internal/store/postgres"
	"github.com/example/billing-messenger/internal/store/seed"
	"github.com/example/billing-messenger/internal/webhook"
)

// App holds the wired runtime.
type App struct {
	Stores    store.Stores
	Bot       *lifecycle.Manager
	WhatsApp  *waadapter.Adapter
	Email     *emailadapter.Adapter
	Dispatch  *dispatch.Engine
	Webhook   *webhook.Engine
	Producer  *producer.Producer
	Publisher dispatch.DeliveryPublisher

	closers []func() error
	logger  zerolog.Logger
}

// Build wires every component from cfg. Callers must Close the result.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{logger: logger.Component(log, "app")}
	if err := a.build(ctx, cfg, log); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if err := a.openStores(ctx, cfg); err != nil {
		return err
	}

	tpls, err := seed.Load(cfg.Templates.SeedFile)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, a.Stores.Templates, tpls); err != nil {
		return err
	}

	connector := lifecycle.NewBridgeConnector(cfg.Lifecycle.BridgeURL,
		logger.Component(log, "bot_bridge"),
		lifecycle.WithPollInterval(cfg.Lifecycle.PollInterval),
	)
	a.Bot = lifecycle.NewManager(connector, logger.Component(log, "bot_lifecycle"),
		lifecycle.WithStartWait(cfg.Lifecycle.StartWait),
		lifecycle.WithConnectTimeout(cfg.Lifecycle.ConnectTimeout),
	)

	waProvider, err := factory.WhatsApp(cfg.Providers, a.Bot, logger.Component(log, "whatsapp_provider"))
	if err != nil {
		return err
	}
	a.WhatsApp, err = waadapter.NewAdapter(waProvider, logger.Component(log, "whatsapp_adapter"),
		waadapter.WithGate(a.Bot),
		waadapter.WithTimeouts(cfg.Providers.SendTimeout, cfg.Providers.HealthTimeout),
	)
	if err != nil {
		return fmt.Errorf("whatsapp adapter: %w", err)
	}

	emailProvider, err := factory.Email(cfg.Providers, logger.Component(log, "email_provider"))
	if err != nil {
		return err
	}
	a.Email, err = emailadapter.NewAdapter(emailProvider, logger.Component(log, "email_adapter"),
		emailadapter.WithFrom(cfg.Providers.SMTP.From),
		emailadapter.WithTimeouts(cfg.Providers.SendTimeout, cfg.Providers.HealthTimeout),
	)
	if err != nil {
		return fmt.Errorf("email adapter: %w", err)
	}

	if err := a.openPublisher(cfg, log); err != nil {
		return err
	}

	gate, verifier := sessionGating(a.WhatsApp.RequiresSession(), a.Bot)
	a.Dispatch, err = dispatch.NewEngine(dispatch.Config{
		PacingInterval: cfg.Dispatch.PacingInterval,
		MinPhoneDigits: cfg.Dispatch.MinPhoneDigits,
		VerifyTimeout:  cfg.Providers.HealthTimeout,
	}, dispatch.Dependencies{
		Templates:  a.Stores.Templates,
		Recipients: a.Stores.Recipients,
		Deliveries: a.Stores.Deliveries,
		Adapters:   []common.Adapter{a.WhatsApp, a.Email},
		Gate:       gate,
		Verifier:   verifier,
		Publisher:  a.Publisher,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	claimer, err := a.openClaimer(ctx, cfg)
	if err != nil {
		return err
	}
	a.Webhook, err = webhook.NewEngine(webhook.Config{
		SettleKeywords: cfg.Webhook.SettleKeywords,
		MinMatchDigits: cfg.Webhook.MinMatchDigits,
		ReplyWindow:    cfg.Dispatch.ReplyWindow,
	}, webhook.Dependencies{
		Recipients:   a.Stores.Recipients,
		Deliveries:   a.Stores.Deliveries,
		Interactions: a.Stores.Interactions,
		Claimer:      claimer,
		Replier:      a.WhatsApp,
		Publisher:    a.Publisher,
		Logger:       log,
	})
	return err
}

// openStores selects postgres when a DSN is configured and the in-memory
// stores otherwise.
func (a *App) openStores(ctx context.Context, cfg *config.Config) error {
	if cfg.Postgres.DSN == "" {
		a.logger.Warn().Msg("POSTGRES_DSN not set; using in-memory stores")
		a.Stores = memory.New().Stores()
		return nil
	}
	pg, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pg.Close)
	a.Stores = pg.Stores()
	return nil
}

func (a *App) openClaimer(ctx context.Context, cfg *config.Config) (dedup.Claimer, error) {
	if cfg.Redis.Addr == "" {
		return dedup.NewMemoryClaimer(cfg.Webhook.DedupTTL), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	return dedup.NewRedisClaimer(rdb, cfg.Webhook.DedupTTL), nil
}

// openPublisher connects the delivery event producer when brokers are
// configured. Without brokers Publisher stays nil.
func (a *App) openPublisher(cfg *config.Config, log zerolog.Logger) error {
	if !cfg.Kafka.Enabled() {
		return nil
	}
	prod, err := producer.New(cfg.Kafka.Brokers, logger.Component(log, "kafka_producer"))
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	a.Producer = prod
	a.closers = append(a.closers, prod.Close)
	if pub := kafkapublisher.NewDeliveryPublisher(prod, cfg.Kafka.DeliveryTopic, logger.Component(log, "delivery_publisher")); pub != nil {
		a.Publisher = pub
	}
	return nil
}

// Close stops the bot session and releases connections in reverse order.
func (a *App) Close() error {
	if a.Bot != nil {
		a.Bot.Stop(context.Background())
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// sessionGating picks the dispatch gate and contact verifier. API backends
// need neither the bot session nor its contact lookup.
func sessionGating(requiresSession bool, bot *lifecycle.Manager) (common.Gate, lifecycle.ContactVerifier) {
	if !requiresSession || bot == nil {
		return common.AlwaysConnected, nil
	}
	return bot, bot
}
