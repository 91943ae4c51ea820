package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	common "github.com/example/billing-messenger/internal/adapters/common"
	emailadapter "github.com/example/billing-messenger/internal/adapters/email"
	waadapter "github.com/example/billing-messenger/internal/adapters/whatsapp"
	"github.com/example/billing-messenger/internal/config"
	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/providers/factory"
	"github.com/example/billing-messenger/internal/secrets"
)

// provider-probe exercises the configured provider directly, without the
// server, stores or bot session. Session-bound backends cannot be probed.
func main() {
	var (
		channel string
		to      string
		body    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:          "provider-probe",
		Short:        "Check the configured provider and optionally send a test message",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if cfg.Secrets.ProviderSecretID != "" {
				client, err := secrets.NewAWSClient(ctx, cfg.Secrets.Region)
				if err != nil {
					return err
				}
				if err := secrets.Overlay(ctx, cfg, client, log); err != nil {
					return err
				}
			}

			adapter, err := buildAdapter(models.Channel(channel), cfg.Providers, log)
			if err != nil {
				return err
			}

			report, err := adapter.Health(ctx)
			if err != nil {
				log.Error().Err(err).Str("provider", adapter.Name()).Msg("health check failed")
				return err
			}
			log.Info().
				Str("provider", report.Provider).
				Bool("reachable", report.Reachable).
				Int("status_code", report.StatusCode).
				Str("detail", report.Detail).
				Msg("health check")

			if to == "" {
				return nil
			}
			msg := &common.OutboundMessage{
				MessageID:   uuid.NewString(),
				RecipientID: "provider-probe",
				Body:        body,
				Kind:        models.KindReminder,
			}
			if adapter.Channel() == models.ChannelEmail {
				msg.Email = to
			} else {
				msg.Phone = models.DigitsOnly(to)
			}
			resp, err := adapter.Send(ctx, msg)
			if resp != nil {
				log.Info().Interface("response", resp.Snapshot()).Msg("send result")
			}
			return err
		},
	}
	cmd.Flags().StringVar(&channel, "channel", string(models.ChannelWhatsApp), "channel to probe: whatsapp or email")
	cmd.Flags().StringVar(&to, "to", "", "send a test message to this phone or email")
	cmd.Flags().StringVar(&body, "body", "Mensagem de teste do billing messenger.", "test message body")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildAdapter(channel models.Channel, cfg config.ProviderConfig, log zerolog.Logger) (common.Adapter, error) {
	switch channel {
	case models.ChannelWhatsApp:
		provider, err := factory.WhatsApp(cfg, nil, log)
		if err != nil {
			return nil, err
		}
		adapter, err := waadapter.NewAdapter(provider, log, waadapter.WithTimeouts(cfg.SendTimeout, cfg.HealthTimeout))
		if err != nil {
			return nil, err
		}
		if adapter.RequiresSession() {
			return nil, errors.New("session-bound providers need a running bot; use messagingctl instead")
		}
		return adapter, nil
	case models.ChannelEmail:
		provider, err := factory.Email(cfg, log)
		if err != nil {
			return nil, err
		}
		return emailadapter.NewAdapter(provider, log,
			emailadapter.WithFrom(cfg.SMTP.From),
			emailadapter.WithTimeouts(cfg.SendTimeout, cfg.HealthTimeout),
		)
	default:
		return nil, fmt.Errorf("unsupported channel %q", channel)
	}
}
