package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/config"
	emailprovider "github.com/example/billing-messenger/internal/providers/email"
	waprovider "github.com/example/billing-messenger/internal/providers/whatsapp"
)

// Email constructs the configured email provider, supporting SMTP and mock
// backends. Missing SMTP settings yield a provider that reports the
// configuration error on every call so the service still starts.
func Email(cfg config.ProviderConfig, logger zerolog.Logger) (emailprovider.Provider, error) {
	backend := normalize(cfg.EmailProvider, "mock")
	switch backend {
	case "smtp":
		provider, err := emailprovider.NewSMTPProvider(cfg.SMTP, logger)
		if errors.Is(err, apperr.ErrConfiguration) {
			logger.Warn().Err(err).Str("backend", backend).Msg("email provider misconfigured")
			return emailprovider.NewMisconfiguredProvider(backend, err), nil
		}
		if err != nil {
			return nil, fmt.Errorf("factory: smtp provider init: %w", err)
		}
		logger.Info().Str("backend", backend).Msg("email provider initialised")
		return provider, nil
	case "mock":
		logger.Info().Str("backend", backend).Msg("email provider initialised")
		return emailprovider.NewMockProvider(logger), nil
	default:
		return nil, fmt.Errorf("factory: unsupported email provider backend %q", cfg.EmailProvider)
	}
}

// WhatsApp constructs the configured WhatsApp provider: meta, whapi,
// infobip, twilio, session or mock. The session backend sends through
// source, which must be non-nil for it.
func WhatsApp(cfg config.ProviderConfig, source waprovider.SessionSource, logger zerolog.Logger) (waprovider.Provider, error) {
	backend := normalize(cfg.WhatsAppProvider, "mock")

	var (
		provider waprovider.Provider
		err      error
	)
	switch backend {
	case "meta":
		provider, err = waprovider.NewMetaProvider(cfg.Meta, logger)
	case "whapi":
		provider, err = waprovider.NewWhapiProvider(cfg.Whapi, logger)
	case "infobip":
		provider, err = waprovider.NewInfobipProvider(cfg.Infobip, logger)
	case "twilio":
		provider, err = waprovider.NewTwilioProvider(cfg.Twilio, logger)
	case "session":
		provider, err = waprovider.NewSessionProvider(source, logger)
	case "mock":
		provider = waprovider.NewMockProvider(logger)
	default:
		return nil, fmt.Errorf("factory: unsupported whatsapp provider backend %q", cfg.WhatsAppProvider)
	}

	if errors.Is(err, apperr.ErrConfiguration) {
		logger.Warn().Err(err).Str("backend", backend).Msg("whatsapp provider misconfigured")
		return waprovider.NewMisconfiguredProvider(backend, err), nil
	}
	if err != nil {
		return nil, fmt.Errorf("factory: %s whatsapp provider init: %w", backend, err)
	}

	logger.Info().Str("backend", backend).Msg("whatsapp provider initialised")
	return provider, nil
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
