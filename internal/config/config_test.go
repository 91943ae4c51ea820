package config_test

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/billing-messenger/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Providers.WhatsAppProvider != "mock" {
		t.Fatalf("expected whatsapp provider mock, got %s", cfg.Providers.WhatsAppProvider)
	}
	if cfg.Dispatch.PacingInterval != 2*time.Second {
		t.Fatalf("expected 2s pacing, got %s", cfg.Dispatch.PacingInterval)
	}
	if cfg.Dispatch.MinPhoneDigits != 10 {
		t.Fatalf("expected 10 min phone digits, got %d", cfg.Dispatch.MinPhoneDigits)
	}
	if cfg.Webhook.MinMatchDigits != 9 {
		t.Fatalf("expected 9 match digits, got %d", cfg.Webhook.MinMatchDigits)
	}
	if !reflect.DeepEqual(cfg.Webhook.SettleKeywords, []string{"pago", "paguei"}) {
		t.Fatalf("unexpected settle keywords %v", cfg.Webhook.SettleKeywords)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("expected kafka disabled without brokers")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_PORT", "9000")
	t.Setenv("WHATSAPP_PROVIDER", "Meta")
	t.Setenv("DISPATCH_PACING_INTERVAL", "500")
	t.Setenv("BOT_START_WAIT", "3s")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("WEBHOOK_SETTLE_KEYWORDS", "pago, quitado")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.App.Port)
	}
	if cfg.Providers.WhatsAppProvider != "meta" {
		t.Fatalf("expected provider name to be lowercased, got %s", cfg.Providers.WhatsAppProvider)
	}
	if cfg.Dispatch.PacingInterval != 500*time.Millisecond {
		t.Fatalf("expected bare integer as milliseconds, got %s", cfg.Dispatch.PacingInterval)
	}
	if cfg.Lifecycle.StartWait != 3*time.Second {
		t.Fatalf("expected 3s start wait, got %s", cfg.Lifecycle.StartWait)
	}
	if want := []string{"broker-a:9092", "broker-b:9093"}; !reflect.DeepEqual(cfg.Kafka.Brokers, want) {
		t.Fatalf("expected brokers %v, got %v", want, cfg.Kafka.Brokers)
	}
	if want := []string{"pago", "quitado"}; !reflect.DeepEqual(cfg.Webhook.SettleKeywords, want) {
		t.Fatalf("expected keywords %v, got %v", want, cfg.Webhook.SettleKeywords)
	}
}

func TestLoadCollectsErrors(t *testing.T) {
	t.Setenv("APP_PORT", "not-a-number")
	t.Setenv("DISPATCH_PACING_INTERVAL", "soon")
	t.Setenv("DISPATCH_MIN_PHONE_DIGITS", "0")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_PORT must be a valid integer", "DISPATCH_PACING_INTERVAL must be a valid duration", "DISPATCH_MIN_PHONE_DIGITS must be > 0"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
