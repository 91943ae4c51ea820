package email_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	emailprovider "github.com/example/billing-messenger/internal/providers/email"
)

func TestMockProviderSuccess(t *testing.T) {
	fixed := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0), emailprovider.WithClock(func() time.Time { return fixed }))

	resp, err := provider.Send(context.Background(), &emailprovider.Payload{MessageID: "m-1", To: "a@example.com", Body: "oi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Code != 250 || resp.ID != "m-1" || resp.Timestamp != fixed {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(provider.Sent()) != 1 {
		t.Fatalf("expected payload recorded")
	}
}

func TestMockProviderScenarioHeader(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0))

	resp, err := provider.Send(context.Background(), &emailprovider.Payload{
		To:      "a@example.com",
		Headers: map[string]string{"x-mock-provider-scenario": "permanent"},
	})
	if err == nil || resp.Code != 550 {
		t.Fatalf("expected permanent failure, got %+v %v", resp, err)
	}
	if len(provider.Sent()) != 0 {
		t.Fatalf("expected failed send not to be recorded")
	}
}

func TestMockProviderTimeout(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(time.Millisecond), emailprovider.WithDefaultScenario(emailprovider.ScenarioTimeout))

	if _, err := provider.Send(context.Background(), &emailprovider.Payload{To: "a@example.com"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMockProviderRequiresRecipient(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0))
	if _, err := provider.Send(context.Background(), &emailprovider.Payload{}); err == nil {
		t.Fatalf("expected error for missing recipient")
	}
}
