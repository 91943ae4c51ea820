package whatsapp_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	waprovider "github.com/example/billing-messenger/internal/providers/whatsapp"
)

func TestMockProviderSuccess(t *testing.T) {
	fixed := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)
	provider := waprovider.NewMockProvider(zerolog.Nop(), waprovider.WithMockClock(func() time.Time { return fixed }), waprovider.WithLatency(0))

	resp, err := provider.Send(context.Background(), &waprovider.Payload{MessageID: "msg-1", To: "5511987654321", Body: "hello"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Code != 200 || resp.Status != "accepted" || resp.ID != "msg-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Timestamp != fixed {
		t.Fatalf("expected fixed timestamp, got %v", resp.Timestamp)
	}
	if len(provider.Sent()) != 1 {
		t.Fatalf("expected payload to be recorded")
	}
}

func TestMockProviderScenarios(t *testing.T) {
	provider := waprovider.NewMockProvider(zerolog.Nop(), waprovider.WithLatency(0),
		waprovider.WithRecipientScenario("5511000000002", waprovider.ScenarioPermanent))

	resp, err := provider.Send(context.Background(), &waprovider.Payload{
		To:   "5511000000001",
		Body: "hello",
		Meta: map[string]string{"scenario": string(waprovider.ScenarioTransient)},
	})
	if err == nil || resp.Code != 429 {
		t.Fatalf("expected transient failure, got %+v %v", resp, err)
	}

	resp, err = provider.Send(context.Background(), &waprovider.Payload{To: "5511000000002", Body: "hello"})
	if err == nil || resp.Status != "permanent_failure" {
		t.Fatalf("expected per-recipient permanent failure, got %+v %v", resp, err)
	}
}

func TestMockProviderTimeoutHonoursContext(t *testing.T) {
	provider := waprovider.NewMockProvider(zerolog.Nop(), waprovider.WithLatency(time.Second), waprovider.WithScenario(waprovider.ScenarioTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := provider.Send(ctx, &waprovider.Payload{To: "5511000000001", Body: "x"}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestMockProviderSessionFlag(t *testing.T) {
	if waprovider.RequiresSession(waprovider.NewMockProvider(zerolog.Nop())) {
		t.Fatalf("expected stateless mock by default")
	}
	if !waprovider.RequiresSession(waprovider.NewMockProvider(zerolog.Nop(), waprovider.WithSessionRequired(true))) {
		t.Fatalf("expected session-bound mock")
	}
}
