package email_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	common "github.com/example/billing-messenger/internal/adapters/common"
	emailadapter "github.com/example/billing-messenger/internal/adapters/email"
	"github.com/example/billing-messenger/internal/apperr"
	emailprovider "github.com/example/billing-messenger/internal/providers/email"
)

func newMessage() *common.OutboundMessage {
	return &common.OutboundMessage{
		MessageID:     "msg-1",
		RecipientID:   "rec-1",
		RecipientName: "Ana",
		Email:         "Ana@Example.com",
		Body:          "Sua fatura vence em 20/03/2024.",
		TemplateCode:  "reminder",
	}
}

func TestAdapterSendBuildsPayload(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0))
	adapter, err := emailadapter.NewAdapter(provider, zerolog.Nop(), emailadapter.WithFrom("billing@example.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := adapter.Send(context.Background(), newMessage())
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if resp.Status != common.StatusOK || resp.Code == nil || *resp.Code != 250 {
		t.Fatalf("unexpected response %+v", resp)
	}

	sent := provider.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one payload, got %d", len(sent))
	}
	p := sent[0]
	if p.To != "ana@example.com" {
		t.Fatalf("expected normalized recipient, got %q", p.To)
	}
	if p.Subject != "Atualização de cobrança - Ana" {
		t.Fatalf("unexpected subject %q", p.Subject)
	}
	if p.From != "billing@example.com" {
		t.Fatalf("unexpected from %q", p.From)
	}
	if p.Headers["X-Template-Code"] != "reminder" {
		t.Fatalf("expected template header, got %+v", p.Headers)
	}
}

func TestAdapterMissingEmailFailsPermanently(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0))
	adapter, _ := emailadapter.NewAdapter(provider, zerolog.Nop())

	msg := newMessage()
	msg.Email = ""
	_, err := adapter.Send(context.Background(), msg)
	if !errors.Is(err, apperr.ErrProvider) || !errors.Is(err, common.ErrPermanent) {
		t.Fatalf("expected permanent provider error, got %v", err)
	}
	if len(provider.Sent()) != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestAdapterClassifiesSMTPCodes(t *testing.T) {
	cases := []struct {
		name      string
		scenario  emailprovider.Scenario
		status    string
		transient bool
	}{
		{"mailbox unavailable", emailprovider.ScenarioPermanent, common.StatusRejected, false},
		{"try later", emailprovider.ScenarioTransient, common.StatusRateLimited, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatency(0), emailprovider.WithDefaultScenario(tc.scenario))
			adapter, _ := emailadapter.NewAdapter(provider, zerolog.Nop())

			resp, err := adapter.Send(context.Background(), newMessage())
			if !errors.Is(err, apperr.ErrProvider) {
				t.Fatalf("expected provider error, got %v", err)
			}
			if errors.Is(err, common.ErrTransient) != tc.transient {
				t.Fatalf("unexpected classification for %v", err)
			}
			if resp.Status != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, resp.Status)
			}
		})
	}
}

func TestAdapterHealth(t *testing.T) {
	adapter, _ := emailadapter.NewAdapter(emailprovider.NewMockProvider(zerolog.Nop()), zerolog.Nop())
	report, err := adapter.Health(context.Background())
	if err != nil || !report.Reachable {
		t.Fatalf("expected reachable relay, got %+v %v", report, err)
	}

	cfgErr := apperr.Configuration("smtp email provider", "SMTP_HOST")
	broken, _ := emailadapter.NewAdapter(emailprovider.NewMisconfiguredProvider("smtp", cfgErr), zerolog.Nop())
	if _, err := broken.Health(context.Background()); !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
