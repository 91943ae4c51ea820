package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
	"github.com/example/billing-messenger/internal/store/memory"
)

func TestTemplatesOnlyReturnActive(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_ = s.UpsertTemplate(ctx, &models.Template{Code: "reminder", Channel: models.ChannelWhatsApp, Body: "oi", Active: true})
	_ = s.UpsertTemplate(ctx, &models.Template{Code: "old", Channel: models.ChannelWhatsApp, Body: "x", Active: false})

	if _, err := s.GetActive(ctx, "reminder"); err != nil {
		t.Fatalf("expected active template: %v", err)
	}
	if _, err := s.GetActive(ctx, "old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected inactive template to be hidden, got %v", err)
	}
	if _, err := s.GetActive(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, _ := s.ListTemplates(ctx)
	if len(list) != 2 || list[0].Code != "old" {
		t.Fatalf("expected sorted templates, got %+v", list)
	}
}

func TestFindByPhoneSuffix(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_ = s.UpsertRecipient(ctx, &models.Recipient{ID: "a", Phone: "(11) 98765-4321"})
	_ = s.UpsertRecipient(ctx, &models.Recipient{ID: "b", Phone: "+55 21 91234-0000"})

	r, err := s.FindByPhoneSuffix(ctx, "5511987654321@c.us", 9)
	if err != nil || r.ID != "a" {
		t.Fatalf("expected recipient a, got %+v %v", r, err)
	}
	if _, err := s.FindByPhoneSuffix(ctx, "4321", 9); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected short sender to miss, got %v", err)
	}
}

func TestUpdateStatusAndListEnabled(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_ = s.UpsertRecipient(ctx, &models.Recipient{ID: "a", MessagingEnabled: true, Status: models.RecipientDelinquent})
	_ = s.UpsertRecipient(ctx, &models.Recipient{ID: "b"})

	if err := s.UpdateStatus(ctx, "a", models.RecipientSettled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ := s.GetRecipient(ctx, "a")
	if r.Status != models.RecipientSettled {
		t.Fatalf("expected settled, got %s", r.Status)
	}
	if err := s.UpdateStatus(ctx, "zzz", models.RecipientSettled); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	enabled, _ := s.ListMessagingEnabled(ctx)
	if len(enabled) != 1 || enabled[0].ID != "a" {
		t.Fatalf("expected only a, got %+v", enabled)
	}
}

func TestDeliveryLogQueries(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	base := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

	entries := []models.DeliveryLogEntry{
		{ID: "1", RecipientID: "a", Kind: models.KindReminder, Outcome: models.OutcomeSuccess, CreatedAt: base},
		{ID: "2", RecipientID: "a", Kind: models.KindCharge, Outcome: models.OutcomeFailed, CreatedAt: base.Add(time.Minute)},
		{ID: "3", RecipientID: "a", Kind: models.KindIncoming, Outcome: models.OutcomeSuccess, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "4", RecipientID: "b", Kind: models.KindCharge, Outcome: models.OutcomeSuccess, CreatedAt: base.Add(3 * time.Minute)},
	}
	for i := range entries {
		if err := s.Append(ctx, &entries[i]); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Append(ctx, &entries[0]); !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}

	got, _ := s.ListDeliveries(ctx, models.DeliveryFilter{RecipientID: "a"})
	if len(got) != 3 || got[0].ID != "3" {
		t.Fatalf("expected newest first for a, got %+v", got)
	}
	got, _ = s.ListDeliveries(ctx, models.DeliveryFilter{Outcome: models.OutcomeSuccess, Limit: 2})
	if len(got) != 2 || got[0].ID != "4" || got[1].ID != "3" {
		t.Fatalf("unexpected filtered list %+v", got)
	}

	sum, _ := s.Summary(ctx, time.Time{})
	if sum.Total != 4 || sum.Successful != 3 || sum.Failed != 1 || sum.SuccessRate != 75 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	latest, err := s.LatestOutbound(ctx, "a", base.Add(-time.Hour))
	if err != nil || latest.ID != "1" {
		t.Fatalf("expected latest successful outbound 1, got %+v %v", latest, err)
	}
	if _, err := s.LatestOutbound(ctx, "a", base.Add(time.Second)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected window to exclude older entries, got %v", err)
	}
}

func TestInteractionNotesSetOnce(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.CreateInteraction(ctx, &models.Interaction{ID: "i1", RecipientID: "a", Option: "1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AttachNotes(ctx, "i1", "requested human support"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := s.AttachNotes(ctx, "i1", "again"); !errors.Is(err, store.ErrNotesAlreadySet) {
		t.Fatalf("expected notes already set, got %v", err)
	}
	if err := s.AttachNotes(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, _ := s.ListInteractions(ctx, "a", 0)
	if len(list) != 1 || list[0].Notes != "requested human support" {
		t.Fatalf("unexpected interactions %+v", list)
	}
}
