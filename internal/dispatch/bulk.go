package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	common "github.com/example/billing-messenger/internal/adapters/common"
	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/render"
	"github.com/example/billing-messenger/internal/store"
	"github.com/example/billing-messenger/internal/util"
)

// BulkRequest sends one raw message to many recipients over WhatsApp.
type BulkRequest struct {
	RecipientIDs []string           `json:"recipient_ids"`
	Message      string             `json:"message"`
	Kind         models.MessageKind `json:"message_kind,omitempty"`
	Initiator    string             `json:"initiator,omitempty"`
}

// ItemStatus is the per-recipient bulk outcome.
type ItemStatus string

// Bulk item statuses.
const (
	ItemSent      ItemStatus = "sent"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
	ItemCancelled ItemStatus = "cancelled"
)

// BulkItem reports what happened to one recipient.
type BulkItem struct {
	RecipientID string     `json:"recipient_id"`
	Phone       string     `json:"phone,omitempty"`
	Status      ItemStatus `json:"status"`
	EntryID     string     `json:"entry_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	Verified    *bool      `json:"verified,omitempty"`
}

// BulkResult aggregates a bulk run. Results follow the input order.
type BulkResult struct {
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Cancelled int        `json:"cancelled"`
	Results   []BulkItem `json:"results"`
}

// CheckBulk runs the batch preconditions: a connected session, a whatsapp
// adapter, a non-empty batch and a message using only known placeholders.
func (e *Engine) CheckBulk(req BulkRequest) error {
	if len(req.RecipientIDs) == 0 || strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: recipient_ids and message are required", ErrInvalidRequest)
	}
	if _, err := outboundKind(req.Kind); err != nil {
		return err
	}
	if state := e.gate.State(); !state.IsConnected {
		return &apperr.NotConnectedError{Status: string(state.Status)}
	}
	if _, ok := e.adapters[models.ChannelWhatsApp]; !ok {
		return apperr.Configuration("dispatch", "adapter for channel whatsapp")
	}
	return render.Validate(req.Message, render.KnownKeys())
}

// DispatchBulk renders req.Message per recipient and sends it in input
// order, pausing PacingInterval between successive sends. Recipients that
// are unknown or whose phone is too short are skipped without a log entry.
// Every attempted send writes its own log entry and a failure never stops the
// batch. When ctx is cancelled the remaining recipients are reported as
// cancelled.
func (e *Engine) DispatchBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	if err := e.CheckBulk(req); err != nil {
		return nil, err
	}
	kind, _ := outboundKind(req.Kind)
	adapter := e.adapters[models.ChannelWhatsApp]

	result := &BulkResult{Results: make([]BulkItem, 0, len(req.RecipientIDs))}
	attempted := false

	for i, id := range req.RecipientIDs {
		if ctx.Err() != nil {
			e.cancelRemaining(result, req.RecipientIDs[i:])
			break
		}

		item := BulkItem{RecipientID: id}
		recipient, err := e.recipients.GetRecipient(ctx, id)
		if err != nil {
			reason := "recipient not found"
			if !errors.Is(err, store.ErrNotFound) {
				reason = err.Error()
			}
			e.skip(result, item, &apperr.ValidationSkip{RecipientID: id, Reason: reason})
			continue
		}
		item.Phone = recipient.Digits()
		if !util.HasMinDigits(item.Phone, e.cfg.MinPhoneDigits) {
			e.skip(result, item, &apperr.ValidationSkip{
				RecipientID: id,
				Reason:      fmt.Sprintf("phone has fewer than %d digits", e.cfg.MinPhoneDigits),
			})
			continue
		}

		today := e.now()
		body, err := render.Render(req.Message, render.Variables(*recipient, today, nil))
		if err != nil {
			e.skip(result, item, &apperr.ValidationSkip{RecipientID: id, Reason: err.Error()})
			continue
		}
		body = render.RewriteDueToday(body, render.DueDate(*recipient, today), today)

		if attempted {
			if err := e.sleep(ctx, e.cfg.PacingInterval); err != nil {
				e.cancelRemaining(result, req.RecipientIDs[i:])
				break
			}
		}
		attempted = true

		item.Verified = e.verify(ctx, recipient)

		msg := &common.OutboundMessage{
			MessageID:     e.newID(),
			RecipientID:   recipient.ID,
			RecipientName: recipient.Name,
			Phone:         item.Phone,
			Body:          body,
			Kind:          kind,
		}
		payload := map[string]any{
			"message":   body,
			"phone":     item.Phone,
			"bulk_send": true,
		}
		entry := e.send(ctx, adapter.Channel(), msg, payload, req.Initiator)
		item.EntryID = entry.ID
		if err := e.record(ctx, entry); err != nil {
			item.Error = err.Error()
		}

		if entry.Outcome == models.OutcomeSuccess {
			item.Status = ItemSent
			result.Sent++
		} else {
			item.Status = ItemFailed
			if item.Error == "" {
				item.Error = entry.Error
			}
			result.Failed++
		}
		result.Results = append(result.Results, item)
	}

	e.logger.Info().
		Int("recipients", len(req.RecipientIDs)).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int("cancelled", result.Cancelled).
		Msg("dispatch: bulk run finished")
	return result, nil
}

func (e *Engine) skip(result *BulkResult, item BulkItem, reason *apperr.ValidationSkip) {
	e.logger.Warn().
		Str("recipient_id", item.RecipientID).
		Str("reason", reason.Reason).
		Msg("dispatch: bulk recipient skipped")
	item.Status = ItemSkipped
	item.Error = reason.Error()
	result.Skipped++
	result.Results = append(result.Results, item)
}

func (e *Engine) cancelRemaining(result *BulkResult, ids []string) {
	for _, id := range ids {
		result.Results = append(result.Results, BulkItem{RecipientID: id, Status: ItemCancelled})
		result.Cancelled++
	}
	e.logger.Warn().Int("cancelled", len(ids)).Msg("dispatch: bulk run cancelled")
}

// verify asks the channel whether the recipient exists. Failures are only
// logged.
func (e *Engine) verify(ctx context.Context, r *models.Recipient) *bool {
	if e.verifier == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	defer cancel()

	contact, err := e.verifier.VerifyContact(ctx, r.Digits(), r.Name)
	if err != nil {
		e.logger.Warn().
			Str("recipient_id", r.ID).
			Err(err).
			Msg("dispatch: contact verification failed; sending anyway")
		return nil
	}
	if !contact.Exists {
		e.logger.Warn().Str("recipient_id", r.ID).Msg("dispatch: contact not found on channel; sending anyway")
	}
	exists := contact.Exists
	return &exists
}
