// Package webhook turns inbound provider callbacks into interactions,
// recipient status changes and menu auto-replies.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	common "github.com/example/billing-messenger/internal/adapters/common"
	"github.com/example/billing-messenger/internal/dedup"
	"github.com/example/billing-messenger/internal/dispatch"
	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
)

// ReceiptMarker is the raw message recorded for payment receipts and the body
// bridges send in place of an attachment.
const ReceiptMarker = "[COMPROVANTE_ENVIADO]"

// Menu options.
const (
	OptionSupport = "1"
	OptionReceipt = "2"
)

// Fixed replies.
const (
	ReplyNotRegistered        = "Olá! Não encontramos seu cadastro em nosso sistema.\nPor favor, entre em contato conosco através dos nossos canais oficiais."
	ReplyReceiptNotRegistered = "Não encontramos seu cadastro. Entre em contato conosco."
	ReplyReceiptAccepted      = "✅ Comprovante recebido! Seu pagamento foi registrado e seu status foi atualizado."
	ReplySupport              = "👤 Nossa equipe entrará em contato em breve!\nAguarde que um atendente irá te responder."
	ReplyReceiptInstructions  = "📄 Para enviar seu comprovante:\nEnvie a imagem do comprovante aqui mesmo.\nNossa equipe analisará e atualizará seu status em breve!"
)

// Interaction notes.
const (
	NoteSupport         = "Cliente solicitou falar com atendente."
	NoteReceiptRequest  = "Cliente solicitou enviar comprovante."
	NoteReceiptReceived = "Cliente enviou comprovante de pagamento. Status atualizado automaticamente."
	NoteSettled         = "Cliente informou pagamento. Status atualizado automaticamente."
)

// Reasons reported for unprocessed events.
const (
	ReasonBroadcast     = "broadcast"
	ReasonMissingSender = "missing_sender"
	ReasonDuplicate     = "duplicate"
	ReasonNotRegistered = "not_registered"
)

var menuReplies = map[string]string{
	OptionSupport: ReplySupport,
	OptionReceipt: ReplyReceiptInstructions,
}

var optionNotes = map[string]string{
	OptionSupport: NoteSupport,
	OptionReceipt: NoteReceiptRequest,
}

// Inbound is one message received from a recipient.
type Inbound struct {
	Sender  string
	Body    string
	Kind    string
	EventID string
	Channel models.Channel
}

// Result describes how an inbound message was handled.
type Result struct {
	Processed     bool   `json:"processed"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Reason        string `json:"reason,omitempty"`
	AutoReply     string `json:"auto_reply,omitempty"`
	RecipientID   string `json:"client_id,omitempty"`
	RecipientName string `json:"client_name,omitempty"`
	InteractionID string `json:"interaction_id,omitempty"`
	Option        string `json:"option,omitempty"`
}

// Config tunes inbound handling.
type Config struct {
	// SettleKeywords are options that mark the recipient settled, compared
	// case-insensitively.
	SettleKeywords []string
	// MinMatchDigits is the trailing digit count used to match senders.
	MinMatchDigits int
	// ReplyWindow bounds how old an outbound entry may be to be linked to an
	// interaction. Zero disables linking.
	ReplyWindow time.Duration
}

// Dependencies collects the collaborators the engine needs.
type Dependencies struct {
	Recipients   store.RecipientStore
	Deliveries   store.DeliveryLog
	Interactions store.InteractionStore
	// Claimer deduplicates events carrying an id; nil accepts everything.
	Claimer dedup.Claimer
	// Replier sends auto-replies for transports that cannot answer inline.
	Replier   common.Adapter
	Publisher dispatch.DeliveryPublisher
	Logger    zerolog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Engine handles inbound messages.
type Engine struct {
	cfg          Config
	recipients   store.RecipientStore
	deliveries   store.DeliveryLog
	interactions store.InteractionStore
	claimer      dedup.Claimer
	replier      common.Adapter
	publisher    dispatch.DeliveryPublisher
	settle       map[string]struct{}
	logger       zerolog.Logger
	now          func() time.Time
	newID        func() string
}

// NewEngine validates the dependencies and builds an engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Recipients == nil {
		return nil, errors.New("webhook: recipient store dependency is required")
	}
	if deps.Deliveries == nil {
		return nil, errors.New("webhook: delivery log dependency is required")
	}
	if deps.Interactions == nil {
		return nil, errors.New("webhook: interaction store dependency is required")
	}
	if cfg.MinMatchDigits <= 0 {
		cfg.MinMatchDigits = 9
	}

	e := &Engine{
		cfg:          cfg,
		recipients:   deps.Recipients,
		deliveries:   deps.Deliveries,
		interactions: deps.Interactions,
		claimer:      deps.Claimer,
		replier:      deps.Replier,
		publisher:    deps.Publisher,
		settle:       make(map[string]struct{}, len(cfg.SettleKeywords)),
		logger:       logger.Component(deps.Logger, "webhook_engine"),
		now:          deps.Now,
		newID:        deps.NewID,
	}
	for _, kw := range cfg.SettleKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			e.settle[kw] = struct{}{}
		}
	}
	if e.claimer == nil {
		e.claimer = dedup.Noop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// ParseOption returns the first whitespace-delimited token of body.
func ParseOption(body string) string {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// IsBroadcast reports whether sender is a broadcast or status pseudo-contact.
func IsBroadcast(sender string) bool {
	return strings.Contains(strings.ToLower(sender), "@broadcast")
}

// IsReceipt reports whether the message carries a payment receipt.
func IsReceipt(kind, body string) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "image", "document":
		return true
	}
	return strings.TrimSpace(body) == ReceiptMarker
}

// HandleInbound processes one inbound message. Unmatched senders, broadcasts
// and duplicates return an unprocessed result without writes; store failures
// are returned as errors.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (*Result, error) {
	sender := strings.TrimSpace(in.Sender)
	if IsBroadcast(sender) {
		e.logger.Debug().Str("sender", sender).Msg("webhook: broadcast ignored")
		return &Result{Reason: ReasonBroadcast}, nil
	}
	digits := models.DigitsOnly(sender)
	if digits == "" {
		return &Result{Reason: ReasonMissingSender}, nil
	}
	if in.Channel == "" {
		in.Channel = models.ChannelWhatsApp
	}

	var claimed string
	if id := dedup.Key(in.EventID); id != "" {
		first, err := e.claimer.Claim(ctx, id)
		switch {
		case err != nil:
			e.logger.Warn().Str("event_id", id).Err(err).Msg("webhook: dedup claim failed; processing anyway")
		case !first:
			e.logger.Info().Str("event_id", id).Msg("webhook: duplicate event ignored")
			return &Result{Duplicate: true, Reason: ReasonDuplicate}, nil
		default:
			claimed = id
		}
	}

	res, err := e.process(ctx, in, digits)
	if err != nil && claimed != "" {
		// A failed event must stay eligible for redelivery.
		if relErr := e.claimer.Release(context.WithoutCancel(ctx), claimed); relErr != nil {
			e.logger.Error().Str("event_id", claimed).Err(relErr).Msg("webhook: dedup release failed")
		}
	}
	return res, err
}

func (e *Engine) process(ctx context.Context, in Inbound, digits string) (*Result, error) {
	receipt := IsReceipt(in.Kind, in.Body)
	recipient, err := e.recipients.FindByPhoneSuffix(ctx, digits, e.cfg.MinMatchDigits)
	if errors.Is(err, store.ErrNotFound) {
		reply := ReplyNotRegistered
		if receipt {
			reply = ReplyReceiptNotRegistered
		}
		e.logger.Info().Str("sender", digits).Bool("receipt", receipt).Msg("webhook: sender not registered")
		return &Result{Reason: ReasonNotRegistered, AutoReply: reply}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("webhook: match sender: %w", err)
	}

	if receipt {
		return e.handleReceipt(ctx, in, digits, recipient)
	}
	return e.handleText(ctx, in, digits, recipient)
}

func (e *Engine) handleReceipt(ctx context.Context, in Inbound, digits string, r *models.Recipient) (*Result, error) {
	if err := e.recipients.UpdateStatus(ctx, r.ID, models.RecipientSettled); err != nil {
		return nil, fmt.Errorf("webhook: settle recipient %s: %w", r.ID, err)
	}

	kind := strings.ToLower(strings.TrimSpace(in.Kind))
	if kind == "" || kind == "text" || kind == "chat" {
		kind = "image"
	}
	interaction, err := e.record(ctx, in, r, ReceiptMarker, OptionReceipt, NoteReceiptReceived, map[string]any{
		"phone":   digits,
		"message": ReceiptMarker,
		"type":    kind,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("recipient_id", r.ID).
		Str("interaction_id", interaction.ID).
		Msg("webhook: payment receipt received; recipient settled")
	return &Result{
		Processed:     true,
		AutoReply:     ReplyReceiptAccepted,
		RecipientID:   r.ID,
		RecipientName: r.Name,
		InteractionID: interaction.ID,
		Option:        OptionReceipt,
	}, nil
}

func (e *Engine) handleText(ctx context.Context, in Inbound, digits string, r *models.Recipient) (*Result, error) {
	option := ParseOption(in.Body)
	note := optionNotes[option]

	if _, ok := e.settle[strings.ToLower(option)]; ok {
		if err := e.recipients.UpdateStatus(ctx, r.ID, models.RecipientSettled); err != nil {
			return nil, fmt.Errorf("webhook: settle recipient %s: %w", r.ID, err)
		}
		note = NoteSettled
	}

	interaction, err := e.record(ctx, in, r, in.Body, option, note, map[string]any{
		"phone":   digits,
		"message": in.Body,
	})
	if err != nil {
		return nil, err
	}

	reply := menuReplies[option]
	e.logger.Info().
		Str("recipient_id", r.ID).
		Str("interaction_id", interaction.ID).
		Str("option", option).
		Bool("auto_reply", reply != "").
		Msg("webhook: message processed")
	return &Result{
		Processed:     true,
		AutoReply:     reply,
		RecipientID:   r.ID,
		RecipientName: r.Name,
		InteractionID: interaction.ID,
		Option:        option,
	}, nil
}

// record writes the interaction, its notes and the inbound log entry.
func (e *Engine) record(ctx context.Context, in Inbound, r *models.Recipient, raw, option, note string, payload map[string]any) (*models.Interaction, error) {
	now := e.now().UTC()
	interaction := &models.Interaction{
		ID:          e.newID(),
		RecipientID: r.ID,
		ReceivedAt:  now,
		Channel:     in.Channel,
		RawMessage:  raw,
		Option:      option,
	}
	if link := e.latestOutbound(ctx, r.ID, now); link != "" {
		interaction.DeliveryLogID = &link
	}
	if err := e.interactions.CreateInteraction(ctx, interaction); err != nil {
		return nil, fmt.Errorf("webhook: create interaction: %w", err)
	}
	if note != "" {
		if err := e.interactions.AttachNotes(ctx, interaction.ID, note); err != nil {
			return nil, fmt.Errorf("webhook: attach notes: %w", err)
		}
		interaction.Notes = note
	}

	if id := dedup.Key(in.EventID); id != "" {
		payload["event_id"] = id
	}
	entry := &models.DeliveryLogEntry{
		ID:          e.newID(),
		RecipientID: r.ID,
		Kind:        models.KindIncoming,
		Channel:     in.Channel,
		Outcome:     models.OutcomeSuccess,
		CreatedAt:   now,
		Payload:     payload,
	}
	if err := e.deliveries.Append(context.WithoutCancel(ctx), entry); err != nil {
		return nil, fmt.Errorf("webhook: append inbound entry: %w", err)
	}
	if e.publisher != nil {
		if err := e.publisher.PublishDelivery(ctx, models.EventFromEntry(entry)); err != nil {
			e.logger.Error().Str("entry_id", entry.ID).Err(err).Msg("webhook: failed to publish inbound event")
		}
	}
	return interaction, nil
}

func (e *Engine) latestOutbound(ctx context.Context, recipientID string, now time.Time) string {
	if e.cfg.ReplyWindow <= 0 {
		return ""
	}
	entry, err := e.deliveries.LatestOutbound(ctx, recipientID, now.Add(-e.cfg.ReplyWindow))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Str("recipient_id", recipientID).Err(err).Msg("webhook: outbound lookup failed")
		}
		return ""
	}
	return entry.ID
}

// DeliverReply sends reply back to sender through the configured replier. An
// empty reply or a missing replier is a no-op.
func (e *Engine) DeliverReply(ctx context.Context, sender string, res *Result) error {
	if e.replier == nil || res == nil || res.AutoReply == "" {
		return nil
	}
	msg := &common.OutboundMessage{
		MessageID:     e.newID(),
		RecipientID:   res.RecipientID,
		RecipientName: res.RecipientName,
		Phone:         models.DigitsOnly(sender),
		Body:          res.AutoReply,
	}
	if _, err := e.replier.Send(ctx, msg); err != nil {
		e.logger.Warn().Str("recipient_id", res.RecipientID).Err(err).Msg("webhook: auto-reply failed")
		return fmt.Errorf("webhook: deliver reply: %w", err)
	}
	return nil
}
