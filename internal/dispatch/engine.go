// Package dispatch renders templates for recipients, hands them to the
// channel adapters and records exactly one delivery log entry per attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	common "github.com/example/billing-messenger/internal/adapters/common"
	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/lifecycle"
	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/render"
	"github.com/example/billing-messenger/internal/store"
)

// ErrInvalidRequest marks malformed dispatch requests.
var ErrInvalidRequest = errors.New("dispatch: invalid request")

// Config tunes dispatch behaviour.
type Config struct {
	// PacingInterval is the pause between successive bulk sends.
	PacingInterval time.Duration
	// MinPhoneDigits is the digit count below which bulk recipients are skipped.
	MinPhoneDigits int
	// VerifyTimeout bounds the optional contact pre-check.
	VerifyTimeout time.Duration
}

// DeliveryPublisher is notified after every persisted log entry.
type DeliveryPublisher interface {
	PublishDelivery(ctx context.Context, event models.DeliveryEvent) error
}

// Dependencies collects the collaborators the engine needs.
type Dependencies struct {
	Templates  store.TemplateStore
	Recipients store.RecipientStore
	Deliveries store.DeliveryLog
	Adapters   []common.Adapter
	// Gate guards bulk dispatch; nil means always connected.
	Gate      common.Gate
	Verifier  lifecycle.ContactVerifier
	Publisher DeliveryPublisher
	Logger    zerolog.Logger
	Now       func() time.Time
	// Sleep waits between bulk sends; it must return ctx.Err() when cancelled.
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// Request is a single template dispatch.
type Request struct {
	RecipientID  string            `json:"recipient_id"`
	TemplateCode string            `json:"template_code"`
	Kind         models.MessageKind `json:"message_kind"`
	Initiator    string            `json:"initiator,omitempty"`
	Extra        map[string]string `json:"extra_context,omitempty"`
}

// Engine dispatches single and bulk messages.
type Engine struct {
	cfg        Config
	templates  store.TemplateStore
	recipients store.RecipientStore
	deliveries store.DeliveryLog
	adapters   map[models.Channel]common.Adapter
	gate       common.Gate
	verifier   lifecycle.ContactVerifier
	publisher  DeliveryPublisher
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	newID      func() string
}

// NewEngine validates the dependencies and builds an engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Templates == nil {
		return nil, errors.New("dispatch: template store dependency is required")
	}
	if deps.Recipients == nil {
		return nil, errors.New("dispatch: recipient store dependency is required")
	}
	if deps.Deliveries == nil {
		return nil, errors.New("dispatch: delivery log dependency is required")
	}
	if len(deps.Adapters) == 0 {
		return nil, errors.New("dispatch: at least one adapter is required")
	}
	if cfg.PacingInterval < 0 {
		return nil, errors.New("dispatch: pacing interval cannot be negative")
	}
	if cfg.MinPhoneDigits <= 0 {
		cfg.MinPhoneDigits = 10
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	e := &Engine{
		cfg:        cfg,
		templates:  deps.Templates,
		recipients: deps.Recipients,
		deliveries: deps.Deliveries,
		adapters:   make(map[models.Channel]common.Adapter, len(deps.Adapters)),
		gate:       deps.Gate,
		verifier:   deps.Verifier,
		publisher:  deps.Publisher,
		logger:     logger.With().Str("component", "dispatch_engine").Logger(),
		now:        deps.Now,
		sleep:      deps.Sleep,
		newID:      deps.NewID,
	}
	for _, a := range deps.Adapters {
		if a == nil {
			return nil, errors.New("dispatch: nil adapter")
		}
		if _, dup := e.adapters[a.Channel()]; dup {
			return nil, fmt.Errorf("dispatch: duplicate adapter for channel %s", a.Channel())
		}
		e.adapters[a.Channel()] = a
	}
	if e.gate == nil {
		e.gate = common.AlwaysConnected
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// Dispatch sends one template to one recipient. Template lookup, recipient
// lookup and rendering failures return an error without a log entry. Once
// rendering succeeds the send outcome is captured into exactly one log entry,
// which is returned; the error is non-nil only when that entry could not be
// persisted.
func (e *Engine) Dispatch(ctx context.Context, req Request) (*models.DeliveryLogEntry, error) {
	kind, err := outboundKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.RecipientID) == "" || strings.TrimSpace(req.TemplateCode) == "" {
		return nil, fmt.Errorf("%w: recipient_id and template_code are required", ErrInvalidRequest)
	}

	tpl, err := e.templates.GetActive(ctx, req.TemplateCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &apperr.TemplateNotFoundError{Code: req.TemplateCode}
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: load template %s: %w", req.TemplateCode, err)
	}

	recipient, err := e.recipients.GetRecipient(ctx, req.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load recipient %s: %w", req.RecipientID, err)
	}

	today := e.now()
	body, err := render.Render(tpl.Body, render.Variables(*recipient, today, req.Extra))
	if err != nil {
		e.logger.Warn().
			Str("recipient_id", recipient.ID).
			Str("template", tpl.Code).
			Err(err).
			Msg("dispatch: template render failed")
		return nil, err
	}

	msg := &common.OutboundMessage{
		MessageID:     e.newID(),
		RecipientID:   recipient.ID,
		RecipientName: recipient.Name,
		Phone:         recipient.Digits(),
		Email:         recipient.Email,
		Body:          body,
		TemplateCode:  tpl.Code,
		Kind:          kind,
	}
	payload := map[string]any{
		"template_code": tpl.Code,
		"message":       body,
	}
	if tpl.Channel == models.ChannelEmail {
		payload["email"] = recipient.Email
	} else {
		payload["phone"] = msg.Phone
	}

	entry := e.send(ctx, tpl.Channel, msg, payload, req.Initiator)
	if err := e.record(ctx, entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// send performs the adapter call and builds the resulting log entry. Adapter
// errors never escape; they become a failed outcome.
func (e *Engine) send(ctx context.Context, channel models.Channel, msg *common.OutboundMessage, payload map[string]any, initiator string) *models.DeliveryLogEntry {
	entry := &models.DeliveryLogEntry{
		ID:          msg.MessageID,
		RecipientID: msg.RecipientID,
		Kind:        msg.Kind,
		Channel:     channel,
		Payload:     payload,
	}
	if msg.TemplateCode != "" {
		code := msg.TemplateCode
		entry.TemplateCode = &code
	}
	if initiator != "" {
		entry.Initiator = &initiator
	}

	var (
		resp *common.ProviderResponse
		err  error
	)
	adapter, ok := e.adapters[channel]
	if !ok {
		err = apperr.Configuration("dispatch", "adapter for channel "+string(channel))
	} else {
		resp, err = adapter.Send(ctx, msg)
	}

	entry.CreatedAt = e.now().UTC()
	entry.Response = resp.Snapshot()
	logEvent := e.logger.With().
		Str("recipient_id", msg.RecipientID).
		Str("template", msg.TemplateCode).
		Str("channel", string(channel)).
		Str("entry_id", entry.ID).
		Logger()
	if resp != nil {
		logEvent = logEvent.With().Str("provider", resp.Provider).Logger()
	}

	if err != nil {
		entry.Outcome = models.OutcomeFailed
		entry.Error = err.Error()
		logEvent.Warn().Str("outcome", string(entry.Outcome)).Err(err).Msg("dispatch: send failed")
		return entry
	}
	entry.Outcome = models.OutcomeSuccess
	logEvent.Info().Str("outcome", string(entry.Outcome)).Msg("dispatch: message sent")
	return entry
}

// record persists the entry even if ctx was cancelled during the send, then
// notifies the publisher.
func (e *Engine) record(ctx context.Context, entry *models.DeliveryLogEntry) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.deliveries.Append(ctx, entry); err != nil {
		e.logger.Error().
			Str("entry_id", entry.ID).
			Str("recipient_id", entry.RecipientID).
			Err(err).
			Msg("dispatch: failed to persist delivery log entry")
		return fmt.Errorf("dispatch: persist delivery log entry: %w", err)
	}
	e.publish(ctx, entry)
	return nil
}

func (e *Engine) publish(ctx context.Context, entry *models.DeliveryLogEntry) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishDelivery(ctx, models.EventFromEntry(entry)); err != nil {
		e.logger.Error().
			Str("entry_id", entry.ID).
			Err(err).
			Msg("dispatch: failed to publish delivery event")
	}
}

// Health reports the adapter health for channel.
func (e *Engine) Health(ctx context.Context, channel models.Channel) (*common.HealthReport, error) {
	adapter, ok := e.adapters[channel]
	if !ok {
		return nil, apperr.Configuration("dispatch", "adapter for channel "+string(channel))
	}
	return adapter.Health(ctx)
}

// Adapter returns the adapter registered for channel.
func (e *Engine) Adapter(channel models.Channel) (common.Adapter, bool) {
	a, ok := e.adapters[channel]
	return a, ok
}

func outboundKind(k models.MessageKind) (models.MessageKind, error) {
	switch k {
	case "":
		return models.KindCharge, nil
	case models.KindReminder, models.KindCharge:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unsupported message kind %q", ErrInvalidRequest, k)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
