package whatsapp

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"

	common "github.com/example/billing-messenger/internal/adapters/common"
	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/models"
	waprovider "github.com/example/billing-messenger/internal/providers/whatsapp"
	"github.com/example/billing-messenger/internal/util"
)

const (
	// MaxBodyRunes is the WhatsApp text message limit.
	MaxBodyRunes = 4096

	defaultSendTimeout   = 30 * time.Second
	defaultHealthTimeout = 10 * time.Second
)

// Option customises adapter behaviour.
type Option func(*Adapter)

// WithRawBodyLimit overrides the maximum number of characters retained from the provider body.
func WithRawBodyLimit(limit int) Option {
	return func(a *Adapter) {
		if limit > 0 {
			a.maxRawChars = limit
		}
	}
}

// WithGate sets the connection gate consulted before session-bound sends.
func WithGate(g common.Gate) Option {
	return func(a *Adapter) {
		a.gate = g
	}
}

// WithTimeouts bounds provider send and health calls.
func WithTimeouts(send, health time.Duration) Option {
	return func(a *Adapter) {
		if send > 0 {
			a.sendTimeout = send
		}
		if health > 0 {
			a.healthTimeout = health
		}
	}
}

// Adapter implements common.Adapter for WhatsApp messages.
type Adapter struct {
	logger        zerolog.Logger
	provider      waprovider.Provider
	gate          common.Gate
	maxRawChars   int
	sendTimeout   time.Duration
	healthTimeout time.Duration
}

// NewAdapter constructs a WhatsApp adapter.
func NewAdapter(provider waprovider.Provider, logger zerolog.Logger, opts ...Option) (*Adapter, error) {
	if provider == nil {
		return nil, errors.New("whatsapp adapter: provider dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	a := &Adapter{
		logger:        logger,
		provider:      provider,
		maxRawChars:   common.DefaultRawBodyLimit,
		sendTimeout:   defaultSendTimeout,
		healthTimeout: defaultHealthTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Name returns the provider backend name.
func (a *Adapter) Name() string { return a.provider.Name() }

// Channel implements common.Adapter.
func (a *Adapter) Channel() models.Channel { return models.ChannelWhatsApp }

// RequiresSession reports whether sends depend on the bot session.
func (a *Adapter) RequiresSession() bool { return waprovider.RequiresSession(a.provider) }

// Send converts the message into a provider payload and delegates to the
// provider. Session-bound providers are not called unless the gate reports
// connected.
func (a *Adapter) Send(ctx context.Context, msg *common.OutboundMessage) (*common.ProviderResponse, error) {
	name := a.Name()
	if msg == nil {
		return nil, common.ProviderFailure(name, 0, "", errors.New("whatsapp adapter: message is nil"), false)
	}
	if strings.TrimSpace(msg.Phone) == "" {
		return nil, common.ProviderFailure(name, 0, "", errors.New("whatsapp adapter: recipient has no phone number"), false)
	}
	if err := util.EnsureMaxRunes("whatsapp body", msg.Body, MaxBodyRunes); err != nil {
		return nil, common.ProviderFailure(name, 0, "", err, false)
	}

	if a.RequiresSession() {
		state := models.ConnectionState{Status: models.StatusDisconnected}
		if a.gate != nil {
			state = a.gate.State()
		}
		if !state.IsConnected {
			resp := &common.ProviderResponse{Provider: name, Status: common.StatusNotConnected, Message: string(state.Status)}
			return resp, &apperr.NotConnectedError{Status: string(state.Status)}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.sendTimeout)
	defer cancel()

	rawResp, err := a.provider.Send(ctx, a.buildPayload(msg))
	if err != nil {
		status, transient := classifyWhatsAppError(rawResp, err)
		resp := a.buildResponse(rawResp, status, err.Error())
		a.logger.Warn().
			Str("message_id", msg.MessageID).
			Str("recipient_id", msg.RecipientID).
			Str("provider", name).
			Str("provider_status", resp.Status).
			Err(err).
			Msg("whatsapp adapter send failed")
		if common.PassThrough(err) {
			return resp, err
		}
		code, body := 0, ""
		if rawResp != nil {
			code, body = rawResp.Code, rawResp.Body
		}
		return resp, common.ProviderFailure(name, code, body, err, transient)
	}

	resp := a.buildResponse(rawResp, common.StatusOK, "sent")
	a.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("recipient_id", msg.RecipientID).
		Str("provider", name).
		Str("provider_message_id", resp.ProviderMessageID).
		Msg("whatsapp adapter send succeeded")
	return resp, nil
}

// Health probes the provider with a read-only call.
func (a *Adapter) Health(ctx context.Context) (*common.HealthReport, error) {
	ctx, cancel := context.WithTimeout(ctx, a.healthTimeout)
	defer cancel()

	name := a.Name()
	res, err := a.provider.Health(ctx)
	report := &common.HealthReport{Provider: name}
	if res != nil {
		report.StatusCode = res.Code
		report.Detail = common.TruncateRaw(res.Body, a.maxRawChars)
	}
	if err != nil {
		if report.Detail == "" {
			report.Detail = err.Error()
		}
		if common.PassThrough(err) {
			return report, err
		}
		body := ""
		if res != nil {
			body = res.Body
		}
		return report, common.ProviderFailure(name, report.StatusCode, body, err, true)
	}
	report.Reachable = true
	return report, nil
}

func (a *Adapter) buildPayload(msg *common.OutboundMessage) *waprovider.Payload {
	meta := make(map[string]string, len(msg.Meta)+2)
	for k, v := range msg.Meta {
		if strings.TrimSpace(v) != "" {
			meta[k] = v
		}
	}
	if msg.TemplateCode != "" {
		meta["template_code"] = msg.TemplateCode
	}
	if msg.Kind != "" {
		meta["message_kind"] = string(msg.Kind)
	}
	if len(meta) == 0 {
		meta = nil
	}

	return &waprovider.Payload{
		MessageID: msg.MessageID,
		To:        models.DigitsOnly(msg.Phone),
		Body:      msg.Body,
		Meta:      meta,
	}
}

func (a *Adapter) buildResponse(raw *waprovider.RawResponse, status, message string) *common.ProviderResponse {
	resp := &common.ProviderResponse{
		Provider: a.Name(),
		Status:   status,
		Message:  message,
	}
	if raw == nil {
		return resp
	}

	resp.ProviderMessageID = raw.ID
	if raw.Code != 0 {
		resp.Code = common.IntPtr(raw.Code)
	}
	resp.Raw = common.TruncateRaw(raw.Body, a.maxRawChars)

	meta := make(map[string]string)
	if raw.Status != "" {
		meta["provider_status"] = raw.Status
	}
	if !raw.Timestamp.IsZero() {
		meta["provider_timestamp"] = raw.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if len(meta) > 0 {
		resp.Meta = meta
	}
	return resp
}

// Provider error codes with a known retry class. Twilio reports them at the
// top level, the Cloud API under error.code.
var (
	permanentCodes = map[int64]struct{}{
		21211: {}, 21610: {}, 21612: {}, 21614: {}, // twilio: invalid or unreachable recipient
		100: {}, 190: {}, 131026: {}, 131047: {}, 131051: {}, // meta: bad parameter, token, undeliverable
	}
	transientCodes = map[int64]struct{}{
		30001: {}, 30003: {}, 63002: {}, 63015: {}, 63016: {}, 63018: {}, // twilio: queue overflow, rate limits
		2: {}, 130429: {}, 131000: {}, 131048: {}, 131056: {}, // meta: service, throughput and pair rate limits
	}
)

// classifyWhatsAppError maps a failed send to a normalized status and whether
// a retry may succeed.
func classifyWhatsAppError(raw *waprovider.RawResponse, err error) (string, bool) {
	switch {
	case errors.Is(err, apperr.ErrNotConnected):
		return common.StatusNotConnected, true
	case errors.Is(err, apperr.ErrConfiguration):
		return common.StatusRejected, false
	}

	if raw != nil {
		if code, ok := extractErrorCode(raw.Body); ok {
			if _, hit := permanentCodes[code]; hit {
				return common.StatusRejected, false
			}
			if _, hit := transientCodes[code]; hit {
				return common.StatusRateLimited, true
			}
		}

		lowerStatus := strings.ToLower(raw.Status)
		switch {
		case strings.Contains(lowerStatus, "permanent"), strings.Contains(lowerStatus, "invalid"):
			return common.StatusRejected, false
		case strings.Contains(lowerStatus, "transient"):
			return common.StatusRateLimited, true
		case raw.Code >= 500, raw.Code == 429, raw.Code == 408:
			return common.StatusRateLimited, true
		case raw.Code >= 400:
			return common.StatusRejected, false
		}
	}

	if common.IsTimeout(err) {
		return common.StatusRateLimited, true
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "invalid") || strings.Contains(lower, "permanent") {
		return common.StatusRejected, false
	}
	return common.StatusUnknown, true
}

func extractErrorCode(body string) (int64, bool) {
	data := []byte(body)
	if code, err := jsonparser.GetInt(data, "code"); err == nil {
		return code, true
	}
	if code, err := jsonparser.GetInt(data, "error", "code"); err == nil {
		return code, true
	}
	return 0, false
}
