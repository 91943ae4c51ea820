package email

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	common "github.com/example/billing-messenger/internal/adapters/common"
	"github.com/example/billing-messenger/internal/models"
	emailprovider "github.com/example/billing-messenger/internal/providers/email"
	"github.com/example/billing-messenger/internal/util"
)

const (
	// SubjectPrefix starts the default subject; the recipient name follows.
	SubjectPrefix = "Atualização de cobrança - "

	defaultSendTimeout   = 30 * time.Second
	defaultHealthTimeout = 10 * time.Second
)

var smtpErrPattern = regexp.MustCompile(`smtp\s+(\d{3})`)

// Option customises adapter behaviour.
type Option func(*Adapter)

// WithRawBodyLimit overrides the maximum number of characters retained from the
// provider raw response.
func WithRawBodyLimit(limit int) Option {
	return func(a *Adapter) {
		if limit > 0 {
			a.maxRawChars = limit
		}
	}
}

// WithFrom overrides the sender address placed on every payload.
func WithFrom(from string) Option {
	return func(a *Adapter) {
		a.from = strings.TrimSpace(from)
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

// Adapter implements common.Adapter for the email channel, translating
// rendered messages into provider payloads and classifying responses.
type Adapter struct {
	logger        zerolog.Logger
	provider      emailprovider.Provider
	from          string
	maxRawChars   int
	sendTimeout   time.Duration
	healthTimeout time.Duration
}

// NewAdapter constructs an email adapter using the provided dependencies.
func NewAdapter(provider emailprovider.Provider, logger zerolog.Logger, opts ...Option) (*Adapter, error) {
	if provider == nil {
		return nil, errors.New("email adapter: provider dependency is required")
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
func (a *Adapter) Channel() models.Channel { return models.ChannelEmail }

// Send converts the message to a provider payload and delegates the send to
// the configured provider. A recipient without an email address fails
// permanently before the provider is called.
func (a *Adapter) Send(ctx context.Context, msg *common.OutboundMessage) (*common.ProviderResponse, error) {
	name := a.Name()
	if msg == nil {
		return nil, common.ProviderFailure(name, 0, "", errors.New("email adapter: message is nil"), false)
	}
	to, err := util.NormalizeEmail(msg.Email)
	if err != nil {
		if strings.TrimSpace(msg.Email) == "" {
			err = errors.New("email adapter: recipient has no email address")
		}
		return nil, common.ProviderFailure(name, 0, "", err, false)
	}

	ctx, cancel := context.WithTimeout(ctx, a.sendTimeout)
	defer cancel()

	rawResp, err := a.provider.Send(ctx, a.buildPayload(msg, to))
	if err != nil {
		resp := a.buildErrorResponse(rawResp, err)
		a.logger.Warn().
			Str("message_id", msg.MessageID).
			Str("recipient_id", msg.RecipientID).
			Str("provider", name).
			Str("provider_status", resp.Status).
			Err(err).
			Msg("email adapter send failed")
		if common.PassThrough(err) {
			return resp, err
		}
		code, body := 0, ""
		if rawResp != nil {
			code, body = rawResp.Code, rawResp.Body
		}
		return resp, common.ProviderFailure(name, code, body, err, !permanent(err, rawResp))
	}

	resp := a.buildSuccessResponse(rawResp)
	a.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("recipient_id", msg.RecipientID).
		Str("provider", name).
		Msg("email adapter send succeeded")
	return resp, nil
}

// Health probes the relay without sending.
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
		return report, common.ProviderFailure(name, report.StatusCode, report.Detail, err, true)
	}
	report.Reachable = true
	return report, nil
}

func (a *Adapter) buildPayload(msg *common.OutboundMessage, to string) *emailprovider.Payload {
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = SubjectPrefix + msg.RecipientName
	}

	headers := make(map[string]string, len(msg.Meta)+2)
	for key, val := range msg.Meta {
		headers[key] = val
	}
	if msg.TemplateCode != "" {
		headers["X-Template-Code"] = msg.TemplateCode
	}
	if msg.RecipientID != "" {
		headers["X-Recipient-ID"] = msg.RecipientID
	}

	return &emailprovider.Payload{
		MessageID: msg.MessageID,
		From:      a.from,
		To:        to,
		Subject:   subject,
		Body:      msg.Body,
		Headers:   headers,
	}
}

func (a *Adapter) buildSuccessResponse(raw *emailprovider.RawResponse) *common.ProviderResponse {
	resp := &common.ProviderResponse{
		Provider: a.Name(),
		Status:   common.StatusOK,
		Message:  "sent",
	}
	a.applyRaw(resp, raw)
	return resp
}

func (a *Adapter) buildErrorResponse(raw *emailprovider.RawResponse, err error) *common.ProviderResponse {
	resp := &common.ProviderResponse{
		Provider: a.Name(),
		Message:  err.Error(),
	}
	a.applyRaw(resp, raw)

	if resp.Code == nil {
		if code, ok := extractSMTPCode(err); ok {
			resp.Code = common.IntPtr(code)
		}
	}
	resp.Status = classifyStatus(err, resp.Code)
	return resp
}

func (a *Adapter) applyRaw(resp *common.ProviderResponse, raw *emailprovider.RawResponse) {
	if raw == nil {
		return
	}
	resp.ProviderMessageID = raw.ID
	if raw.Code != 0 {
		resp.Code = common.IntPtr(raw.Code)
	}
	resp.Raw = common.TruncateRaw(raw.Body, a.maxRawChars)
	if !raw.Timestamp.IsZero() {
		resp.Meta = map[string]string{"provider_timestamp": raw.Timestamp.UTC().Format(time.RFC3339Nano)}
	}
}

func classifyStatus(err error, code *int) string {
	if code != nil {
		switch {
		case isPermanentCode(*code):
			return common.StatusRejected
		case *code >= 400:
			return common.StatusRateLimited
		}
	}
	if common.IsTimeout(err) {
		return common.StatusRateLimited
	}
	return common.StatusUnknown
}

func permanent(err error, raw *emailprovider.RawResponse) bool {
	code, ok := extractSMTPCode(err)
	if !ok && raw != nil {
		code, ok = raw.Code, true
	}
	return ok && isPermanentCode(code)
}

func extractSMTPCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	matches := smtpErrPattern.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0, false
	}
	code, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0, false
	}
	return code, true
}

func isPermanentCode(code int) bool {
	switch code {
	case 530, 535, 550, 551, 553:
		return true
	default:
		return false
	}
}
