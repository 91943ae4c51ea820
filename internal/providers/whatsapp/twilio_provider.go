package whatsapp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/config"
	"github.com/example/billing-messenger/internal/util"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioProvider implements the Provider interface for WhatsApp using Twilio's API.
type TwilioProvider struct {
	logger      zerolog.Logger
	accountSID  string
	authToken   string
	defaultFrom string
	http        httpSettings
}

// NewTwilioProvider constructs a Twilio-backed WhatsApp provider.
func NewTwilioProvider(cfg config.TwilioConfig, logger zerolog.Logger, opts ...ClientOption) (*TwilioProvider, error) {
	var missing []string
	if strings.TrimSpace(cfg.AccountSID) == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if strings.TrimSpace(cfg.PhoneNumber) == "" {
		missing = append(missing, "TWILIO_PHONE_NUMBER")
	}
	if len(missing) > 0 {
		return nil, apperr.Configuration("twilio whatsapp provider", missing...)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &TwilioProvider{
		logger:      logger,
		accountSID:  strings.TrimSpace(cfg.AccountSID),
		authToken:   strings.TrimSpace(cfg.AuthToken),
		defaultFrom: formatWhatsAppAddress(cfg.PhoneNumber),
		http:        newHTTPSettings(twilioBaseURL, opts),
	}, nil
}

// Name implements Provider.
func (p *TwilioProvider) Name() string { return "twilio" }

// Send delivers the WhatsApp payload via Twilio's Messages resource.
func (p *TwilioProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if err := checkPayload("twilio", payload); err != nil {
		return nil, err
	}
	to, err := util.E164FromDigits(payload.To)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("To", formatWhatsAppAddress(to))
	params.Set("From", p.defaultFrom)
	params.Set("Body", payload.Body)
	for key, value := range payload.Meta {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" || strings.EqualFold(key, "scenario") {
			continue
		}
		param := normalizeTwilioParam(key)
		if param == "To" || param == "From" || param == "Body" {
			continue
		}
		params.Set(param, value)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", p.http.baseURL, url.PathEscape(p.accountSID))
	headers := p.headers()
	headers["Content-Type"] = "application/x-www-form-urlencoded"

	res, err := p.http.do(ctx, "twilio", http.MethodPost, endpoint, headers, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}

	parsed := parseTwilioBody(res.Body)
	raw := &RawResponse{
		ID:        parsed.SID,
		Code:      res.Code,
		Status:    parsed.Status,
		Body:      res.Body,
		Timestamp: p.http.now(),
	}
	if raw.Status == "" {
		raw.Status = http.StatusText(res.Code)
	}

	if !res.ok() {
		message := parsed.Message
		if parsed.ErrorCode > 0 {
			message = fmt.Sprintf("error %d: %s", parsed.ErrorCode, message)
		}
		return raw, statusError("twilio", res, message)
	}
	if raw.ID == "" {
		raw.ID = payload.MessageID
	}
	return raw, nil
}

// Health fetches the account resource.
func (p *TwilioProvider) Health(ctx context.Context) (*HealthResult, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s.json", p.http.baseURL, url.PathEscape(p.accountSID))
	return p.http.health(ctx, "twilio", endpoint, p.headers())
}

func (p *TwilioProvider) headers() map[string]string {
	creds := base64.StdEncoding.EncodeToString([]byte(p.accountSID + ":" + p.authToken))
	return map[string]string{
		"Authorization": "Basic " + creds,
		"Accept":        "application/json",
	}
}

type twilioBody struct {
	SID       string
	Status    string
	ErrorCode int
	Message   string
}

func parseTwilioBody(body string) twilioBody {
	if strings.TrimSpace(body) == "" {
		return twilioBody{}
	}

	var generic map[string]any
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return twilioBody{}
	}

	result := twilioBody{}
	if v, ok := generic["sid"].(string); ok {
		result.SID = v
	}
	if v, ok := generic["status"].(string); ok {
		result.Status = v
	}
	switch value := generic["code"].(type) {
	case float64:
		result.ErrorCode = int(value)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			result.ErrorCode = n
		}
	}
	if v, ok := generic["message"].(string); ok {
		result.Message = v
	}
	return result
}

func normalizeTwilioParam(key string) string {
	if key == "" || unicode.IsUpper([]rune(key)[0]) {
		return key
	}
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, part := range parts {
		parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
	}
	return strings.Join(parts, "")
}

func formatWhatsAppAddress(number string) string {
	trimmed := strings.TrimSpace(number)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "whatsapp:") {
		return "whatsapp:" + strings.TrimSpace(trimmed[len("whatsapp:"):])
	}
	return "whatsapp:" + trimmed
}
