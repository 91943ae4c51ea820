package whatsapp

import (
	"context"
	"net/http"
	"reflect"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/config"
	"github.com/example/billing-messenger/internal/util"
)

// InfobipProvider sends text messages through the Infobip WhatsApp API.
type InfobipProvider struct {
	logger zerolog.Logger
	apiKey string
	sender string
	http   httpSettings
}

// NewInfobipProvider constructs an Infobip backed provider. The base URL is
// the account specific host and may omit the scheme.
func NewInfobipProvider(cfg config.InfobipConfig, logger zerolog.Logger, opts ...ClientOption) (*InfobipProvider, error) {
	var missing []string
	if strings.TrimSpace(cfg.BaseURL) == "" {
		missing = append(missing, "INFOBIP_BASE_URL")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "INFOBIP_API_KEY")
	}
	if strings.TrimSpace(cfg.Sender) == "" {
		missing = append(missing, "INFOBIP_SENDER")
	}
	if len(missing) > 0 {
		return nil, apperr.Configuration("infobip whatsapp provider", missing...)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	base := strings.TrimSpace(cfg.BaseURL)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &InfobipProvider{
		logger: logger,
		apiKey: strings.TrimSpace(cfg.APIKey),
		sender: strings.TrimSpace(cfg.Sender),
		http:   newHTTPSettings(base, opts),
	}, nil
}

// Name implements Provider.
func (p *InfobipProvider) Name() string { return "infobip" }

type infobipContent struct {
	Text string `json:"text"`
}

type infobipText struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	Content infobipContent `json:"content"`
}

// Send posts the message to /whatsapp/1/message/text with the recipient in
// E.164 form.
func (p *InfobipProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if err := checkPayload("infobip", payload); err != nil {
		return nil, err
	}
	to, err := util.E164FromDigits(payload.To)
	if err != nil {
		return nil, err
	}

	msg := infobipText{From: p.sender, To: to, Content: infobipContent{Text: payload.Body}}
	res, err := p.http.doJSON(ctx, "infobip", http.MethodPost, p.http.baseURL+"/whatsapp/1/message/text", p.headers(), msg)
	if err != nil {
		return nil, err
	}

	raw := &RawResponse{
		Code:      res.Code,
		Status:    http.StatusText(res.Code),
		Body:      res.Body,
		Timestamp: p.http.now(),
	}
	body := []byte(res.Body)
	if !res.ok() {
		message, _ := jsonparser.GetString(body, "requestError", "serviceException", "text")
		return raw, statusError("infobip", res, message)
	}

	raw.ID, _ = jsonparser.GetString(body, "messageId")
	if group, err := jsonparser.GetString(body, "status", "groupName"); err == nil {
		raw.Status = group
	}
	if raw.ID == "" {
		raw.ID = payload.MessageID
	}
	return raw, nil
}

// Health reads the account balance, a read-only call that validates the key.
func (p *InfobipProvider) Health(ctx context.Context) (*HealthResult, error) {
	return p.http.health(ctx, "infobip", p.http.baseURL+"/account/1/balance", p.headers())
}

func (p *InfobipProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "App " + p.apiKey,
		"Accept":        "application/json",
	}
}
