package whatsapp

import (
	"context"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/config"
)

// WhapiProvider sends text messages through the Whapi.Cloud gateway.
type WhapiProvider struct {
	logger      zerolog.Logger
	token       string
	channelType string
	http        httpSettings
}

// NewWhapiProvider constructs a Whapi backed provider.
func NewWhapiProvider(cfg config.WhapiConfig, logger zerolog.Logger, opts ...ClientOption) (*WhapiProvider, error) {
	var missing []string
	if strings.TrimSpace(cfg.BaseURL) == "" {
		missing = append(missing, "WHAPI_BASE_URL")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		missing = append(missing, "WHAPI_TOKEN")
	}
	if len(missing) > 0 {
		return nil, apperr.Configuration("whapi whatsapp provider", missing...)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	channelType := strings.TrimSpace(cfg.ChannelType)
	if channelType == "" {
		channelType = "web"
	}

	return &WhapiProvider{
		logger:      logger,
		token:       strings.TrimSpace(cfg.Token),
		channelType: channelType,
		http:        newHTTPSettings(strings.TrimSpace(cfg.BaseURL), opts),
	}, nil
}

// Name implements Provider.
func (p *WhapiProvider) Name() string { return "whapi" }

type whapiText struct {
	To          string `json:"to"`
	Body        string `json:"body"`
	TypingTime  int    `json:"typing_time"`
	ChannelType string `json:"channel_type"`
}

// Send posts the message to {base}/messages/text.
func (p *WhapiProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if err := checkPayload("whapi", payload); err != nil {
		return nil, err
	}

	msg := whapiText{To: payload.To, Body: payload.Body, ChannelType: p.channelType}
	res, err := p.http.doJSON(ctx, "whapi", http.MethodPost, p.http.baseURL+"/messages/text", p.headers(), msg)
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
		message, _ := jsonparser.GetString(body, "error", "message")
		return raw, statusError("whapi", res, message)
	}

	raw.ID, _ = jsonparser.GetString(body, "message", "id")
	if status, err := jsonparser.GetString(body, "message", "status"); err == nil {
		raw.Status = status
	}
	if raw.ID == "" {
		raw.ID = payload.MessageID
	}
	return raw, nil
}

// Health calls the gateway health endpoint, waking the channel if idle.
func (p *WhapiProvider) Health(ctx context.Context) (*HealthResult, error) {
	q := url.Values{}
	q.Set("wakeup", "true")
	q.Set("channel_type", p.channelType)
	return p.http.health(ctx, "whapi", p.http.baseURL+"/health?"+q.Encode(), p.headers())
}

func (p *WhapiProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.token,
		"Accept":        "application/json",
	}
}
