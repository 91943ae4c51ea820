package whatsapp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/config"
)

// MetaProvider sends text messages through the WhatsApp Cloud API.
type MetaProvider struct {
	logger        zerolog.Logger
	accessToken   string
	phoneNumberID string
	http          httpSettings
}

// NewMetaProvider constructs a Cloud API backed provider. The API URL,
// access token and phone number id are all required.
func NewMetaProvider(cfg config.MetaConfig, logger zerolog.Logger, opts ...ClientOption) (*MetaProvider, error) {
	var missing []string
	if strings.TrimSpace(cfg.APIURL) == "" {
		missing = append(missing, "WHATSAPP_API_URL")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		missing = append(missing, "WHATSAPP_ACCESS_TOKEN")
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		missing = append(missing, "WHATSAPP_PHONE_NUMBER_ID")
	}
	if len(missing) > 0 {
		return nil, apperr.Configuration("meta whatsapp provider", missing...)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &MetaProvider{
		logger:        logger,
		accessToken:   strings.TrimSpace(cfg.AccessToken),
		phoneNumberID: strings.TrimSpace(cfg.PhoneNumberID),
		http:          newHTTPSettings(strings.TrimSpace(cfg.APIURL), opts),
	}, nil
}

// Name implements Provider.
func (p *MetaProvider) Name() string { return "meta" }

type metaText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type metaMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             metaText `json:"text"`
}

// Send posts a text message to {api}/{phone_number_id}/messages.
func (p *MetaProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if err := checkPayload("meta", payload); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/%s/messages", p.http.baseURL, url.PathEscape(p.phoneNumberID))
	msg := metaMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               payload.To,
		Type:             "text",
		Text:             metaText{Body: payload.Body},
	}

	res, err := p.http.doJSON(ctx, "meta", http.MethodPost, endpoint, p.headers(), msg)
	if err != nil {
		return nil, err
	}

	raw := &RawResponse{
		Code:      res.Code,
		Status:    http.StatusText(res.Code),
		Body:      res.Body,
		Timestamp: p.http.now(),
	}
	if !res.ok() {
		message, _ := jsonparser.GetString([]byte(res.Body), "error", "message")
		if code, err := jsonparser.GetInt([]byte(res.Body), "error", "code"); err == nil {
			message = fmt.Sprintf("error %d: %s", code, message)
		}
		return raw, statusError("meta", res, message)
	}

	raw.ID, _ = jsonparser.GetString([]byte(res.Body), "messages", "[0]", "id")
	if status, err := jsonparser.GetString([]byte(res.Body), "messages", "[0]", "message_status"); err == nil {
		raw.Status = status
	}
	if raw.ID == "" {
		raw.ID = payload.MessageID
	}
	return raw, nil
}

// Health fetches the phone number resource, which succeeds only when the
// token can read it.
func (p *MetaProvider) Health(ctx context.Context) (*HealthResult, error) {
	endpoint := fmt.Sprintf("%s/%s", p.http.baseURL, url.PathEscape(p.phoneNumberID))
	return p.http.health(ctx, "meta", endpoint, p.headers())
}

func (p *MetaProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.accessToken,
		"Accept":        "application/json",
	}
}

func checkPayload(provider string, payload *Payload) error {
	if payload == nil {
		return fmt.Errorf("%s whatsapp provider: payload is required", provider)
	}
	if strings.TrimSpace(payload.To) == "" {
		return fmt.Errorf("%s whatsapp provider: recipient is required", provider)
	}
	if strings.TrimSpace(payload.Body) == "" {
		return fmt.Errorf("%s whatsapp provider: body is required", provider)
	}
	return nil
}
