package whatsapp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/config"
	waprovider "github.com/example/billing-messenger/internal/providers/whatsapp"
)

type capturedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   string
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		captured []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		captured = append(captured, capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   string(data),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
}

func TestMetaProviderSend(t *testing.T) {
	srv, captured := newServer(t, http.StatusOK, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`)
	fixed := time.Date(2025, time.January, 1, 12, 0, 0, 0, time.UTC)

	p, err := waprovider.NewMetaProvider(config.MetaConfig{
		APIURL:        srv.URL,
		AccessToken:   "token",
		PhoneNumberID: "12345",
	}, zerolog.Nop(), waprovider.WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := p.Send(context.Background(), &waprovider.Payload{MessageID: "m1", To: "5511987654321", Body: "Olá"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if raw.ID != "wamid.ABC" || raw.Code != http.StatusOK || raw.Timestamp != fixed {
		t.Fatalf("unexpected raw response: %+v", raw)
	}

	req := captured()[0]
	if req.Method != http.MethodPost || req.Path != "/12345/messages" {
		t.Fatalf("unexpected request line: %s %s", req.Method, req.Path)
	}
	if req.Header.Get("Authorization") != "Bearer token" {
		t.Fatalf("expected bearer token, got %q", req.Header.Get("Authorization"))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["messaging_product"] != "whatsapp" || body["to"] != "5511987654321" || body["type"] != "text" {
		t.Fatalf("unexpected body: %+v", body)
	}
	text := body["text"].(map[string]any)
	if text["body"] != "Olá" || text["preview_url"] != false {
		t.Fatalf("unexpected text block: %+v", text)
	}
}

func TestMetaProviderSendErrorCarriesStatusAndBody(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadRequest, `{"error":{"message":"Invalid parameter","code":100}}`)
	p, err := waprovider.NewMetaProvider(config.MetaConfig{APIURL: srv.URL, AccessToken: "t", PhoneNumberID: "1"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := p.Send(context.Background(), &waprovider.Payload{To: "5511987654321", Body: "x"})
	if err == nil {
		t.Fatalf("expected error for 400 reply")
	}
	if !strings.Contains(err.Error(), "http 400") || !strings.Contains(err.Error(), "Invalid parameter") {
		t.Fatalf("unexpected error text: %v", err)
	}
	if raw == nil || raw.Code != http.StatusBadRequest || !strings.Contains(raw.Body, "Invalid parameter") {
		t.Fatalf("expected raw response with status and body, got %+v", raw)
	}
}

func TestMetaProviderHealth(t *testing.T) {
	srv, captured := newServer(t, http.StatusOK, `{"id":"12345","verified_name":"Billing"}`)
	p, _ := waprovider.NewMetaProvider(config.MetaConfig{APIURL: srv.URL, AccessToken: "t", PhoneNumberID: "12345"}, zerolog.Nop())

	res, err := p.Health(context.Background())
	if err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	if res.Code != http.StatusOK || captured()[0].Method != http.MethodGet || captured()[0].Path != "/12345" {
		t.Fatalf("unexpected health probe: %+v %+v", res, captured()[0])
	}
}

func TestProvidersRejectMissingCredentials(t *testing.T) {
	cases := []struct {
		name string
		make func() error
		want string
	}{
		{"meta", func() error {
			_, err := waprovider.NewMetaProvider(config.MetaConfig{APIURL: "https://graph"}, zerolog.Nop())
			return err
		}, "WHATSAPP_ACCESS_TOKEN"},
		{"whapi", func() error {
			_, err := waprovider.NewWhapiProvider(config.WhapiConfig{BaseURL: "https://gate"}, zerolog.Nop())
			return err
		}, "WHAPI_TOKEN"},
		{"infobip", func() error {
			_, err := waprovider.NewInfobipProvider(config.InfobipConfig{APIKey: "k"}, zerolog.Nop())
			return err
		}, "INFOBIP_BASE_URL"},
		{"twilio", func() error {
			_, err := waprovider.NewTwilioProvider(config.TwilioConfig{AccountSID: "AC1"}, zerolog.Nop())
			return err
		}, "TWILIO_AUTH_TOKEN"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.make()
			if !errors.Is(err, apperr.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %s to be named, got %v", tc.want, err)
			}
		})
	}
}

func TestWhapiProviderSendAndHealth(t *testing.T) {
	srv, captured := newServer(t, http.StatusOK, `{"sent":true,"message":{"id":"wh-1","status":"pending"}}`)
	p, err := waprovider.NewWhapiProvider(config.WhapiConfig{BaseURL: srv.URL, Token: "tok"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := p.Send(context.Background(), &waprovider.Payload{To: "5511987654321", Body: "oi"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if raw.ID != "wh-1" || raw.Status != "pending" {
		t.Fatalf("unexpected raw response: %+v", raw)
	}

	send := captured()[0]
	if send.Path != "/messages/text" || send.Header.Get("Authorization") != "Bearer tok" {
		t.Fatalf("unexpected send request: %+v", send)
	}
	var body map[string]any
	_ = json.Unmarshal([]byte(send.Body), &body)
	if body["channel_type"] != "web" || body["typing_time"] != float64(0) || body["to"] != "5511987654321" {
		t.Fatalf("unexpected whapi body: %+v", body)
	}

	if _, err := p.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}
	health := captured()[1]
	if health.Path != "/health" || health.Query.Get("wakeup") != "true" || health.Query.Get("channel_type") != "web" {
		t.Fatalf("unexpected health request: %+v", health)
	}
}

func TestWhapiProviderHealthUnreachable(t *testing.T) {
	srv, _ := newServer(t, http.StatusServiceUnavailable, `{"error":{"message":"channel offline"}}`)
	p, _ := waprovider.NewWhapiProvider(config.WhapiConfig{BaseURL: srv.URL, Token: "tok"}, zerolog.Nop())

	res, err := p.Health(context.Background())
	if err == nil {
		t.Fatalf("expected error for 503")
	}
	if res == nil || res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status code in health result, got %+v", res)
	}
}

func TestInfobipProviderSend(t *testing.T) {
	srv, captured := newServer(t, http.StatusOK, `{"to":"+5511987654321","messageId":"ib-9","status":{"groupName":"PENDING"}}`)
	p, err := waprovider.NewInfobipProvider(config.InfobipConfig{BaseURL: srv.URL, APIKey: "key", Sender: "551100000000"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := p.Send(context.Background(), &waprovider.Payload{To: "5511987654321", Body: "oi"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if raw.ID != "ib-9" || raw.Status != "PENDING" {
		t.Fatalf("unexpected raw response: %+v", raw)
	}

	req := captured()[0]
	if req.Path != "/whatsapp/1/message/text" || req.Header.Get("Authorization") != "App key" {
		t.Fatalf("unexpected infobip request: %+v", req)
	}
	var body map[string]any
	_ = json.Unmarshal([]byte(req.Body), &body)
	if body["to"] != "+5511987654321" || body["from"] != "551100000000" {
		t.Fatalf("unexpected infobip body: %+v", body)
	}
	if content := body["content"].(map[string]any); content["text"] != "oi" {
		t.Fatalf("unexpected infobip content: %+v", content)
	}
}

func TestTwilioProviderSend(t *testing.T) {
	srv, captured := newServer(t, http.StatusCreated, `{"sid":"SM123","status":"queued"}`)
	p, err := waprovider.NewTwilioProvider(config.TwilioConfig{
		AccountSID:  "AC1",
		AuthToken:   "secret",
		PhoneNumber: "+14155550000",
	}, zerolog.Nop(), waprovider.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := p.Send(context.Background(), &waprovider.Payload{
		To:   "5511987654321",
		Body: "oi",
		Meta: map[string]string{"status_callback": "https://cb", "scenario": "ignored"},
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if raw.ID != "SM123" || raw.Status != "queued" {
		t.Fatalf("unexpected raw response: %+v", raw)
	}

	req := captured()[0]
	if req.Path != "/Accounts/AC1/Messages.json" {
		t.Fatalf("unexpected path %s", req.Path)
	}
	form, _ := url.ParseQuery(req.Body)
	if form.Get("To") != "whatsapp:+5511987654321" || form.Get("From") != "whatsapp:+14155550000" || form.Get("Body") != "oi" {
		t.Fatalf("unexpected form: %v", form)
	}
	if form.Get("StatusCallback") != "https://cb" || form.Has("Scenario") {
		t.Fatalf("unexpected meta mapping: %v", form)
	}
	user, pass, ok := (&http.Request{Header: req.Header}).BasicAuth()
	if !ok || user != "AC1" || pass != "secret" {
		t.Fatalf("expected basic auth credentials")
	}
}

func TestTwilioProviderErrorCode(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number"}`)
	p, _ := waprovider.NewTwilioProvider(config.TwilioConfig{AccountSID: "AC1", AuthToken: "s", PhoneNumber: "+1"}, zerolog.Nop(), waprovider.WithBaseURL(srv.URL))

	_, err := p.Send(context.Background(), &waprovider.Payload{To: "5511987654321", Body: "oi"})
	if err == nil || !strings.Contains(err.Error(), "error 21211") {
		t.Fatalf("expected twilio error code in message, got %v", err)
	}
}

func TestMisconfiguredProvider(t *testing.T) {
	cfgErr := apperr.Configuration("meta whatsapp provider", "WHATSAPP_ACCESS_TOKEN")
	p := waprovider.NewMisconfiguredProvider("meta", cfgErr)

	if _, err := p.Send(context.Background(), &waprovider.Payload{To: "1", Body: "x"}); !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected configuration error on send, got %v", err)
	}
	if _, err := p.Health(context.Background()); !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("expected configuration error on health, got %v", err)
	}
}
