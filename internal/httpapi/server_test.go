package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	common "github.com/example/billing-messenger/internal/adapters/common"
	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/dispatch"
	"github.com/example/billing-messenger/internal/lifecycle"
	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store/memory"
	"github.com/example/billing-messenger/internal/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubDispatcher struct {
	entry     *models.DeliveryLogEntry
	err       error
	report    *common.HealthReport
	healthErr error
	got       dispatch.Request
}

func (s *stubDispatcher) Dispatch(_ context.Context, req dispatch.Request) (*models.DeliveryLogEntry, error) {
	s.got = req
	return s.entry, s.err
}

func (s *stubDispatcher) Health(context.Context, models.Channel) (*common.HealthReport, error) {
	return s.report, s.healthErr
}

type stubJobs struct {
	submitted []dispatch.BulkRequest
	err       error
	jobs      map[string]dispatch.Job
}

func (s *stubJobs) Submit(req dispatch.BulkRequest) (dispatch.Job, error) {
	if s.err != nil {
		return dispatch.Job{}, s.err
	}
	s.submitted = append(s.submitted, req)
	return dispatch.Job{ID: "job-1", Status: dispatch.JobQueued, Recipients: len(req.RecipientIDs)}, nil
}

func (s *stubJobs) Get(id string) (dispatch.Job, bool) {
	job, ok := s.jobs[id]
	return job, ok
}

type stubBot struct {
	state      models.ConnectionState
	challenge  *models.Challenge
	startErr   error
	contact    lifecycle.Contact
	contactErr error
	events     chan models.ConnectionState
}

func (b *stubBot) Start(context.Context) (models.ConnectionState, error) { return b.state, b.startErr }
func (b *stubBot) Stop(context.Context) models.ConnectionState {
	return models.ConnectionState{Status: models.StatusDisconnected}
}
func (b *stubBot) State() models.ConnectionState { return b.state }
func (b *stubBot) QRCode() *models.Challenge     { return b.challenge }
func (b *stubBot) Subscribe() (<-chan models.ConnectionState, func()) {
	return b.events, func() {}
}
func (b *stubBot) VerifyContact(context.Context, string, string) (lifecycle.Contact, error) {
	return b.contact, b.contactErr
}

type stubInbound struct {
	res     *webhook.Result
	err     error
	got     []webhook.Inbound
	replied []string
}

func (s *stubInbound) HandleInbound(_ context.Context, in webhook.Inbound) (*webhook.Result, error) {
	s.got = append(s.got, in)
	return s.res, s.err
}

func (s *stubInbound) DeliverReply(_ context.Context, sender string, _ *webhook.Result) error {
	s.replied = append(s.replied, sender)
	return nil
}

type fixture struct {
	server     *Server
	dispatcher *stubDispatcher
	jobs       *stubJobs
	bot        *stubBot
	inbound    *stubInbound
	store      *memory.Store
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{
		dispatcher: &stubDispatcher{},
		jobs:       &stubJobs{jobs: map[string]dispatch.Job{}},
		bot:        &stubBot{state: models.ConnectionState{Status: models.StatusConnected, IsConnected: true}},
		inbound:    &stubInbound{res: &webhook.Result{Processed: true}},
		store:      memory.New(),
	}
	srv, err := New(Dependencies{
		Dispatcher:   f.dispatcher,
		Jobs:         f.jobs,
		Deliveries:   f.store,
		Interactions: f.store,
		Bot:          f.bot,
		Webhook:      f.inbound,
		APIToken:     token,
		VerifyToken:  "verify-me",
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.server = srv
	return f
}

func (f *fixture) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		_ = json.NewEncoder(&buf).Encode(v)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "secret")

	if rec := f.do(http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not require auth, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/bot/status", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/bot/status", nil, "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/bot/status", nil, "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/bot/status?token=secret", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rec.Code)
	}
}

func TestDispatchTemplate(t *testing.T) {
	f := newFixture(t, "")
	f.dispatcher.entry = &models.DeliveryLogEntry{ID: "entry-1", Outcome: models.OutcomeFailed, Error: "boom"}

	rec := f.do(http.MethodPost, "/v1/templates/reminder/dispatch", map[string]any{
		"recipient_id":  "r1",
		"message_kind":  "reminder",
		"extra_context": map[string]string{"pix": "abc"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["outcome"]; got != "failed" {
		t.Fatalf("expected failed entry in body, got %v", got)
	}
	if f.dispatcher.got.TemplateCode != "reminder" || f.dispatcher.got.Kind != models.KindReminder || f.dispatcher.got.Extra["pix"] != "abc" {
		t.Fatalf("unexpected request forwarded: %+v", f.dispatcher.got)
	}
}

func TestDispatchTemplateErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"template missing", &apperr.TemplateNotFoundError{Code: "x"}, http.StatusNotFound, "template_not_found"},
		{"invalid kind", dispatch.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"not connected", &apperr.NotConnectedError{Status: "disconnected"}, http.StatusServiceUnavailable, "not_connected"},
		{"configuration", apperr.Configuration("dispatch", "adapter"), http.StatusInternalServerError, "configuration_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.dispatcher.err = tc.err
			rec := f.do(http.MethodPost, "/v1/templates/x/dispatch", map[string]any{"recipient_id": "r1"})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := decode(t, rec)["code"]; got != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, got)
			}
		})
	}

	f := newFixture(t, "")
	if rec := f.do(http.MethodPost, "/v1/templates/x/dispatch", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing recipient, got %d", rec.Code)
	}
}

func TestProviderHealth(t *testing.T) {
	f := newFixture(t, "")
	f.dispatcher.report = &common.HealthReport{Provider: "meta", Reachable: true}
	if rec := f.do(http.MethodGet, "/v1/providers/whatsapp/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for reachable provider, got %d", rec.Code)
	}

	f.dispatcher.report = &common.HealthReport{Provider: "meta", Reachable: false}
	if rec := f.do(http.MethodGet, "/v1/providers/whatsapp/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unreachable provider, got %d", rec.Code)
	}

	f.dispatcher.report = nil
	f.dispatcher.healthErr = apperr.Configuration("meta", "token")
	rec := f.do(http.MethodGet, "/v1/providers/whatsapp/health", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for misconfigured provider, got %d", rec.Code)
	}
	if decode(t, rec)["reachable"] != false {
		t.Fatalf("expected reachable=false in body")
	}

	f.dispatcher.healthErr = &apperr.ProviderError{Provider: "meta", Err: errors.New("dial tcp: refused")}
	if rec := f.do(http.MethodGet, "/v1/providers/whatsapp/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for transport failure, got %d", rec.Code)
	}
}

func TestBulkSubmitAndGet(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/v1/dispatch/bulk", map[string]any{
		"recipient_ids": []string{"r1", "r2"},
		"message":       "Olá {nome}",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["id"] != "job-1" || body["recipients"] != float64(2) {
		t.Fatalf("unexpected ticket: %v", body)
	}

	f.jobs.jobs["job-1"] = dispatch.Job{ID: "job-1", Status: dispatch.JobCompleted}
	if rec := f.do(http.MethodGet, "/v1/dispatch/bulk/job-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for known job, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/dispatch/bulk/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}

	f.jobs.err = &apperr.NotConnectedError{Status: "awaiting_authentication"}
	rec = f.do(http.MethodPost, "/v1/dispatch/bulk", map[string]any{"recipient_ids": []string{"r1"}, "message": "x"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not connected, got %d", rec.Code)
	}
}

func TestDeliveryLogs(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	now := time.Now().UTC()
	for _, e := range []*models.DeliveryLogEntry{
		{ID: "a", RecipientID: "r1", Kind: models.KindCharge, Channel: models.ChannelWhatsApp, Outcome: models.OutcomeSuccess, CreatedAt: now.Add(-time.Hour)},
		{ID: "b", RecipientID: "r1", Kind: models.KindCharge, Channel: models.ChannelWhatsApp, Outcome: models.OutcomeFailed, CreatedAt: now.Add(-time.Minute)},
		{ID: "c", RecipientID: "r2", Kind: models.KindReminder, Channel: models.ChannelWhatsApp, Outcome: models.OutcomeSuccess, CreatedAt: now},
	} {
		if err := f.store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := f.do(http.MethodGet, "/v1/delivery-logs?recipient_id=r1&outcome=failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["count"] != float64(1) {
		t.Fatalf("expected one filtered entry, got %v", body)
	}

	rec = f.do(http.MethodGet, "/v1/delivery-logs/summary?days=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["total_messages"] != float64(3) || body["failed_messages"] != float64(1) {
		t.Fatalf("unexpected summary: %v", body)
	}

	if rec := f.do(http.MethodGet, "/v1/delivery-logs?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/delivery-logs?since=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", rec.Code)
	}
}

func TestBotRoutes(t *testing.T) {
	f := newFixture(t, "")

	if rec := f.do(http.MethodGet, "/v1/bot/qr", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without challenge, got %d", rec.Code)
	}
	f.bot.challenge = &models.Challenge{Code: "2@abc"}
	rec := f.do(http.MethodGet, "/v1/bot/qr", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["code"] != "2@abc" {
		t.Fatalf("expected challenge, got %d %s", rec.Code, rec.Body.String())
	}

	f.bot.startErr = lifecycle.ErrSessionUnavailable
	if rec := f.do(http.MethodPost, "/v1/bot/start", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no backend, got %d", rec.Code)
	}

	if rec := f.do(http.MethodPost, "/v1/bot/stop", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on stop, got %d", rec.Code)
	}

	f.bot.contact = lifecycle.Contact{Phone: "5511987654321", Exists: true, WhatsAppName: "Ana"}
	rec = f.do(http.MethodPost, "/v1/bot/contacts/verify", map[string]string{"phone": "5511987654321"})
	if rec.Code != http.StatusOK || decode(t, rec)["exists"] != true {
		t.Fatalf("unexpected verify response: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodPost, "/v1/bot/contacts/verify", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without phone, got %d", rec.Code)
	}
}

func TestBotEventsStream(t *testing.T) {
	f := newFixture(t, "secret")
	f.bot.events = make(chan models.ConnectionState, 1)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/bot/events?token=secret"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first models.ConnectionState
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if first.Status != models.StatusConnected {
		t.Fatalf("expected current state first, got %+v", first)
	}

	f.bot.events <- models.ConnectionState{Status: models.StatusDisconnected}
	var next models.ConnectionState
	if err := ws.ReadJSON(&next); err != nil {
		t.Fatalf("read pushed state: %v", err)
	}
	if next.Status != models.StatusDisconnected {
		t.Fatalf("expected pushed state, got %+v", next)
	}
}

func TestMetaWebhookVerification(t *testing.T) {
	f := newFixture(t, "secret")
	rec := f.do(http.MethodGet, "/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Fatalf("expected challenge echo, got %d %q", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong token, got %d", rec.Code)
	}
}

func TestMetaWebhookReceive(t *testing.T) {
	f := newFixture(t, "secret")
	f.inbound.res = &webhook.Result{Processed: true, AutoReply: "menu"}
	payload := `{"entry":[{"changes":[{"value":{"messages":[
		{"from":"5511987654321","id":"wamid.1","type":"text","text":{"body":"1"}}
	]}}]}]}`

	rec := f.do(http.MethodPost, "/v1/webhooks/whatsapp", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.inbound.got) != 1 || f.inbound.got[0].Body != "1" || f.inbound.got[0].EventID != "wamid.1" {
		t.Fatalf("unexpected inbound: %+v", f.inbound.got)
	}
	if len(f.inbound.replied) != 1 || f.inbound.replied[0] != "5511987654321" {
		t.Fatalf("expected reply to sender, got %v", f.inbound.replied)
	}

	if rec := f.do(http.MethodPost, "/v1/webhooks/whatsapp", `{"object":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed payload, got %d", rec.Code)
	}
}

func TestMetaWebhookReportsMessageFailures(t *testing.T) {
	f := newFixture(t, "")
	f.inbound.res = nil
	f.inbound.err = errors.New("db down")
	payload := `{"entry":[{"changes":[{"value":{"messages":[{"from":"5511987654321","id":"x","type":"text","text":{"body":"oi"}}]}}]}]}`

	rec := f.do(http.MethodPost, "/v1/webhooks/whatsapp", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even when a message fails, got %d", rec.Code)
	}
	results, _ := decode(t, rec)["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["error"] != "db down" {
		t.Fatalf("expected per-message error, got %v", results)
	}
	if len(f.inbound.replied) != 0 {
		t.Fatalf("expected no reply after failure")
	}
}

func TestBridgeWebhook(t *testing.T) {
	f := newFixture(t, "secret")
	f.inbound.res = &webhook.Result{Processed: true, AutoReply: "instrucoes", RecipientID: "r1"}

	rec := f.do(http.MethodPost, "/v1/webhooks/bridge", map[string]string{
		"phone":   "5511987654321@c.us",
		"message": "2",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["auto_reply"] != "instrucoes" || body["client_id"] != "r1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if f.inbound.got[0].Kind != "text" {
		t.Fatalf("expected default text kind, got %q", f.inbound.got[0].Kind)
	}
	if len(f.inbound.replied) != 0 {
		t.Fatalf("bridge replies are sent by the bridge, not the server")
	}
}
