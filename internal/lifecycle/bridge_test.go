package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/models"
)

// fakeBridge mimics the sidecar: /start begins waiting for a QR scan and
// every /status poll advances through the scripted statuses.
type fakeBridge struct {
	mu       sync.Mutex
	statuses []bridgeStatus
	sent     []map[string]string
	stopped  int
}

func (b *fakeBridge) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(bridgeStatus{Success: true, Status: "connecting"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		st := b.statuses[0]
		if len(b.statuses) > 1 {
			b.statuses = b.statuses[1:]
		}
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		b.mu.Lock()
		b.sent = append(b.sent, in)
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true,"result":{"id":"true_5511@c.us_ABC"}}`))
	})
	mux.HandleFunc("/add-contact", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"exists":true,"whatsapp_name":"Ana B."}`))
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.stopped++
		b.mu.Unlock()
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	return mux
}

func TestBridgeConnectRelaysChallengeThenConnects(t *testing.T) {
	bridge := &fakeBridge{statuses: []bridgeStatus{
		{Status: "waiting_qr", QRCode: "qr-1"},
		{Status: "waiting_qr", QRCode: "qr-1"},
		{Status: "waiting_qr", QRCode: "qr-2"},
		{Status: "connected"},
	}}
	srv := httptest.NewServer(bridge.handler())
	defer srv.Close()

	conn := NewBridgeConnector(srv.URL, zerolog.Nop(), WithPollInterval(5*time.Millisecond))

	var challenges []string
	sess, err := conn.Connect(context.Background(), func(ch models.Challenge) {
		challenges = append(challenges, ch.Image)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sess.Close(context.Background())

	if len(challenges) != 2 || challenges[0] != "qr-1" || challenges[1] != "qr-2" {
		t.Fatalf("expected each distinct QR once, got %v", challenges)
	}

	id, err := sess.SendText(context.Background(), "5511987654321", "Olá")
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if id != "true_5511@c.us_ABC" {
		t.Fatalf("unexpected message id %q", id)
	}
	bridge.mu.Lock()
	sent := bridge.sent[0]
	bridge.mu.Unlock()
	if sent["phone"] != "5511987654321" || sent["message"] != "Olá" {
		t.Fatalf("unexpected send body %+v", sent)
	}

	contact, err := sess.(ContactVerifier).VerifyContact(context.Background(), "5511987654321", "Ana")
	if err != nil || !contact.Exists || contact.WhatsAppName != "Ana B." {
		t.Fatalf("unexpected contact verification %+v %v", contact, err)
	}
}

func TestBridgeConnectReportsError(t *testing.T) {
	bridge := &fakeBridge{statuses: []bridgeStatus{{Status: "error", Error: "Erro na sessão: browserClose"}}}
	srv := httptest.NewServer(bridge.handler())
	defer srv.Close()

	conn := NewBridgeConnector(srv.URL, zerolog.Nop(), WithPollInterval(5*time.Millisecond))
	if _, err := conn.Connect(context.Background(), nil); err == nil || err.Error() != "Erro na sessão: browserClose" {
		t.Fatalf("expected bridge error, got %v", err)
	}
}

func TestBridgeSessionEndsWhenSidecarDisconnects(t *testing.T) {
	bridge := &fakeBridge{statuses: []bridgeStatus{
		{Status: "connected"},
		{Status: "disconnected"},
	}}
	srv := httptest.NewServer(bridge.handler())
	defer srv.Close()

	conn := NewBridgeConnector(srv.URL, zerolog.Nop(), WithPollInterval(5*time.Millisecond))
	sess, err := conn.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected session to end")
	}
	if sess.Err() == nil {
		t.Fatalf("expected termination reason")
	}

	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if bridge.stopped != 1 {
		t.Fatalf("expected one stop call, got %d", bridge.stopped)
	}
}

func TestBridgeSessionDetachKeepsSidecar(t *testing.T) {
	bridge := &fakeBridge{statuses: []bridgeStatus{{Status: "connected"}}}
	srv := httptest.NewServer(bridge.handler())
	defer srv.Close()

	conn := NewBridgeConnector(srv.URL, zerolog.Nop(), WithPollInterval(5*time.Millisecond))
	sess, err := conn.Connect(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, ok := sess.(Detacher)
	if !ok {
		t.Fatalf("expected bridge sessions to support Detach")
	}
	d.Detach()
	time.Sleep(20 * time.Millisecond)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if bridge.stopped != 0 {
		t.Fatalf("expected no stop call, got %d", bridge.stopped)
	}
}

func TestManagerWithBridge(t *testing.T) {
	bridge := &fakeBridge{statuses: []bridgeStatus{
		{Status: "waiting_qr", QRCode: "qr-1"},
		{Status: "waiting_qr", QRCode: "qr-1"},
	}}
	srv := httptest.NewServer(bridge.handler())
	defer srv.Close()

	conn := NewBridgeConnector(srv.URL, zerolog.Nop(), WithPollInterval(5*time.Millisecond))
	m := NewManager(conn, zerolog.Nop(), WithStartWait(time.Second))

	state, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Status != models.StatusAwaitingAuthentication || state.Challenge.Image != "qr-1" {
		t.Fatalf("expected QR challenge, got %+v", state)
	}

	m.Stop(context.Background())
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if bridge.stopped != 1 {
		t.Fatalf("expected pending authentication to be abandoned on the sidecar, got %d stop calls", bridge.stopped)
	}
}
