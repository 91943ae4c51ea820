package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/models"
)

const (
	defaultPollInterval = time.Second
	bridgeBodyLimit     = 64 * 1024
)

// Statuses reported by the bridge sidecar.
const (
	bridgeConnected = "connected"
	bridgeError     = "error"
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// BridgeOption customises the BridgeConnector.
type BridgeOption func(*BridgeConnector)

// WithBridgeHTTPClient overrides the HTTP client used to reach the sidecar.
func WithBridgeHTTPClient(client HTTPClient) BridgeOption {
	return func(c *BridgeConnector) {
		if client != nil {
			c.client = client
		}
	}
}

// WithPollInterval sets how often the sidecar status is polled.
func WithPollInterval(d time.Duration) BridgeOption {
	return func(c *BridgeConnector) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// BridgeConnector drives a WhatsApp Web bot running as an HTTP sidecar. The
// sidecar owns the browser session; this side starts it, relays the QR code
// and sends through it.
type BridgeConnector struct {
	logger       zerolog.Logger
	baseURL      string
	client       HTTPClient
	pollInterval time.Duration
}

// NewBridgeConnector constructs a connector for the sidecar at baseURL.
func NewBridgeConnector(baseURL string, log zerolog.Logger, opts ...BridgeOption) *BridgeConnector {
	c := &BridgeConnector{
		logger:       logger.OrNop(log),
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type bridgeStatus struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	QRCode  string `json:"qrCode"`
	Error   string `json:"error"`
}

// Connect asks the sidecar to start and polls until it reports connected.
func (c *BridgeConnector) Connect(ctx context.Context, onChallenge func(models.Challenge)) (Session, error) {
	var started bridgeStatus
	if err := c.call(ctx, http.MethodPost, "/start", nil, &started); err != nil {
		return nil, fmt.Errorf("bridge start: %w", err)
	}

	lastQR := ""
	handle := func(st bridgeStatus) (bool, error) {
		switch st.Status {
		case bridgeConnected:
			return true, nil
		case bridgeError:
			msg := st.Error
			if msg == "" {
				msg = "bridge reported error"
			}
			return false, errors.New(msg)
		}
		if st.QRCode != "" && st.QRCode != lastQR {
			lastQR = st.QRCode
			if onChallenge != nil {
				onChallenge(models.Challenge{Image: st.QRCode})
			}
		}
		return false, nil
	}

	if done, err := handle(started); err != nil || done {
		if err != nil {
			return nil, err
		}
		return c.newSession(), nil
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var st bridgeStatus
		if err := c.call(ctx, http.MethodGet, "/status", nil, &st); err != nil {
			c.logger.Warn().Err(err).Msg("bridge status poll failed")
			continue
		}
		done, err := handle(st)
		if err != nil {
			return nil, err
		}
		if done {
			return c.newSession(), nil
		}
	}
}

// Disconnect tells the sidecar to drop a session that never authenticated.
func (c *BridgeConnector) Disconnect(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPost, "/stop", nil, nil); err != nil {
		return fmt.Errorf("bridge stop: %w", err)
	}
	return nil
}

func (c *BridgeConnector) newSession() *bridgeSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &bridgeSession{connector: c, done: make(chan struct{}), cancel: cancel}
	go s.monitor(ctx)
	return s
}

// call performs a JSON request against the sidecar. Non-2xx replies become
// errors carrying the sidecar's error message when present.
func (c *BridgeConnector) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, bridgeBodyLimit))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, e.Error)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

type bridgeSession struct {
	connector *BridgeConnector
	cancel    context.CancelFunc
	done      chan struct{}

	mu  sync.Mutex
	err error
}

func (s *bridgeSession) SendText(ctx context.Context, phone, body string) (string, error) {
	var out struct {
		Success bool `json:"success"`
		Result  struct {
			ID string `json:"id"`
		} `json:"result"`
		Error string `json:"error"`
	}
	in := map[string]string{"phone": phone, "message": body}
	if err := s.connector.call(ctx, http.MethodPost, "/send", in, &out); err != nil {
		return "", fmt.Errorf("bridge send: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("bridge send: %s", out.Error)
	}
	return out.Result.ID, nil
}

func (s *bridgeSession) VerifyContact(ctx context.Context, phone, name string) (Contact, error) {
	var out struct {
		Success      bool    `json:"success"`
		Exists       bool    `json:"exists"`
		WhatsAppName *string `json:"whatsapp_name"`
		Error        string  `json:"error"`
	}
	in := map[string]string{"phone": phone, "name": name}
	if err := s.connector.call(ctx, http.MethodPost, "/add-contact", in, &out); err != nil {
		return Contact{}, fmt.Errorf("bridge verify contact: %w", err)
	}
	if !out.Success {
		return Contact{}, fmt.Errorf("bridge verify contact: %s", out.Error)
	}
	c := Contact{Phone: phone, Exists: out.Exists}
	if out.WhatsAppName != nil {
		c.WhatsAppName = *out.WhatsAppName
	}
	return c, nil
}

func (s *bridgeSession) Close(ctx context.Context) error {
	s.cancel()
	if err := s.connector.call(ctx, http.MethodPost, "/stop", nil, nil); err != nil {
		return fmt.Errorf("bridge stop: %w", err)
	}
	return nil
}

// Detach stops the status monitor and leaves the sidecar running; the
// sidecar is shared by every attempt.
func (s *bridgeSession) Detach() { s.cancel() }

func (s *bridgeSession) Done() <-chan struct{} { return s.done }

func (s *bridgeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// monitor polls the sidecar and ends the session once it stops reporting
// connected. Transient poll failures are tolerated.
func (s *bridgeSession) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.connector.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var st bridgeStatus
		if err := s.connector.call(ctx, http.MethodGet, "/status", nil, &st); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.connector.logger.Warn().Err(err).Msg("bridge status poll failed")
			continue
		}
		if st.Status == bridgeConnected {
			continue
		}

		reason := st.Error
		if reason == "" {
			reason = "bridge status " + st.Status
		}
		s.mu.Lock()
		s.err = errors.New(reason)
		s.mu.Unlock()
		close(s.done)
		return
	}
}
