package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/config"
)

// SMTPOption configures the behaviour of the SMTP provider.
type SMTPOption func(*SMTPProvider)

// WithSMTPTLSConfig overrides the TLS configuration used when negotiating
// STARTTLS. A nil config disables STARTTLS.
func WithSMTPTLSConfig(cfg *tls.Config) SMTPOption {
	return func(p *SMTPProvider) {
		p.tlsConfig = cfg
	}
}

// WithSMTPDialer swaps the network dialer used to establish SMTP connections.
func WithSMTPDialer(d Dialer) SMTPOption {
	return func(p *SMTPProvider) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithSMTPClock replaces the clock used for timestamps.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(p *SMTPProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSMTPHelloName customises the EHLO/HELO identity presented to the server.
func WithSMTPHelloName(name string) SMTPOption {
	return func(p *SMTPProvider) {
		if strings.TrimSpace(name) != "" {
			p.helloName = strings.TrimSpace(name)
		}
	}
}

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPProvider delivers billing emails through an SMTP relay.
type SMTPProvider struct {
	logger    zerolog.Logger
	host      string
	port      int
	from      string
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

// NewSMTPProvider constructs a Provider backed by an SMTP server.
func NewSMTPProvider(cfg config.SMTPConfig, logger zerolog.Logger, opts ...SMTPOption) (*SMTPProvider, error) {
	var missing []string
	if strings.TrimSpace(cfg.Host) == "" {
		missing = append(missing, "SMTP_HOST")
	}
	if strings.TrimSpace(cfg.From) == "" {
		missing = append(missing, "SMTP_FROM")
	}
	if len(missing) > 0 {
		return nil, apperr.Configuration("smtp email provider", missing...)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &apperr.ConfigurationError{Component: "smtp email provider", Detail: fmt.Sprintf("invalid port %d", cfg.Port)}
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	host := strings.TrimSpace(cfg.Host)
	p := &SMTPProvider{
		logger:    logger,
		host:      host,
		port:      cfg.Port,
		from:      strings.TrimSpace(cfg.From),
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		now:       time.Now,
		helloName: "localhost",
		tlsConfig: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
	}
	if strings.TrimSpace(cfg.User) != "" {
		p.auth = smtp.PlainAuth("", cfg.User, cfg.Pass, host)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Name implements Provider.
func (p *SMTPProvider) Name() string { return "smtp" }

// Send delivers the supplied payload using the configured SMTP backend.
func (p *SMTPProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("smtp provider: payload is required")
	}

	to, err := envelopeAddress(payload.To)
	if err != nil {
		return nil, fmt.Errorf("smtp provider: invalid recipient: %w", err)
	}

	from := strings.TrimSpace(payload.From)
	if from == "" {
		from = p.from
	}
	envelopeFrom, err := envelopeAddress(from)
	if err != nil {
		return nil, fmt.Errorf("smtp provider: invalid from address: %w", err)
	}

	message := p.buildMessage(payload, from)
	resp := &RawResponse{ID: payload.MessageID, Timestamp: p.now()}

	err = p.session(ctx, func(client *smtp.Client) error {
		if err := client.Mail(envelopeFrom); err != nil {
			return fmt.Errorf("smtp provider: mail from: %w", err)
		}
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("smtp provider: rcpt to %s: %w", to, err)
		}
		writer, err := client.Data()
		if err != nil {
			return fmt.Errorf("smtp provider: data: %w", err)
		}
		if _, err := writer.Write(message); err != nil {
			_ = writer.Close()
			return fmt.Errorf("smtp provider: data write: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("smtp provider: data close: %w", err)
		}
		return nil
	})
	if err != nil {
		resp.Code, resp.Body = classifySMTPError(err)
		if resp.Body == "" {
			resp.Body = err.Error()
		}
		return resp, err
	}

	resp.Code = 250
	resp.Body = "smtp: message accepted"
	return resp, nil
}

// Health opens a session, negotiates TLS and auth, and quits without
// sending anything.
func (p *SMTPProvider) Health(ctx context.Context) (*HealthResult, error) {
	err := p.session(ctx, func(client *smtp.Client) error {
		return client.Noop()
	})
	if err != nil {
		code, body := classifySMTPError(err)
		return &HealthResult{Provider: "smtp", Code: code, Body: body}, err
	}
	return &HealthResult{Provider: "smtp", Code: 250, Body: "smtp: relay reachable"}, nil
}

// session dials the relay, runs hello, STARTTLS and auth, hands the client to
// fn and quits.
func (p *SMTPProvider) session(ctx context.Context, fn func(*smtp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp provider: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, p.host)
	if err != nil {
		return fmt.Errorf("smtp provider: new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(p.helloName); err != nil {
		return fmt.Errorf("smtp provider: hello: %w", err)
	}

	if p.tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			cfg := p.tlsConfig.Clone()
			if cfg.ServerName == "" {
				cfg.ServerName = p.host
			}
			if err := client.StartTLS(cfg); err != nil {
				return fmt.Errorf("smtp provider: starttls: %w", err)
			}
		}
	}

	if p.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(p.auth); err != nil {
				return fmt.Errorf("smtp provider: auth: %w", err)
			}
		}
	}

	if err := fn(client); err != nil {
		return err
	}

	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("smtp provider: quit: %w", err)
	}
	return ctx.Err()
}

func (p *SMTPProvider) buildMessage(payload *Payload, from string) []byte {
	headers := make(map[string]string, len(payload.Headers)+6)
	for key, value := range payload.Headers {
		canonical := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		if canonical == "" || strings.TrimSpace(value) == "" {
			continue
		}
		headers[canonical] = sanitizeHeaderValue(value)
	}

	headers["From"] = from
	headers["To"] = strings.TrimSpace(payload.To)
	if _, ok := headers["Date"]; !ok {
		headers["Date"] = p.now().UTC().Format(time.RFC1123Z)
	}
	if payload.Subject != "" {
		headers["Subject"] = mime.QEncoding.Encode("utf-8", sanitizeHeaderValue(payload.Subject))
	}
	if payload.MessageID != "" {
		if _, exists := headers["Message-Id"]; !exists {
			headers["Message-Id"] = "<" + sanitizeHeaderValue(payload.MessageID) + "@" + p.host + ">"
		}
	}
	headers["Mime-Version"] = "1.0"
	headers["Content-Type"] = "text/plain; charset=UTF-8"

	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(headers[key])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(normalizeBody(payload.Body))
	return buf.Bytes()
}

func normalizeBody(body string) string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

func envelopeAddress(value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", errors.New("empty address")
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

func classifySMTPError(err error) (int, string) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, strings.TrimSpace(tpErr.Msg)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 0, "smtp: timeout"
	}

	return 0, ""
}
