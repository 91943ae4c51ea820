package email_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/config"
	emailprovider "github.com/example/billing-messenger/internal/providers/email"
)

func TestNewSMTPProviderValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SMTPConfig
	}{
		{"missing host", config.SMTPConfig{Port: 25, From: "noreply@example.com"}},
		{"invalid port", config.SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com"}},
		{"missing from", config.SMTPConfig{Host: "smtp.example.com", Port: 25}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := emailprovider.NewSMTPProvider(tc.cfg, zerolog.Nop())
			if !errors.Is(err, apperr.ErrConfiguration) {
				t.Fatalf("expected configuration error for %s, got %v", tc.name, err)
			}
		})
	}
}

func TestSMTPProviderRejectsMissingRecipient(t *testing.T) {
	provider, err := emailprovider.NewSMTPProvider(config.SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "noreply@example.com"}, zerolog.Nop(), emailprovider.WithSMTPTLSConfig(nil))
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	if _, err := provider.Send(context.Background(), nil); err == nil {
		t.Fatalf("expected error when payload is nil")
	}
	if _, err := provider.Send(context.Background(), &emailprovider.Payload{Subject: "x", Body: "y"}); err == nil {
		t.Fatalf("expected error when recipient is empty")
	}
}

func TestSMTPProviderSendNormalizesMessage(t *testing.T) {
	cfg := config.SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "noreply@example.com"}
	server := newFakeSMTP(t)

	provider, err := emailprovider.NewSMTPProvider(cfg, zerolog.Nop(),
		emailprovider.WithSMTPTLSConfig(nil),
		emailprovider.WithSMTPDialer(server),
	)
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := provider.Send(ctx, &emailprovider.Payload{
		MessageID: "msg-1",
		To:        "cliente@example.com",
		Subject:   "Atualização de cobrança - Ana",
		Body:      "Line 1\nLine 2\r\nLine 3",
		Headers:   map[string]string{"From": "spoof@example.com"},
	})
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if resp.Code != 250 || resp.Body != "smtp: message accepted" {
		t.Fatalf("unexpected response: %#v", resp)
	}

	tr := server.wait()
	if tr.mailFrom != cfg.From {
		t.Fatalf("expected MAIL FROM %q, got %q", cfg.From, tr.mailFrom)
	}
	if len(tr.rcpts) != 1 || tr.rcpts[0] != "cliente@example.com" {
		t.Fatalf("unexpected rcpt list: %v", tr.rcpts)
	}
	if !strings.Contains(tr.data, "From: noreply@example.com") || strings.Contains(tr.data, "spoof@example.com") {
		t.Fatalf("expected From header to use configured from, got %q", tr.data)
	}
	if !strings.Contains(tr.data, "Subject: =?utf-8?q?") {
		t.Fatalf("expected encoded non-ascii subject, got %q", tr.data)
	}
	if !strings.Contains(tr.data, "Line 1\r\nLine 2\r\nLine 3") {
		t.Fatalf("expected body with CRLF normalization, got %q", tr.data)
	}
}

func TestSMTPProviderHealth(t *testing.T) {
	server := newFakeSMTP(t)
	provider, err := emailprovider.NewSMTPProvider(config.SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "noreply@example.com"}, zerolog.Nop(),
		emailprovider.WithSMTPTLSConfig(nil),
		emailprovider.WithSMTPDialer(server),
	)
	if err != nil {
		t.Fatalf("unexpected error creating provider: %v", err)
	}

	res, err := provider.Health(context.Background())
	if err != nil {
		t.Fatalf("expected healthy relay, got %v", err)
	}
	if res.Code != 250 {
		t.Fatalf("unexpected health result %+v", res)
	}
	if tr := server.wait(); tr.mailFrom != "" || len(tr.rcpts) != 0 {
		t.Fatalf("expected health check not to start a mail transaction, got %+v", tr)
	}
}

func TestSMTPProviderDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	provider, _ := emailprovider.NewSMTPProvider(config.SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "noreply@example.com"}, zerolog.Nop(),
		emailprovider.WithSMTPDialer(dialerFunc(func(context.Context, string, string) (net.Conn, error) { return nil, dialErr })),
	)

	resp, err := provider.Send(context.Background(), &emailprovider.Payload{To: "cliente@example.com", Body: "x"})
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if resp == nil || resp.Body == "" {
		t.Fatalf("expected raw response describing failure, got %+v", resp)
	}
}

// Helpers.

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (d dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d(ctx, network, address)
}

type smtpTranscript struct {
	mailFrom string
	rcpts    []string
	data     string
}

// fakeSMTP serves one scripted conversation over a net.Pipe per dial.
type fakeSMTP struct {
	t          *testing.T
	wg         sync.WaitGroup
	transcript smtpTranscript
}

func newFakeSMTP(t *testing.T) *fakeSMTP {
	return &fakeSMTP{t: t}
}

func (f *fakeSMTP) DialContext(context.Context, string, string) (net.Conn, error) {
	server, client := net.Pipe()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer server.Close()
		if err := f.converse(server); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
			f.t.Errorf("fake smtp server: %v", err)
		}
	}()
	return client, nil
}

func (f *fakeSMTP) wait() smtpTranscript {
	f.wg.Wait()
	return f.transcript
}

func (f *fakeSMTP) converse(conn net.Conn) error {
	writer := bufio.NewWriter(conn)
	reader := bufio.NewReader(conn)

	writeLine := func(format string, args ...any) error {
		if _, err := fmt.Fprintf(writer, format+"\r\n", args...); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := writeLine("220 fake smtp ready"); err != nil {
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO ") || strings.HasPrefix(upper, "HELO "):
			if err := writeLine("250-fake"); err != nil {
				return err
			}
			err = writeLine("250 OK")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			f.transcript.mailFrom = extractSMTPAddress(line)
			err = writeLine("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			f.transcript.rcpts = append(f.transcript.rcpts, extractSMTPAddress(line))
			err = writeLine("250 OK")
		case upper == "DATA":
			if err := writeLine("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
				return err
			}
			var data strings.Builder
			for {
				msgLine, err := reader.ReadString('\n')
				if err != nil {
					return err
				}
				if msgLine == ".\r\n" {
					break
				}
				data.WriteString(msgLine)
			}
			f.transcript.data = data.String()
			err = writeLine("250 OK")
		case upper == "QUIT":
			return writeLine("221 Bye")
		default:
			err = writeLine("250 OK")
		}
		if err != nil {
			return err
		}
	}
}

func extractSMTPAddress(line string) string {
	start := strings.Index(line, "<")
	end := strings.Index(line, ">")
	if start != -1 && end != -1 && end > start+1 {
		return strings.TrimSpace(line[start+1 : end])
	}
	if idx := strings.Index(line, ":"); idx != -1 && idx+1 < len(line) {
		return strings.TrimSpace(line[idx+1:])
	}
	return strings.TrimSpace(line)
}
