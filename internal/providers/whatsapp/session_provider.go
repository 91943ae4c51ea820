package whatsapp

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/lifecycle"
	"github.com/example/billing-messenger/internal/models"
)

// SessionSource hands out the live bot session. lifecycle.Manager satisfies it.
type SessionSource interface {
	Session() (lifecycle.Session, error)
	State() models.ConnectionState
}

// SessionProvider sends through the operator's own WhatsApp account using
// the session held by the lifecycle manager.
type SessionProvider struct {
	logger zerolog.Logger
	source SessionSource
	now    func() time.Time
}

// NewSessionProvider constructs a session-bound provider.
func NewSessionProvider(source SessionSource, logger zerolog.Logger) (*SessionProvider, error) {
	if source == nil {
		return nil, apperr.Configuration("session whatsapp provider", "lifecycle manager")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &SessionProvider{logger: logger, source: source, now: time.Now}, nil
}

// Name implements Provider.
func (p *SessionProvider) Name() string { return "session" }

// RequiresSession implements SessionBound.
func (p *SessionProvider) RequiresSession() bool { return true }

// Send delivers the message through the current session.
func (p *SessionProvider) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if err := checkPayload("session", payload); err != nil {
		return nil, err
	}
	sess, err := p.source.Session()
	if err != nil {
		return nil, err
	}

	id, err := sess.SendText(ctx, payload.To, payload.Body)
	raw := &RawResponse{ID: id, Timestamp: p.now()}
	if err != nil {
		return raw, err
	}
	raw.Code = http.StatusOK
	raw.Status = "sent"
	if raw.ID == "" {
		raw.ID = payload.MessageID
	}
	return raw, nil
}

// Health reports the session state without touching the network.
func (p *SessionProvider) Health(_ context.Context) (*HealthResult, error) {
	state := p.source.State()
	if !state.IsConnected {
		return &HealthResult{Provider: "session", Body: string(state.Status)}, &apperr.NotConnectedError{Status: string(state.Status)}
	}
	return &HealthResult{Provider: "session", Code: http.StatusOK, Body: string(state.Status)}, nil
}
