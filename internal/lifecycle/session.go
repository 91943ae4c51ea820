package lifecycle

import (
	"context"
	"errors"

	"github.com/example/billing-messenger/internal/models"
)

// ErrSessionUnavailable is reported when no session backend is wired in.
var ErrSessionUnavailable = errors.New("bot session backend unavailable")

// Session is a live, authenticated bot session.
type Session interface {
	// SendText delivers body to the digits-only phone number and returns the
	// message id assigned by the session backend, if any.
	SendText(ctx context.Context, phone, body string) (string, error)
	// Close logs the session out and releases its resources.
	Close(ctx context.Context) error
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
}

// ContactVerifier is implemented by sessions that can check whether a phone
// number has a WhatsApp account.
type ContactVerifier interface {
	VerifyContact(ctx context.Context, phone, name string) (Contact, error)
}

// Contact is the result of a contact verification.
type Contact struct {
	Phone        string `json:"phone"`
	Exists       bool   `json:"exists"`
	WhatsAppName string `json:"whatsapp_name,omitempty"`
}

// Detacher is implemented by sessions that share their backend with later
// attempts. Detach stops local monitoring without logging the backend out.
type Detacher interface {
	Detach()
}

// Disconnector is implemented by connectors that must be told to abandon a
// pending authentication.
type Disconnector interface {
	Disconnect(ctx context.Context) error
}

// Connector opens sessions. Connect blocks until the session is
// authenticated, fails, or ctx ends; onChallenge is invoked every time a new
// authentication challenge is available.
type Connector interface {
	Connect(ctx context.Context, onChallenge func(models.Challenge)) (Session, error)
}
