package whatsapp

import (
	"context"
	"time"
)

// Payload encapsulates the WhatsApp message to be sent via a provider. To
// holds the recipient phone number as digits only.
type Payload struct {
	MessageID string
	To        string
	Body      string
	Meta      map[string]string
}

// RawResponse captures the low-level provider response for a WhatsApp send.
type RawResponse struct {
	ID        string
	Code      int
	Status    string
	Body      string
	Timestamp time.Time
}

// HealthResult is the raw outcome of a provider health probe.
type HealthResult struct {
	Provider string
	Code     int
	Body     string
}

// Provider represents an outbound WhatsApp backend (Meta Cloud API, Whapi,
// Infobip, Twilio or a live bot session).
type Provider interface {
	Name() string
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
	Health(ctx context.Context) (*HealthResult, error)
}

// SessionBound is implemented by providers that deliver through the bot
// session and therefore require it to be connected.
type SessionBound interface {
	RequiresSession() bool
}

// RequiresSession reports whether p sends through the bot session.
func RequiresSession(p Provider) bool {
	sb, ok := p.(SessionBound)
	return ok && sb.RequiresSession()
}
