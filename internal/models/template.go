package models

import "time"

// Channel identifies the transport a message travels on.
type Channel string

// Supported channels.
const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// Valid reports whether the channel is one of the supported values.
func (c Channel) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelEmail
}

// Template is a parameterized message body looked up by code.
type Template struct {
	Code      string    `json:"code" db:"code" yaml:"code"`
	Name      string    `json:"name" db:"name" yaml:"name"`
	Channel   Channel   `json:"channel" db:"channel" yaml:"channel"`
	Body      string    `json:"body" db:"body" yaml:"body"`
	Active    bool      `json:"active" db:"active" yaml:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" yaml:"-"`
}
