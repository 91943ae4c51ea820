package common

import "github.com/example/billing-messenger/internal/models"

// OutboundMessage is the rendered message handed to an adapter. Phone holds
// digits only; Email is used by the email channel.
type OutboundMessage struct {
	MessageID     string
	RecipientID   string
	RecipientName string
	Phone         string
	Email         string
	Subject       string
	Body          string
	TemplateCode  string
	Kind          models.MessageKind
	Meta          map[string]string
}
