package webhook

import (
	"errors"
	"fmt"

	"github.com/buger/jsonparser"

	"github.com/example/billing-messenger/internal/models"
)

// ErrMalformedPayload is returned when a callback body cannot be parsed.
var ErrMalformedPayload = errors.New("webhook: malformed payload")

// VerifySubscription answers the Meta subscription handshake. It returns the
// challenge to echo and whether the token matched.
func VerifySubscription(mode, token, challenge, expected string) (string, bool) {
	if expected == "" || mode != "subscribe" || token != expected {
		return "", false
	}
	return challenge, true
}

// ParseMeta extracts the messages from a WhatsApp Cloud API callback. Status
// notifications carry no messages and yield an empty slice.
func ParseMeta(body []byte) ([]Inbound, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	if _, _, _, err := jsonparser.Get(body, "entry"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var (
		out     []Inbound
		iterErr error
	)
	_, err := jsonparser.ArrayEach(body, func(entry []byte, _ jsonparser.ValueType, _ int, _ error) {
		_, _ = jsonparser.ArrayEach(entry, func(change []byte, _ jsonparser.ValueType, _ int, _ error) {
			_, err := jsonparser.ArrayEach(change, func(msg []byte, _ jsonparser.ValueType, _ int, _ error) {
				out = append(out, metaMessage(msg))
			}, "value", "messages")
			if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) && iterErr == nil {
				iterErr = err
			}
		}, "changes")
	}, "entry")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if iterErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, iterErr)
	}
	return out, nil
}

func metaMessage(msg []byte) Inbound {
	from, _ := jsonparser.GetString(msg, "from")
	id, _ := jsonparser.GetString(msg, "id")
	kind, _ := jsonparser.GetString(msg, "type")

	var body string
	switch kind {
	case "text":
		body, _ = jsonparser.GetString(msg, "text", "body")
	case "button":
		body, _ = jsonparser.GetString(msg, "button", "text")
	case "interactive":
		body, _ = jsonparser.GetString(msg, "interactive", "button_reply", "id")
		if body == "" {
			body, _ = jsonparser.GetString(msg, "interactive", "list_reply", "id")
		}
	case "image", "document":
		body, _ = jsonparser.GetString(msg, kind, "caption")
	}
	return Inbound{
		Sender:  from,
		Body:    body,
		Kind:    kind,
		EventID: id,
		Channel: models.ChannelWhatsApp,
	}
}

// BridgeEvent is the callback the bot bridge posts for each received message.
type BridgeEvent struct {
	Phone       string `json:"phone"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
	ID          string `json:"id"`
}

// Inbound converts the event. A missing type means text.
func (b BridgeEvent) Inbound() Inbound {
	kind := b.MessageType
	if kind == "" {
		kind = "text"
	}
	return Inbound{
		Sender:  b.Phone,
		Body:    b.Message,
		Kind:    kind,
		EventID: b.ID,
		Channel: models.ChannelWhatsApp,
	}
}
