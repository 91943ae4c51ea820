package models

import "time"

// MessageKind classifies a delivery log entry.
type MessageKind string

// Message kinds.
const (
	KindReminder MessageKind = "reminder"
	KindCharge   MessageKind = "charge"
	KindIncoming MessageKind = "incoming"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindReminder, KindCharge, KindIncoming:
		return true
	}
	return false
}

// Outcome is the result of a delivery attempt.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// DeliveryLogEntry records one dispatch attempt or one inbound message. Every
// field is fixed at creation time.
type DeliveryLogEntry struct {
	ID           string         `json:"id"`
	RecipientID  string         `json:"recipient_id"`
	TemplateCode *string        `json:"template_code,omitempty"`
	Kind         MessageKind    `json:"message_kind"`
	Channel      Channel        `json:"channel"`
	Outcome      Outcome        `json:"outcome"`
	CreatedAt    time.Time      `json:"created_at"`
	Payload      map[string]any `json:"payload,omitempty"`
	Response     map[string]any `json:"response,omitempty"`
	Error        string         `json:"error,omitempty"`
	Initiator    *string        `json:"initiator,omitempty"`
}

// DeliveryFilter narrows delivery log listings.
type DeliveryFilter struct {
	RecipientID string
	Kind        MessageKind
	Outcome     Outcome
	Since       time.Time
	Limit       int
}

// DeliverySummary aggregates delivery log counts.
type DeliverySummary struct {
	Total       int     `json:"total_messages"`
	Successful  int     `json:"successful_messages"`
	Failed      int     `json:"failed_messages"`
	SuccessRate float64 `json:"success_rate"`
}

// DeliveryEvent is the projection of a log entry published to Kafka.
type DeliveryEvent struct {
	EntryID      string      `json:"entry_id"`
	RecipientID  string      `json:"recipient_id"`
	TemplateCode string      `json:"template_code,omitempty"`
	Kind         MessageKind `json:"message_kind"`
	Channel      Channel     `json:"channel"`
	Outcome      Outcome     `json:"outcome"`
	Error        string      `json:"error,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// EventFromEntry builds the published projection of a log entry.
func EventFromEntry(e *DeliveryLogEntry) DeliveryEvent {
	ev := DeliveryEvent{
		EntryID:     e.ID,
		RecipientID: e.RecipientID,
		Kind:        e.Kind,
		Channel:     e.Channel,
		Outcome:     e.Outcome,
		Error:       e.Error,
		Timestamp:   e.CreatedAt,
	}
	if e.TemplateCode != nil {
		ev.TemplateCode = *e.TemplateCode
	}
	return ev
}
