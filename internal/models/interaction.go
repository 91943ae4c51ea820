package models

import "time"

// Interaction records an inbound message from a recipient.
type Interaction struct {
	ID            string    `json:"id"`
	RecipientID   string    `json:"recipient_id"`
	DeliveryLogID *string   `json:"delivery_log_id,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
	Channel       Channel   `json:"channel"`
	RawMessage    string    `json:"raw_message"`
	Option        string    `json:"normalized_option"`
	Notes         string    `json:"notes,omitempty"`
}
