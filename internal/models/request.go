package models

import "time"

// DispatchTrigger is the record an external scheduler publishes to request
// template dispatches for a list of recipients.
type DispatchTrigger struct {
	RequestID    string            `json:"request_id"`
	RecipientIDs []string          `json:"recipient_ids"`
	TemplateCode string            `json:"template_code"`
	MessageKind  MessageKind       `json:"message_kind"`
	Initiator    string            `json:"initiator,omitempty"`
	Extra        map[string]string `json:"extra_context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Failure types for DLQ records.
const (
	FailureTypeValidation   = "validation"
	FailureTypePrecondition = "precondition"
	FailureTypeUnknown      = "unknown"
)

// DLQRecord describes a trigger the worker could not process.
type DLQRecord struct {
	RequestID       string            `json:"request_id"`
	OriginalMessage any               `json:"original_message"`
	FailureType     string            `json:"failure_type"`
	LastError       string            `json:"last_error,omitempty"`
	FailedAt        time.Time         `json:"failed_at"`
	Meta            map[string]string `json:"meta,omitempty"`
}
