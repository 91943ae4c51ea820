package common

import (
	"strings"
	"unicode/utf8"
)

// DefaultRawBodyLimit defines the maximum number of characters retained from a
// provider response body when attaching it to a ProviderResponse.
const DefaultRawBodyLimit = 1024

// Normalized provider statuses.
const (
	StatusOK           = "ok"
	StatusRejected     = "rejected"
	StatusRateLimited  = "rate_limited"
	StatusUnknown      = "unknown"
	StatusNotConnected = "not_connected"
)

// ProviderResponse captures normalized provider information exchanged between
// adapters and the dispatch engine.
type ProviderResponse struct {
	Provider          string            `json:"provider"`
	Status            string            `json:"status"`
	Code              *int              `json:"code,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	Message           string            `json:"message,omitempty"`
	Raw               string            `json:"raw,omitempty"`
	Meta              map[string]string `json:"meta,omitempty"`
}

// Snapshot flattens the response into the map stored on a delivery log entry.
func (r *ProviderResponse) Snapshot() map[string]any {
	if r == nil {
		return nil
	}
	out := map[string]any{
		"provider": r.Provider,
		"status":   r.Status,
	}
	if r.Code != nil {
		out["code"] = *r.Code
	}
	if r.ProviderMessageID != "" {
		out["provider_message_id"] = r.ProviderMessageID
	}
	if r.Message != "" {
		out["message"] = r.Message
	}
	if r.Raw != "" {
		out["raw"] = r.Raw
	}
	for k, v := range r.Meta {
		out["meta_"+k] = v
	}
	return out
}

// HealthReport is the outcome of a provider health probe. Reachable is true
// when the provider answered with a non-error status.
type HealthReport struct {
	Provider   string `json:"provider"`
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// TruncateRaw trims the supplied string to the specified rune limit. If limit
// is zero or negative it returns an empty string.
func TruncateRaw(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	raw = strings.TrimSpace(raw)
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
