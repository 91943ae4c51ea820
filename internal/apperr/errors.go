// Package apperr defines the error taxonomy shared by the dispatch, webhook
// and lifecycle components. Each typed error matches its Kind sentinel with
// errors.Is so callers can branch without type assertions.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind sentinels.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrNotConnected     = errors.New("not connected")
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateRender   = errors.New("template render error")
	ErrProvider         = errors.New("provider error")
	ErrValidationSkip   = errors.New("validation skip")
)

// ConfigurationError reports missing or invalid provider settings. It is fatal
// for the operation and never retried automatically.
type ConfigurationError struct {
	Component string
	Fields    []string
	Detail    string
}

// Configuration builds a ConfigurationError for the named missing fields.
func Configuration(component string, fields ...string) *ConfigurationError {
	return &ConfigurationError{Component: component, Fields: fields}
}

func (e *ConfigurationError) Error() string {
	msg := e.Component + ": misconfigured"
	if len(e.Fields) > 0 {
		msg += ": missing " + strings.Join(e.Fields, ", ")
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NotConnectedError is returned when a session-bound operation runs while the
// bot session is not connected.
type NotConnectedError struct {
	Status string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("bot session not connected (status %s)", e.Status)
}

func (e *NotConnectedError) Is(target error) bool { return target == ErrNotConnected }

// TemplateNotFoundError is returned when a template code is unknown or inactive.
type TemplateNotFoundError struct {
	Code string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("template %q not found or inactive", e.Code)
}

func (e *TemplateNotFoundError) Is(target error) bool { return target == ErrTemplateNotFound }

// TemplateRenderError names the placeholder that could not be resolved.
type TemplateRenderError struct {
	Key string
}

func (e *TemplateRenderError) Error() string {
	return fmt.Sprintf("template placeholder %q has no value", e.Key)
}

func (e *TemplateRenderError) Is(target error) bool { return target == ErrTemplateRender }

// ProviderError wraps a network or HTTP failure reported by a provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "http %d: ", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString("request failed")
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// ValidationSkip marks a bulk recipient that was skipped before any send.
type ValidationSkip struct {
	RecipientID string
	Reason      string
}

func (e *ValidationSkip) Error() string {
	return fmt.Sprintf("recipient %s skipped: %s", e.RecipientID, e.Reason)
}

func (e *ValidationSkip) Is(target error) bool { return target == ErrValidationSkip }

// HTTPStatus maps an error to the status code the HTTP layer responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTemplateRender), errors.Is(err, ErrValidationSkip):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrProvider):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConfiguration):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a short machine readable code for API error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrTemplateNotFound):
		return "template_not_found"
	case errors.Is(err, ErrTemplateRender):
		return "template_render_error"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrValidationSkip):
		return "validation_skip"
	default:
		return "internal_error"
	}
}
