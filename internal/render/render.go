// Package render substitutes recipient values into message templates.
//
// Placeholders use the {{name}} form (inner whitespace allowed). Any {{...}}
// span counts as a placeholder, whatever its inner text. Rendering is strict:
// a placeholder without a value fails with apperr.TemplateRenderError instead
// of leaking into the outgoing message.
package render

import (
	"regexp"
	"strings"
	"time"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/models"
)

// Placeholder names computed for every recipient.
const (
	KeyName         = "nome"
	KeyCustomerName = "nome_cliente"
	KeyCustomer     = "cliente"
	KeyFee          = "valor"
	KeyDueDate      = "vencimento"
	KeyPaymentLink  = "link_pagamento"
)

// DateLayout is the rendered due date format (DD/MM/YYYY).
const DateLayout = "02/01/2006"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// KnownKeys lists the placeholders Variables always provides.
func KnownKeys() []string {
	return []string{KeyName, KeyCustomerName, KeyCustomer, KeyFee, KeyDueDate, KeyPaymentLink}
}

// Render replaces every placeholder in body with its value from vars. The
// first placeholder without a value aborts rendering.
func Render(body string, vars map[string]string) (string, error) {
	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := vars[key]; ok {
			return val
		}
		if missing == "" {
			missing = key
		}
		return match
	})
	if missing != "" {
		return "", &apperr.TemplateRenderError{Key: missing}
	}
	return out, nil
}

// Placeholders returns the distinct placeholder names in body in order of
// first appearance.
func Placeholders(body string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		keys = append(keys, m[1])
	}
	return keys
}

// Validate checks that every placeholder in body is one of known.
func Validate(body string, known []string) error {
	allowed := make(map[string]struct{}, len(known))
	for _, k := range known {
		allowed[k] = struct{}{}
	}
	for _, key := range Placeholders(body) {
		if _, ok := allowed[key]; !ok {
			return &apperr.TemplateRenderError{Key: key}
		}
	}
	return nil
}

// Variables computes the placeholder values for a recipient. Entries in extra
// are added last and may override computed values.
func Variables(r models.Recipient, today time.Time, extra map[string]string) map[string]string {
	vars := map[string]string{
		KeyName:         r.Name,
		KeyCustomerName: r.Name,
		KeyCustomer:     r.Name,
		KeyFee:          FormatFee(r.FeeCents),
		KeyDueDate:      DueDate(r, today).Format(DateLayout),
		KeyPaymentLink:  r.PaymentLink,
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// RewriteDueToday replaces the phrase "vence hoje" with the concrete due date
// when the recipient is not actually due today.
func RewriteDueToday(msg string, due, today time.Time) string {
	if sameDay(due, today) {
		return msg
	}
	return strings.ReplaceAll(msg, "vence hoje", "vence em "+due.Format(DateLayout))
}
