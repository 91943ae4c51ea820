package models

import (
	"strings"
	"time"
	"unicode"
)

// RecipientStatus is the billing status of a customer.
type RecipientStatus string

// Recipient statuses.
const (
	RecipientActive     RecipientStatus = "active"
	RecipientDelinquent RecipientStatus = "delinquent"
	RecipientSettled    RecipientStatus = "settled"
)

// Recipient is the customer view the engines need. It is owned by an external
// store; the engines only read it and update Status.
type Recipient struct {
	ID               string          `json:"id" db:"id"`
	Name             string          `json:"name" db:"name"`
	Phone            string          `json:"phone" db:"phone"`
	Email            string          `json:"email,omitempty" db:"email"`
	FeeCents         int64           `json:"fee_cents" db:"fee_cents"`
	DueDate          *time.Time      `json:"due_date,omitempty" db:"due_date"`
	DueDay           int             `json:"due_day,omitempty" db:"due_day"`
	PaymentLink      string          `json:"payment_link,omitempty" db:"payment_link"`
	Status           RecipientStatus `json:"status" db:"status"`
	MessagingEnabled bool            `json:"messaging_enabled" db:"messaging_enabled"`
}

// Digits returns the phone number reduced to its digits.
func (r Recipient) Digits() string {
	return DigitsOnly(r.Phone)
}

// DigitsOnly strips every non-digit rune from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
