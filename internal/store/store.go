// Package store declares the persistence contracts the dispatch and webhook
// engines depend on. Recipients and templates are owned elsewhere; the
// engines read them and only ever write a recipient's status.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/billing-messenger/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrNotesAlreadySet is returned when an interaction already carries notes.
	ErrNotesAlreadySet = errors.New("store: interaction notes already set")
	// ErrDuplicateID is returned when an append reuses an existing id.
	ErrDuplicateID = errors.New("store: duplicate id")
)

// TemplateStore reads message templates.
type TemplateStore interface {
	// GetActive returns the template with code when it exists and is active.
	GetActive(ctx context.Context, code string) (*models.Template, error)
	UpsertTemplate(ctx context.Context, tpl *models.Template) error
	ListTemplates(ctx context.Context) ([]models.Template, error)
}

// RecipientStore reads recipients and updates their billing status.
type RecipientStore interface {
	GetRecipient(ctx context.Context, id string) (*models.Recipient, error)
	// FindByPhoneSuffix returns the first recipient whose phone shares the
	// last minDigits digits with phone.
	FindByPhoneSuffix(ctx context.Context, phone string, minDigits int) (*models.Recipient, error)
	ListMessagingEnabled(ctx context.Context) ([]models.Recipient, error)
	UpdateStatus(ctx context.Context, id string, status models.RecipientStatus) error
	UpsertRecipient(ctx context.Context, r *models.Recipient) error
}

// DeliveryLog is the append-only record of dispatch attempts and inbound
// messages.
type DeliveryLog interface {
	Append(ctx context.Context, entry *models.DeliveryLogEntry) error
	// ListDeliveries returns entries newest first.
	ListDeliveries(ctx context.Context, filter models.DeliveryFilter) ([]models.DeliveryLogEntry, error)
	Summary(ctx context.Context, since time.Time) (models.DeliverySummary, error)
	// LatestOutbound returns the newest successful outbound entry for the
	// recipient created at or after since.
	LatestOutbound(ctx context.Context, recipientID string, since time.Time) (*models.DeliveryLogEntry, error)
}

// InteractionStore records inbound interactions.
type InteractionStore interface {
	CreateInteraction(ctx context.Context, in *models.Interaction) error
	// AttachNotes sets notes once; a second call fails with ErrNotesAlreadySet.
	AttachNotes(ctx context.Context, id, notes string) error
	// ListInteractions returns interactions newest first; an empty
	// recipientID lists all.
	ListInteractions(ctx context.Context, recipientID string, limit int) ([]models.Interaction, error)
}

// Stores bundles the contracts so constructors can accept one value.
type Stores struct {
	Templates    TemplateStore
	Recipients   RecipientStore
	Deliveries   DeliveryLog
	Interactions InteractionStore
}

// Summarize folds outcome counts into a DeliverySummary.
func Summarize(total, successful, failed int) models.DeliverySummary {
	s := models.DeliverySummary{Total: total, Successful: successful, Failed: failed}
	if total > 0 {
		s.SuccessRate = float64(successful) / float64(total) * 100
	}
	return s
}
