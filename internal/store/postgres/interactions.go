package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
)

type interactionRow struct {
	ID            string         `db:"id"`
	RecipientID   string         `db:"recipient_id"`
	DeliveryLogID sql.NullString `db:"delivery_log_id"`
	ReceivedAt    time.Time      `db:"received_at"`
	Channel       string         `db:"channel"`
	RawMessage    string         `db:"raw_message"`
	Option        string         `db:"normalized_option"`
	Notes         string         `db:"notes"`
}

// CreateInteraction implements store.InteractionStore.
func (s *Store) CreateInteraction(ctx context.Context, in *models.Interaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, recipient_id, delivery_log_id, received_at, channel, raw_message, normalized_option, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, in.ID, in.RecipientID, in.DeliveryLogID, in.ReceivedAt.UTC(), string(in.Channel), in.RawMessage, in.Option, in.Notes)
	if err != nil {
		return fmt.Errorf("postgres store: create interaction %s: %w", in.ID, err)
	}
	return nil
}

// AttachNotes implements store.InteractionStore. The guard on empty notes
// makes the first writer win.
func (s *Store) AttachNotes(ctx context.Context, id, notes string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET notes = $2
		WHERE id = $1 AND notes = ''
	`, id, notes)
	if err != nil {
		return fmt.Errorf("postgres store: attach notes %s: %w", id, err)
	}
	if err := affectedOne(res); !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM interactions WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("postgres store: attach notes %s: %w", id, err)
	}
	if exists {
		return store.ErrNotesAlreadySet
	}
	return store.ErrNotFound
}

// ListInteractions implements store.InteractionStore.
func (s *Store) ListInteractions(ctx context.Context, recipientID string, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []interactionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, recipient_id, delivery_log_id, received_at, channel, raw_message, normalized_option, notes
		FROM interactions
		WHERE $1::text = '' OR recipient_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list interactions: %w", err)
	}

	out := make([]models.Interaction, 0, len(rows))
	for _, r := range rows {
		in := models.Interaction{
			ID:          r.ID,
			RecipientID: r.RecipientID,
			ReceivedAt:  r.ReceivedAt,
			Channel:     models.Channel(r.Channel),
			RawMessage:  r.RawMessage,
			Option:      r.Option,
			Notes:       r.Notes,
		}
		if r.DeliveryLogID.Valid {
			s := r.DeliveryLogID.String
			in.DeliveryLogID = &s
		}
		out = append(out, in)
	}
	return out, nil
}
