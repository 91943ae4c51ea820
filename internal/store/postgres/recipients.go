package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
)

const recipientColumns = `id, name, phone, email, fee_cents, due_date, due_day, payment_link, status, messaging_enabled`

// GetRecipient implements store.RecipientStore.
func (s *Store) GetRecipient(ctx context.Context, id string) (*models.Recipient, error) {
	var r models.Recipient
	err := s.db.GetContext(ctx, &r, `SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get recipient %s: %w", id, err)
	}
	return &r, nil
}

// FindByPhoneSuffix implements store.RecipientStore.
func (s *Store) FindByPhoneSuffix(ctx context.Context, phone string, minDigits int) (*models.Recipient, error) {
	digits := models.DigitsOnly(phone)
	if minDigits <= 0 || len(digits) < minDigits {
		return nil, store.ErrNotFound
	}

	var r models.Recipient
	err := s.db.GetContext(ctx, &r, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE length(phone_digits) >= $2
		  AND right(phone_digits, $2) = $1
		ORDER BY id
		LIMIT 1
	`, digits[len(digits)-minDigits:], minDigits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: find recipient by phone: %w", err)
	}
	return &r, nil
}

// ListMessagingEnabled implements store.RecipientStore.
func (s *Store) ListMessagingEnabled(ctx context.Context) ([]models.Recipient, error) {
	var out []models.Recipient
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE messaging_enabled
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list recipients: %w", err)
	}
	return out, nil
}

// UpdateStatus implements store.RecipientStore.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.RecipientStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE recipients SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres store: update status %s: %w", id, err)
	}
	return affectedOne(res)
}

// UpsertRecipient implements store.RecipientStore.
func (s *Store) UpsertRecipient(ctx context.Context, r *models.Recipient) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO recipients (`+recipientColumns+`)
		VALUES (:id, :name, :phone, :email, :fee_cents, :due_date, :due_day, :payment_link, :status, :messaging_enabled)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    phone = EXCLUDED.phone,
		    email = EXCLUDED.email,
		    fee_cents = EXCLUDED.fee_cents,
		    due_date = EXCLUDED.due_date,
		    due_day = EXCLUDED.due_day,
		    payment_link = EXCLUDED.payment_link,
		    status = EXCLUDED.status,
		    messaging_enabled = EXCLUDED.messaging_enabled
	`, r)
	if err != nil {
		return fmt.Errorf("postgres store: upsert recipient %s: %w", r.ID, err)
	}
	return nil
}
