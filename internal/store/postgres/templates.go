package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
)

const templateColumns = `code, name, channel, body, active, created_at, updated_at`

// GetActive implements store.TemplateStore.
func (s *Store) GetActive(ctx context.Context, code string) (*models.Template, error) {
	var tpl models.Template
	err := s.db.GetContext(ctx, &tpl, `
		SELECT `+templateColumns+`
		FROM message_templates
		WHERE code = $1 AND active
	`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get template %s: %w", code, err)
	}
	return &tpl, nil
}

// UpsertTemplate implements store.TemplateStore.
func (s *Store) UpsertTemplate(ctx context.Context, tpl *models.Template) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO message_templates (code, name, channel, body, active)
		VALUES (:code, :name, :channel, :body, :active)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name,
		    channel = EXCLUDED.channel,
		    body = EXCLUDED.body,
		    active = EXCLUDED.active,
		    updated_at = now()
	`, tpl)
	if err != nil {
		return fmt.Errorf("postgres store: upsert template %s: %w", tpl.Code, err)
	}
	return nil
}

// ListTemplates implements store.TemplateStore.
func (s *Store) ListTemplates(ctx context.Context) ([]models.Template, error) {
	var out []models.Template
	if err := s.db.SelectContext(ctx, &out, `SELECT `+templateColumns+` FROM message_templates ORDER BY code`); err != nil {
		return nil, fmt.Errorf("postgres store: list templates: %w", err)
	}
	return out, nil
}
