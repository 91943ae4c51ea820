package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
)

const uniqueViolation = "23505"

const deliveryColumns = `id, recipient_id, template_code, message_kind, channel, outcome, created_at, payload, response, error, initiator`

type deliveryRow struct {
	ID           string         `db:"id"`
	RecipientID  string         `db:"recipient_id"`
	TemplateCode sql.NullString `db:"template_code"`
	Kind         string         `db:"message_kind"`
	Channel      string         `db:"channel"`
	Outcome      string         `db:"outcome"`
	CreatedAt    time.Time      `db:"created_at"`
	Payload      []byte         `db:"payload"`
	Response     []byte         `db:"response"`
	Error        string         `db:"error"`
	Initiator    sql.NullString `db:"initiator"`
}

func (r deliveryRow) entry() (models.DeliveryLogEntry, error) {
	e := models.DeliveryLogEntry{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		Kind:        models.MessageKind(r.Kind),
		Channel:     models.Channel(r.Channel),
		Outcome:     models.Outcome(r.Outcome),
		CreatedAt:   r.CreatedAt,
		Error:       r.Error,
	}
	if r.TemplateCode.Valid {
		s := r.TemplateCode.String
		e.TemplateCode = &s
	}
	if r.Initiator.Valid {
		s := r.Initiator.String
		e.Initiator = &s
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &e.Payload); err != nil {
			return e, fmt.Errorf("decode payload of %s: %w", r.ID, err)
		}
	}
	if len(r.Response) > 0 {
		if err := json.Unmarshal(r.Response, &e.Response); err != nil {
			return e, fmt.Errorf("decode response of %s: %w", r.ID, err)
		}
	}
	return e, nil
}

func nullableJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Append implements store.DeliveryLog.
func (s *Store) Append(ctx context.Context, e *models.DeliveryLogEntry) error {
	payload, err := nullableJSON(e.Payload)
	if err != nil {
		return fmt.Errorf("postgres store: encode payload: %w", err)
	}
	response, err := nullableJSON(e.Response)
	if err != nil {
		return fmt.Errorf("postgres store: encode response: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delivery_logs (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11)
	`, e.ID, e.RecipientID, e.TemplateCode, string(e.Kind), string(e.Channel), string(e.Outcome),
		e.CreatedAt.UTC(), payload, response, e.Error, e.Initiator)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrDuplicateID
		}
		return fmt.Errorf("postgres store: append delivery %s: %w", e.ID, err)
	}
	return nil
}

// ListDeliveries implements store.DeliveryLog.
func (s *Store) ListDeliveries(ctx context.Context, f models.DeliveryFilter) ([]models.DeliveryLogEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.RecipientID != "" {
		add("recipient_id = $%d", f.RecipientID)
	}
	if f.Kind != "" {
		add("message_kind = $%d", string(f.Kind))
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}

	query := `SELECT ` + deliveryColumns + ` FROM delivery_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("postgres store: list deliveries: %w", err)
	}
	out := make([]models.DeliveryLogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Summary implements store.DeliveryLog.
func (s *Store) Summary(ctx context.Context, since time.Time) (models.DeliverySummary, error) {
	var counts struct {
		Total      int `db:"total"`
		Successful int `db:"successful"`
		Failed     int `db:"failed"`
	}
	err := s.db.GetContext(ctx, &counts, `
		SELECT count(*) AS total,
		       count(*) FILTER (WHERE outcome = 'success') AS successful,
		       count(*) FILTER (WHERE outcome = 'failed') AS failed
		FROM delivery_logs
		WHERE created_at >= $1
	`, since.UTC())
	if err != nil {
		return models.DeliverySummary{}, fmt.Errorf("postgres store: summary: %w", err)
	}
	return store.Summarize(counts.Total, counts.Successful, counts.Failed), nil
}

// LatestOutbound implements store.DeliveryLog.
func (s *Store) LatestOutbound(ctx context.Context, recipientID string, since time.Time) (*models.DeliveryLogEntry, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+deliveryColumns+`
		FROM delivery_logs
		WHERE recipient_id = $1
		  AND message_kind <> 'incoming'
		  AND outcome = 'success'
		  AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, recipientID, since.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: latest outbound: %w", err)
	}
	e, err := row.entry()
	if err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &e, nil
}
