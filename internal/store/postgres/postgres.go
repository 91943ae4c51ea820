// Package postgres implements the store contracts on PostgreSQL through sqlx
// and the pgx stdlib driver.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/example/billing-messenger/internal/store"
)

//go:embed schema.sql
var schema string

var (
	_ store.TemplateStore    = (*Store)(nil)
	_ store.RecipientStore   = (*Store)(nil)
	_ store.DeliveryLog      = (*Store)(nil)
	_ store.InteractionStore = (*Store)(nil)
)

// Store implements every store contract on one connection pool.
type Store struct {
	db *sqlx.DB
}

// Open connects, pings and applies the schema.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres store: dsn is required")
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle without migrating.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Stores exposes s through the store.Stores bundle.
func (s *Store) Stores() store.Stores {
	return store.Stores{Templates: s, Recipients: s, Deliveries: s, Interactions: s}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func affectedOne(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
