package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/pipevane-labs/pipevane/internal/store"
)

// DB is the subset of *sql.DB the store uses; it lets tests and
// transactions substitute for the pooled handle.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func encodeJSON(value any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
