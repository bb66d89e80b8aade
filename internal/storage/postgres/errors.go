package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pulsehq/pulse/internal/storage"
)

// pq error classes.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// wrapDBError maps driver errors to the storage sentinels so callers
// never see dialect-specific failures.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w", op, storage.ErrConflict)
		case pqForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, storage.ErrValidation)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
