package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/pulsehq/pulse/internal/storage"
)

// wrapDBError wraps a database error with operation context. It converts
// sql.ErrNoRows to storage.ErrNotFound and unique-constraint violations to
// storage.ErrConflict for consistent handling across backends.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	if IsUniqueConstraintError(err) {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
