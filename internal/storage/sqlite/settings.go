package sqlite

import (
	"context"
	"database/sql"

	"github.com/pulsehq/pulse/internal/storage"
)

// GetSetting reads one configuration value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", wrapDBError("get setting", err)
	}
	return value, nil
}

// SetSetting writes one configuration value, last write wins.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return wrapDBError("set setting", err)
	}
	return nil
}
