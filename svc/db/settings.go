package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, []interface{}{key}, &v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get setting")
	}
	return v, true, nil
}

func (s *SQLite) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrap(err, "put setting")
}
