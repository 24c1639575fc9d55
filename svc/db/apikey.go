package db

import (
	"context"
	"database/sql"
	"time"

	"cryptex/pkg/domain"

	"github.com/pkg/errors"
)

func (s *SQLite) InsertAPIKey(ctx context.Context, k *domain.APIKey) error {
	_, err := s.exec(ctx, `
	INSERT INTO api_keys (id, name, description, digest, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.Description, k.Digest, ms(k.CreatedAt))
	return errors.Wrap(err, "insert api key")
}

func scanAPIKey(row rowScanner) (*domain.APIKey, error) {
	var (
		k        domain.APIKey
		created  int64
		lastUsed sql.NullInt64
	)
	if err := row.Scan(&k.ID, &k.Name, &k.Description, &k.Digest, &created, &lastUsed); err != nil {
		return nil, err
	}
	k.CreatedAt = fromMS(created)
	if lastUsed.Valid {
		t := fromMS(lastUsed.Int64)
		k.LastUsed = &t
	}
	return &k, nil
}

func (s *SQLite) GetAPIKeyByDigest(ctx context.Context, digest string) (*domain.APIKey, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	k, err := scanAPIKey(s.db.QueryRowContext(queryCtx, `
	SELECT id, name, description, digest, created_at, last_used FROM api_keys WHERE digest = ?`, digest))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound.With("api key not found")
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get api key")
	}
	return k, nil
}

func (s *SQLite) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
	SELECT id, name, description, digest, created_at, last_used FROM api_keys ORDER BY created_at DESC`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list api keys")
	}
	defer rows.Close()
	var out []*domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan api key")
		}
		out = append(out, k)
	}
	return out, errors.Wrap(rows.Err(), "iterate api keys")
}

func (s *SQLite) TouchAPIKey(ctx context.Context, id string, now time.Time) error {
	_, err := s.exec(ctx, `UPDATE api_keys SET last_used = ? WHERE id = ?`, ms(now), id)
	return errors.Wrap(err, "touch api key")
}

// DeleteAPIKey removes a key and returns its digest.
func (s *SQLite) DeleteAPIKey(ctx context.Context, id string) (string, error) {
	var digest string
	err := s.queryRow(ctx, `DELETE FROM api_keys WHERE id = ? RETURNING digest`, []interface{}{id}, &digest)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound.With("api key not found")
	}
	return digest, errors.Wrap(err, "delete api key")
}

func (s *SQLite) DeleteAllAPIKeys(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM api_keys`)
	if err != nil {
		return 0, errors.Wrap(err, "delete api keys")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
