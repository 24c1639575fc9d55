package db

import (
	"context"
	"database/sql"
	"time"

	"cryptex/pkg/domain"

	"github.com/pkg/errors"
)

func (s *SQLite) InsertToken(ctx context.Context, t *domain.DownloadToken) error {
	_, err := s.exec(ctx, `
	INSERT INTO download_tokens (token_hash, cryptex_id, filename, wrapped_key, expires_at, consumed, uses, single_use, autodestroy)
	VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		t.Hash, t.CryptexID, t.Filename, t.WrappedFileKey, ms(t.ExpiresAt), boolInt(t.SingleUse), boolInt(t.Autodestroy))
	return errors.Wrap(err, "insert token")
}

// ClaimToken redeems a token. Single-use tokens flip consumed 0->1 inside
// the transaction, so concurrent claims see exactly one winner.
func (s *SQLite) ClaimToken(ctx context.Context, hash string, now time.Time) (*domain.DownloadToken, error) {
	var out *domain.DownloadToken
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var (
			t                                domain.DownloadToken
			expires                          int64
			consumed, singleUse, autodestroy int
		)
		err := tx.QueryRowContext(ctx, `
		SELECT token_hash, cryptex_id, filename, wrapped_key, expires_at, consumed, uses, single_use, autodestroy
		FROM download_tokens WHERE token_hash = ?`, hash).Scan(
			&t.Hash, &t.CryptexID, &t.Filename, &t.WrappedFileKey, &expires, &consumed, &t.Uses, &singleUse, &autodestroy)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound.With("download link not found")
		}
		if err != nil {
			return err
		}
		t.ExpiresAt = fromMS(expires)
		t.SingleUse = singleUse == 1
		t.Autodestroy = autodestroy == 1
		if consumed == 1 {
			return domain.ErrNotFound.With("download link already used")
		}
		if !now.Before(t.ExpiresAt) {
			return domain.ErrExpired.With("download link expired")
		}
		q := `UPDATE download_tokens SET uses = uses + 1 WHERE token_hash = ?`
		if t.SingleUse {
			q = `UPDATE download_tokens SET uses = uses + 1, consumed = 1 WHERE token_hash = ? AND consumed = 0`
		}
		res, err := tx.ExecContext(ctx, q, hash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return domain.ErrNotFound.With("download link already used")
		}
		t.Uses++
		t.Consumed = t.SingleUse
		out = &t
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim token")
	}
	return out, nil
}

// DeleteDeadTokens drops expired and spent tokens.
func (s *SQLite) DeleteDeadTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM download_tokens WHERE expires_at <= ? OR consumed = 1`, ms(now))
	if err != nil {
		return 0, errors.Wrap(err, "delete dead tokens")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
