package db

import (
	"context"
	"database/sql"
	"time"

	"cryptex/pkg/domain"

	"github.com/pkg/errors"
)

const inviteColumns = `token, label, created_at, expires_at, max_uses, uses, password_ct,
	COALESCE(cryptex_id, ''), cryptex_has_password`

func scanInvite(row rowScanner) (*domain.InviteLink, error) {
	var (
		l           domain.InviteLink
		created     int64
		expires     sql.NullInt64
		hasPassword int
	)
	if err := row.Scan(&l.Token, &l.Label, &created, &expires, &l.MaxUses, &l.Uses, &l.PasswordCT,
		&l.CryptexID, &hasPassword); err != nil {
		return nil, err
	}
	l.CreatedAt = fromMS(created)
	if expires.Valid {
		t := fromMS(expires.Int64)
		l.ExpiresAt = &t
	}
	l.CryptexHasPassword = hasPassword == 1
	return &l, nil
}

func (s *SQLite) InsertInvite(ctx context.Context, l *domain.InviteLink) error {
	var expires interface{}
	if l.ExpiresAt != nil {
		expires = ms(*l.ExpiresAt)
	}
	_, err := s.exec(ctx, `
	INSERT INTO invite_links (token, label, created_at, expires_at, max_uses, uses, password_ct)
	VALUES (?, ?, ?, ?, ?, 0, ?)`, l.Token, l.Label, ms(l.CreatedAt), expires, l.MaxUses, l.PasswordCT)
	return errors.Wrap(err, "insert invite")
}

func (s *SQLite) GetInvite(ctx context.Context, token string) (*domain.InviteLink, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	l, err := scanInvite(s.db.QueryRowContext(queryCtx, `SELECT `+inviteColumns+` FROM invite_links WHERE token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound.With("invite link not found")
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get invite")
	}
	return l, nil
}

func (s *SQLite) ListInvites(ctx context.Context) ([]*domain.InviteLink, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `SELECT `+inviteColumns+` FROM invite_links ORDER BY created_at DESC`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list invites")
	}
	defer rows.Close()
	var out []*domain.InviteLink
	for rows.Next() {
		l, err := scanInvite(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan invite")
		}
		out = append(out, l)
	}
	return out, errors.Wrap(rows.Err(), "iterate invites")
}

func (s *SQLite) UpdateInviteLabel(ctx context.Context, token, label string) error {
	res, err := s.exec(ctx, `UPDATE invite_links SET label = ? WHERE token = ?`, label, token)
	if err != nil {
		return errors.Wrap(err, "update invite")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound.With("invite link not found")
	}
	return nil
}

// ConsumeInvite binds the link to a cryptex if it is still usable.
func (s *SQLite) ConsumeInvite(ctx context.Context, token, cryptexID string, hasPassword bool, now time.Time) (bool, error) {
	res, err := s.exec(ctx, `
	UPDATE invite_links SET uses = uses + 1, cryptex_id = ?, cryptex_has_password = ?
	WHERE token = ? AND cryptex_id IS NULL AND uses < max_uses
	  AND (expires_at IS NULL OR expires_at > ?)`, cryptexID, boolInt(hasPassword), token, ms(now))
	if err != nil {
		return false, errors.Wrap(err, "consume invite")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteInvite removes the link and returns the cryptex bound to it.
func (s *SQLite) DeleteInvite(ctx context.Context, token string) (string, error) {
	var bound string
	err := s.tx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(cryptex_id, '') FROM invite_links WHERE token = ?`, token).Scan(&bound)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound.With("invite link not found")
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM invite_links WHERE token = ?`, token)
		return err
	})
	return bound, errors.Wrap(err, "delete invite")
}

func (s *SQLite) DeleteExpiredInvites(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM invite_links WHERE expires_at IS NOT NULL AND expires_at <= ?`, ms(now))
	if err != nil {
		return 0, errors.Wrap(err, "delete expired invites")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
