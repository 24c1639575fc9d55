package db

import (
	"context"
	"database/sql"
	"time"

	"cryptex/pkg/domain"

	"github.com/pkg/errors"
)

const cryptexColumns = `id, text_ct, text_tag, key_salt, wrapped_key, verifier, verifier_salt,
	box_public, box_private, autodestroy, consumed, pending, created_at, expires_at,
	views, total_size, file_count, COALESCE(invite_token, '')`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCryptex(row rowScanner) (*domain.Cryptex, error) {
	var (
		c                              domain.Cryptex
		autodestroy, consumed, pending int
		created, expires               int64
	)
	err := row.Scan(&c.ID, &c.TextCT, &c.TextTag, &c.KeySalt, &c.WrappedKey, &c.Verifier, &c.VerifierSalt,
		&c.BoxPublic, &c.BoxPrivateCT, &autodestroy, &consumed, &pending, &created, &expires,
		&c.Views, &c.TotalSize, &c.FileCount, &c.InviteToken)
	if err != nil {
		return nil, err
	}
	c.Autodestroy = autodestroy == 1
	c.Consumed = consumed == 1
	c.PendingFiles = pending == 1
	c.CreatedAt = fromMS(created)
	c.ExpiresAt = fromMS(expires)
	return &c, nil
}

// CryptexExists reports whether any row holds id, expired or not.
func (s *SQLite) CryptexExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM cryptex WHERE id = ? LIMIT 1`, []interface{}{id}, &one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return true, nil
}

func insertFile(ctx context.Context, tx *sql.Tx, f *domain.FileRecord) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO cryptex_files (cryptex_id, filename, size, storage_key, sealed_key, downloaded, created_at)
	VALUES (?, ?, ?, ?, ?, 0, ?)`,
		f.CryptexID, f.Filename, f.Size, f.StorageKey, f.SealedKey, ms(f.CreatedAt))
	if isConstraint(err) {
		return domain.Conflict("file %q already exists", f.Filename)
	}
	return err
}

// InsertCryptex stores c and its initial files atomically.
func (s *SQLite) InsertCryptex(ctx context.Context, c *domain.Cryptex) error {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var invite interface{}
		if c.InviteToken != "" {
			invite = c.InviteToken
		}
		_, err := tx.ExecContext(ctx, `
		INSERT INTO cryptex (id, text_ct, text_tag, key_salt, wrapped_key, verifier, verifier_salt,
			box_public, box_private, autodestroy, consumed, pending, created_at, expires_at,
			views, total_size, file_count, invite_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, ?, ?, ?)`,
			c.ID, c.TextCT, c.TextTag, c.KeySalt, c.WrappedKey, c.Verifier, c.VerifierSalt,
			c.BoxPublic, c.BoxPrivateCT, boolInt(c.Autodestroy), boolInt(c.PendingFiles),
			ms(c.CreatedAt), ms(c.ExpiresAt), c.TotalSize, len(c.Files), invite)
		if isConstraint(err) {
			return domain.Conflict("id %s already taken", c.ID)
		}
		if err != nil {
			return err
		}
		for i := range c.Files {
			f := c.Files[i]
			f.CryptexID = c.ID
			if err := insertFile(ctx, tx, &f); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "db insert cryptex")
}

// GetCryptex loads a live (unexpired) cryptex with its files. Consumed and
// pending rows are returned; callers decide what they may do with them.
func (s *SQLite) GetCryptex(ctx context.Context, id string, now time.Time) (*domain.Cryptex, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	c, err := scanCryptex(s.db.QueryRowContext(queryCtx,
		`SELECT `+cryptexColumns+` FROM cryptex WHERE id = ? AND expires_at > ?`, id, ms(now)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get cryptex")
	}
	files, err := s.listFiles(queryCtx, id)
	if err != nil {
		return nil, err
	}
	c.Files = files
	return c, nil
}

func (s *SQLite) listFiles(ctx context.Context, id string) ([]domain.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT cryptex_id, filename, size, storage_key, sealed_key, downloaded, created_at
	FROM cryptex_files WHERE cryptex_id = ? ORDER BY created_at, filename`, id)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "db list files")
	}
	defer rows.Close()
	var files []domain.FileRecord
	for rows.Next() {
		var (
			f          domain.FileRecord
			downloaded int
			created    int64
		)
		if err := rows.Scan(&f.CryptexID, &f.Filename, &f.Size, &f.StorageKey, &f.SealedKey, &downloaded, &created); err != nil {
			return nil, errors.Wrap(err, "scan file")
		}
		f.Downloaded = downloaded == 1
		f.CreatedAt = fromMS(created)
		files = append(files, f)
	}
	return files, errors.Wrap(rows.Err(), "iterate files")
}

// ClaimCryptex flips consumed 0->1 and counts the view. Only one caller
// can win for a given id.
func (s *SQLite) ClaimCryptex(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.exec(ctx, `
	UPDATE cryptex SET consumed = 1, views = views + 1
	WHERE id = ? AND consumed = 0 AND pending = 0 AND expires_at > ?`, id, ms(now))
	if err != nil {
		return false, errors.Wrap(err, "claim cryptex")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// IncrViews returns the new view count, or ErrNotFound if the row vanished.
func (s *SQLite) IncrViews(ctx context.Context, id string, now time.Time) (int, error) {
	var views int
	err := s.queryRow(ctx, `
	UPDATE cryptex SET views = views + 1
	WHERE id = ? AND consumed = 0 AND expires_at > ?
	RETURNING views`, []interface{}{id, ms(now)}, &views)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "incr views")
	}
	return views, nil
}

// StartGrace wipes the text of a consumed cryptex and caps its lifetime.
func (s *SQLite) StartGrace(ctx context.Context, id string, until time.Time) error {
	_, err := s.exec(ctx, `
	UPDATE cryptex SET text_ct = NULL, text_tag = NULL, expires_at = MIN(expires_at, ?)
	WHERE id = ?`, ms(until), id)
	return errors.Wrap(err, "start grace")
}

func (s *SQLite) FinalizeCryptex(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE cryptex SET pending = 0 WHERE id = ?`, id)
	return errors.Wrap(err, "finalize cryptex")
}

// Removed lists what a delete released outside the database.
type Removed struct {
	Found       bool
	StorageKeys []string
	UploadIDs   []string
}

func collectStrings(ctx context.Context, tx *sql.Tx, q string, args ...interface{}) ([]string, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteCryptex removes the cryptex, its files, upload sessions and
// tokens. Deleting a missing id is a no-op with Found=false.
func (s *SQLite) DeleteCryptex(ctx context.Context, id string) (*Removed, error) {
	out := &Removed{}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		keys, err := collectStrings(ctx, tx, `SELECT storage_key FROM cryptex_files WHERE cryptex_id = ?`, id)
		if err != nil {
			return err
		}
		uploads, err := collectStrings(ctx, tx, `SELECT upload_id FROM upload_sessions WHERE cryptex_id = ?`, id)
		if err != nil {
			return err
		}
		stmts := []string{
			`DELETE FROM upload_parts WHERE upload_id IN (SELECT upload_id FROM upload_sessions WHERE cryptex_id = ?)`,
			`DELETE FROM upload_sessions WHERE cryptex_id = ?`,
			`DELETE FROM cryptex_files WHERE cryptex_id = ?`,
			`DELETE FROM download_tokens WHERE cryptex_id = ?`,
		}
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM cryptex WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		out.Found = n > 0
		out.StorageKeys = keys
		out.UploadIDs = uploads
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "delete cryptex")
	}
	return out, nil
}

// ExpiredCryptexIDs returns up to limit ids whose expiry has passed.
func (s *SQLite) ExpiredCryptexIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.stringList(ctx, `SELECT id FROM cryptex WHERE expires_at <= ? LIMIT ?`, ms(now), limit)
}

func (s *SQLite) AllCryptexIDs(ctx context.Context) ([]string, error) {
	return s.stringList(ctx, `SELECT id FROM cryptex`)
}

func (s *SQLite) stringList(ctx context.Context, q string, args ...interface{}) ([]string, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, q, args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), "iterate")
}

// AttachFile adds a completed file to its cryptex and, when uploadID is
// set, drops the upload session in the same transaction.
func (s *SQLite) AttachFile(ctx context.Context, uploadID string, f *domain.FileRecord, finalize bool, maxFiles int, now time.Time) error {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var consumed, count int
		err := tx.QueryRowContext(ctx, `SELECT consumed, file_count FROM cryptex WHERE id = ? AND expires_at > ?`,
			f.CryptexID, ms(now)).Scan(&consumed, &count)
		if err == sql.ErrNoRows || consumed == 1 {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if maxFiles > 0 && count >= maxFiles {
			return domain.Validation("maximum %d files allowed", maxFiles)
		}
		if err := insertFile(ctx, tx, f); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
		UPDATE cryptex SET total_size = total_size + ?, file_count = file_count + 1,
			pending = CASE WHEN ? = 1 THEN 0 ELSE pending END
		WHERE id = ?`, f.Size, boolInt(finalize), f.CryptexID); err != nil {
			return err
		}
		if uploadID == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_parts WHERE upload_id = ?`, uploadID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE upload_id = ?`, uploadID)
		return err
	})
	return errors.Wrap(err, "attach file")
}

// MarkFileDownloaded flips the per-file download flag once.
func (s *SQLite) MarkFileDownloaded(ctx context.Context, id, filename string) (bool, error) {
	res, err := s.exec(ctx, `
	UPDATE cryptex_files SET downloaded = 1
	WHERE cryptex_id = ? AND filename = ? AND downloaded = 0`, id, filename)
	if err != nil {
		return false, errors.Wrap(err, "mark downloaded")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) PendingDownloads(ctx context.Context, id string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM cryptex_files WHERE cryptex_id = ? AND downloaded = 0`,
		[]interface{}{id}, &n)
	return n, errors.Wrap(err, "count pending downloads")
}

// ListCryptex returns every stored cryptex without files, newest first.
func (s *SQLite) ListCryptex(ctx context.Context) ([]*domain.Cryptex, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `SELECT `+cryptexColumns+` FROM cryptex ORDER BY created_at DESC`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list cryptex")
	}
	defer rows.Close()
	var out []*domain.Cryptex
	for rows.Next() {
		c, err := scanCryptex(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan cryptex")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate cryptex")
}
