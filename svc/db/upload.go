package db

import (
	"context"
	"database/sql"
	"time"

	"cryptex/pkg/domain"

	"github.com/pkg/errors"
)

// CreateUpload opens an upload session after checking that the cryptex
// still accepts files and the name and count limits hold.
func (s *SQLite) CreateUpload(ctx context.Context, u *domain.UploadSession, maxFiles int, now time.Time) error {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var consumed, pending, fileCount int
		err := tx.QueryRowContext(ctx, `SELECT consumed, pending, file_count FROM cryptex WHERE id = ? AND expires_at > ?`,
			u.CryptexID, ms(now)).Scan(&consumed, &pending, &fileCount)
		if err == sql.ErrNoRows || consumed == 1 {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if pending == 0 {
			return domain.Conflict("cryptex no longer accepts files")
		}
		var dup int
		err = tx.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM cryptex_files WHERE cryptex_id = ?1 AND filename = ?2)
		     + (SELECT COUNT(*) FROM upload_sessions WHERE cryptex_id = ?1 AND filename = ?2)`,
			u.CryptexID, u.Filename).Scan(&dup)
		if err != nil {
			return err
		}
		if dup > 0 {
			return domain.Conflict("file %q already exists", u.Filename)
		}
		var inflight int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_sessions WHERE cryptex_id = ?`,
			u.CryptexID).Scan(&inflight); err != nil {
			return err
		}
		if maxFiles > 0 && fileCount+inflight >= maxFiles {
			return domain.Validation("maximum %d files allowed", maxFiles)
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO upload_sessions (upload_id, cryptex_id, filename, declared_size, created_at, last_active, finalized)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
			u.ID, u.CryptexID, u.Filename, u.DeclaredSize, ms(u.CreatedAt), ms(u.LastActive))
		return err
	})
	return errors.Wrap(err, "create upload")
}

// GetUpload returns the session with its received parts.
func (s *SQLite) GetUpload(ctx context.Context, id string) (*domain.UploadSession, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var (
		u               domain.UploadSession
		created, active int64
		finalized       int
	)
	err := s.db.QueryRowContext(queryCtx, `
	SELECT upload_id, cryptex_id, filename, declared_size, created_at, last_active, finalized
	FROM upload_sessions WHERE upload_id = ?`, id).Scan(
		&u.ID, &u.CryptexID, &u.Filename, &u.DeclaredSize, &created, &active, &finalized)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound.With("upload session not found")
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get upload")
	}
	u.CreatedAt = fromMS(created)
	u.LastActive = fromMS(active)
	u.Finalized = finalized == 1
	u.Parts = make(map[int]int64)

	rows, err := s.db.QueryContext(queryCtx, `SELECT idx, size FROM upload_parts WHERE upload_id = ?`, id)
	if err != nil {
		s.recordError(err)
		return nil, errors.Wrap(err, "list parts")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			idx  int
			size int64
		)
		if err := rows.Scan(&idx, &size); err != nil {
			return nil, errors.Wrap(err, "scan part")
		}
		u.Parts[idx] = size
	}
	return &u, errors.Wrap(rows.Err(), "iterate parts")
}

// PutPart records a staged part; re-sent indices replace the old size.
func (s *SQLite) PutPart(ctx context.Context, uploadID string, idx int, size int64, now time.Time) error {
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var finalized int
		err := tx.QueryRowContext(ctx, `SELECT finalized FROM upload_sessions WHERE upload_id = ?`, uploadID).Scan(&finalized)
		if err == sql.ErrNoRows {
			return domain.ErrNotFound.With("upload session not found")
		}
		if err != nil {
			return err
		}
		if finalized == 1 {
			return domain.Conflict("upload already finalized")
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO upload_parts (upload_id, idx, size) VALUES (?, ?, ?)
		ON CONFLICT (upload_id, idx) DO UPDATE SET size = excluded.size`, uploadID, idx, size); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE upload_sessions SET last_active = ? WHERE upload_id = ?`, ms(now), uploadID)
		return err
	})
	return errors.Wrap(err, "put part")
}

// SetFinalized flips the finalized flag to v and reports whether this
// call changed it.
func (s *SQLite) SetFinalized(ctx context.Context, uploadID string, v bool, now time.Time) (bool, error) {
	res, err := s.exec(ctx, `
	UPDATE upload_sessions SET finalized = ?, last_active = ?
	WHERE upload_id = ? AND finalized = ?`, boolInt(v), ms(now), uploadID, boolInt(!v))
	if err != nil {
		return false, errors.Wrap(err, "set finalized")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) DeleteUpload(ctx context.Context, uploadID string) (bool, error) {
	var found bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM upload_parts WHERE upload_id = ?`, uploadID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE upload_id = ?`, uploadID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		found = n > 0
		return nil
	})
	return found, errors.Wrap(err, "delete upload")
}

// StaleUploads lists sessions idle since before cutoff.
func (s *SQLite) StaleUploads(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return s.stringList(ctx, `SELECT upload_id FROM upload_sessions WHERE last_active < ? LIMIT ?`, ms(cutoff), limit)
}

func (s *SQLite) AllUploadIDs(ctx context.Context) ([]string, error) {
	return s.stringList(ctx, `SELECT upload_id FROM upload_sessions`)
}

func (s *SQLite) CountUploads(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM upload_sessions`, nil, &n)
	return n, errors.Wrap(err, "count uploads")
}
