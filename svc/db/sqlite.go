package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"

	"cryptex/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
	busyRetries     = 3
)

const (
	defaultMaxOpenConns = 32
	defaultMaxIdleConns = 8
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

// dsn adds per-connection pragmas; PRAGMA statements issued through the
// pool only reach a single connection.
func dsn(path string) string {
	params := []string{"_busy_timeout=5000", "_txlock=immediate", "_foreign_keys=off"}
	if !strings.Contains(path, "mode=memory") && path != ":memory:" {
		params = append(params, "_journal_mode=WAL", "_synchronous=FULL")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		path = "file:" + path
	}
	return path + sep + strings.Join(params, "&")
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConstraint(err) {
		return
	}
	if _, ok := domain.AsErr(err); ok {
		// domain errors raised inside transactions are not store faults
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

func backoff(attempt int) time.Duration {
	var b [2]byte
	rand.Read(b[:])
	jitter := time.Duration(binary.BigEndian.Uint16(b[:])%20) * time.Millisecond
	return time.Duration(attempt+1)*25*time.Millisecond + jitter
}

// exec runs a single statement under the query timeout, retrying on
// SQLITE_BUSY.
func (s *SQLite) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	var (
		res sql.Result
		err error
	)
	for attempt := 0; attempt < busyRetries; attempt++ {
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		res, err = s.db.ExecContext(queryCtx, q, args...)
		cancel()
		if !isBusy(err) {
			break
		}
		time.Sleep(backoff(attempt))
	}
	s.recordError(err)
	return res, err
}

func (s *SQLite) queryRow(ctx context.Context, q string, args []interface{}, dest ...interface{}) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := s.db.QueryRowContext(queryCtx, q, args...).Scan(dest...)
	s.recordError(err)
	return err
}

// tx runs fn in an IMMEDIATE transaction. Errors returned by fn roll the
// transaction back and are passed through unchanged.
func (s *SQLite) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if !isBusy(err) {
			break
		}
		time.Sleep(backoff(attempt))
	}
	s.recordError(err)
	return err
}

func (s *SQLite) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS cryptex (
	id TEXT PRIMARY KEY,
	text_ct BLOB,
	text_tag BLOB,
	key_salt BLOB,
	wrapped_key BLOB,
	verifier BLOB,
	verifier_salt BLOB,
	box_public BLOB NOT NULL,
	box_private BLOB NOT NULL,
	autodestroy INTEGER NOT NULL DEFAULT 0,
	consumed INTEGER NOT NULL DEFAULT 0,
	pending INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	views INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	file_count INTEGER NOT NULL DEFAULT 0,
	invite_token TEXT
);
CREATE INDEX IF NOT EXISTS idx_cryptex_expires ON cryptex(expires_at);

CREATE TABLE IF NOT EXISTS cryptex_files (
	cryptex_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	size INTEGER NOT NULL,
	storage_key TEXT NOT NULL,
	sealed_key BLOB NOT NULL,
	downloaded INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (cryptex_id, filename)
);

CREATE TABLE IF NOT EXISTS upload_sessions (
	upload_id TEXT PRIMARY KEY,
	cryptex_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	declared_size INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_active INTEGER NOT NULL,
	finalized INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_upload_cryptex ON upload_sessions(cryptex_id);
CREATE INDEX IF NOT EXISTS idx_upload_active ON upload_sessions(last_active);

CREATE TABLE IF NOT EXISTS upload_parts (
	upload_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	size INTEGER NOT NULL,
	PRIMARY KEY (upload_id, idx)
);

CREATE TABLE IF NOT EXISTS download_tokens (
	token_hash TEXT PRIMARY KEY,
	cryptex_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	wrapped_key BLOB NOT NULL,
	expires_at INTEGER NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0,
	uses INTEGER NOT NULL DEFAULT 0,
	single_use INTEGER NOT NULL DEFAULT 1,
	autodestroy INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tokens_expires ON download_tokens(expires_at);
CREATE INDEX IF NOT EXISTS idx_tokens_cryptex ON download_tokens(cryptex_id);

CREATE TABLE IF NOT EXISTS invite_links (
	token TEXT PRIMARY KEY,
	label TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	max_uses INTEGER NOT NULL DEFAULT 1,
	uses INTEGER NOT NULL DEFAULT 0,
	password_ct BLOB,
	cryptex_id TEXT,
	cryptex_has_password INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	last_used INTEGER
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) Ping(ctx context.Context) error {
	if atomic.LoadInt32(&s.circuitState) == circuitOpen {
		return ErrCircuitOpen
	}
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
