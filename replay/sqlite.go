package replay

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Schema is the DDL of the shared nonce table.
const Schema = `
CREATE TABLE IF NOT EXISTS replay_nonces (
    key        TEXT PRIMARY KEY,
    expires_at INTEGER NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_replay_nonces_expires ON replay_nonces(expires_at);
`

// SQLiteBackend stores nonces in a database file shared by every instance
// on the host.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the shared nonce database at path with WAL and a busy
// timeout long enough for several instances contending on one file.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("replay: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replay: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("replay: %s: %w", p, err)
		}
	}
	b, err := NewSQLiteBackend(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLiteBackend applies Schema to db.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("replay: sqlite schema: %w", err)
	}
	return &SQLiteBackend{db: db, now: time.Now}, nil
}

// SetNX is one statement: insert, or take over a row whose expiry has
// passed. RowsAffected is 0 exactly when a live record already exists.
func (b *SQLiteBackend) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	for i := range busyRetries {
		ok, err = b.setNX(ctx, key, ttl)
		if err == nil || !isBusy(err) || i == busyRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(50*(i+1)) * time.Millisecond):
		}
	}
	return ok, err
}

const busyRetries = 3

// isBusy reports whether err is an SQLite lock contention error.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (b *SQLiteBackend) setNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := b.now().UnixMilli()
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO replay_nonces (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE replay_nonces.expires_at <= ?`,
		key, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("replay: sqlite setnx: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replay: sqlite setnx: %w", err)
	}
	return n == 1, nil
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the underlying database.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

// Purge deletes expired rows.
func (b *SQLiteBackend) Purge(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM replay_nonces WHERE expires_at <= ?`, b.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("replay: sqlite purge: %w", err)
	}
	return res.RowsAffected()
}
