// Package audit records administrative actions (grid clear, import, restore,
// admin logins, MCP tool calls) in an append-only SQLite table.
//
// Writes are buffered and flushed in batches by one goroutine; Close flushes
// what is pending.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/gridsync/idgen"
	"github.com/hazyhaar/gridsync/kit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	entry_id      TEXT PRIMARY KEY,
	timestamp     INTEGER NOT NULL,
	action        TEXT NOT NULL,
	identity      TEXT NOT NULL DEFAULT '',
	transport     TEXT NOT NULL DEFAULT '',
	remote_addr   TEXT NOT NULL DEFAULT '',
	trace_id      TEXT NOT NULL DEFAULT '',
	parameters    TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	duration_ms   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(timestamp);
`

// Entry is one audited action.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Action     string `json:"action"`
	Identity   string `json:"identity,omitempty"`
	Transport  string `json:"transport,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	Status     string `json:"status"` // success | error
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

const (
	batchSize     = 32
	flushInterval = 200 * time.Millisecond
)

// SQLiteLogger writes entries to audit_log.
type SQLiteLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	now    func() time.Time

	ch     chan *Entry
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

func WithIDGenerator(gen idgen.Generator) Option { return func(l *SQLiteLogger) { l.newID = gen } }

func WithLogger(lg *slog.Logger) Option { return func(l *SQLiteLogger) { l.logger = lg } }

// WithBuffer sets the async queue depth. Default 1024.
func WithBuffer(n int) Option { return func(l *SQLiteLogger) { l.ch = make(chan *Entry, n) } }

// NewSQLiteLogger starts the flush goroutine. Call Init before logging.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{
		db:    db,
		newID: idgen.Prefixed("aud_", idgen.UUIDv7()),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.ch == nil {
		l.ch = make(chan *Entry, 1024)
	}
	go l.loop()
	return l
}

// Init creates the table.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

func (l *SQLiteLogger) fill(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.newID()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.now().UnixMilli()
	}
	if e.Status == "" {
		e.Status = "success"
		if e.Error != "" {
			e.Status = "error"
		}
	}
}

// Log writes e synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	l.fill(e)
	if _, err := l.db.ExecContext(ctx, insertSQL, args(e)...); err != nil {
		return fmt.Errorf("audit: log: %w", err)
	}
	return nil
}

// LogAsync queues e. A full queue drops the entry with a warning; after
// Close entries are dropped silently.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fill(e)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit: queue full, entry dropped", "action", e.Action, "entry_id", e.EntryID)
	}
}

// Record queues an entry for action, taking identity, transport, remote
// address and trace id from ctx.
func (l *SQLiteLogger) Record(ctx context.Context, action string, params any, err error) {
	l.LogAsync(FromContext(ctx, action, params, err))
}

// FromContext builds an entry from the kit values carried by ctx.
func FromContext(ctx context.Context, action string, params any, err error) *Entry {
	e := &Entry{
		Action:     action,
		Identity:   kit.GetIdentity(ctx),
		Transport:  kit.GetTransport(ctx),
		RemoteAddr: kit.GetRemoteAddr(ctx),
		TraceID:    kit.GetTraceID(ctx),
	}
	if params != nil {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Recent returns the newest entries, newest first.
func (l *SQLiteLogger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, timestamp, action, identity, transport, remote_addr, trace_id,
		       parameters, status, error_message, duration_ms
		FROM audit_log ORDER BY timestamp DESC, entry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Action, &e.Identity, &e.Transport, &e.RemoteAddr,
			&e.TraceID, &e.Parameters, &e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: recent: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close flushes queued entries and stops the flush goroutine.
func (l *SQLiteLogger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *SQLiteLogger) loop() {
	defer close(l.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchSize)
	for {
		select {
		case e, ok := <-l.ch:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *SQLiteLogger) flush(batch []*Entry) {
	if len(batch) == 0 {
		return
	}
	tx, err := l.db.Begin()
	if err != nil {
		l.logger.Error("audit: flush begin", "error", err, "entries", len(batch))
		return
	}
	for _, e := range batch {
		if _, err := tx.Exec(insertSQL, args(e)...); err != nil {
			tx.Rollback()
			l.logger.Error("audit: flush insert", "error", err, "entries", len(batch))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		l.logger.Error("audit: flush commit", "error", err, "entries", len(batch))
	}
}

const insertSQL = `
	INSERT INTO audit_log (entry_id, timestamp, action, identity, transport, remote_addr, trace_id,
	                       parameters, status, error_message, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func args(e *Entry) []any {
	return []any{e.EntryID, e.Timestamp, e.Action, e.Identity, e.Transport, e.RemoteAddr, e.TraceID,
		e.Parameters, e.Status, e.Error, e.DurationMs}
}
