package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/gridsync/kit"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newLogger(t *testing.T, opts ...Option) (*SQLiteLogger, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	l := NewSQLiteLogger(db, opts...)
	if err := l.Init(); err != nil {
		t.Fatal(err)
	}
	return l, db
}

func TestLog_FillsDefaults(t *testing.T) {
	l, db := newLogger(t)
	defer l.Close()

	e := &Entry{Action: "grid.clear", Parameters: `{"a":1}`}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.EntryID == "" || e.Timestamp == 0 || e.Status != "success" {
		t.Fatalf("defaults not filled: %+v", e)
	}
	var action string
	db.QueryRow(`SELECT action FROM audit_log WHERE entry_id = ?`, e.EntryID).Scan(&action)
	if action != "grid.clear" {
		t.Fatalf("stored action = %q", action)
	}

	failed := &Entry{Action: "grid.import", Error: "boom"}
	l.Log(context.Background(), failed)
	if failed.Status != "error" {
		t.Fatalf("status = %q, want error", failed.Status)
	}
}

func TestLogAsync_FlushedOnClose(t *testing.T) {
	l, db := newLogger(t)
	for range 50 {
		l.LogAsync(&Entry{Action: "batch"})
	}
	l.Close()

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = 'batch'`).Scan(&n)
	if n != 50 {
		t.Fatalf("flushed %d, want 50", n)
	}
	// Logging after Close must not panic.
	l.LogAsync(&Entry{Action: "late"})
	l.Close()
}

func TestRecord_TakesContextValues(t *testing.T) {
	l, _ := newLogger(t, WithIDGenerator(func() string { return "aud_fixed" }))

	ctx := kit.WithIdentity(context.Background(), "admin")
	ctx = kit.WithTransport(ctx, "http")
	ctx = kit.WithRemoteAddr(ctx, "10.0.0.1")
	ctx = kit.WithTraceID(ctx, "abc123")
	l.Record(ctx, "grid.restore", map[string]string{"snapshot_id": "s1"}, nil)
	l.Close()

	got, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("entries = %d", len(got))
	}
	e := got[0]
	if e.EntryID != "aud_fixed" || e.Identity != "admin" || e.Transport != "http" ||
		e.RemoteAddr != "10.0.0.1" || e.TraceID != "abc123" || e.Parameters != `{"snapshot_id":"s1"}` {
		t.Fatalf("entry = %+v", e)
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newLogger(t)
	errFail := errors.New("endpoint failed")

	ok := Middleware(l, "mcp.grid_status")(func(context.Context, any) (any, error) { return "result", nil })
	fail := Middleware(l, "mcp.grid_cell")(func(context.Context, any) (any, error) {
		time.Sleep(2 * time.Millisecond)
		return nil, errFail
	})

	ctx := kit.WithTransport(kit.WithIdentity(context.Background(), "admin"), "mcp_quic")
	if resp, err := ok(ctx, nil); err != nil || resp != "result" {
		t.Fatalf("ok endpoint: %v %v", resp, err)
	}
	if _, err := fail(ctx, map[string]int{"x": 1}); !errors.Is(err, errFail) {
		t.Fatalf("fail endpoint: %v", err)
	}
	l.Close()

	got, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	byAction := map[string]Entry{}
	for _, e := range got {
		byAction[e.Action] = e
	}
	if e := byAction["mcp.grid_status"]; e.Status != "success" || e.Transport != "mcp_quic" || e.Identity != "admin" {
		t.Fatalf("success entry = %+v", e)
	}
	if e := byAction["mcp.grid_cell"]; e.Status != "error" || e.Error != "endpoint failed" || e.Parameters != `{"x":1}` {
		t.Fatalf("error entry = %+v", e)
	}
}
