package cellstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// Grid bounds used when no WithGrid option is given.
const (
	DefaultWidth  = 1000
	DefaultHeight = 1000
)

type config struct {
	driver        string
	busyTimeout   int
	synchronous   string
	mkdirAll      bool
	width         int
	height        int
	logCeiling    int
	logRetain     int
	truncateEvery int
	statsTTL      time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

func defaults() config {
	return config{
		driver:        "sqlite",
		busyTimeout:   10_000,
		synchronous:   "NORMAL",
		width:         DefaultWidth,
		height:        DefaultHeight,
		logCeiling:    1_000_000,
		logRetain:     900_000,
		truncateEvery: 1000,
		statsTTL:      5 * time.Second,
		now:           time.Now,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithGrid sets the grid bounds enforced on every write.
func WithGrid(width, height int) Option {
	return func(c *config) { c.width, c.height = width, height }
}

// WithLogRetention configures placement log truncation: once the log holds
// more than ceiling rows, all but the newest retain rows are deleted. The
// check runs every `every` committed mutations.
func WithLogRetention(ceiling, retain, every int) Option {
	return func(c *config) {
		c.logCeiling, c.logRetain, c.truncateEvery = ceiling, retain, every
	}
}

// WithStatsTTL bounds the staleness of the cached aggregate returned by Stats.
func WithStatsTTL(d time.Duration) Option { return func(c *config) { c.statsTTL = d } }

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithClock injects the time source used for timestamps (tests).
func WithClock(fn func() time.Time) Option { return func(c *config) { c.now = fn } }

func (c *config) validate() error {
	if c.width <= 0 || c.height <= 0 || c.width > MaxDimension || c.height > MaxDimension {
		return fmt.Errorf("cellstore: grid %dx%d out of range (max %d)", c.width, c.height, MaxDimension)
	}
	if c.logCeiling <= 0 || c.logRetain <= 0 || c.logRetain > c.logCeiling {
		return fmt.Errorf("cellstore: log retain %d must be in (0, ceiling=%d]", c.logRetain, c.logCeiling)
	}
	if c.truncateEvery <= 0 {
		return fmt.Errorf("cellstore: truncate interval must be positive, got %d", c.truncateEvery)
	}
	return nil
}

// Open opens (or creates) the cell database at path, applies the WAL
// pragmas and the schema, and returns a ready Store.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("cellstore: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("cellstore: open: %w", err)
	}
	// A single connection keeps per-connection pragmas applied and makes
	// ":memory:" behave as one database. Mutations are serialized upstream.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db, &cfg); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cellstore: exec schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cellstore: ping: %w", err)
	}

	return newStore(db, cfg), nil
}

// OpenMemory opens an in-memory store for testing and closes it when the
// test ends.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("cellstore.OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func applyPragmas(db *sql.DB, cfg *config) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("cellstore: %s: %w", p, err)
		}
	}
	return nil
}
