// Package cellstore is the durable, transactional storage of the grid.
//
// Every mutation commits the cell row, its placement log entry and the
// writer's counters in a single SQLite transaction, so the log never
// disagrees with the grid after a crash. The placement log is truncated from
// its oldest end every few mutations; truncation never touches cells.
package cellstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// MaxDimension is the largest grid side the 16-bit binary encoding can hold.
const MaxDimension = 1 << 16

// MaxColor is the largest 24-bit RGB value.
const MaxColor = 0xFFFFFF

// ErasedColor is the placement log sentinel for an erase.
const ErasedColor = -1

var (
	// ErrOutOfBounds is returned for coordinates outside the grid.
	ErrOutOfBounds = errors.New("cellstore: coordinates out of bounds")
	// ErrInvalidColor is returned for colors outside 0..MaxColor.
	ErrInvalidColor = errors.New("cellstore: invalid color")
	// ErrEmptyBatch is returned when WriteBatch receives no placements.
	ErrEmptyBatch = errors.New("cellstore: empty batch")
	// ErrSnapshotNotFound is returned by Restore for an unknown snapshot.
	ErrSnapshotNotFound = errors.New("cellstore: snapshot not found")
)

// Cell is one occupied grid position. Seq is the placement log sequence of
// the write that produced it; sequences are allocated by the shared database,
// so they order commits across every instance using it.
type Cell struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     uint32 `json:"color"`
	Writer    string `json:"writer"`
	UpdatedAt int64  `json:"updated_at"` // unix milliseconds
	Seq       int64  `json:"seq,omitempty"`
}

// Placement is one requested write inside a batch.
type Placement struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color uint32 `json:"color"`
}

// Store is the cell database handle.
type Store struct {
	db     *sql.DB
	cfg    config
	logger *slog.Logger

	mutations atomic.Int64

	statsGroup singleflight.Group
	statsMu    sync.Mutex
	stats      Stats
	statsValid bool
	statsGen   uint64
}

func newStore(db *sql.DB, cfg config) *Store {
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, cfg: cfg, logger: logger}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Width returns the grid width enforced by the store.
func (s *Store) Width() int { return s.cfg.width }

// Height returns the grid height enforced by the store.
func (s *Store) Height() int { return s.cfg.height }

// InBounds reports whether (x, y) lies inside the grid.
func (s *Store) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < s.cfg.width && y < s.cfg.height
}

func (s *Store) check(x, y int, color uint32) error {
	if !s.InBounds(x, y) {
		return fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrOutOfBounds, x, y, s.cfg.width, s.cfg.height)
	}
	if color > MaxColor {
		return fmt.Errorf("%w: %#x", ErrInvalidColor, color)
	}
	return nil
}

// Write sets the color of (x, y), appends a placement log entry and bumps the
// writer's counters in one transaction.
func (s *Store) Write(ctx context.Context, x, y int, color uint32, identity string) (Cell, error) {
	if err := s.check(x, y, color); err != nil {
		return Cell{}, err
	}
	now := s.cfg.now().UnixMilli()
	cell := Cell{X: x, Y: y, Color: color, Writer: identity, UpdatedAt: now}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return writeCell(ctx, tx, &cell)
	})
	if err != nil {
		return Cell{}, fmt.Errorf("cellstore: write: %w", err)
	}
	s.committed(ctx, 1)
	return cell, nil
}

// Erase deletes (x, y) and returns the sequence of its log entry. It
// returns 0 without logging anything when the cell was already empty.
func (s *Store) Erase(ctx context.Context, x, y int, identity string) (int64, error) {
	if !s.InBounds(x, y) {
		return 0, fmt.Errorf("%w: (%d,%d) outside %dx%d", ErrOutOfBounds, x, y, s.cfg.width, s.cfg.height)
	}
	now := s.cfg.now().UnixMilli()

	var seq int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cells WHERE x = ? AND y = ?`, x, y)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO placements (x, y, color, writer, placed_at) VALUES (?,?,?,?,?)`,
			x, y, ErasedColor, identity, now)
		if err != nil {
			return err
		}
		if seq, err = res.LastInsertId(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO writer_stats (writer, erasures, last_placed_at) VALUES (?, 1, ?)
			ON CONFLICT(writer) DO UPDATE SET erasures = erasures + 1, last_placed_at = excluded.last_placed_at`,
			identity, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cellstore: erase: %w", err)
	}
	if seq != 0 {
		s.committed(ctx, 1)
	}
	return seq, nil
}

// WriteBatch commits all placements in a single transaction: either every
// placement lands or none does. It returns the committed cells.
func (s *Store) WriteBatch(ctx context.Context, batch []Placement, identity string) ([]Cell, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	for _, p := range batch {
		if err := s.check(p.X, p.Y, p.Color); err != nil {
			return nil, err
		}
	}
	now := s.cfg.now().UnixMilli()
	cells := make([]Cell, len(batch))
	for i, p := range batch {
		cells[i] = Cell{X: p.X, Y: p.Y, Color: p.Color, Writer: identity, UpdatedAt: now}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i := range cells {
			if err := writeCell(ctx, tx, &cells[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cellstore: write batch: %w", err)
	}
	s.committed(ctx, int64(len(cells)))
	return cells, nil
}

const selectCells = `SELECT x, y, color, writer, updated_at, seq FROM cells ORDER BY y, x`

// ReadAll returns every occupied cell in row-major order.
func (s *Store) ReadAll(ctx context.Context) ([]Cell, error) {
	rows, err := s.db.QueryContext(ctx, selectCells)
	if err != nil {
		return nil, fmt.Errorf("cellstore: read all: %w", err)
	}
	defer rows.Close()
	return scanCells(rows)
}

// ReadAllAt returns every occupied cell together with the highest placement
// sequence allocated so far, both read from the same database snapshot.
// Every change with a sequence at or below that floor is reflected in the
// returned cells.
func (s *Store) ReadAllAt(ctx context.Context) ([]Cell, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("cellstore: read all: %w", err)
	}
	defer tx.Rollback()

	floor, err := lastSeq(ctx, tx)
	if err != nil {
		return nil, 0, fmt.Errorf("cellstore: read all: %w", err)
	}
	rows, err := tx.QueryContext(ctx, selectCells)
	if err != nil {
		return nil, 0, fmt.Errorf("cellstore: read all: %w", err)
	}
	defer rows.Close()
	cells, err := scanCells(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("cellstore: read all: %w", err)
	}
	return cells, floor, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lastSeq returns the highest sequence ever allocated to the placement log.
// sqlite_sequence keeps it even after truncation removed the rows.
func lastSeq(ctx context.Context, q querier) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'placements'), 0)`).Scan(&seq)
	return seq, err
}

// Count returns the number of occupied cells.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cellstore: count: %w", err)
	}
	return n, nil
}

// writeCell logs the placement, then upserts the cell stamped with the log
// sequence, which it also stores in c.Seq.
func writeCell(ctx context.Context, tx *sql.Tx, c *Cell) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO placements (x, y, color, writer, placed_at) VALUES (?,?,?,?,?)`,
		c.X, c.Y, c.Color, c.Writer, c.UpdatedAt)
	if err != nil {
		return err
	}
	if c.Seq, err = res.LastInsertId(); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cells (x, y, color, writer, updated_at, seq) VALUES (?,?,?,?,?,?)
		ON CONFLICT(x, y) DO UPDATE SET
			color = excluded.color, writer = excluded.writer,
			updated_at = excluded.updated_at, seq = excluded.seq`,
		c.X, c.Y, c.Color, c.Writer, c.UpdatedAt, c.Seq); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO writer_stats (writer, placements, last_placed_at) VALUES (?, 1, ?)
		ON CONFLICT(writer) DO UPDATE SET placements = placements + 1, last_placed_at = excluded.last_placed_at`,
		c.Writer, c.UpdatedAt)
	return err
}

func scanCells(rows *sql.Rows) ([]Cell, error) {
	var cells []Cell
	for rows.Next() {
		var c Cell
		var color int64
		if err := rows.Scan(&c.X, &c.Y, &color, &c.Writer, &c.UpdatedAt, &c.Seq); err != nil {
			return nil, err
		}
		c.Color = uint32(color)
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// inTx runs fn inside a transaction, rolling back on error. Every fn starts
// with a write so the transaction takes the write lock up front.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// committed runs after every successful mutation that appended n log rows:
// it invalidates the stats cache and trims the placement log each time the
// running row count crosses a multiple of truncateEvery.
func (s *Store) committed(ctx context.Context, n int64) {
	s.invalidateStats()
	total := s.mutations.Add(n)
	every := int64(s.cfg.truncateEvery)
	if total/every == (total-n)/every {
		return
	}
	if _, err := s.Truncate(ctx); err != nil {
		s.logger.Warn("cellstore: amortized truncation failed", "error", err)
	}
}
