package cellstore

import (
	"context"
	"fmt"
)

// LogEntry is one immutable placement log row. Color is ErasedColor for an
// erase.
type LogEntry struct {
	Seq      int64  `json:"seq"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Color    int64  `json:"color"`
	Writer   string `json:"writer"`
	PlacedAt int64  `json:"placed_at"`
}

// Erased reports whether the entry records an erase.
func (e LogEntry) Erased() bool { return e.Color == ErasedColor }

// LogSize returns the number of rows currently in the placement log.
func (s *Store) LogSize(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM placements`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cellstore: log size: %w", err)
	}
	return n, nil
}

// Truncate deletes the oldest placement log rows when the log exceeds the
// configured ceiling, keeping the newest retain rows. The delete is a single
// statement, hence a single transaction. It returns the number of rows
// removed.
func (s *Store) Truncate(ctx context.Context) (int64, error) {
	size, err := s.LogSize(ctx)
	if err != nil {
		return 0, err
	}
	if size <= int64(s.cfg.logCeiling) {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM placements
		WHERE seq <= (SELECT seq FROM placements ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
		s.cfg.logRetain)
	if err != nil {
		return 0, fmt.Errorf("cellstore: truncate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cellstore: truncate: %w", err)
	}
	s.logger.Info("cellstore: placement log truncated", "removed", n, "size_before", size, "retain", s.cfg.logRetain)
	return n, nil
}

// RecentPlacements returns the newest log entries, newest first.
func (s *Store) RecentPlacements(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, x, y, color, writer, placed_at
		FROM placements ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cellstore: recent placements: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Seq, &e.X, &e.Y, &e.Color, &e.Writer, &e.PlacedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
