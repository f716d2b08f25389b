package cellstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/gridsync/idgen"
)

// Snapshot reasons recorded in the snapshots table.
const (
	ReasonClear   = "clear"
	ReasonImport  = "import"
	ReasonRestore = "restore"
)

// Snapshot is the header of a point-in-time grid copy.
type Snapshot struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"created_by"`
	CellCount int    `json:"cell_count"`
	CreatedAt int64  `json:"created_at"`
}

// Replacement describes a committed clear, import or restore.
type Replacement struct {
	SnapshotID string
	// Floor is the last placement sequence allocated before the grid was
	// emptied: changes at or below it are gone, later ones are not.
	Floor int64
	// Cells is the new content, each stamped with its log sequence.
	Cells []Cell
}

// Clear snapshots the grid and deletes every cell in one transaction. The
// placement log is left untouched.
func (s *Store) Clear(ctx context.Context, identity string) (Replacement, error) {
	rep := Replacement{SnapshotID: idgen.New()}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.snapshotTx(ctx, tx, rep.SnapshotID, ReasonClear, identity); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cells`); err != nil {
			return err
		}
		var err error
		rep.Floor, err = lastSeq(ctx, tx)
		return err
	})
	if err != nil {
		return Replacement{}, fmt.Errorf("cellstore: clear: %w", err)
	}
	s.committed(ctx, 0)
	return rep, nil
}

// Import replaces the whole grid with cells after snapshotting the current
// state. Each imported cell is appended to the placement log under its own
// writer, or identity when the cell carries none. Writer counters are not
// touched: imports are not user placements.
func (s *Store) Import(ctx context.Context, cells []Cell, identity string) (Replacement, error) {
	return s.replace(ctx, cells, identity, ReasonImport)
}

// Restore replaces the grid with the content of a previous snapshot. The
// current state is snapshotted first, so a restore is itself reversible.
func (s *Store) Restore(ctx context.Context, snapshotID, identity string) (Replacement, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE id = ?`, snapshotID).Scan(&exists)
	if err != nil {
		return Replacement{}, fmt.Errorf("cellstore: restore: %w", err)
	}
	if exists == 0 {
		return Replacement{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	cells, err := s.SnapshotCells(ctx, snapshotID)
	if err != nil {
		return Replacement{}, err
	}
	return s.replace(ctx, cells, identity, ReasonRestore)
}

func (s *Store) replace(ctx context.Context, cells []Cell, identity, reason string) (Replacement, error) {
	seen := make(map[[2]int]int, len(cells))
	out := make([]Cell, 0, len(cells))
	now := s.cfg.now().UnixMilli()
	for _, c := range cells {
		if err := s.check(c.X, c.Y, c.Color); err != nil {
			return Replacement{}, fmt.Errorf("cellstore: %s: %w", reason, err)
		}
		if c.Writer == "" {
			c.Writer = identity
		}
		if c.UpdatedAt == 0 {
			c.UpdatedAt = now
		}
		key := [2]int{c.X, c.Y}
		if i, dup := seen[key]; dup {
			out[i] = c
			continue
		}
		seen[key] = len(out)
		out = append(out, c)
	}

	rep := Replacement{SnapshotID: idgen.New()}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.snapshotTx(ctx, tx, rep.SnapshotID, reason, identity); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cells`); err != nil {
			return err
		}
		var err error
		if rep.Floor, err = lastSeq(ctx, tx); err != nil {
			return err
		}
		insCell, err := tx.PrepareContext(ctx, `
			INSERT INTO cells (x, y, color, writer, updated_at, seq) VALUES (?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer insCell.Close()
		insLog, err := tx.PrepareContext(ctx, `
			INSERT INTO placements (x, y, color, writer, placed_at) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer insLog.Close()

		for i := range out {
			c := &out[i]
			res, err := insLog.ExecContext(ctx, c.X, c.Y, c.Color, c.Writer, now)
			if err != nil {
				return err
			}
			if c.Seq, err = res.LastInsertId(); err != nil {
				return err
			}
			if _, err := insCell.ExecContext(ctx, c.X, c.Y, c.Color, c.Writer, c.UpdatedAt, c.Seq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Replacement{}, fmt.Errorf("cellstore: %s: %w", reason, err)
	}
	s.committed(ctx, int64(len(out)))
	rep.Cells = out
	return rep, nil
}

// snapshotTx copies the current cells into a new snapshot inside tx.
func (s *Store) snapshotTx(ctx context.Context, tx *sql.Tx, id, reason, identity string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, reason, created_by, created_at) VALUES (?,?,?,?)`,
		id, reason, identity, s.cfg.now().UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_cells (snapshot_id, x, y, color, writer, updated_at)
		SELECT ?, x, y, color, writer, updated_at FROM cells`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE snapshots SET cell_count = (SELECT COUNT(*) FROM snapshot_cells WHERE snapshot_id = ?)
		WHERE id = ?`, id, id)
	return err
}

// Snapshots lists snapshot headers, newest first.
func (s *Store) Snapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reason, created_by, cell_count, created_at
		FROM snapshots ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("cellstore: snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.ID, &sn.Reason, &sn.CreatedBy, &sn.CellCount, &sn.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// SnapshotCells returns the cells captured by a snapshot in row-major order.
func (s *Store) SnapshotCells(ctx context.Context, id string) ([]Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT x, y, color, writer, updated_at, 0 FROM snapshot_cells
		WHERE snapshot_id = ? ORDER BY y, x`, id)
	if err != nil {
		return nil, fmt.Errorf("cellstore: snapshot cells: %w", err)
	}
	defer rows.Close()
	return scanCells(rows)
}
