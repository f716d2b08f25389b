package cellstore

import (
	"context"
	"fmt"
	"time"
)

// Stats is an aggregate over the whole store. Placements survives log
// truncation because it is summed from writer counters.
type Stats struct {
	Occupied   int       `json:"occupied"`
	Writers    int       `json:"writers"`
	Placements int64     `json:"placements"`
	ComputedAt time.Time `json:"computed_at"`
}

// Stats returns the cached aggregate, recomputing it when older than the
// configured TTL or invalidated by a commit. Concurrent callers share one
// recomputation.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.statsMu.Lock()
	if s.statsValid && s.cfg.now().Sub(s.stats.ComputedAt) < s.cfg.statsTTL {
		st := s.stats
		s.statsMu.Unlock()
		return st, nil
	}
	gen := s.statsGen
	s.statsMu.Unlock()

	v, err, _ := s.statsGroup.Do("stats", func() (any, error) {
		return s.computeStats(ctx)
	})
	if err != nil {
		return Stats{}, err
	}
	st := v.(Stats)

	s.statsMu.Lock()
	// A commit that landed while computing makes this result stale.
	if s.statsGen == gen {
		s.stats = st
		s.statsValid = true
	}
	s.statsMu.Unlock()
	return st, nil
}

func (s *Store) computeStats(ctx context.Context) (Stats, error) {
	st := Stats{ComputedAt: s.cfg.now()}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM cells),
			(SELECT COUNT(*) FROM writer_stats),
			(SELECT COALESCE(SUM(placements), 0) FROM writer_stats)`).
		Scan(&st.Occupied, &st.Writers, &st.Placements)
	if err != nil {
		return Stats{}, fmt.Errorf("cellstore: stats: %w", err)
	}
	return st, nil
}

func (s *Store) invalidateStats() {
	s.statsMu.Lock()
	s.statsValid = false
	s.statsGen++
	s.statsMu.Unlock()
}

// WriterStats are the per-identity counters.
type WriterStats struct {
	Writer       string `json:"writer"`
	Placements   int64  `json:"placements"`
	Erasures     int64  `json:"erasures"`
	LastPlacedAt int64  `json:"last_placed_at"`
}

// Writer returns the counters of one identity, zero-valued when unknown.
func (s *Store) Writer(ctx context.Context, identity string) (WriterStats, error) {
	ws := WriterStats{Writer: identity}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(placements), 0), COALESCE(SUM(erasures), 0), COALESCE(MAX(last_placed_at), 0)
		FROM writer_stats WHERE writer = ?`, identity).
		Scan(&ws.Placements, &ws.Erasures, &ws.LastPlacedAt)
	if err != nil {
		return WriterStats{}, fmt.Errorf("cellstore: writer stats: %w", err)
	}
	return ws, nil
}
