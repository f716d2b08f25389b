package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/gridsync/gridcache"
	"github.com/hazyhaar/gridsync/protocol"
)

// ApplyRemote mirrors a change committed by another instance into the
// cache. Instances share the cell store, so only the cache is touched and
// nothing is republished. Relayed changes may arrive after a newer local or
// relayed commit to the same cell; they carry their placement sequence and
// the cache drops any that is not newer than what it holds. It runs on the
// mutation goroutine to keep the cache single-writer. Unknown types are
// ignored.
func (e *Engine) ApplyRemote(ctx context.Context, typ string, payload json.RawMessage) error {
	var apply func()
	switch typ {
	case protocol.TypeCellChanged:
		var c protocol.CellChanged
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("engine: remote %s: %w", typ, err)
		}
		if !e.InBounds(c.X, c.Y) {
			return fmt.Errorf("engine: remote %s: (%d,%d) outside grid", typ, c.X, c.Y)
		}
		apply = func() { e.cache.ApplyNewer([]gridcache.Change{c.Change()}) }
	case protocol.TypeBatchChanged:
		var b protocol.BatchChanged
		if err := json.Unmarshal(payload, &b); err != nil {
			return fmt.Errorf("engine: remote %s: %w", typ, err)
		}
		for _, c := range b.Cells {
			if !e.InBounds(c.X, c.Y) {
				return fmt.Errorf("engine: remote %s: (%d,%d) outside grid", typ, c.X, c.Y)
			}
		}
		changes := make([]gridcache.Change, len(b.Cells))
		for i, c := range b.Cells {
			changes[i] = c.Change()
		}
		apply = func() { e.cache.ApplyNewer(changes) }
	case protocol.TypeCleared:
		var c protocol.Cleared
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("engine: remote %s: %w", typ, err)
		}
		apply = func() { e.cache.ApplyClear(c.Seq) }
	default:
		return nil
	}
	_, err := e.submit(ctx, "remote", func(context.Context) (any, error) {
		apply()
		return nil, nil
	})
	return err
}
