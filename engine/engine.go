// Package engine is the single mutation path of an instance.
//
// One goroutine applies every mutation in arrival order: durable commit,
// then cache mirror, then fanout. The cache never needs extra locking against
// concurrent writers and the broadcast order matches the commit order. A
// mutation accepted into the queue always runs to completion and is
// broadcast, even when its caller has gone away.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/gridsync/cellstore"
	"github.com/hazyhaar/gridsync/gridcache"
	"github.com/hazyhaar/gridsync/kit"
	"github.com/hazyhaar/gridsync/protocol"
)

var (
	// ErrStopped is returned for mutations submitted after Run returned.
	ErrStopped = errors.New("engine: stopped")
	// ErrColorNotInPalette rejects colors outside the configured palette.
	ErrColorNotInPalette = errors.New("engine: color not in palette")
)

// Publisher is the fanout side. *fanout.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, typ string, payload any) error
}

// Observer receives mutation outcomes, typically metrics.
type Observer interface {
	Mutation(op string, d time.Duration, err error)
}

// Engine owns the store and cache of one instance.
type Engine struct {
	store    *cellstore.Store
	cache    *gridcache.Cache
	pub      Publisher
	logger   *slog.Logger
	observer Observer
	palette  []uint32
	toolMW   func(tool string) kit.Middleware

	cmds chan command

	mu       sync.Mutex
	stopping bool
	senders  sync.WaitGroup // enqueue calls in flight
	quit     chan struct{}  // closed once stopping is set
}

type command struct {
	op  string
	run func(ctx context.Context) (any, error)
	out chan result
}

type result struct {
	v   any
	err error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPalette restricts placements to the given colors. Empty allows any
// 24-bit color.
func WithPalette(p []uint32) Option { return func(e *Engine) { e.palette = slices.Clone(p) } }

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithObserver registers a mutation observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithToolMiddleware wraps every MCP admin tool, innermost after logging.
func WithToolMiddleware(fn func(tool string) kit.Middleware) Option {
	return func(e *Engine) { e.toolMW = fn }
}

// WithQueue sets the mutation queue depth. Default 1024.
func WithQueue(n int) Option { return func(e *Engine) { e.cmds = make(chan command, n) } }

// New wires an engine. cache must have been rebuilt from store.
func New(store *cellstore.Store, cache *gridcache.Cache, pub Publisher, opts ...Option) *Engine {
	e := &Engine{store: store, cache: cache, pub: pub, quit: make(chan struct{})}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.cmds == nil {
		e.cmds = make(chan command, 1024)
	}
	return e
}

// Run applies queued mutations until ctx is cancelled, then completes the
// mutations already queued and returns.
func (e *Engine) Run(ctx context.Context) {
	// Mutations outlive the cancellation that stops the loop.
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			// Stop admitting, release senders blocked on a full queue, wait
			// for every sender to settle, then drain what made it in.
			e.mu.Lock()
			e.stopping = true
			e.mu.Unlock()
			close(e.quit)
			e.senders.Wait()
			for {
				select {
				case c := <-e.cmds:
					e.exec(work, c)
				default:
					return
				}
			}
		case c := <-e.cmds:
			e.exec(work, c)
		}
	}
}

func (e *Engine) exec(ctx context.Context, c command) {
	start := time.Now()
	v, err := c.run(ctx)
	if e.observer != nil {
		e.observer.Mutation(c.op, time.Since(start), err)
	}
	if err != nil {
		e.logger.Warn("engine: mutation failed", "op", c.op, "error", err)
	}
	c.out <- result{v, err}
}

// submit queues fn and waits for its result. Once queued, fn runs even if
// ctx is cancelled; the caller just stops waiting.
func (e *Engine) submit(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	c := command{op: op, run: fn, out: make(chan result, 1)}
	if err := e.enqueue(ctx, c); err != nil {
		return nil, err
	}
	// A queued command always runs: Run drains the queue after it stops
	// admitting new ones.
	select {
	case r := <-c.out:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue refuses commands once Run has started stopping. A command it
// accepts is queued before Run's final drain begins.
func (e *Engine) enqueue(ctx context.Context, c command) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return ErrStopped
	}
	e.senders.Add(1)
	e.mu.Unlock()
	defer e.senders.Done()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrStopped
	case e.cmds <- c:
		return nil
	}
}

func (e *Engine) checkColor(color uint32) error {
	if len(e.palette) == 0 || slices.Contains(e.palette, color) {
		return nil
	}
	return fmt.Errorf("%w: %#06x", ErrColorNotInPalette, color)
}

// publish hands an event to fanout. Encoding failures are logged; fanout
// never fails a committed mutation.
func (e *Engine) publish(ctx context.Context, typ string, payload any) {
	if err := e.pub.Publish(ctx, typ, payload); err != nil {
		e.logger.Error("engine: publish failed", "type", typ, "error", err)
	}
}

func (e *Engine) publishStatusIfChanged(ctx context.Context, before int) {
	if st := e.cache.Status(); st.OccupiedCount != before {
		e.publish(ctx, protocol.TypeStatusChanged, st)
	}
}

// Place writes one cell.
func (e *Engine) Place(ctx context.Context, x, y int, color uint32, identity string) (cellstore.Cell, error) {
	if err := e.checkColor(color); err != nil {
		return cellstore.Cell{}, err
	}
	v, err := e.submit(ctx, "place", func(ctx context.Context) (any, error) {
		before := e.cache.Count()
		cell, err := e.store.Write(ctx, x, y, color, identity)
		if err != nil {
			return nil, err
		}
		e.cache.Upsert(cell)
		e.publish(ctx, protocol.TypeCellChanged, protocol.CellChangedFrom(cell))
		e.publishStatusIfChanged(ctx, before)
		return cell, nil
	})
	if err != nil {
		return cellstore.Cell{}, err
	}
	return v.(cellstore.Cell), nil
}

// PlaceBatch writes all placements atomically and broadcasts one
// batchChanged.
func (e *Engine) PlaceBatch(ctx context.Context, batch []cellstore.Placement, identity string) ([]cellstore.Cell, error) {
	for _, p := range batch {
		if err := e.checkColor(p.Color); err != nil {
			return nil, err
		}
	}
	v, err := e.submit(ctx, "place_batch", func(ctx context.Context) (any, error) {
		before := e.cache.Count()
		cells, err := e.store.WriteBatch(ctx, batch, identity)
		if err != nil {
			return nil, err
		}
		e.cache.UpsertAll(cells)
		e.publish(ctx, protocol.TypeBatchChanged, protocol.BatchChangedFrom(cells))
		e.publishStatusIfChanged(ctx, before)
		return cells, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]cellstore.Cell), nil
}

// Erase clears one cell. Erasing an empty cell reports false and broadcasts
// nothing.
func (e *Engine) Erase(ctx context.Context, x, y int, identity string) (bool, error) {
	v, err := e.submit(ctx, "erase", func(ctx context.Context) (any, error) {
		before := e.cache.Count()
		seq, err := e.store.Erase(ctx, x, y, identity)
		if err != nil || seq == 0 {
			return false, err
		}
		ev := protocol.CellChanged{X: x, Y: y, Color: cellstore.ErasedColor, Writer: identity, Seq: seq}
		e.cache.ApplyNewer([]gridcache.Change{ev.Change()})
		e.publish(ctx, protocol.TypeCellChanged, ev)
		e.publishStatusIfChanged(ctx, before)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Clear snapshots and empties the grid. It returns the snapshot id.
func (e *Engine) Clear(ctx context.Context, identity string) (string, error) {
	v, err := e.submit(ctx, "clear", func(ctx context.Context) (any, error) {
		before := e.cache.Count()
		rep, err := e.store.Clear(ctx, identity)
		if err != nil {
			return nil, err
		}
		e.cache.Replace(nil, rep.Floor)
		e.publish(ctx, protocol.TypeCleared, protocol.Cleared{SnapshotID: rep.SnapshotID, Seq: rep.Floor})
		e.publishStatusIfChanged(ctx, before)
		return rep.SnapshotID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Import replaces the grid with cells. It returns the snapshot id of the
// replaced state and the number of cells now on the grid.
func (e *Engine) Import(ctx context.Context, cells []cellstore.Cell, identity string) (string, int, error) {
	return e.replace(ctx, "import", identity, func(ctx context.Context) (cellstore.Replacement, error) {
		return e.store.Import(ctx, cells, identity)
	})
}

// Restore replaces the grid with a snapshot.
func (e *Engine) Restore(ctx context.Context, snapshotID, identity string) (string, int, error) {
	return e.replace(ctx, "restore", identity, func(ctx context.Context) (cellstore.Replacement, error) {
		return e.store.Restore(ctx, snapshotID, identity)
	})
}

type replaced struct {
	id string
	n  int
}

// replace broadcasts cleared followed by the new content, so clients apply
// it the same way as a clear and a batch.
func (e *Engine) replace(ctx context.Context, op, identity string, fn func(context.Context) (cellstore.Replacement, error)) (string, int, error) {
	v, err := e.submit(ctx, op, func(ctx context.Context) (any, error) {
		before := e.cache.Count()
		rep, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		e.cache.Replace(rep.Cells, rep.Floor)
		e.publish(ctx, protocol.TypeCleared, protocol.Cleared{SnapshotID: rep.SnapshotID, Seq: rep.Floor})
		if len(rep.Cells) > 0 {
			e.publish(ctx, protocol.TypeBatchChanged, protocol.BatchChangedFrom(rep.Cells))
		}
		e.publishStatusIfChanged(ctx, before)
		e.logger.Info("engine: grid replaced", "op", op, "identity", identity, "snapshot_id", rep.SnapshotID, "cells", len(rep.Cells))
		return replaced{rep.SnapshotID, len(rep.Cells)}, nil
	})
	if err != nil {
		return "", 0, err
	}
	r := v.(replaced)
	return r.id, r.n, nil
}

// Read paths below never touch the store on the hot path.

func (e *Engine) Cell(x, y int) (cellstore.Cell, bool) { return e.cache.Get(x, y) }

func (e *Engine) Grid() []cellstore.Cell { return e.cache.ExportAll() }

func (e *Engine) ExportBinary() []byte { return e.cache.EncodeBinary() }

func (e *Engine) Status() gridcache.Status { return e.cache.Status() }

func (e *Engine) Width() int { return e.cache.Width() }

func (e *Engine) Height() int { return e.cache.Height() }

func (e *Engine) Palette() []uint32 { return slices.Clone(e.palette) }

// InBounds reports whether (x, y) is on the grid.
func (e *Engine) InBounds(x, y int) bool { return e.store.InBounds(x, y) }

// Stats returns the cached store aggregate.
func (e *Engine) Stats(ctx context.Context) (cellstore.Stats, error) { return e.store.Stats(ctx) }

// Snapshots lists snapshot headers, newest first.
func (e *Engine) Snapshots(ctx context.Context, limit int) ([]cellstore.Snapshot, error) {
	return e.store.Snapshots(ctx, limit)
}

// RecentPlacements returns the newest placement log entries.
func (e *Engine) RecentPlacements(ctx context.Context, limit int) ([]cellstore.LogEntry, error) {
	return e.store.RecentPlacements(ctx, limit)
}

// Writer returns one identity's counters.
func (e *Engine) Writer(ctx context.Context, identity string) (cellstore.WriterStats, error) {
	return e.store.Writer(ctx, identity)
}
