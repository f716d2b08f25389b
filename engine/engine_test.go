package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/gridsync/cellstore"
	"github.com/hazyhaar/gridsync/gridcache"
	"github.com/hazyhaar/gridsync/kit"
	"github.com/hazyhaar/gridsync/protocol"
)

type event struct {
	typ     string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Publish(_ context.Context, typ string, payload any) error {
	r.mu.Lock()
	r.events = append(r.events, event{typ, payload})
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.typ
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func sameTypes(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

type fixture struct {
	store *cellstore.Store
	cache *gridcache.Cache
	rec   *recorder
	eng   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := cellstore.OpenMemory(t, cellstore.WithGrid(16, 16))
	cache, err := gridcache.RebuildFromStore(context.Background(), store, 16, 16)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	eng := New(store, cache, rec, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{store: store, cache: cache, rec: rec, eng: eng}
}

func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	n, err := f.store.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.cache.Count() != n {
		t.Fatalf("cache count %d != store count %d", f.cache.Count(), n)
	}
}

func TestPlace_VisibleImmediatelyAndBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cell, err := f.eng.Place(ctx, 2, 3, 0x112233, "alice")
	if err != nil {
		t.Fatal(err)
	}
	got, ok := f.eng.Cell(2, 3)
	if !ok || got != cell {
		t.Fatalf("Cell(2,3) = %+v, %v; want %+v", got, ok, cell)
	}
	if !sameTypes(f.rec.types(), protocol.TypeCellChanged, protocol.TypeStatusChanged) {
		t.Fatalf("events = %v", f.rec.types())
	}

	// Overwriting an occupied cell does not change occupancy.
	f.rec.reset()
	if _, err := f.eng.Place(ctx, 2, 3, 0x445566, "bob"); err != nil {
		t.Fatal(err)
	}
	if !sameTypes(f.rec.types(), protocol.TypeCellChanged) {
		t.Fatalf("events = %v", f.rec.types())
	}
	f.assertConsistent(t)
}

func TestPlace_Rejections(t *testing.T) {
	f := newFixture(t, WithPalette([]uint32{0xFF0000, 0x00FF00}))
	ctx := context.Background()

	if _, err := f.eng.Place(ctx, 0, 0, 0x0000FF, "a"); !errors.Is(err, ErrColorNotInPalette) {
		t.Fatalf("got %v, want ErrColorNotInPalette", err)
	}
	if _, err := f.eng.Place(ctx, 16, 0, 0xFF0000, "a"); !errors.Is(err, cellstore.ErrOutOfBounds) {
		t.Fatalf("got %v, want ErrOutOfBounds", err)
	}
	if len(f.rec.types()) != 0 {
		t.Fatalf("rejected mutations broadcast %v", f.rec.types())
	}
	if _, err := f.eng.Place(ctx, 0, 0, 0x00FF00, "a"); err != nil {
		t.Fatal(err)
	}
}

func TestPlaceBatch_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.PlaceBatch(ctx, []cellstore.Placement{{X: 1, Y: 1, Color: 1}, {X: -1, Y: 0, Color: 1}}, "a")
	if !errors.Is(err, cellstore.ErrOutOfBounds) {
		t.Fatalf("got %v", err)
	}
	if f.cache.Count() != 0 || len(f.rec.types()) != 0 {
		t.Fatal("failed batch leaked into cache or broadcast")
	}

	cells, err := f.eng.PlaceBatch(ctx, []cellstore.Placement{{X: 1, Y: 1, Color: 1}, {X: 2, Y: 1, Color: 2}}, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 2 || f.cache.Count() != 2 {
		t.Fatalf("cells = %d, cache = %d", len(cells), f.cache.Count())
	}
	if !sameTypes(f.rec.types(), protocol.TypeBatchChanged, protocol.TypeStatusChanged) {
		t.Fatalf("events = %v", f.rec.types())
	}
	f.assertConsistent(t)
}

func TestErase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	existed, err := f.eng.Erase(ctx, 5, 5, "admin")
	if err != nil || existed {
		t.Fatalf("erase empty = %v, %v", existed, err)
	}
	if len(f.rec.types()) != 0 {
		t.Fatalf("no-op erase broadcast %v", f.rec.types())
	}

	f.eng.Place(ctx, 5, 5, 1, "a")
	f.rec.reset()
	existed, err = f.eng.Erase(ctx, 5, 5, "admin")
	if err != nil || !existed {
		t.Fatalf("erase = %v, %v", existed, err)
	}
	if _, ok := f.eng.Cell(5, 5); ok {
		t.Fatal("erased cell still cached")
	}
	f.rec.mu.Lock()
	ev := f.rec.events[0].payload.(protocol.CellChanged)
	f.rec.mu.Unlock()
	if ev.Color != cellstore.ErasedColor || ev.Seq == 0 {
		t.Fatalf("erase event = %+v", ev)
	}
	f.assertConsistent(t)
}

func TestExportClearImport_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := f.eng.Place(ctx, i, i, uint32(i+1)*0x010101, "w"); err != nil {
			t.Fatal(err)
		}
	}
	before := f.eng.Grid()
	blob := f.eng.ExportBinary()

	if _, err := f.eng.Clear(ctx, "admin"); err != nil {
		t.Fatal(err)
	}
	if f.eng.Status().OccupiedCount != 0 {
		t.Fatal("grid not empty after clear")
	}
	f.assertConsistent(t)

	cells, err := gridcache.DecodeBinary(blob)
	if err != nil {
		t.Fatal(err)
	}
	f.rec.reset()
	_, n, err := f.eng.Import(ctx, cells, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if n != len(before) {
		t.Fatalf("imported %d, want %d", n, len(before))
	}
	if !sameTypes(f.rec.types(), protocol.TypeCleared, protocol.TypeBatchChanged, protocol.TypeStatusChanged) {
		t.Fatalf("events = %v", f.rec.types())
	}
	after := f.eng.Grid()
	for i := range before {
		if after[i].X != before[i].X || after[i].Y != before[i].Y || after[i].Color != before[i].Color {
			t.Fatalf("cell %d: %+v != %+v", i, after[i], before[i])
		}
	}
	f.assertConsistent(t)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eng.Place(ctx, 1, 1, 1, "a")
	id, err := f.eng.Clear(ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if _, n, err := f.eng.Restore(ctx, id, "admin"); err != nil || n != 1 {
		t.Fatalf("restore = %d, %v", n, err)
	}
	if _, ok := f.eng.Cell(1, 1); !ok {
		t.Fatal("restored cell missing from cache")
	}
	if _, _, err := f.eng.Restore(ctx, "nope", "admin"); !errors.Is(err, cellstore.ErrSnapshotNotFound) {
		t.Fatalf("got %v", err)
	}
}

// A queued mutation completes even when its caller stops waiting.
func TestSubmit_CompletesAfterCallerCancel(t *testing.T) {
	store := cellstore.OpenMemory(t, cellstore.WithGrid(4, 4))
	cache := gridcache.New(4, 4)
	rec := &recorder{}
	eng := New(store, cache, rec)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := eng.Place(ctx, 1, 1, 1, "gone")
		errc <- err
	}()
	// The engine is not running yet: the command sits in the queue.
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("caller err = %v", err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Run(runCtx)
		close(done)
	}()
	stop()
	<-done

	if n, _ := store.Count(context.Background()); n != 1 {
		t.Fatalf("store count = %d, want 1", n)
	}
	if cache.Count() != 1 || len(rec.types()) == 0 {
		t.Fatal("queued mutation was not mirrored and broadcast")
	}
	if _, err := eng.Place(context.Background(), 2, 2, 1, "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: got %v, want ErrStopped", err)
	}
}

// Stopping never loses a mutation whose caller was told it was accepted.
func TestStop_AcceptedMutationsCommit(t *testing.T) {
	store := cellstore.OpenMemory(t, cellstore.WithGrid(16, 16))
	cache := gridcache.New(16, 16)
	eng := New(store, cache, &recorder{}, WithQueue(4))

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	done := make(chan struct{})
	go func() {
		eng.Run(runCtx)
		close(done)
	}()

	type outcome struct {
		x   int
		err error
	}
	results := make(chan outcome, 64)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Place(context.Background(), i%16, i/16, 1, "w")
			results <- outcome{i, err}
		}()
		if i == 32 {
			stop()
		}
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("callers still blocked after stop")
	}
	<-done
	close(results)

	accepted := 0
	for r := range results {
		switch {
		case r.err == nil:
			accepted++
			if _, ok := cache.Get(r.x%16, r.x/16); !ok {
				t.Fatalf("accepted placement %d missing from cache", r.x)
			}
		case !errors.Is(r.err, ErrStopped):
			t.Fatalf("placement %d: %v", r.x, r.err)
		}
	}
	if n, _ := store.Count(context.Background()); n != accepted {
		t.Fatalf("store has %d cells, %d callers saw success", n, accepted)
	}
}

func TestOrdering_ConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				f.eng.Place(ctx, w, i%16, uint32(i), "w")
			}
		}()
	}
	wg.Wait()
	f.assertConsistent(t)

	// The last cellChanged per coordinate matches the committed state.
	last := map[[2]int]int64{}
	f.rec.mu.Lock()
	for _, e := range f.rec.events {
		if cc, ok := e.payload.(protocol.CellChanged); ok {
			last[[2]int{cc.X, cc.Y}] = cc.Color
		}
	}
	f.rec.mu.Unlock()
	for k, color := range last {
		c, ok := f.eng.Cell(k[0], k[1])
		if !ok || int64(c.Color) != color {
			t.Fatalf("cell %v: cache %d, last event %d", k, c.Color, color)
		}
	}
}

func TestMCP_Tools(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	f := newFixture(t, WithToolMiddleware(func(tool string) kit.Middleware {
		return func(next kit.Endpoint) kit.Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				mu.Lock()
				calls = append(calls, tool)
				mu.Unlock()
				return next(ctx, req)
			}
		}
	}))
	ctx := context.Background()
	f.eng.Place(ctx, 3, 4, 0xABCDEF, "alice")

	impl := &mcp.Implementation{Name: "gridsync-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	f.eng.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { session.Close() })

	call := func(name string, args any) string {
		t.Helper()
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		if err != nil {
			t.Fatalf("CallTool(%s): %v", name, err)
		}
		if err := res.GetError(); err != nil {
			t.Fatalf("CallTool(%s) tool error: %v", name, err)
		}
		return res.Content[0].(*mcp.TextContent).Text
	}

	var cell cellResp
	json.Unmarshal([]byte(call("grid_cell", map[string]any{"x": 3, "y": 4})), &cell)
	if !cell.Occupied || cell.Writer != "alice" || cell.Color != 0xABCDEF {
		t.Fatalf("grid_cell = %+v", cell)
	}

	var status struct {
		Status gridcache.Status `json:"status"`
		Stats  cellstore.Stats  `json:"stats"`
	}
	json.Unmarshal([]byte(call("grid_status", map[string]any{})), &status)
	if status.Status.OccupiedCount != 1 || status.Stats.Writers != 1 {
		t.Fatalf("grid_status = %+v", status)
	}

	var recent struct {
		Placements []cellstore.LogEntry `json:"placements"`
	}
	json.Unmarshal([]byte(call("grid_recent_placements", map[string]any{"limit": 5})), &recent)
	if len(recent.Placements) != 1 || recent.Placements[0].Writer != "alice" {
		t.Fatalf("grid_recent_placements = %+v", recent)
	}

	f.eng.Clear(ctx, "admin")
	var snaps struct {
		Snapshots []cellstore.Snapshot `json:"snapshots"`
	}
	json.Unmarshal([]byte(call("grid_snapshots", map[string]any{})), &snaps)
	if len(snaps.Snapshots) != 1 || snaps.Snapshots[0].Reason != cellstore.ReasonClear {
		t.Fatalf("grid_snapshots = %+v", snaps)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sameTypes(calls, "grid_cell", "grid_status", "grid_recent_placements", "grid_snapshots") {
		t.Fatalf("tool middleware saw %v", calls)
	}
}
