// Package e2e runs several gridsync instances in one process, sharing a cell
// database, a replay database and a broadcast bus, the way a horizontally
// scaled deployment does.
package e2e

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/gridsync/admission"
	"github.com/hazyhaar/gridsync/auth"
	"github.com/hazyhaar/gridsync/cellstore"
	"github.com/hazyhaar/gridsync/engine"
	"github.com/hazyhaar/gridsync/fanout"
	"github.com/hazyhaar/gridsync/gateway"
	"github.com/hazyhaar/gridsync/gridcache"
	"github.com/hazyhaar/gridsync/protocol"
	"github.com/hazyhaar/gridsync/replay"
)

const size = 8

var secret = []byte(strings.Repeat("k", auth.MinSecretLen))

type instance struct {
	store *cellstore.Store
	cache *gridcache.Cache
	hub   *fanout.Hub
	eng   *engine.Engine
	srv   *gateway.Server
	ts    *httptest.Server
	iss   *auth.Issuer
}

type cluster struct {
	dir   string
	bus   *fanout.MemoryBus
	nodes []*instance
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{dir: t.TempDir(), bus: fanout.NewMemoryBus(256)}
	for range n {
		c.nodes = append(c.nodes, c.start(t))
	}
	// Every hub must be subscribed before the first publish.
	time.Sleep(100 * time.Millisecond)
	return c
}

func (c *cluster) start(t *testing.T) *instance {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store, err := cellstore.Open(filepath.Join(c.dir, "grid.db"), cellstore.WithGrid(size, size))
	if err != nil {
		t.Fatal(err)
	}
	cache, err := gridcache.RebuildFromStore(ctx, store, size, size)
	if err != nil {
		t.Fatal(err)
	}

	inst := &instance{store: store, cache: cache}
	inst.hub = fanout.NewHub(
		fanout.WithBus(c.bus),
		fanout.WithApplier(func(ctx context.Context, typ string, p json.RawMessage) error {
			return inst.eng.ApplyRemote(ctx, typ, p)
		}),
	)
	inst.eng = engine.New(store, cache, inst.hub)

	shared, err := replay.OpenSQLite(filepath.Join(c.dir, "replay.db"))
	if err != nil {
		t.Fatal(err)
	}
	guard, err := replay.New(time.Minute, 2*time.Minute, replay.WithShared(shared))
	if err != nil {
		t.Fatal(err)
	}
	inst.iss, err = auth.NewIssuer(secret, time.Hour, "gridsync")
	if err != nil {
		t.Fatal(err)
	}
	admit, err := admission.New(4, 16)
	if err != nil {
		t.Fatal(err)
	}
	live, err := admission.NewLiveness(time.Second, 3*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	inst.srv = gateway.New(inst.eng, inst.hub, admit, live,
		gateway.WithIssuer(inst.iss),
		gateway.WithHandshaker(auth.NewHandshaker(auth.Ed25519Verifier{}, guard, inst.iss)),
	)
	inst.ts = httptest.NewServer(inst.srv.Handler())

	engDone := make(chan struct{})
	go func() { inst.eng.Run(ctx); close(engDone) }()
	hubDone := make(chan struct{})
	go func() { inst.hub.Run(ctx); close(hubDone) }()

	t.Cleanup(func() {
		sctx, done := context.WithTimeout(context.Background(), 3*time.Second)
		defer done()
		inst.srv.Shutdown(sctx)
		inst.ts.Close()
		cancel()
		<-hubDone
		<-engDone
		shared.Close()
		store.Close()
	})
	return inst
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (i *instance) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	tok, _, err := i.iss.Issue(identity, true, auth.RoleUser)
	if err != nil {
		t.Fatal(err)
	}
	u := "ws" + strings.TrimPrefix(i.ts.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	expect(t, conn, protocol.TypeWelcome, nil)
	return conn
}

func expect(t *testing.T, c *websocket.Conn, typ string, into any) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		if f.Type != typ {
			continue
		}
		if into != nil {
			if err := json.Unmarshal(f.Data, into); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
		}
		return
	}
}

// expectQuiet fails if any frame of type typ arrives within d.
func expectQuiet(t *testing.T, c *websocket.Conn, typ string, d time.Duration) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(d))
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			t.Fatalf("read: %v", err)
		}
		var f frame
		json.Unmarshal(raw, &f)
		if f.Type == typ {
			t.Fatalf("unexpected %s: %s", typ, raw)
		}
	}
}

func send(t *testing.T, c *websocket.Conn, typ string, data any) {
	t.Helper()
	b, err := protocol.Encode(typ, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatal(err)
	}
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if into != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, into); err != nil {
			t.Fatalf("decode %s: %v", body, err)
		}
	}
	return resp.StatusCode
}

func TestCrossInstanceBroadcast(t *testing.T) {
	c := newCluster(t, 2)
	a, b := c.nodes[0], c.nodes[1]
	alice := a.dial(t, "alice")
	bob := b.dial(t, "bob")

	send(t, alice, protocol.TypePlace, protocol.Place{X: 3, Y: 4, Color: 0x00ff00})

	var got protocol.CellChanged
	expect(t, alice, protocol.TypeCellChanged, &got)
	if got.X != 3 || got.Y != 4 || got.Color != 0x00ff00 || got.Writer != "alice" {
		t.Fatalf("origin frame = %+v", got)
	}
	expect(t, bob, protocol.TypeCellChanged, &got)
	if got.Writer != "alice" {
		t.Fatalf("relayed frame = %+v", got)
	}
	var st protocol.StatusChanged
	expect(t, bob, protocol.TypeStatusChanged, &st)
	if st.OccupiedCount != 1 {
		t.Fatalf("relayed status = %+v", st)
	}

	// The origin's own message comes back over the bus and is discarded.
	expectQuiet(t, alice, protocol.TypeCellChanged, 300*time.Millisecond)
	if a.hub.Counters().Echoes == 0 {
		t.Fatal("echo not counted on the origin instance")
	}

	// The sibling's cache mirrors the change without a rebuild.
	var cell cellstore.Cell
	if code := getJSON(t, b.ts.URL+"/api/cell/3/4", &cell); code != 200 || cell.Color != 0x00ff00 {
		t.Fatalf("sibling read: %d %+v", code, cell)
	}
	if b.cache.Count() != 1 {
		t.Fatalf("sibling cache count = %d", b.cache.Count())
	}
}

func TestBatchAndClearAcrossInstances(t *testing.T) {
	c := newCluster(t, 3)
	writer := c.nodes[0].dial(t, "alice")
	watchers := []*websocket.Conn{c.nodes[1].dial(t, "bob"), c.nodes[2].dial(t, "carol")}

	send(t, writer, protocol.TypePlaceBatch, protocol.PlaceBatch{Cells: []protocol.Place{
		{X: 0, Y: 0, Color: 1}, {X: 1, Y: 0, Color: 2}, {X: 2, Y: 0, Color: 3},
	}})
	for _, w := range watchers {
		var b protocol.BatchChanged
		expect(t, w, protocol.TypeBatchChanged, &b)
		if len(b.Cells) != 3 {
			t.Fatalf("relayed batch = %+v", b)
		}
	}
	for i, n := range c.nodes {
		if n.cache.Count() != 3 {
			t.Fatalf("node %d cache count = %d", i, n.cache.Count())
		}
	}

	if _, err := c.nodes[0].eng.Clear(context.Background(), "admin"); err != nil {
		t.Fatal(err)
	}
	for _, w := range watchers {
		expect(t, w, protocol.TypeCleared, nil)
	}
	for i, n := range c.nodes {
		if n.cache.Count() != 0 {
			t.Fatalf("node %d cache count after clear = %d", i, n.cache.Count())
		}
	}
}

// assertMirrors fails unless n's cache holds exactly the shared store.
func assertMirrors(t *testing.T, n *instance) {
	t.Helper()
	want, err := n.store.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := n.cache.ExportAll()
	if len(got) != len(want) {
		t.Fatalf("cache has %d cells, store %d", len(got), len(want))
	}
	for i := range want {
		if got[i].X != want[i].X || got[i].Y != want[i].Y || got[i].Color != want[i].Color {
			t.Fatalf("cell %d: cache %+v, store %+v", i, got[i], want[i])
		}
	}
}

// A relay delayed past a newer commit on the receiving instance must not
// roll its cache back.
func TestDelayedRelayKeepsCacheOnStore(t *testing.T) {
	c := newCluster(t, 2)
	a, b := c.nodes[0], c.nodes[1]
	ctx := context.Background()

	stale, err := a.eng.Place(ctx, 1, 1, 0xFF0000, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.eng.Place(ctx, 1, 1, 0x0000FF, "bob"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	// Replay A's change at B as if the bus had held it back.
	late, _ := json.Marshal(protocol.CellChangedFrom(stale))
	if err := b.eng.ApplyRemote(ctx, protocol.TypeCellChanged, late); err != nil {
		t.Fatal(err)
	}
	assertMirrors(t, b)
	if cell, _ := b.cache.Get(1, 1); cell.Color != 0x0000FF {
		t.Fatalf("cache B = %#06x, store = 0x0000ff", cell.Color)
	}

	// Same after an erase on B: the late write must not resurrect the cell.
	if _, err := b.eng.Erase(ctx, 1, 1, "admin"); err != nil {
		t.Fatal(err)
	}
	if err := b.eng.ApplyRemote(ctx, protocol.TypeCellChanged, late); err != nil {
		t.Fatal(err)
	}
	assertMirrors(t, b)

	// And a clear from A arriving after B wrote past it.
	if _, err := a.eng.Place(ctx, 2, 2, 1, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.eng.Clear(ctx, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.eng.Place(ctx, 3, 3, 2, "bob"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	for _, n := range c.nodes {
		assertMirrors(t, n)
	}
}

func TestSharedReplayGuard(t *testing.T) {
	c := newCluster(t, 2)

	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	id := hex.EncodeToString(pub)
	ts := time.Now().UnixMilli()
	body, _ := json.Marshal(auth.HandshakeRequest{
		Identity: id, Nonce: "once", Timestamp: ts,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, auth.HandshakeMessage(id, "once", ts))),
	})

	post := func(n *instance) (int, string) {
		resp, err := http.Post(n.ts.URL+"/api/auth/handshake", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(out)
	}
	if code, out := post(c.nodes[0]); code != 200 {
		t.Fatalf("first handshake: %d %s", code, out)
	}
	// The same signed request replayed against the other instance.
	if code, out := post(c.nodes[1]); code != 401 || !strings.Contains(out, "nonce_reused") {
		t.Fatalf("replay on sibling: %d %s", code, out)
	}
}

func TestRestartRebuildsFromStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grid.db")
	ctx := context.Background()

	store, err := cellstore.Open(path, cellstore.WithGrid(size, size))
	if err != nil {
		t.Fatal(err)
	}
	cache := gridcache.New(size, size)
	eng := engine.New(store, cache, fanout.NewHub())
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { eng.Run(runCtx); close(done) }()

	if _, err := eng.Place(ctx, 1, 1, 0xff0000, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.PlaceBatch(ctx, []cellstore.Placement{{X: 2, Y: 2, Color: 1}, {X: 3, Y: 3, Color: 2}}, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Erase(ctx, 1, 1, "admin"); err != nil {
		t.Fatal(err)
	}
	want := eng.ExportBinary()
	stop()
	<-done
	store.Close()

	store, err = cellstore.Open(path, cellstore.WithGrid(size, size))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rebuilt, err := gridcache.RebuildFromStore(ctx, store, size, size)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rebuilt.EncodeBinary(), want) || rebuilt.Count() != 2 {
		t.Fatalf("rebuilt cache differs: count %d", rebuilt.Count())
	}
}
