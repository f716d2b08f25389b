// Package gridcache holds the in-memory mirror of the grid served on every
// read path. It is built from the cell store at startup and afterwards only
// mutated by the engine, right after each commit.
//
// Changes relayed from other instances can arrive late. The cache remembers
// the placement sequence behind every coordinate (erases included) and the
// floor of the last clear, and drops any relayed change that is not newer.
package gridcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hazyhaar/gridsync/cellstore"
)

// RecordSize is the width of one binary-encoded cell: x:16 | y:16 | color:24.
const RecordSize = 7

// ErrBadEncoding is returned by DecodeBinary for truncated input.
var ErrBadEncoding = errors.New("gridcache: binary length is not a multiple of 7")

// Source is what RebuildFromStore reads. *cellstore.Store satisfies it.
type Source interface {
	ReadAllAt(ctx context.Context) ([]cellstore.Cell, int64, error)
}

// Change is one committed cell mutation. An erase carries only X, Y and Seq
// in Cell. A zero Seq is unordered and always applies.
type Change struct {
	Cell   cellstore.Cell
	Erased bool
}

type key struct{ x, y int }

// Status is the occupancy summary broadcast as statusChanged.
type Status struct {
	OccupiedCount int  `json:"occupiedCount"`
	TotalSlots    int  `json:"totalSlots"`
	IsFull        bool `json:"isFull"`
}

// Cache is safe for concurrent readers and a single writer.
type Cache struct {
	width, height int

	mu    sync.RWMutex
	cells map[key]cellstore.Cell
	tombs map[key]int64 // seq of the erase behind an empty coordinate
	floor int64         // changes at or below are already reflected
}

// New returns an empty cache for a width x height grid.
func New(width, height int) *Cache {
	return &Cache{
		width:  width,
		height: height,
		cells:  make(map[key]cellstore.Cell),
		tombs:  make(map[key]int64),
	}
}

// RebuildFromStore reads src fully and returns a cache mirroring it. Callers
// treat an error as fatal: the service cannot start without its state.
func RebuildFromStore(ctx context.Context, src Source, width, height int) (*Cache, error) {
	cells, floor, err := src.ReadAllAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("gridcache: rebuild: %w", err)
	}
	c := New(width, height)
	c.floor = floor
	for _, cell := range cells {
		if cell.X < 0 || cell.Y < 0 || cell.X >= width || cell.Y >= height {
			return nil, fmt.Errorf("gridcache: rebuild: cell (%d,%d) outside %dx%d", cell.X, cell.Y, width, height)
		}
		c.cells[key{cell.X, cell.Y}] = cell
	}
	return c, nil
}

func (c *Cache) Width() int  { return c.width }
func (c *Cache) Height() int { return c.height }

// Get returns the cell at (x, y), if occupied.
func (c *Cache) Get(x, y int) (cellstore.Cell, bool) {
	c.mu.RLock()
	cell, ok := c.cells[key{x, y}]
	c.mu.RUnlock()
	return cell, ok
}

// Upsert mirrors a committed write.
func (c *Cache) Upsert(cell cellstore.Cell) {
	c.mu.Lock()
	c.put(cell)
	c.mu.Unlock()
}

// UpsertAll mirrors a committed batch under one lock, so readers never see
// half a batch.
func (c *Cache) UpsertAll(cells []cellstore.Cell) {
	c.mu.Lock()
	for _, cell := range cells {
		c.put(cell)
	}
	c.mu.Unlock()
}

func (c *Cache) put(cell cellstore.Cell) {
	k := key{cell.X, cell.Y}
	c.cells[k] = cell
	delete(c.tombs, k)
}

// Remove mirrors a committed erase. It reports whether the cell was present.
func (c *Cache) Remove(x, y int) bool {
	c.mu.Lock()
	_, ok := c.cells[key{x, y}]
	delete(c.cells, key{x, y})
	c.mu.Unlock()
	return ok
}

// Replace swaps the whole content, used after clear, import and restore.
// floor is the replacement's placement floor.
func (c *Cache) Replace(cells []cellstore.Cell, floor int64) {
	m := make(map[key]cellstore.Cell, len(cells))
	for _, cell := range cells {
		m[key{cell.X, cell.Y}] = cell
	}
	c.mu.Lock()
	c.cells = m
	c.tombs = make(map[key]int64)
	if floor > c.floor {
		c.floor = floor
	}
	c.mu.Unlock()
}

// seqAt is the newest sequence known for k. Callers hold mu.
func (c *Cache) seqAt(k key) int64 {
	seq := c.floor
	if cell, ok := c.cells[k]; ok && cell.Seq > seq {
		seq = cell.Seq
	}
	if t := c.tombs[k]; t > seq {
		seq = t
	}
	return seq
}

// ApplyNewer applies, under one lock, every change newer than what the
// cache holds for its coordinate, and returns how many applied.
func (c *Cache) ApplyNewer(changes []Change) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ch := range changes {
		k := key{ch.Cell.X, ch.Cell.Y}
		if ch.Cell.Seq != 0 && ch.Cell.Seq <= c.seqAt(k) {
			continue
		}
		if ch.Erased {
			delete(c.cells, k)
			if ch.Cell.Seq != 0 {
				c.tombs[k] = ch.Cell.Seq
			}
		} else {
			c.put(ch.Cell)
		}
		n++
	}
	return n
}

// ApplyClear mirrors a clear committed with the given floor: cells written
// at or below it are dropped, later ones stay. A floor the cache has already
// passed is a no-op. It returns the number of cells removed.
func (c *Cache) ApplyClear(floor int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if floor != 0 && floor <= c.floor {
		return 0
	}
	n := 0
	for k, cell := range c.cells {
		if cell.Seq <= floor {
			delete(c.cells, k)
			n++
		}
	}
	for k, seq := range c.tombs {
		if seq <= floor {
			delete(c.tombs, k)
		}
	}
	if floor > c.floor {
		c.floor = floor
	}
	return n
}

// Count returns the number of occupied cells.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cells)
}

// Status summarizes occupancy.
func (c *Cache) Status() Status {
	n := c.Count()
	total := c.width * c.height
	return Status{OccupiedCount: n, TotalSlots: total, IsFull: n >= total}
}

// ExportAll returns every occupied cell in row-major order.
func (c *Cache) ExportAll() []cellstore.Cell {
	c.mu.RLock()
	out := make([]cellstore.Cell, 0, len(c.cells))
	for _, cell := range c.cells {
		out = append(out, cell)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

// EncodeBinary returns the compact export: RecordSize bytes per occupied
// cell, big-endian, in ExportAll order. Writers are not included.
func (c *Cache) EncodeBinary() []byte {
	return Encode(c.ExportAll())
}

// Encode packs cells into the compact binary format.
func Encode(cells []cellstore.Cell) []byte {
	buf := make([]byte, len(cells)*RecordSize)
	for i, cell := range cells {
		b := buf[i*RecordSize:]
		binary.BigEndian.PutUint16(b[0:2], uint16(cell.X))
		binary.BigEndian.PutUint16(b[2:4], uint16(cell.Y))
		b[4] = byte(cell.Color >> 16)
		b[5] = byte(cell.Color >> 8)
		b[6] = byte(cell.Color)
	}
	return buf
}

// DecodeBinary unpacks the compact format. Decoded cells carry no writer.
func DecodeBinary(data []byte) ([]cellstore.Cell, error) {
	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadEncoding, len(data))
	}
	out := make([]cellstore.Cell, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		b := data[off : off+RecordSize]
		out = append(out, cellstore.Cell{
			X:     int(binary.BigEndian.Uint16(b[0:2])),
			Y:     int(binary.BigEndian.Uint16(b[2:4])),
			Color: uint32(b[4])<<16 | uint32(b[5])<<8 | uint32(b[6]),
		})
	}
	return out, nil
}
