// Package protocol defines the JSON events exchanged with clients over the
// websocket. Every frame is {"type": ..., "data": {...}}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/gridsync/cellstore"
	"github.com/hazyhaar/gridsync/gridcache"
)

// Inbound event types.
const (
	TypePlace      = "place"
	TypePlaceBatch = "placeBatch"
	TypeErase      = "erase"
	TypePing       = "ping"
)

// Outbound event types.
const (
	TypeWelcome       = "welcome"
	TypeCellChanged   = "cellChanged"
	TypeBatchChanged  = "batchChanged"
	TypePong          = "pong"
	TypeCleared       = "cleared"
	TypeStatusChanged = "statusChanged"
	TypeError         = "error"
)

// MaxBatch bounds placeBatch.
const MaxBatch = 1000

// ErrUnknownType is returned for an unrecognized inbound type.
var ErrUnknownType = errors.New("unknown_event")

// ErrMalformed is returned for a frame that does not decode.
var ErrMalformed = errors.New("malformed_event")

// Envelope is the outer frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Place struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color uint32 `json:"color"`
}

type PlaceBatch struct {
	Cells []Place `json:"cells"`
}

type Erase struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Ping struct {
	ClientTimestamp int64 `json:"clientTimestamp"`
}

// Placements converts the batch for the store.
func (b PlaceBatch) Placements() []cellstore.Placement {
	out := make([]cellstore.Placement, len(b.Cells))
	for i, c := range b.Cells {
		out[i] = cellstore.Placement{X: c.X, Y: c.Y, Color: c.Color}
	}
	return out
}

// Decode parses one inbound frame into *Place, *PlaceBatch, *Erase or *Ping.
func Decode(raw []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var v any
	switch env.Type {
	case TypePlace:
		v = &Place{}
	case TypePlaceBatch:
		v = &PlaceBatch{}
	case TypeErase:
		v = &Erase{}
	case TypePing:
		v = &Ping{}
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return env.Type, nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}
	if b, ok := v.(*PlaceBatch); ok && (len(b.Cells) == 0 || len(b.Cells) > MaxBatch) {
		return env.Type, nil, fmt.Errorf("%w: batch of %d cells (max %d)", ErrMalformed, len(b.Cells), MaxBatch)
	}
	return env.Type, v, nil
}

// Welcome is sent once on connect.
type Welcome struct {
	Status     gridcache.Status `json:"status"`
	InstanceID string           `json:"instanceId"`
	Identity   string           `json:"identity,omitempty"`
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Palette    []uint32         `json:"palette,omitempty"`
}

type CellChanged struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Color     int64  `json:"color"` // -1 when erased
	Writer    string `json:"writer"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Seq       int64  `json:"seq,omitempty"` // placement log sequence
}

// CellChangedFrom builds the event for a committed write.
func CellChangedFrom(c cellstore.Cell) CellChanged {
	return CellChanged{X: c.X, Y: c.Y, Color: int64(c.Color), Writer: c.Writer, UpdatedAt: c.UpdatedAt, Seq: c.Seq}
}

// Erased reports whether the event clears the cell.
func (c CellChanged) Erased() bool { return c.Color < 0 }

// Cell converts a non-erase event back to a cell.
func (c CellChanged) Cell() cellstore.Cell {
	return cellstore.Cell{X: c.X, Y: c.Y, Color: uint32(c.Color), Writer: c.Writer, UpdatedAt: c.UpdatedAt, Seq: c.Seq}
}

// Change converts the event for gridcache.ApplyNewer.
func (c CellChanged) Change() gridcache.Change {
	if c.Erased() {
		return gridcache.Change{Cell: cellstore.Cell{X: c.X, Y: c.Y, Seq: c.Seq}, Erased: true}
	}
	return gridcache.Change{Cell: c.Cell()}
}

type BatchChanged struct {
	Cells []CellChanged `json:"cells"`
}

// BatchChangedFrom builds the event for a committed batch.
func BatchChangedFrom(cells []cellstore.Cell) BatchChanged {
	out := make([]CellChanged, len(cells))
	for i, c := range cells {
		out[i] = CellChangedFrom(c)
	}
	return BatchChanged{Cells: out}
}

type Pong struct {
	ClientTimestamp int64 `json:"clientTimestamp"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

type Cleared struct {
	SnapshotID string `json:"snapshotId,omitempty"`
	// Seq is the placement floor of the clear: changes with a higher
	// sequence were committed after it.
	Seq int64 `json:"seq,omitempty"`
}

// StatusChanged carries the occupancy summary.
type StatusChanged = gridcache.Status

type Error struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Encode builds an outbound frame.
func Encode(typ string, data any) ([]byte, error) {
	env := Envelope{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s: %w", typ, err)
		}
		env.Data = b
	}
	return json.Marshal(env)
}
