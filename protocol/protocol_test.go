package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/gridsync/cellstore"
	"github.com/hazyhaar/gridsync/fanout"
)

func TestDecode(t *testing.T) {
	typ, v, err := Decode([]byte(`{"type":"place","data":{"x":3,"y":4,"color":255}}`))
	if err != nil {
		t.Fatal(err)
	}
	p, ok := v.(*Place)
	if typ != TypePlace || !ok || p.X != 3 || p.Y != 4 || p.Color != 255 {
		t.Fatalf("got %s %+v", typ, v)
	}

	_, v, err = Decode([]byte(`{"type":"placeBatch","data":{"cells":[{"x":1,"y":1,"color":1},{"x":2,"y":1,"color":2}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if b := v.(*PlaceBatch); len(b.Placements()) != 2 || b.Placements()[1].X != 2 {
		t.Fatalf("batch = %+v", b)
	}
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string]error{
		`not json`:                                  ErrMalformed,
		`{"type":"teleport"}`:                       ErrUnknownType,
		`{"type":"place","data":{"x":"a"}}`:         ErrMalformed,
		`{"type":"placeBatch","data":{"cells":[]}}`: ErrMalformed,
	}
	for in, want := range cases {
		if _, _, err := Decode([]byte(in)); !errors.Is(err, want) {
			t.Errorf("Decode(%s) = %v, want %v", in, err, want)
		}
	}
}

// Frames built by the hub and by Encode share one shape.
func TestEncode_MatchesHubFrame(t *testing.T) {
	ev := CellChangedFrom(cellstore.Cell{X: 1, Y: 2, Color: 0xABCDEF, Writer: "w"})
	a, err := Encode(TypeCellChanged, ev)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(ev)
	b := fanout.Message{Type: TypeCellChanged, Payload: payload}.Frame()
	if string(a) != string(b) {
		t.Fatalf("Encode = %s, hub frame = %s", a, b)
	}
}

func TestCellChanged_Change(t *testing.T) {
	w := CellChangedFrom(cellstore.Cell{X: 1, Y: 2, Color: 7, Writer: "w", Seq: 9}).Change()
	if w.Erased || w.Cell.Seq != 9 || w.Cell.Color != 7 {
		t.Fatalf("write change = %+v", w)
	}
	e := CellChanged{X: 1, Y: 2, Color: cellstore.ErasedColor, Writer: "admin", Seq: 10}.Change()
	if !e.Erased || e.Cell.Seq != 10 || e.Cell.X != 1 || e.Cell.Y != 2 {
		t.Fatalf("erase change = %+v", e)
	}
}
