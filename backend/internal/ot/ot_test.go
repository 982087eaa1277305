package ot

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestOperationValidation(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{name: "valid insert", op: NewInsert(0, "test")},
		{name: "valid delete", op: NewDelete(5, 3)},
		{name: "valid replace", op: NewReplace(1, 2, "xy")},
		{name: "valid retain", op: NewRetain(4)},
		{name: "delete defaults to zero length", op: Operation{Kind: KindDelete, Position: 2}},
		{name: "negative position", op: NewInsert(-1, "x"), wantErr: true},
		{name: "negative length", op: NewDelete(0, -2), wantErr: true},
		{name: "insert without content", op: Operation{Kind: KindInsert, Position: 0}, wantErr: true},
		{name: "replace without content", op: Operation{Kind: KindReplace, Position: 0, Length: 1}, wantErr: true},
		{name: "delete with content", op: Operation{Kind: KindDelete, Position: 0, Length: 1, Content: "a"}, wantErr: true},
		{name: "missing kind", op: Operation{Position: 0, Content: "a"}, wantErr: true},
		{name: "position beyond max extent", op: NewInsert(MaxExtent+1, "x"), wantErr: true},
		{name: "length beyond max extent", op: NewDelete(0, math.MaxInt), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	op := Operation{Kind: KindInsert, Position: 0, Content: "héllo", Length: 99}
	op.Normalize()

	if op.ID == "" {
		t.Error("Normalize() left ID empty")
	}
	if op.Timestamp <= 0 {
		t.Errorf("Normalize() Timestamp = %v, want > 0", op.Timestamp)
	}
	if op.Length != 5 {
		t.Errorf("Normalize() Length = %d, want 5 characters", op.Length)
	}

	id, ts := op.ID, op.Timestamp
	op.Normalize()
	if op.ID != id || op.Timestamp != ts {
		t.Error("Normalize() overwrote an existing id or timestamp")
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		op      Operation
		want    string
		wantErr bool
	}{
		{name: "insert at beginning", doc: "world", op: NewInsert(0, "hello "), want: "hello world"},
		{name: "insert at end", doc: "hello", op: NewInsert(5, " world"), want: "hello world"},
		{name: "insert in empty doc", doc: "", op: NewInsert(0, "first"), want: "first"},
		{name: "insert past end", doc: "test", op: NewInsert(10, "x"), wantErr: true},
		{name: "delete middle", doc: "hello", op: NewDelete(1, 3), want: "ho"},
		{name: "delete everything", doc: "test", op: NewDelete(0, 4), want: ""},
		{name: "delete past end", doc: "test", op: NewDelete(2, 3), wantErr: true},
		{name: "zero length delete", doc: "test", op: NewDelete(4, 0), want: "test"},
		{name: "replace word", doc: "Hello World", op: NewReplace(6, 5, "Gophers"), want: "Hello Gophers"},
		{name: "replace past end", doc: "abc", op: NewReplace(2, 2, "x"), wantErr: true},
		{name: "retain", doc: "abc", op: NewRetain(1), want: "abc"},
		{name: "huge delete length", doc: "abc", op: NewDelete(1, math.MaxInt), wantErr: true},
		{name: "huge delete position", doc: "abc", op: NewDelete(math.MaxInt, 1), wantErr: true},
		{name: "huge replace length", doc: "abc", op: NewReplace(1, math.MaxInt-1, "x"), wantErr: true},
		{name: "delete position past end", doc: "abc", op: NewDelete(4, 0), wantErr: true},
		{name: "length sum just past end", doc: "abc", op: NewDelete(2, MaxExtent), wantErr: true},
		{name: "unicode positions count characters", doc: "世界!", op: NewInsert(2, "🌍"), want: "世界🌍!"},
		{name: "unicode delete", doc: "héllo", op: NewDelete(1, 1), want: "hllo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.doc, tt.op)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("Apply() error = %v, want ErrValidation", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Apply() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyAll(t *testing.T) {
	got, err := ApplyAll("", []Operation{
		NewInsert(0, "Hello"),
		NewInsert(5, " World"),
		NewReplace(6, 5, "there"),
		NewDelete(0, 1),
	})
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	if got != "ello there" {
		t.Errorf("ApplyAll() = %q, want %q", got, "ello there")
	}

	if _, err := ApplyAll("ab", []Operation{NewDelete(0, 1), NewDelete(0, 5)}); !errors.Is(err, ErrValidation) {
		t.Errorf("ApplyAll() error = %v, want ErrValidation", err)
	}
}

func TestDecodePayload(t *testing.T) {
	data := []byte(`{"kind":"replace","position":3,"content":"abc","length":2,"author":"mallory","timestamp":12.5}`)

	p, err := DecodePayload(data)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	op := p.Operation("alice")
	if op.Author != "alice" {
		t.Errorf("Author = %q, want the out-of-band author", op.Author)
	}
	if op.Kind != KindReplace || op.Position != 3 || op.Length != 2 || op.Content != "abc" || op.Timestamp != 12.5 {
		t.Errorf("decoded operation = %+v", op)
	}

	if _, err := DecodePayload([]byte(`{"kind":"bold","position":0}`)); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown kind error = %v, want ErrValidation", err)
	}
	if _, err := DecodePayload([]byte(`{"kind":`)); !errors.Is(err, ErrValidation) {
		t.Errorf("truncated payload error = %v, want ErrValidation", err)
	}
}

func TestOperationJSONKind(t *testing.T) {
	op := NewDelete(2, 4)
	op.ID = "op-1"
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if raw["kind"] != "delete" {
		t.Errorf("kind = %v, want \"delete\"", raw["kind"])
	}
	if _, ok := raw["content"]; ok {
		t.Error("delete should not serialise content")
	}
}

func TestTransformRejectsHugeExtents(t *testing.T) {
	b := NewInsert(0, "abc")
	b.Author, b.Timestamp = "user2", 1
	for _, a := range []Operation{NewDelete(math.MaxInt, 1), NewInsert(math.MaxInt, "x"), NewReplace(1, math.MaxInt, "x")} {
		a.Author, a.Timestamp = "user1", 2
		if _, err := Transform(a, b); !errors.Is(err, ErrValidation) {
			t.Errorf("Transform(%v) error = %v, want ErrValidation", a, err)
		}
	}
}

func TestSwallowed(t *testing.T) {
	del := NewDelete(1, 4)
	del.Author, del.Timestamp = "user2", 1

	tests := []struct {
		name string
		op   Operation
		want bool
	}{
		{name: "insert inside delete", op: NewInsert(3, "x"), want: true},
		{name: "insert at delete start", op: NewInsert(1, "x")},
		{name: "replace inside delete", op: NewReplace(2, 1, "yz"), want: true},
		{name: "delete carries no text", op: NewDelete(2, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.op.Author, tt.op.Timestamp = "user1", 2
			got, err := Transform(tt.op, del)
			if err != nil {
				t.Fatalf("Transform() error = %v", err)
			}
			if Swallowed(tt.op, got) != tt.want {
				t.Errorf("Swallowed(%v, %v) = %v, want %v", tt.op, got, !tt.want, tt.want)
			}
		})
	}
}
