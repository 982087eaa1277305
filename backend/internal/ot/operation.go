package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind is the closed set of edit kinds. The zero value is invalid so a
// payload without "kind" never decodes into a usable operation.
type Kind uint8

const (
	_ Kind = iota
	KindInsert
	KindDelete
	KindRetain
	KindReplace
)

var kindNames = map[Kind]string{
	KindInsert:  "insert",
	KindDelete:  "delete",
	KindRetain:  "retain",
	KindReplace: "replace",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the four edit kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown operation kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return invalidf("kind", "unknown operation kind %q", string(b))
}

// MaxExtent caps positions and lengths so the transform arithmetic on
// them can never overflow an int.
const MaxExtent = 1 << 30

// Operation is one edit against a single text field.
// Positions and lengths count characters (code points), not bytes.
type Operation struct {
	ID        string  `json:"id"`
	Kind      Kind    `json:"kind"`
	Position  int     `json:"position"`
	Content   string  `json:"content,omitempty"`
	Length    int     `json:"length,omitempty"`
	Author    string  `json:"author,omitempty"`
	Timestamp float64 `json:"timestamp"`
	// Version is the session version at which the op was accepted.
	Version uint64 `json:"version,omitempty"`
}

func NewInsert(position int, content string) Operation {
	return Operation{Kind: KindInsert, Position: position, Content: content, Length: utf8.RuneCountInString(content)}
}

func NewDelete(position, length int) Operation {
	return Operation{Kind: KindDelete, Position: position, Length: length}
}

func NewRetain(position int) Operation {
	return Operation{Kind: KindRetain, Position: position}
}

func NewReplace(position, length int, content string) Operation {
	return Operation{Kind: KindReplace, Position: position, Length: length, Content: content}
}

// NowTimestamp returns the current wall clock as fractional unix seconds.
func NowTimestamp() float64 {
	return float64(time.Now().UnixMicro()) / 1e6
}

// Normalize fills the id and timestamp when absent and derives the
// length of an insert from its content.
func (op *Operation) Normalize() {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp <= 0 {
		op.Timestamp = NowTimestamp()
	}
	if op.Kind == KindInsert {
		op.Length = utf8.RuneCountInString(op.Content)
	}
}

// Validate checks the shape of the operation, independent of any document.
func (op Operation) Validate() error {
	if !op.Kind.Valid() {
		return invalidf("kind", "unknown operation kind %d", uint8(op.Kind))
	}
	if op.Position < 0 {
		return invalidf("position", "position %d must be >= 0", op.Position)
	}
	if op.Length < 0 {
		return invalidf("length", "length %d must be >= 0", op.Length)
	}
	if op.Position > MaxExtent || op.Length > MaxExtent {
		return invalidf("position", "position %d / length %d exceed %d characters", op.Position, op.Length, MaxExtent)
	}

	switch op.Kind {
	case KindInsert, KindReplace:
		if op.Content == "" {
			return invalidf("content", "%s operation requires content", op.Kind)
		}
	case KindDelete, KindRetain:
		if op.Content != "" {
			return invalidf("content", "%s operation must not carry content", op.Kind)
		}
	}
	return nil
}

// ValidateAgainst checks that the operation fits a document of docLen
// characters. A retain never touches the document and is not bounds checked.
func (op Operation) ValidateAgainst(docLen int) error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.Kind == KindRetain {
		return nil
	}
	if op.Position > docLen {
		return invalidf("position", "%s position %d out of range [0, %d]", op.Kind, op.Position, docLen)
	}
	// Length > docLen-Position instead of Position+Length > docLen: the sum can overflow
	if (op.Kind == KindDelete || op.Kind == KindReplace) && op.Length > docLen-op.Position {
		return invalidf("length", "%s range starting at %d with length %d exceeds document length %d",
			op.Kind, op.Position, op.Length, docLen)
	}
	return nil
}

// ContentLen is the number of characters the operation inserts.
func (op Operation) ContentLen() int {
	return utf8.RuneCountInString(op.Content)
}

// IsNoop reports whether applying the operation leaves any document unchanged.
func (op Operation) IsNoop() bool {
	switch op.Kind {
	case KindRetain:
		return true
	case KindDelete:
		return op.Length == 0
	}
	return false
}

// precedes is the total order used to break ties between concurrent
// operations: the earlier timestamp lands first, then the lower author,
// then the lower id. Every participant must use the same order.
func (op Operation) precedes(other Operation) bool {
	if op.Timestamp != other.Timestamp {
		return op.Timestamp < other.Timestamp
	}
	if op.Author != other.Author {
		return op.Author < other.Author
	}
	return op.ID < other.ID
}

func (op Operation) String() string {
	switch op.Kind {
	case KindInsert:
		return fmt.Sprintf("Insert(%q at %d, by %s)", op.Content, op.Position, op.Author)
	case KindDelete:
		return fmt.Sprintf("Delete(%d chars at %d, by %s)", op.Length, op.Position, op.Author)
	case KindRetain:
		return fmt.Sprintf("Retain(at %d, by %s)", op.Position, op.Author)
	case KindReplace:
		return fmt.Sprintf("Replace(%d chars at %d with %q, by %s)", op.Length, op.Position, op.Content, op.Author)
	default:
		return "Unknown operation"
	}
}

// Payload is the inbound wire shape. Author is deliberately absent: it
// is supplied out of band by the authenticated connection.
type Payload struct {
	ID        string  `json:"id,omitempty"`
	Kind      Kind    `json:"kind"`
	Position  int     `json:"position"`
	Content   string  `json:"content,omitempty"`
	Length    int     `json:"length,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Operation converts the payload into an operation owned by author.
func (p Payload) Operation(author string) Operation {
	return Operation{
		ID:        p.ID,
		Kind:      p.Kind,
		Position:  p.Position,
		Content:   p.Content,
		Length:    p.Length,
		Timestamp: p.Timestamp,
		Author:    author,
	}
}

// DecodePayload parses an inbound operation payload. Any author field in
// the body is ignored.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return Payload{}, verr
		}
		return Payload{}, invalidf("payload", "malformed operation payload: %v", err)
	}
	return p, nil
}
