// Package session holds the collaborative state of one (document, field)
// pair and the contract its persistence backends implement.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otServer/backend/internal/ot"
)

const (
	DefaultLogCapacity = 1000
	DefaultTTL         = time.Hour
)

// ErrVersionConflict is returned by a Store when the stored stamp no
// longer matches the one the caller read.
var ErrVersionConflict = errors.New("SESSION_VERSION_CONFLICT")

// Key identifies one session.
type Key struct {
	DocumentID string `json:"docId"`
	Field      string `json:"field"`
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.DocumentID, k.Field) }

func (k Key) Validate() error {
	if k.DocumentID == "" || k.Field == "" {
		return errors.New("document id and field name are required")
	}
	return nil
}

// Stamp is the compare-and-swap token of a session. Epoch changes on
// every reset so a version number reused after a reset never matches.
type Stamp struct {
	Epoch   uint64 `json:"epoch"`
	Version uint64 `json:"version"`
}

// State is the materialised snapshot of a field.
type State struct {
	Content       string    `json:"content"`
	Version       uint64    `json:"version"`
	Epoch         uint64    `json:"epoch"`
	LastTimestamp float64   `json:"lastTimestamp"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (s State) Stamp() Stamp { return Stamp{Epoch: s.Epoch, Version: s.Version} }

// Session is the state plus the bounded log of accepted operations,
// oldest first.
type Session struct {
	Key   Key
	State State
	Log   []ot.Operation
}

// Exists reports whether anything was ever written to the session.
func (s *Session) Exists() bool {
	return s.State.Version > 0 || s.State.Epoch > 0 || len(s.Log) > 0
}

// Since returns the logged operations accepted after version, oldest
// first. ok is false unless the log holds every version from version+1
// up to the current one.
func (s *Session) Since(version uint64) (ops []ot.Operation, ok bool) {
	if version >= s.State.Version {
		return nil, true
	}
	if len(s.Log) == 0 || s.Log[0].Version > version+1 {
		return nil, false
	}
	next := version + 1
	for _, op := range s.Log {
		if op.Version <= version {
			continue
		}
		if op.Version != next {
			return nil, false
		}
		ops = append(ops, op)
		next++
	}
	if next != s.State.Version+1 {
		return nil, false
	}
	return ops, true
}

// Tail returns at most limit of the most recent operations, oldest first.
func (s *Session) Tail(limit int) []ot.Operation {
	if limit <= 0 || len(s.Log) == 0 {
		return []ot.Operation{}
	}
	start := max(len(s.Log)-limit, 0)
	out := make([]ot.Operation, len(s.Log)-start)
	copy(out, s.Log[start:])
	return out
}

// Find returns the operation author logged under id. Ids are only
// unique per author.
func (s *Session) Find(author, id string) (ot.Operation, bool) {
	for _, op := range s.Log {
		if op.ID == id && op.Author == author {
			return op, true
		}
	}
	return ot.Operation{}, false
}

// Prune drops the oldest entries up to the first one stamped at or after
// cutoff. Only a prefix is removed: timestamps come from clients and are
// not ordered by version, and a hole in the middle of the log would hide
// concurrent history from later transforms. The snapshot is never affected.
func Prune(log []ot.Operation, cutoff float64) []ot.Operation {
	start := len(log)
	for i, op := range log {
		if op.Timestamp >= cutoff {
			start = i
			break
		}
	}
	kept := make([]ot.Operation, len(log)-start)
	copy(kept, log[start:])
	return kept
}

// Store persists sessions. Every mutating call is atomic: either the log
// and the state are both written, or neither is.
type Store interface {
	// Load returns the session for key, an empty one if it never existed
	// or expired. Loading refreshes the sliding TTL.
	Load(ctx context.Context, key Key) (*Session, error)

	// Append adds op to the log, evicting the oldest entries past
	// capacity, and replaces the state with next, provided the stored
	// stamp still equals expected. Otherwise it returns ErrVersionConflict.
	Append(ctx context.Context, key Key, expected Stamp, op ot.Operation, next State, capacity int) error

	// ReplaceLog swaps the whole log, leaving the state alone, provided
	// the stored stamp still equals expected.
	ReplaceLog(ctx context.Context, key Key, expected Stamp, log []ot.Operation) error

	// Reset clears the log and sets the content to initial with version 0
	// and a new epoch.
	Reset(ctx context.Context, key Key, initial string) (State, error)

	// Keys lists the live sessions.
	Keys(ctx context.Context) ([]Key, error)
}
