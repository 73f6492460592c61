// Package ident generates node identifiers locally, without a server round-trip.
//
// Identifiers are UUIDv7 values: a millisecond timestamp followed by random
// bits. The timestamp prefix gives approximate creation-time ordering, which is
// useful when reading server logs but is not relied on for correctness.
package ident

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidID is returned when parsing a malformed identifier.
var ErrInvalidID = errors.New("ident: invalid id")

// ID is an immutable node identifier.
//
// The zero ID is never returned by a Generator and is used to mean "absent"
// (for example, the parent of a run).
type ID [16]byte

// Zero is the absent identifier.
var Zero ID

// IsZero reports whether id is the absent identifier.
func (id ID) IsZero() bool {
	return id == Zero
}

// String returns the 32-character lowercase hex form with no separators.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Parse parses the hex form produced by String. Dashed UUID strings are also
// accepted.
func Parse(s string) (ID, error) {
	if s == "" {
		return Zero, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrInvalidID, s, err)
	}
	return ID(u), nil
}

// Generator produces process-unique identifiers.
//
// Next is safe for concurrent use. The uuid package serializes v7 generation
// internally so that two calls in the same millisecond still produce
// increasing values.
type Generator struct{}

// NewGenerator returns a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns a new identifier. It never returns Zero and never returns a
// value it has returned before.
func (g *Generator) Next() ID {
	// NewV7 only fails if the system random source fails, which crypto/rand
	// treats as fatal anyway.
	return ID(uuid.Must(uuid.NewV7()))
}
