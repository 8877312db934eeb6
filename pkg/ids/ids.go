// Package ids defines the opaque identifiers used across the memory engine.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// VectorID is a 128-bit opaque identifier assigned to a vector at insertion
// time. It is stable across the vector's lifetime and never reused after
// deletion.
type VectorID uuid.UUID

// NewVectorID generates a fresh, random VectorID.
func NewVectorID() VectorID {
	return VectorID(uuid.New())
}

// String returns the canonical hyphenated hex representation.
func (id VectorID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the nil UUID.
func (id VectorID) IsZero() bool {
	return id == VectorID{}
}

// ParseVectorID parses a canonical string representation.
func ParseVectorID(s string) (VectorID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return VectorID{}, fmt.Errorf("ids: parse vector id %q: %w", s, err)
	}
	return VectorID(u), nil
}

// MarshalText implements encoding.TextMarshaler so VectorID can be used
// directly as a JSON map/struct field.
func (id VectorID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *VectorID) UnmarshalText(b []byte) error {
	parsed, err := ParseVectorID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer for SQLite storage as TEXT.
func (id VectorID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner.
func (id *VectorID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseVectorID(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		return id.Scan(string(v))
	default:
		return fmt.Errorf("ids: cannot scan %T into VectorID", src)
	}
}

// PersonaID names a persona. Personas are addressed by server-generated
// UUIDs the same way vectors are.
type PersonaID = string

// NewID generates a fresh UUID string, used for personas, conversation ids,
// and api key ids.
func NewID() string {
	return uuid.New().String()
}
