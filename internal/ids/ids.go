// Package ids centralizes UUID conversion between the raw 16-byte form
// held in hot in-process caches and the textual form used on the wire and
// in the audit log.
//
// Caches (client/gateway) must never mix the two representations: every
// map keyed by an entity id uses ID, and conversion happens only at the
// transport/audit boundary.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is a raw 16-byte identifier. Zero value is the nil UUID.
type ID [16]byte

// Nil is the zero-valued ID.
var Nil ID

// New generates a random v4 ID.
func New() ID {
	return ID(uuid.New())
}

// Parse decodes a textual UUID (e.g. from a WAL row or wire message) into
// an ID. Returns an error for malformed input.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("ids: parse %q: %w", s, err)
	}
	return ID(u), nil
}

// MustParse is Parse but panics on error; only safe for constants/tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the textual UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero-valued UUID.
func (id ID) IsNil() bool {
	return id == Nil
}

// MarshalJSON renders the textual form, matching the wire format.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON parses the textual form.
func (id *ID) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("ids: invalid json uuid %q", b)
	}
	parsed, err := Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer so an ID can be written directly as a
// Postgres uuid column.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner, accepting both text and the 16-byte binary
// form a driver may hand back for a uuid column.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = Nil
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		if len(v) == 16 {
			copy(id[:], v)
			return nil
		}
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("ids: cannot scan %T into ID", src)
	}
}

// Set is a small helper for building membership/resource-id sets without
// repeating map[ID]struct{} everywhere.
type Set map[ID]struct{}

func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(id ID)      { s[id] = struct{}{} }
func (s Set) Remove(id ID)    { delete(s, id) }
func (s Set) Has(id ID) bool  { _, ok := s[id]; return ok }
func (s Set) Len() int        { return len(s) }

// Diff returns ids present in s but absent from other.
func (s Set) Diff(other Set) []ID {
	out := make([]ID, 0)
	for id := range s {
		if !other.Has(id) {
			out = append(out, id)
		}
	}
	return out
}
