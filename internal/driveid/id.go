// Package driveid gives drive and item identifiers their own types instead
// of passing raw strings around. It owns the normalization rules (lowercase,
// zero-padding) so callers never have to remember them, and gets compile-time
// safety in exchange for the raw string usage it replaces.
//
// Three types cover the codebase's identity needs:
//   - ID: a normalized Graph API drive identifier (lowercase, zero-padded)
//   - CanonicalID: the config-level "type:email[:...]" identifier
//   - ItemKey: an (DriveID, ItemID) pair usable as a map key
//
// This is a leaf package: no dependency beyond the standard library.
package driveid

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"fmt"
	"strings"
)

// minNormalizedLen is the length every normalized ID is padded to. Personal
// accounts sometimes hand back shorter IDs than Business accounts do; padding
// keeps map keys and database lookups consistent regardless of account type.
const minNormalizedLen = 16

// ID is a normalized OneDrive drive identifier: lowercased and left-padded
// with zeros to minNormalizedLen. The zero value, ID{}, is the one
// representation for "absent or unknown" — check it with IsZero.
type ID struct {
	value string
}

// New normalizes a raw API drive identifier into an ID. An empty string
// maps to the zero ID; anything shorter than minNormalizedLen is left-padded
// with zeros after lowercasing.
func New(raw string) ID {
	if raw == "" {
		return ID{}
	}

	lower := strings.ToLower(raw)
	if len(lower) >= minNormalizedLen {
		return ID{value: lower}
	}

	pad := minNormalizedLen - len(lower)

	return ID{value: strings.Repeat("0", pad) + lower}
}

// String returns the normalized drive ID.
func (id ID) String() string {
	return id.value
}

// IsZero reports whether id is the empty/unknown drive ID, whether it came
// from the literal zero value or from normalizing an all-zero string.
func (id ID) IsZero() bool {
	return id.value == "" || id.value == strings.Repeat("0", minNormalizedLen)
}

// Equal reports whether two IDs refer to the same drive. Two zero-value IDs
// constructed through different paths (ID{} vs New("") vs New("0")) always
// compare equal, even though their internal string forms can differ.
func (id ID) Equal(other ID) bool {
	if id.value == other.value {
		return true
	}

	return id.IsZero() && other.IsZero()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, normalizing the input
// through New just as any other constructor path would.
func (id *ID) UnmarshalText(text []byte) error {
	*id = New(string(text))
	return nil
}

// Scan implements sql.Scanner. A SQL NULL produces the zero ID.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = ID{}
	case string:
		*id = New(v)
	case []byte:
		*id = New(string(v))
	default:
		return fmt.Errorf("driveid.ID.Scan: unsupported type %T", src)
	}

	return nil
}

// Value implements driver.Valuer. The zero ID writes SQL NULL, mirroring
// what Scan reads back.
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}

	return id.value, nil
}

var (
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
	_ fmt.Stringer             = ID{}
	_ driver.Valuer            = ID{}
	_ sql.Scanner              = (*ID)(nil)
)
