// Package party provides the validated ledger party identifier type. Every
// party ID crossing a component boundary is constructed through Parse, so the
// rest of the engine never handles raw unchecked strings.
package party

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// idRegex matches: {name}::1220{64 hex chars}
// Example: alice::1220a3f4... (the 1220 prefix is the ledger's fingerprint tag).
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_.\-]+::1220[0-9a-f]{64}$`)

var ErrInvalidID = errors.New("party: invalid party identifier")

// ID is a validated ledger party identifier.
type ID struct {
	raw string
}

// Parse validates and wraps a raw party identifier string.
func Parse(raw string) (ID, error) {
	if !idRegex.MatchString(raw) {
		return ID{}, fmt.Errorf("%w: %q (expected name::1220<64 hex chars>)", ErrInvalidID, raw)
	}
	return ID{raw: raw}, nil
}

// MustParse is Parse for trusted inputs such as configuration; it panics on
// malformed IDs.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the full identifier.
func (id ID) String() string { return id.raw }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id.raw == "" }

// Name returns the human-readable prefix before the "::" separator.
func (id ID) Name() string {
	if i := strings.Index(id.raw, "::"); i > 0 {
		return id.raw[:i]
	}
	return id.raw
}

// Short returns a truncated form for logs: name::1220abcd...
func (id ID) Short() string {
	if len(id.raw) <= 50 {
		return id.raw
	}
	i := strings.Index(id.raw, "::")
	return id.raw[:i+2] + id.raw[i+2:i+14] + "..."
}
