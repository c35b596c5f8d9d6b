// Package model holds the domain types shared by the ledger client,
// the resolver, the projector and the query service.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AliasKind tells how the ledger is addressed for an alias.
type AliasKind int

const (
	// AliasID addresses the ledger by string startup id.
	AliasID AliasKind = iota
	// AliasSlot addresses the ledger by numeric slot.
	AliasSlot
)

// Alias is one external spelling under which the ledger may hold data
// about a startup. Alias is comparable and usable as a map key.
type Alias struct {
	Kind AliasKind
	ID   string
	Slot uint64
}

// IDAlias builds a string-id alias.
func IDAlias(id string) Alias { return Alias{Kind: AliasID, ID: id} }

// SlotAlias builds a numeric-slot alias.
func SlotAlias(slot uint64) Alias { return Alias{Kind: AliasSlot, Slot: slot} }

// String renders ids verbatim and slots as "#<n>".
func (a Alias) String() string {
	if a.Kind == AliasSlot {
		return "#" + strconv.FormatUint(a.Slot, 10)
	}
	return a.ID
}

// ParseAlias is the inverse of String.
func ParseAlias(s string) (Alias, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Alias{}, fmt.Errorf("empty alias")
	}
	if rest, ok := strings.CutPrefix(s, "#"); ok {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return Alias{}, fmt.Errorf("invalid slot alias %q: %w", s, err)
		}
		return SlotAlias(n), nil
	}
	return IDAlias(s), nil
}

// StartupIdentity is a real-world startup and every spelling the ledger
// knows it under. Aliases keep registration order; the canonical id is
// always the first alias.
type StartupIdentity struct {
	CanonicalID string            `json:"canonical_id"`
	Aliases     []Alias           `json:"-"`
	DisplayName string            `json:"display_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AliasStrings renders the aliases for JSON and logs.
func (s StartupIdentity) AliasStrings() []string {
	out := make([]string, len(s.Aliases))
	for i, a := range s.Aliases {
		out[i] = a.String()
	}
	return out
}

// ZeroAddress is the ledger's "no mentor" value.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeAddress lowercases a hex address and maps the zero address to "".
func NormalizeAddress(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	if a == "" || a == ZeroAddress {
		return ""
	}
	if !strings.HasPrefix(a, "0x") {
		a = "0x" + a
	}
	return a
}

// ParseAddress normalizes a 20-byte hex address. It reports false for
// malformed input and for the zero address.
func ParseAddress(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", false
	}
	a := NormalizeAddress(addr)
	return a, a != ""
}

// SameAddress compares two addresses after normalization.
func SameAddress(a, b string) bool { return NormalizeAddress(a) == NormalizeAddress(b) }
