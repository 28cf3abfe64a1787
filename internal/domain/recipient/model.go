package recipient

import (
	"errors"
	"strings"
)

// Domain errors
var (
	ErrMalformedFile = errors.New("recipient file could not be read as tabular data")
	ErrNoRecipients  = errors.New("at least one recipient is required")
)

// Address is a destination mailbox. Only non-emptiness is checked; syntax is
// left to the transport.
type Address string

// String returns the address as a plain string.
func (a Address) String() string {
	return string(a)
}

// key is the comparison form used for deduplication.
func (a Address) key() string {
	return strings.ToLower(string(a))
}

// LooksLikeAddress reports whether s could be a mailbox rather than a header cell.
func LooksLikeAddress(s string) bool {
	return strings.Contains(s, "@")
}

// Collect turns raw cell values into an ordered, deduplicated address list.
// PRE: none
// POST: Empty and whitespace-only cells are dropped; first occurrence wins
// INVARIANT: Input order is preserved for kept values
func Collect(cells []string) []Address {
	seen := make(map[string]bool, len(cells))
	out := make([]Address, 0, len(cells))
	for _, c := range cells {
		v := strings.TrimSpace(c)
		if v == "" {
			continue
		}
		a := Address(v)
		if seen[a.key()] {
			continue
		}
		seen[a.key()] = true
		out = append(out, a)
	}
	return out
}

// Strings converts addresses back to plain strings.
func Strings(addrs []Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}
