package credentials

import (
	"context"

	domain "bulkmail/internal/domain/credential"
)

// Store resolves sender credentials from a configured backend.
type Store interface {
	// Resolve never fails. An empty result means no credential is configured.
	Resolve(ctx context.Context) []domain.Credential
	Add(ctx context.Context, c domain.Credential) error
	Remove(ctx context.Context, identity string) error
	Lookup(ctx context.Context, identity string) (domain.Credential, bool)
}

// Identities lists the identities of resolved credentials in order.
func Identities(ctx context.Context, s Store) []string {
	creds := s.Resolve(ctx)
	out := make([]string, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Identity)
	}
	return out
}

// lookupIn finds a credential by identity, case-insensitively.
func lookupIn(creds []domain.Credential, identity string) (domain.Credential, bool) {
	for _, c := range creds {
		if domain.SameIdentity(c.Identity, identity) {
			return c, true
		}
	}
	return domain.Credential{}, false
}
