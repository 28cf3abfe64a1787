package credential

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Domain errors
var (
	ErrNotConfigured     = errors.New("no sender credentials configured")
	ErrEmptySecret       = errors.New("sender credential has an empty secret")
	ErrInvalidIdentity   = errors.New("sender identity must be an email address")
	ErrDuplicateIdentity = errors.New("sender identity already exists")
	ErrReadOnly          = errors.New("credential backend is read-only")
	ErrNotFound          = errors.New("sender identity not found")
)

const redacted = "[REDACTED]"

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Credential is a sender identity and the secret used to authenticate it.
// INVARIANT: Secret never appears in String() or log output.
type Credential struct {
	Identity string
	Secret   string
}

// New builds a Credential with surrounding whitespace trimmed from the identity.
func New(identity, secret string) Credential {
	return Credential{Identity: strings.TrimSpace(identity), Secret: secret}
}

// Validate checks that the credential is usable for sending.
// PRE: none
// POST: Returns nil if valid; ErrInvalidIdentity or ErrEmptySecret otherwise
func (c Credential) Validate() error {
	if c.Identity == "" {
		return ErrNotConfigured
	}
	if err := validatorInstance().Var(c.Identity, "email"); err != nil {
		return ErrInvalidIdentity
	}
	if c.Secret == "" {
		return ErrEmptySecret
	}
	return nil
}

// IsZero reports whether no identity is set.
func (c Credential) IsZero() bool {
	return c.Identity == ""
}

// String renders the identity only.
func (c Credential) String() string {
	return c.Identity + ":" + redacted
}

// LogValue implements slog.LogValuer so the secret is never logged.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("identity", c.Identity),
		slog.String("secret", redacted),
	)
}

// SameIdentity compares identities case-insensitively.
func SameIdentity(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
