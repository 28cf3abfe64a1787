package credentials

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/spf13/viper"

	domain "bulkmail/internal/domain/credential"
)

// Keys of the single-account secrets table.
const (
	keySenderEmail = "email_credentials.sender_email"
	keyAppPassword = "email_credentials.app_password"

	EnvSenderEmail = "BULKMAIL_SENDER_EMAIL"
	EnvAppPassword = "BULKMAIL_APP_PASSWORD"
)

// SecretsStore reads one account from a secrets file with an
// [email_credentials] table, falling back to the environment. It is read-only.
type SecretsStore struct {
	path string
}

// NewSecretsStore creates a new SecretsStore. An empty path reads the environment only.
func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: path}
}

func (s *SecretsStore) read() *viper.Viper {
	v := viper.New()
	_ = v.BindEnv(keySenderEmail, EnvSenderEmail)
	_ = v.BindEnv(keyAppPassword, EnvAppPassword)
	if s.path == "" {
		return v
	}

	v.SetConfigFile(s.path)
	if filepath.Ext(s.path) == "" {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			// The parse error may quote file contents, so only the path is logged.
			slog.Warn("credential_event", "event", "secrets_unreadable", "path", s.path)
		}
	}
	return v
}

// Resolve re-reads the backend on every call.
// PRE: none
// POST: Returns at most one credential; none when no sender identity is configured
func (s *SecretsStore) Resolve(_ context.Context) []domain.Credential {
	v := s.read()
	c := domain.New(v.GetString(keySenderEmail), v.GetString(keyAppPassword))
	if c.IsZero() {
		return nil
	}
	return []domain.Credential{c}
}

// Add is not supported.
func (s *SecretsStore) Add(context.Context, domain.Credential) error {
	return domain.ErrReadOnly
}

// Remove is not supported.
func (s *SecretsStore) Remove(context.Context, string) error {
	return domain.ErrReadOnly
}

// Lookup returns the configured account if its identity matches.
func (s *SecretsStore) Lookup(ctx context.Context, identity string) (domain.Credential, bool) {
	return lookupIn(s.Resolve(ctx), identity)
}
