package credentials

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "bulkmail/internal/domain/credential"
)

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*SecretsStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// --- FileStore ---

func TestFileStore_LoadMissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "credentials.txt"))
	require.NoError(t, s.Load(context.Background()))
	assert.Empty(t, s.Resolve(context.Background()))
}

func TestFileStore_LoadDuplicateIdentityLastWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	content := "a@x.com:first\n" +
		"not-a-record\n" +
		"b@x.com:too:many\n" +
		"\n" +
		"A@x.com:second\r\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := NewFileStore(path)
	require.NoError(t, s.Load(context.Background()))

	creds := s.Resolve(context.Background())
	require.Len(t, creds, 1)
	assert.Equal(t, "A@x.com", creds[0].Identity)
	assert.Equal(t, "second", creds[0].Secret)
}

func TestFileStore_AddPersistsSortedWithOwnerOnlyMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	s := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, domain.New("zed@example.com", "z-secret")))
	require.NoError(t, s.Add(ctx, domain.New(" amy@example.com ", "a-secret")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "amy@example.com:a-secret\nzed@example.com:z-secret\n", string(raw))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded := NewFileStore(path)
	require.NoError(t, reloaded.Load(ctx))
	c, ok := reloaded.Lookup(ctx, "AMY@example.com")
	require.True(t, ok)
	assert.Equal(t, "a-secret", c.Secret)
}

func TestFileStore_AddRejectsInvalidInput(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "credentials.txt"))
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, domain.New("me@example.com", "pw")))

	tests := []struct {
		name string
		cred domain.Credential
		want error
	}{
		{"duplicate identity", domain.New("ME@example.com", "other"), domain.ErrDuplicateIdentity},
		{"not an email", domain.New("me", "pw"), domain.ErrInvalidIdentity},
		{"empty secret", domain.New("you@example.com", ""), domain.ErrEmptySecret},
		{"colon in secret", domain.New("you@example.com", "a:b"), ErrSecretDelimiter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Add(ctx, tt.cred), tt.want)
		})
	}
	assert.Len(t, s.Resolve(ctx), 1)
}

func TestFileStore_Remove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.txt")
	s := NewFileStore(path)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, domain.New("me@example.com", "pw")))

	require.NoError(t, s.Remove(ctx, "me@example.com"))
	assert.ErrorIs(t, s.Remove(ctx, "me@example.com"), domain.ErrNotFound)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestFileStore_AddFailureRollsBack(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "missing-dir", "credentials.txt"))
	ctx := context.Background()

	assert.Error(t, s.Add(ctx, domain.New("me@example.com", "pw")))
	assert.Empty(t, s.Resolve(ctx))
}

func TestFileStore_LogsNeverContainSecrets(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "credentials.txt")
	require.NoError(t, os.WriteFile(path, []byte("bad:line:hunter2\n"), 0o600))
	s := NewFileStore(path)
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Add(ctx, domain.New("me@example.com", "hunter3")))

	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, buf.String(), "hunter3")
	assert.Contains(t, buf.String(), "credential_event")
}

// --- SecretsStore ---

func TestSecretsStore_ReadsTOMLTable(t *testing.T) {
	t.Setenv(EnvSenderEmail, "")
	t.Setenv(EnvAppPassword, "")
	path := filepath.Join(t.TempDir(), "secrets.toml")
	content := "[email_credentials]\nsender_email = \"me@example.com\"\napp_password = \"abcd efgh\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s := NewSecretsStore(path)
	creds := s.Resolve(context.Background())
	require.Len(t, creds, 1)
	assert.Equal(t, "me@example.com", creds[0].Identity)
	assert.Equal(t, "abcd efgh", creds[0].Secret)

	_, ok := s.Lookup(context.Background(), "ME@example.com")
	assert.True(t, ok)
}

func TestSecretsStore_FallsBackToEnvironment(t *testing.T) {
	t.Setenv(EnvSenderEmail, "env@example.com")
	t.Setenv(EnvAppPassword, "from-env")

	s := NewSecretsStore(filepath.Join(t.TempDir(), "absent.toml"))
	creds := s.Resolve(context.Background())
	require.Len(t, creds, 1)
	assert.Equal(t, "env@example.com", creds[0].Identity)
	assert.Equal(t, "from-env", creds[0].Secret)
}

func TestSecretsStore_UnconfiguredIsEmpty(t *testing.T) {
	t.Setenv(EnvSenderEmail, "")
	t.Setenv(EnvAppPassword, "")

	s := NewSecretsStore("")
	assert.Empty(t, s.Resolve(context.Background()))
}

func TestSecretsStore_EmptySecretStillResolves(t *testing.T) {
	t.Setenv(EnvSenderEmail, "me@example.com")
	t.Setenv(EnvAppPassword, "")

	creds := NewSecretsStore("").Resolve(context.Background())
	require.Len(t, creds, 1)
	assert.ErrorIs(t, creds[0].Validate(), domain.ErrEmptySecret)
}

func TestSecretsStore_IsReadOnly(t *testing.T) {
	s := NewSecretsStore("")
	assert.ErrorIs(t, s.Add(context.Background(), domain.New("me@example.com", "pw")), domain.ErrReadOnly)
	assert.ErrorIs(t, s.Remove(context.Background(), "me@example.com"), domain.ErrReadOnly)
}

// --- MemoryStore ---

func TestMemoryStore_ReplaceAndClear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	assert.Empty(t, s.Resolve(ctx))

	require.NoError(t, s.Add(ctx, domain.New("one@example.com", "1")))
	require.NoError(t, s.Add(ctx, domain.New("two@example.com", "2")))
	assert.Equal(t, []string{"two@example.com"}, Identities(ctx, s))

	_, ok := s.Lookup(ctx, "one@example.com")
	assert.False(t, ok)

	assert.ErrorIs(t, s.Remove(ctx, "one@example.com"), domain.ErrNotFound)
	require.NoError(t, s.Remove(ctx, "two@example.com"))
	assert.Empty(t, s.Resolve(ctx))

	require.NoError(t, s.Add(ctx, domain.New("three@example.com", "3")))
	s.Clear()
	assert.Empty(t, s.Resolve(ctx))
}

func TestMemoryStore_RejectsInvalid(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.Add(context.Background(), domain.New("", "pw")), domain.ErrNotConfigured)
	assert.ErrorIs(t, s.Add(context.Background(), domain.New("me@example.com", "")), domain.ErrEmptySecret)
}
