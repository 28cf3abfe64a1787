package credentials

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	domain "bulkmail/internal/domain/credential"
)

// ErrSecretDelimiter is returned when a secret cannot be written to the file format.
var ErrSecretDelimiter = errors.New("secret must not contain ':'")

// FileStore keeps multiple accounts in a flat file of identity:secret lines.
// A secret containing ':' cannot be stored.
type FileStore struct {
	path string

	mu    sync.RWMutex
	creds map[string]domain.Credential // keyed by lower-cased identity
}

// NewFileStore creates a new FileStore. Nothing is read until Load.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, creds: make(map[string]domain.Credential)}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load replaces the in-memory set with the file contents.
// PRE: none
// POST: A missing file yields an empty store; later lines overwrite earlier ones for the same identity
func (s *FileStore) Load(ctx context.Context) error {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.creds = make(map[string]domain.Credential)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("open credential file: %w", err)
	}
	defer f.Close()

	creds := make(map[string]domain.Credential)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.Count(line, ":") != 1 {
			slog.Warn("credential_event", "event", "line_skipped", "path", s.path, "line", lineNo)
			continue
		}
		identity, secret, _ := strings.Cut(line, ":")
		c := domain.New(identity, secret)
		if c.Identity == "" {
			continue
		}
		creds[strings.ToLower(c.Identity)] = c
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}

	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	slog.Info("credential_event", "event", "loaded", "path", s.path, "count", len(creds))
	return nil
}

// Persist writes every record as identity:secret sorted by identity.
// PRE: none
// POST: The file is replaced atomically with mode 0600
func (s *FileStore) Persist(ctx context.Context) error {
	creds := s.Resolve(ctx)

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credential file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, c := range creds {
		fmt.Fprintf(w, "%s:%s\n", c.Identity, c.Secret)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credential file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	slog.Info("credential_event", "event", "persisted", "path", s.path, "count", len(creds))
	return nil
}

// Resolve returns all credentials sorted by identity.
func (s *FileStore) Resolve(_ context.Context) []domain.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Identity) < strings.ToLower(out[j].Identity)
	})
	return out
}

// Add validates and stores a new account, then persists the file.
// PRE: c.Identity is not already present
// POST: The account is stored and written to disk
func (s *FileStore) Add(ctx context.Context, c domain.Credential) error {
	c = domain.New(c.Identity, c.Secret)
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.Contains(c.Secret, ":") {
		return ErrSecretDelimiter
	}
	key := strings.ToLower(c.Identity)

	s.mu.Lock()
	if _, exists := s.creds[key]; exists {
		s.mu.Unlock()
		return domain.ErrDuplicateIdentity
	}
	s.creds[key] = c
	s.mu.Unlock()

	if err := s.Persist(ctx); err != nil {
		s.mu.Lock()
		delete(s.creds, key)
		s.mu.Unlock()
		return err
	}
	slog.Info("credential_event", "event", "added", "identity", c.Identity)
	return nil
}

// Remove deletes an account and persists the file.
func (s *FileStore) Remove(ctx context.Context, identity string) error {
	key := strings.ToLower(strings.TrimSpace(identity))

	s.mu.Lock()
	prev, exists := s.creds[key]
	if !exists {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.creds, key)
	s.mu.Unlock()

	if err := s.Persist(ctx); err != nil {
		s.mu.Lock()
		s.creds[key] = prev
		s.mu.Unlock()
		return err
	}
	slog.Info("credential_event", "event", "removed", "identity", prev.Identity)
	return nil
}

// Lookup finds an account by identity.
func (s *FileStore) Lookup(_ context.Context, identity string) (domain.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[strings.ToLower(strings.TrimSpace(identity))]
	return c, ok
}
