package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"bulkmail/internal/adapters/credentials"
	"bulkmail/internal/domain/batch"
)

// contextKey is an unexported type for context keys in this package.
type contextKey string

const sessionContextKey contextKey = "session"

// SessionTTL is how long an idle browser session survives.
const SessionTTL = 24 * time.Hour

const sessionCookieName = "bulkmail_session"

// Session is the per-browser state: ephemeral credentials, the login flag,
// the last batch and whether a batch is running.
// INVARIANT: at most one batch runs per session
type Session struct {
	Credentials *credentials.MemoryStore
	CreatedAt   time.Time

	token      string
	mu         sync.Mutex
	lastSeen   time.Time
	loggedIn   bool
	lastReport *batch.Report
	batchIDs   []string // every batch sent from this session, oldest first
	sending    bool
}

func newSession(token string, now time.Time) *Session {
	return &Session{
		Credentials: credentials.NewMemoryStore(),
		CreatedAt:   now,
		token:       token,
		lastSeen:    now,
	}
}

// LoggedIn reports whether the operator password was accepted in this session.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// SetLoggedIn records the login state.
func (s *Session) SetLoggedIn(v bool) {
	s.mu.Lock()
	s.loggedIn = v
	s.mu.Unlock()
}

// TryBeginSend marks the session as sending.
// PRE: none
// POST: Returns false, without changing state, if a batch is already running
func (s *Session) TryBeginSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sending {
		return false
	}
	s.sending = true
	return true
}

// EndSend clears the sending flag.
func (s *Session) EndSend() {
	s.mu.Lock()
	s.sending = false
	s.mu.Unlock()
}

// Sending reports whether a batch is running.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// SetLastReport keeps the most recent report for this session and records
// the session as the owner of its batch.
func (s *Session) SetLastReport(r batch.Report) {
	s.mu.Lock()
	s.lastReport = &r
	if !slices.Contains(s.batchIDs, r.ID) {
		s.batchIDs = append(s.batchIDs, r.ID)
	}
	s.mu.Unlock()
}

// OwnsBatch reports whether the batch was sent from this session.
func (s *Session) OwnsBatch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.batchIDs, id)
}

// BatchIDs returns the IDs of every batch sent from this session.
func (s *Session) BatchIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.batchIDs)
}

// LastReport returns the most recent report, if any.
func (s *Session) LastReport() (batch.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return batch.Report{}, false
	}
	return *s.lastReport, true
}

// LastBatchID returns the ID of the most recent batch, or "".
func (s *Session) LastBatchID() string {
	r, ok := s.LastReport()
	if !ok {
		return ""
	}
	return r.ID
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) > SessionTTL && !s.sending
}

// discard drops everything the session holds.
func (s *Session) discard() {
	s.Credentials.Clear()
	s.mu.Lock()
	s.loggedIn = false
	s.lastReport = nil
	s.batchIDs = nil
	s.mu.Unlock()
}

// SessionStore is an in-memory session store.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create stores a new, empty session.
// PRE: none
// POST: Session is stored under a fresh random token
func (ss *SessionStore) Create() (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	sess := newSession(token, ss.now())
	ss.mu.Lock()
	ss.sessions[token] = sess
	ss.mu.Unlock()
	return sess, nil
}

// Get retrieves a live session by token and refreshes its idle timer.
// PRE: none
// POST: Expired sessions are discarded and not returned
func (ss *SessionStore) Get(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	now := ss.now()
	ss.mu.Lock()
	defer ss.mu.Unlock()
	sess, ok := ss.sessions[token]
	if !ok {
		return nil, false
	}
	if sess.expired(now) {
		delete(ss.sessions, token)
		sess.discard()
		return nil, false
	}
	sess.touch(now)
	return sess, true
}

// Delete ends a session and drops its credentials.
// PRE: none
// POST: Session with given token is removed
func (ss *SessionStore) Delete(sess *Session) {
	if sess == nil {
		return
	}
	ss.mu.Lock()
	delete(ss.sessions, sess.token)
	ss.mu.Unlock()
	sess.discard()
}

// Rotate moves a session to a new token, keeping its state.
// PRE: sess came from this store
// POST: The old token no longer resolves
func (ss *SessionStore) Rotate(sess *Session) error {
	token, err := generateToken()
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, sess.token)
	sess.token = token
	ss.sessions[token] = sess
	return nil
}

// Len returns the number of stored sessions.
func (ss *SessionStore) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

// PurgeExpired discards idle sessions and returns how many were removed.
func (ss *SessionStore) PurgeExpired() int {
	now := ss.now()
	ss.mu.Lock()
	var gone []*Session
	for token, sess := range ss.sessions {
		if sess.expired(now) {
			delete(ss.sessions, token)
			gone = append(gone, sess)
		}
	}
	ss.mu.Unlock()
	for _, sess := range gone {
		sess.discard()
	}
	if len(gone) > 0 {
		slog.Info("session_event", "event", "purged", "count", len(gone))
	}
	return len(gone)
}

// Sessions returns middleware that attaches a session to every request,
// creating one and setting its cookie when the browser has none.
func Sessions(store *SessionStore, secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sess *Session
			if cookie, err := r.Cookie(sessionCookieName); err == nil {
				sess, _ = store.Get(cookie.Value)
			}
			if sess == nil {
				var err error
				if sess, err = store.Create(); err != nil {
					slog.Error("session_event", "event", "create_failed", "error", err.Error())
					http.Error(w, "internal server error", http.StatusInternalServerError)
					return
				}
				SetSessionCookie(w, sess, secure)
			}
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
		})
	}
}

// RequireLogin returns middleware that sends browsers without a logged-in
// session to /login. It is a no-op when enabled is false.
func RequireLogin(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			sess, ok := SessionFromContext(r.Context())
			if !ok || !sess.LoggedIn() {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isPublicPath(path string) bool {
	return path == "/login" || path == "/healthz" || strings.HasPrefix(path, "/static/")
}

// SessionFromContext extracts the session from the request context.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*Session)
	return sess, ok && sess != nil
}

// ContextWithSession returns a context carrying the given session.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// SetSessionCookie sets the session cookie on the response.
func SetSessionCookie(w http.ResponseWriter, sess *Session, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.token,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
		MaxAge:   int(SessionTTL / time.Second),
	})
}

// ClearSessionCookie removes the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
		MaxAge:   -1,
	})
}

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
