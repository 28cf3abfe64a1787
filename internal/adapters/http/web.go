package web

import (
	"context"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/google/uuid"

	"bulkmail/internal/adapters/credentials"
	"bulkmail/internal/adapters/email"
	"bulkmail/internal/adapters/http/middleware"
	"bulkmail/internal/adapters/http/perf"
	batchStore "bulkmail/internal/adapters/storage/batch"
	"bulkmail/internal/application/orchestrators"
)

// Credential backends accepted by Options.Backend.
const (
	BackendFile    = "file"
	BackendSecrets = "secrets"
	BackendSession = "session"
)

// DefaultMaxUploadBytes caps recipient uploads when Options leaves it unset.
const DefaultMaxUploadBytes = 10 << 20

// formOverhead is the allowance for the text fields sent alongside an upload.
const formOverhead = 1 << 20

// Options wires the server's collaborators and settings.
type Options struct {
	Backend     string            // file, secrets or session
	Credentials credentials.Store // shared store; ignored for the session backend
	Transport   email.Transport
	Batches     batchStore.Store
	Collector   *perf.Collector // optional
	Health      func(ctx context.Context) error

	CSRFKey        []byte // 32 bytes
	SecureCookies  bool
	TrustedOrigins []string
	PasswordHash   string // bcrypt; empty disables the login gate
	RateLimit      int    // requests per second per IP
	MaxUploadBytes int64
	SendDelay      time.Duration
	SubmitTimeout  time.Duration

	Now        func() time.Time
	GenerateID func() string
}

// Server is the web UI. All request state lives in sessions; the Server
// itself is read-only after New.
type Server struct {
	opts     Options
	sessions *middleware.SessionStore
	limiter  *middleware.RateLimiter
	pages    map[string]*template.Template
	static   fs.FS
}

// New validates options and parses the embedded templates.
// PRE: Transport and Batches are non-nil; CSRFKey is 32 bytes
// POST: Returns a Server ready to serve Handler()
func New(opts Options) (*Server, error) {
	switch {
	case opts.Transport == nil:
		return nil, errors.New("web: transport is required")
	case opts.Batches == nil:
		return nil, errors.New("web: batch store is required")
	case len(opts.CSRFKey) != 32:
		return nil, errors.New("web: CSRF key must be 32 bytes")
	}
	switch opts.Backend {
	case BackendSession:
	case BackendFile, BackendSecrets:
		if opts.Credentials == nil {
			return nil, errors.New("web: credential store is required for the " + opts.Backend + " backend")
		}
	default:
		return nil, errors.New("web: unknown credential backend " + opts.Backend)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.GenerateID == nil {
		opts.GenerateID = func() string { return uuid.New().String() }
	}

	pages, err := parsePages()
	if err != nil {
		return nil, err
	}
	static, err := fs.Sub(assets, "static")
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:     opts,
		sessions: middleware.NewSessionStore(),
		limiter:  middleware.NewRateLimiter(opts.RateLimit, time.Second),
		pages:    pages,
		static:   static,
	}, nil
}

// Sessions exposes the session store so the caller can purge idle sessions.
func (s *Server) Sessions() *middleware.SessionStore {
	return s.sessions
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

// LoginEnabled reports whether an operator password gates the UI.
func (s *Server) LoginEnabled() bool {
	return s.opts.PasswordHash != ""
}

// Handler returns the routed handler wrapped in the middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	// Outer to inner: Timing -> RateLimit -> SecurityHeaders -> MaxBody -> CSRF -> Sessions -> RequireLogin -> mux
	return middleware.Chain(mux,
		middleware.RequireLogin(s.LoginEnabled()),
		middleware.Sessions(s.sessions, s.opts.SecureCookies),
		middleware.CSRF(s.opts.CSRFKey, s.opts.SecureCookies, s.opts.TrustedOrigins),
		middleware.MaxBody(s.opts.MaxUploadBytes+formOverhead),
		middleware.SecurityHeaders,
		middleware.RateLimit(s.limiter),
		middleware.Timing(s.opts.Collector),
	)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(s.static)))

	mux.HandleFunc("GET /{$}", s.handleCompose)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /preview", s.handlePreview)

	mux.HandleFunc("POST /accounts", s.handleAddAccount)
	mux.HandleFunc("POST /accounts/delete", s.handleDeleteAccount)
	mux.HandleFunc("POST /session/credentials", s.handleSetSessionCredentials)
	mux.HandleFunc("POST /session/credentials/clear", s.handleClearSessionCredentials)

	mux.HandleFunc("GET /batches", s.handleBatches)
	mux.HandleFunc("GET /batches/{id}", s.handleBatchReport)
	mux.HandleFunc("POST /batches/{id}/retry", s.handleRetry)

	mux.HandleFunc("GET /login", s.handleLoginForm)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /debug/perf", s.handlePerf)
}

// sendDeps builds the orchestrator dependencies shared by send and retry.
func (s *Server) sendDeps() orchestrators.SendAllDeps {
	deps := orchestrators.SendAllDeps{
		Transport:     s.opts.Transport,
		Reports:       s.opts.Batches,
		Delay:         s.opts.SendDelay,
		SubmitTimeout: s.opts.SubmitTimeout,
		Now:           s.opts.Now,
		GenerateID:    s.opts.GenerateID,
	}
	if s.opts.Collector != nil {
		deps.Recorder = s.opts.Collector
	}
	return deps
}

// credentialStore returns the store a session's sends and account edits use.
func (s *Server) credentialStore(sess *middleware.Session) credentials.Store {
	if s.opts.Backend == BackendSession {
		return sess.Credentials
	}
	return s.opts.Credentials
}
