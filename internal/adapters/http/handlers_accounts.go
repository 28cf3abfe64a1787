package web

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"bulkmail/internal/adapters/http/middleware"
	"bulkmail/internal/domain/credential"
)

func redirectHome(w http.ResponseWriter, r *http.Request, flash string) {
	http.Redirect(w, r, "/?flash="+url.QueryEscape(flash), http.StatusSeeOther)
}

// handleAddAccount adds a sender to the shared file-backed store (POST /accounts).
func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		internalError(w, errors.New("no session"))
		return
	}
	if s.opts.Backend == BackendSession {
		http.Error(w, "Accounts are per-session; use the session credentials form.", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	c := credential.New(r.FormValue("identity"), r.FormValue("secret"))
	if err := s.opts.Credentials.Add(r.Context(), c); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, credential.ErrReadOnly) {
			status = http.StatusMethodNotAllowed
		}
		s.composeError(w, r, sess, composeForm{}, status, userMessage(err))
		return
	}
	slog.Info("credential_event", "event", "account_added", "identity", c.Identity, "remote_ip", middleware.ClientIP(r))
	redirectHome(w, r, "Added "+c.Identity)
}

// handleDeleteAccount removes a sender from the shared store (POST /accounts/delete).
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		internalError(w, errors.New("no session"))
		return
	}
	if s.opts.Backend == BackendSession {
		http.Error(w, "Accounts are per-session; use the session credentials form.", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	identity := strings.TrimSpace(r.FormValue("identity"))
	if err := s.opts.Credentials.Remove(r.Context(), identity); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, credential.ErrReadOnly) {
			status = http.StatusMethodNotAllowed
		}
		s.composeError(w, r, sess, composeForm{}, status, userMessage(err))
		return
	}
	slog.Info("credential_event", "event", "account_removed", "identity", identity, "remote_ip", middleware.ClientIP(r))
	redirectHome(w, r, "Removed "+identity)
}

// handleSetSessionCredentials stores a sender for this browser session only
// (POST /session/credentials).
func (s *Server) handleSetSessionCredentials(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		internalError(w, errors.New("no session"))
		return
	}
	if s.opts.Backend != BackendSession {
		http.Error(w, "Session credentials are disabled for this server.", http.StatusNotFound)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	c := credential.New(r.FormValue("identity"), r.FormValue("secret"))
	if err := sess.Credentials.Add(r.Context(), c); err != nil {
		s.composeError(w, r, sess, composeForm{}, http.StatusUnprocessableEntity, userMessage(err))
		return
	}
	slog.Info("credential_event", "event", "session_credentials_set", "identity", c.Identity)
	redirectHome(w, r, "Sending as "+c.Identity+" for this session")
}

// handleClearSessionCredentials forgets the session sender (POST /session/credentials/clear).
func (s *Server) handleClearSessionCredentials(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		internalError(w, errors.New("no session"))
		return
	}
	if s.opts.Backend != BackendSession {
		http.Error(w, "Session credentials are disabled for this server.", http.StatusNotFound)
		return
	}
	sess.Credentials.Clear()
	slog.Info("credential_event", "event", "session_credentials_cleared")
	redirectHome(w, r, "Session credentials cleared")
}
