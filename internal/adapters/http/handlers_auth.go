package web

import (
	"errors"
	"net/http"

	"bulkmail/internal/adapters/http/middleware"
	"bulkmail/internal/application/orchestrators"
)

// handleLoginForm renders the operator login form (GET /login).
func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	if !s.LoginEnabled() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if sess, ok := middleware.SessionFromContext(r.Context()); ok && sess.LoggedIn() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.render(w, http.StatusOK, "login.html", s.page(r, "Log in", nil))
}

// handleLogin checks the operator password (POST /login).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.LoginEnabled() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		internalError(w, errors.New("no session"))
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}

	err := orchestrators.ExecuteLogin(r.Context(), orchestrators.LoginInput{
		Password: r.FormValue("password"),
		RemoteIP: middleware.ClientIP(r),
	}, orchestrators.LoginDeps{PasswordHash: s.opts.PasswordHash})
	if err != nil {
		p := s.page(r, "Log in", nil)
		p.Error = "Incorrect password."
		s.render(w, http.StatusUnauthorized, "login.html", p)
		return
	}

	// New token on privilege change.
	if err := s.sessions.Rotate(sess); err != nil {
		internalError(w, err)
		return
	}
	sess.SetLoggedIn(true)
	middleware.SetSessionCookie(w, sess, s.opts.SecureCookies)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout ends the session and drops its credentials (POST /logout).
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		s.sessions.Delete(sess)
	}
	middleware.ClearSessionCookie(w, s.opts.SecureCookies)
	target := "/"
	if s.LoginEnabled() {
		target = "/login"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
