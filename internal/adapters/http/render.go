package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/csrf"

	"bulkmail/internal/adapters/http/middleware"
	"bulkmail/internal/domain/batch"
)

//go:embed templates/*.html static/*
var assets embed.FS

// pageTemplates lists the pages rendered inside layout.html.
var pageTemplates = []string{
	"compose.html",
	"preview.html",
	"report.html",
	"batches.html",
	"login.html",
}

var funcMap = template.FuncMap{
	"add": func(a, b int) int { return a + b },
	"sub": func(a, b int) int { return a - b },
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Local().Format("2006-01-02 15:04:05")
	},
	"resultLabel": resultLabel,
	"statusLabel": statusLabel,
	"pageQuery": func(base url.Values, page int) template.URL {
		q := url.Values{}
		for k, v := range base {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(page))
		return template.URL(q.Encode())
	},
}

func parsePages() (map[string]*template.Template, error) {
	pages := make(map[string]*template.Template, len(pageTemplates))
	for _, name := range pageTemplates {
		tpl, err := template.New("layout.html").Funcs(funcMap).ParseFS(assets, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		pages[name] = tpl
	}
	return pages, nil
}

// pageData is the root value every template receives.
type pageData struct {
	Title        string
	CSRFField    template.HTML
	LoginEnabled bool
	LoggedIn     bool
	Sending      bool
	LastBatchID  string
	Flash        string
	Error        string
	Data         any
}

func (s *Server) page(r *http.Request, title string, data any) pageData {
	p := pageData{
		Title:        title,
		CSRFField:    csrf.TemplateField(r),
		LoginEnabled: s.LoginEnabled(),
		Data:         data,
	}
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		p.LoggedIn = sess.LoggedIn()
		p.Sending = sess.Sending()
		p.LastBatchID = sess.LastBatchID()
	}
	return p
}

// render executes a page into a buffer first so a template error never
// leaves a half-written response.
func (s *Server) render(w http.ResponseWriter, status int, name string, data pageData) {
	tpl, ok := s.pages[name]
	if !ok {
		internalError(w, fmt.Errorf("unknown template %q", name))
		return
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		internalError(w, fmt.Errorf("render %s: %w", name, err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// internalError logs the real error and returns a generic message to the client.
func internalError(w http.ResponseWriter, err error) {
	slog.Error("internal_error", "error", err.Error())
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func resultLabel(r batch.Result) string {
	switch r {
	case batch.ResultAllSent:
		return "All sent"
	case batch.ResultPartial:
		return "Sent with failures"
	case batch.ResultAuthFailed:
		return "Aborted: authentication failed"
	case batch.ResultCancelled:
		return "Cancelled"
	}
	return string(r)
}

func statusLabel(s batch.Status) string {
	switch s {
	case batch.StatusSent:
		return "Sent"
	case batch.StatusAuthFailed:
		return "Authentication failed"
	case batch.StatusTransportError:
		return "Delivery error"
	case batch.StatusNotAttempted:
		return "Not attempted"
	}
	return string(s)
}
