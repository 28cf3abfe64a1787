package web

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"bulkmail/internal/adapters/credentials"
	"bulkmail/internal/adapters/http/middleware"
	"bulkmail/internal/adapters/recipients"
	"bulkmail/internal/application/orchestrators"
	"bulkmail/internal/domain/credential"
	"bulkmail/internal/domain/message"
	"bulkmail/internal/domain/recipient"
)

// composeForm echoes the operator's input back when the form is re-rendered.
type composeForm struct {
	Account string
	Subject string
	Format  string
	Body    string
}

type composeView struct {
	Backend         string
	Accounts        []string
	SessionIdentity string
	CanEditAccounts bool
	Formats         []message.Format
	MaxUploadMB     int64
	Form            composeForm
}

func (s *Server) composeView(r *http.Request, sess *middleware.Session, form composeForm) composeView {
	v := composeView{
		Backend:         s.opts.Backend,
		CanEditAccounts: s.opts.Backend == BackendFile,
		Formats:         []message.Format{message.FormatPlainText, message.FormatHTML, message.FormatMarkdown},
		MaxUploadMB:     s.opts.MaxUploadBytes >> 20,
		Form:            form,
	}
	if s.opts.Backend == BackendSession {
		if creds := sess.Credentials.Resolve(r.Context()); len(creds) > 0 {
			v.SessionIdentity = creds[0].Identity
		}
	} else {
		v.Accounts = credentials.Identities(r.Context(), s.opts.Credentials)
	}
	if v.Form.Format == "" {
		v.Form.Format = string(message.FormatPlainText)
	}
	return v
}

// handleCompose renders the compose form (GET /).
func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		internalError(w, errors.New("no session"))
		return
	}
	p := s.page(r, "Compose", s.composeView(r, sess, composeForm{}))
	p.Flash = r.URL.Query().Get("flash")
	s.render(w, http.StatusOK, "compose.html", p)
}

// handleSend runs one batch from the multipart compose form (POST /send).
// One batch per session at a time; a second concurrent submit gets 409.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		internalError(w, errors.New("no session"))
		return
	}
	if !sess.TryBeginSend() {
		http.Error(w, "A batch is already being sent from this browser session.", http.StatusConflict)
		return
	}
	defer sess.EndSend()

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+formOverhead)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		status := http.StatusBadRequest
		msg := "The form could not be read."
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
			msg = "The recipient file is too large."
		}
		s.composeError(w, r, sess, composeForm{}, status, msg)
		return
	}
	defer r.MultipartForm.RemoveAll()

	form := composeForm{
		Account: strings.TrimSpace(r.FormValue("account")),
		Subject: r.FormValue("subject"),
		Format:  r.FormValue("format"),
		Body:    r.FormValue("body"),
	}

	cred, err := s.resolveSender(r, sess, form.Account)
	if err != nil {
		s.composeError(w, r, sess, form, http.StatusUnprocessableEntity, userMessage(err))
		return
	}

	format, err := message.ParseFormat(form.Format)
	if err != nil {
		s.composeError(w, r, sess, form, http.StatusUnprocessableEntity, userMessage(err))
		return
	}
	msg, err := message.Compose(form.Subject, form.Body, format)
	if err != nil {
		s.composeError(w, r, sess, form, http.StatusUnprocessableEntity, userMessage(err))
		return
	}

	file, header, err := r.FormFile("recipients")
	if err != nil {
		s.composeError(w, r, sess, form, http.StatusUnprocessableEntity, "Choose a recipient file (.xlsx or .csv).")
		return
	}
	defer file.Close()
	addrs, err := recipients.Load(r.Context(), header.Filename, file)
	if err != nil {
		s.composeError(w, r, sess, form, http.StatusUnprocessableEntity, userMessage(err))
		return
	}
	slog.Info("recipient_event", "event", "list_loaded", "file", header.Filename, "count", len(addrs))

	report, err := orchestrators.ExecuteSendAll(r.Context(), orchestrators.SendAllInput{
		Credential: cred,
		Recipients: addrs,
		Message:    msg,
	}, s.sendDeps())
	if err != nil {
		s.composeError(w, r, sess, form, http.StatusUnprocessableEntity, userMessage(err))
		return
	}
	sess.SetLastReport(report)
	http.Redirect(w, r, "/batches/"+report.ID, http.StatusSeeOther)
}

// resolveSender picks the credential for a send. An empty account selects the
// only configured credential.
func (s *Server) resolveSender(r *http.Request, sess *middleware.Session, account string) (credential.Credential, error) {
	store := s.credentialStore(sess)
	if account != "" {
		c, ok := store.Lookup(r.Context(), account)
		if !ok {
			return credential.Credential{}, credential.ErrNotFound
		}
		return c, nil
	}
	creds := store.Resolve(r.Context())
	switch len(creds) {
	case 0:
		return credential.Credential{}, credential.ErrNotConfigured
	case 1:
		return creds[0], nil
	}
	return credential.Credential{}, errChooseAccount
}

var errChooseAccount = errors.New("choose a sender account")

func (s *Server) composeError(w http.ResponseWriter, r *http.Request, sess *middleware.Session, form composeForm, status int, msg string) {
	p := s.page(r, "Compose", s.composeView(r, sess, form))
	p.Error = msg
	s.render(w, status, "compose.html", p)
}

type previewView struct {
	Subject string
	Format  message.Format
	HTML    template.HTML
	Text    string
	Form    composeForm
}

var (
	previewPolicy     *bluemonday.Policy
	previewPolicyOnce sync.Once
)

// sanitizePreview strips scripts and event handlers from operator HTML
// before it is shown in the UI.
func sanitizePreview(html string) template.HTML {
	previewPolicyOnce.Do(func() {
		previewPolicy = bluemonday.UGCPolicy()
	})
	return template.HTML(previewPolicy.Sanitize(html))
}

// handlePreview shows the composed message without sending it (POST /preview).
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		internalError(w, errors.New("no session"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes+formOverhead)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	form := composeForm{
		Account: r.FormValue("account"),
		Subject: r.FormValue("subject"),
		Format:  r.FormValue("format"),
		Body:    r.FormValue("body"),
	}
	format, err := message.ParseFormat(form.Format)
	if err != nil {
		s.composeError(w, r, sess, form, http.StatusUnprocessableEntity, userMessage(err))
		return
	}
	msg, err := message.Compose(form.Subject, form.Body, format)
	if err != nil {
		s.composeError(w, r, sess, form, http.StatusUnprocessableEntity, userMessage(err))
		return
	}
	view := previewView{
		Subject: msg.Subject(),
		Format:  msg.Format(),
		Text:    msg.Text(),
		Form:    form,
	}
	if msg.HasHTML() {
		view.HTML = sanitizePreview(msg.HTML())
	}
	s.render(w, http.StatusOK, "preview.html", s.page(r, "Preview", view))
}

// userMessage maps domain errors to text safe to show the operator.
// Unknown errors are logged and replaced by a generic message.
func userMessage(err error) string {
	switch {
	case errors.Is(err, credential.ErrNotConfigured):
		return "No sender account is configured. Add one first."
	case errors.Is(err, credential.ErrNotFound):
		return "The selected sender account no longer exists."
	case errors.Is(err, credential.ErrEmptySecret):
		return "The sender account has no password."
	case errors.Is(err, credential.ErrInvalidIdentity):
		return "The sender must be an email address."
	case errors.Is(err, credential.ErrDuplicateIdentity):
		return "That sender account already exists."
	case errors.Is(err, credential.ErrReadOnly):
		return "Accounts are managed outside this application."
	case errors.Is(err, credentials.ErrSecretDelimiter):
		return "Passwords containing ':' cannot be stored in the credential file."
	case errors.Is(err, errChooseAccount):
		return "Choose a sender account."
	case errors.Is(err, message.ErrEmptySubject):
		return "A subject is required."
	case errors.Is(err, message.ErrUnknownFormat):
		return "Unknown body format."
	case errors.Is(err, recipients.ErrUnsupportedFormat):
		return "Recipient files must be .xlsx or .csv."
	case errors.Is(err, recipient.ErrMalformedFile):
		return "The recipient file could not be read."
	case errors.Is(err, recipient.ErrNoRecipients):
		return "The recipient file has no addresses in its first column."
	}
	slog.Error("internal_error", "error", err.Error())
	return "Something went wrong. Check the server log."
}
