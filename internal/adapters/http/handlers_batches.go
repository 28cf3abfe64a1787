package web

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"bulkmail/internal/adapters/http/middleware"
	batchStore "bulkmail/internal/adapters/storage/batch"
	"bulkmail/internal/application/listutil"
	"bulkmail/internal/application/orchestrators"
	"bulkmail/internal/domain/batch"
	"bulkmail/internal/domain/credential"
)

type batchesView struct {
	Rows   []batch.Summary
	Page   listutil.PageInfo
	Params listutil.Params
	Query  url.Values // filters to carry across page links
	States []batch.State
}

// handleBatches lists past batches, newest first (GET /batches). With
// session credentials a browser only sees the batches it sent.
func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	params := listutil.Parse(r.URL.Query(), "state", "identity")
	filter := batchStore.ListFilter{
		Identity: params.Filters["identity"],
		State:    batch.State(params.Filters["state"]),
		Search:   params.Search,
	}

	scoped := s.opts.Backend == BackendSession
	if scoped && sess != nil {
		filter.IDs = sess.BatchIDs()
	}

	total := 0
	rows := []batch.Summary{}
	if !scoped || len(filter.IDs) > 0 {
		var err error
		if total, err = s.opts.Batches.Count(r.Context(), filter); err != nil {
			internalError(w, err)
			return
		}
	}
	page := listutil.NewPageInfo(params.Page, params.PerPage, total)
	if total > 0 {
		filter.Limit = page.PerPage
		filter.Offset = page.Offset()
		var err error
		if rows, err = s.opts.Batches.List(r.Context(), filter); err != nil {
			internalError(w, err)
			return
		}
	}

	q := url.Values{}
	for k, v := range params.Filters {
		q.Set(k, v)
	}
	if params.Search != "" {
		q.Set("q", params.Search)
	}
	q.Set("per_page", strconv.Itoa(page.PerPage))

	s.render(w, http.StatusOK, "batches.html", s.page(r, "History", batchesView{
		Rows:   rows,
		Page:   page,
		Params: params,
		Query:  q,
		States: []batch.State{batch.StateCompleted, batch.StateAuthFailed, batch.StateCancelled},
	}))
}

type reportView struct {
	Report   batch.Report
	Result   batch.Result
	Counts   map[batch.Status]int
	CanRetry bool
}

// handleBatchReport renders one report (GET /batches/{id}).
func (s *Server) handleBatchReport(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())
	report, err := s.lookupReport(r.Context(), sess, r.PathValue("id"))
	if errors.Is(err, batch.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}
	s.render(w, http.StatusOK, "report.html", s.page(r, "Report", reportView{
		Report:   report,
		Result:   report.Result(),
		Counts:   report.CountByStatus(),
		CanRetry: len(report.RetryCandidates()) > 0,
	}))
}

// lookupReport prefers the store and falls back to the session's last report,
// which covers a batch whose save failed. With session credentials, batches
// sent from another browser session are reported as not found.
func (s *Server) lookupReport(ctx context.Context, sess *middleware.Session, id string) (batch.Report, error) {
	if s.opts.Backend == BackendSession && (sess == nil || !sess.OwnsBatch(id)) {
		return batch.Report{}, batch.ErrNotFound
	}
	report, err := s.opts.Batches.GetByID(ctx, id)
	if !errors.Is(err, batch.ErrNotFound) {
		return report, err
	}
	if sess != nil {
		if last, ok := sess.LastReport(); ok && last.ID == id {
			return last, nil
		}
	}
	return batch.Report{}, batch.ErrNotFound
}

// reportReader adapts lookupReport to orchestrators.BatchReader.
type reportReader struct {
	s    *Server
	sess *middleware.Session
}

func (rr reportReader) GetByID(ctx context.Context, id string) (batch.Report, error) {
	return rr.s.lookupReport(ctx, rr.sess, id)
}

// handleRetry resends a batch to its failed recipients only (POST /batches/{id}/retry).
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
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

	id := r.PathValue("id")
	prev, err := s.lookupReport(r.Context(), sess, id)
	if errors.Is(err, batch.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		internalError(w, err)
		return
	}

	cred, ok := s.credentialStore(sess).Lookup(r.Context(), prev.Identity)
	if !ok {
		s.retryError(w, r, prev, "The sender account of this batch is no longer configured.")
		return
	}

	report, err := orchestrators.ExecuteRetryFailed(r.Context(), orchestrators.RetryFailedInput{
		BatchID:    id,
		Credential: cred,
	}, orchestrators.RetryFailedDeps{
		Batches: reportReader{s: s, sess: sess},
		SendAll: s.sendDeps(),
	})
	switch {
	case errors.Is(err, batch.ErrNothingToRetry):
		s.retryError(w, r, prev, "Every recipient of this batch was sent; nothing to retry.")
		return
	case errors.Is(err, credential.ErrEmptySecret), errors.Is(err, credential.ErrNotConfigured):
		s.retryError(w, r, prev, userMessage(err))
		return
	case err != nil:
		internalError(w, err)
		return
	}
	sess.SetLastReport(report)
	http.Redirect(w, r, "/batches/"+report.ID, http.StatusSeeOther)
}

func (s *Server) retryError(w http.ResponseWriter, r *http.Request, prev batch.Report, msg string) {
	p := s.page(r, "Report", reportView{
		Report:   prev,
		Result:   prev.Result(),
		Counts:   prev.CountByStatus(),
		CanRetry: len(prev.RetryCandidates()) > 0,
	})
	p.Error = msg
	s.render(w, http.StatusUnprocessableEntity, "report.html", p)
}
