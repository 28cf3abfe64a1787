package batch

import (
	"errors"
	"time"

	"bulkmail/internal/domain/recipient"
)

// Status is the terminal result of one recipient attempt.
type Status string

// Recipient statuses.
const (
	StatusSent           Status = "sent"
	StatusAuthFailed     Status = "auth_failed"
	StatusTransportError Status = "transport_error"
	StatusNotAttempted   Status = "not_attempted"
)

// State tracks where a batch is in its lifecycle.
type State string

// Batch states. Completed, AuthFailed and Cancelled are terminal.
const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateSending        State = "sending"
	StateCompleted      State = "completed"
	StateAuthFailed     State = "auth_failed"
	StateCancelled      State = "cancelled"
)

// Result is the caller-facing classification of a finished report.
type Result string

// Report classifications. Each must be rendered differently.
const (
	ResultAllSent    Result = "all_sent"
	ResultPartial    Result = "partial"
	ResultAuthFailed Result = "auth_failed"
	ResultCancelled  Result = "cancelled"
)

// Domain errors
var (
	ErrNotFound          = errors.New("batch not found")
	ErrInvalidTransition = errors.New("invalid batch state transition")
	ErrNothingToRetry    = errors.New("batch has no failed recipients to retry")
)

// Outcome records what happened to a single recipient.
type Outcome struct {
	Position    int // 0-based index in the submitted recipient list
	Recipient   recipient.Address
	Status      Status
	Detail      string // transport detail for failures; never contains secrets
	MessageID   string
	AttemptedAt time.Time
}

// Failed reports whether the recipient did not receive the message.
func (o Outcome) Failed() bool {
	return o.Status != StatusSent
}

// Retryable reports whether a later batch could reasonably succeed.
func (o Outcome) Retryable() bool {
	return o.Status == StatusTransportError || o.Status == StatusNotAttempted || o.Status == StatusAuthFailed
}

// Report summarises one batch.
// INVARIANT: Sent + len(Failed) == Total == len(Outcomes) once terminal.
type Report struct {
	ID          string
	Identity    string
	Subject     string
	Body        string
	Format      string
	RetryOf     string // ID of the batch this one retried, if any
	Total       int
	Sent        int
	Failed      []Outcome
	Outcomes    []Outcome
	State       State
	AbortReason string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// NewReport starts a report for total recipients.
func NewReport(id, identity, subject string, total int, startedAt time.Time) Report {
	return Report{
		ID:        id,
		Identity:  identity,
		Subject:   subject,
		Total:     total,
		State:     StateIdle,
		StartedAt: startedAt,
		Outcomes:  make([]Outcome, 0, total),
		Failed:    []Outcome{},
	}
}

var transitions = map[State][]State{
	StateIdle:           {StateAuthenticating, StateCancelled},
	StateAuthenticating: {StateSending, StateAuthFailed, StateCompleted, StateCancelled},
	StateSending:        {StateCompleted, StateCancelled},
}

// Transition moves the report to next.
// PRE: next is reachable from the current state
// POST: State is next, or ErrInvalidTransition and State unchanged
func (r *Report) Transition(next State) error {
	for _, s := range transitions[r.State] {
		if s == next {
			r.State = next
			return nil
		}
	}
	return ErrInvalidTransition
}

// Record appends an outcome and updates the counters.
// PRE: outcomes are recorded in position order
// POST: Sent or Failed reflects the new outcome
func (r *Report) Record(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Failed() {
		r.Failed = append(r.Failed, o)
		return
	}
	r.Sent++
}

// IsTerminal reports whether the batch has finished.
func (r Report) IsTerminal() bool {
	switch r.State {
	case StateCompleted, StateAuthFailed, StateCancelled:
		return true
	}
	return false
}

// Result classifies the finished report.
func (r Report) Result() Result {
	switch {
	case r.State == StateAuthFailed:
		return ResultAuthFailed
	case r.State == StateCancelled:
		return ResultCancelled
	case len(r.Failed) == 0:
		return ResultAllSent
	}
	return ResultPartial
}

// CountByStatus tallies outcomes by status.
func (r Report) CountByStatus() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, o := range r.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// RetryCandidates lists recipients from retryable failures in their original order.
func (r Report) RetryCandidates() []recipient.Address {
	var out []recipient.Address
	for _, o := range r.Failed {
		if o.Retryable() {
			out = append(out, o.Recipient)
		}
	}
	return out
}

// Duration is the wall-clock time the batch took.
func (r Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary is the list-view projection of a report.
type Summary struct {
	ID         string
	Identity   string
	Subject    string
	Total      int
	Sent       int
	Failed     int
	State      State
	RetryOf    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Summary projects the report for history listings.
func (r Report) Summary() Summary {
	return Summary{
		ID:         r.ID,
		Identity:   r.Identity,
		Subject:    r.Subject,
		Total:      r.Total,
		Sent:       r.Sent,
		Failed:     len(r.Failed),
		State:      r.State,
		RetryOf:    r.RetryOf,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// Result classifies the summarised batch the same way Report.Result does.
func (s Summary) Result() Result {
	switch {
	case s.State == StateAuthFailed:
		return ResultAuthFailed
	case s.State == StateCancelled:
		return ResultCancelled
	case s.Failed == 0:
		return ResultAllSent
	}
	return ResultPartial
}
