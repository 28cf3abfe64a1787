package orchestrators

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	emailAdapter "bulkmail/internal/adapters/email"
	"bulkmail/internal/domain/batch"
	"bulkmail/internal/domain/credential"
	"bulkmail/internal/domain/message"
	"bulkmail/internal/domain/recipient"
)

// DefaultSubmitTimeout bounds a single submission when no timeout is configured.
const DefaultSubmitTimeout = 2 * time.Minute

// ReportSaver persists finished batch reports.
type ReportSaver interface {
	Save(ctx context.Context, r batch.Report) error
}

// SubmitRecorder receives the timing of every transport submission.
type SubmitRecorder interface {
	RecordSubmit(d time.Duration, at time.Time, failed bool)
}

// SendAllInput carries one batch: a sender, its recipients and the message.
type SendAllInput struct {
	Credential credential.Credential
	Recipients []recipient.Address
	Message    message.Message
	RetryOf    string
}

// SendAllDeps holds dependencies for SendAll.
type SendAllDeps struct {
	Transport     emailAdapter.Transport
	Reports       ReportSaver    // optional
	Recorder      SubmitRecorder // optional
	Delay         time.Duration  // pause between recipients; 0 disables pacing
	SubmitTimeout time.Duration  // per-recipient bound; 0 means DefaultSubmitTimeout
	Now           func() time.Time
	GenerateID    func() string // nil means a random UUID
}

// ExecuteSendAll sends one message to every recipient over a single
// authenticated transport session.
// PRE: Credential has identity and secret; Recipients non-empty; Message composed
// POST: Returns a terminal report with one outcome per recipient, in input order;
//
//	the session, if opened, is closed before returning.
//
// INVARIANT: Sent + len(Failed) == len(Recipients); Submit is never called after an auth failure
func ExecuteSendAll(ctx context.Context, input SendAllInput, deps SendAllDeps) (batch.Report, error) {
	switch {
	case input.Credential.Identity == "":
		return batch.Report{}, credential.ErrNotConfigured
	case input.Credential.Secret == "":
		return batch.Report{}, credential.ErrEmptySecret
	case len(input.Recipients) == 0:
		return batch.Report{}, recipient.ErrNoRecipients
	case input.Message.IsZero():
		return batch.Report{}, message.ErrEmptySubject
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.GenerateID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	timeout := deps.SubmitTimeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}

	report := batch.NewReport(newID(), input.Credential.Identity, input.Message.Subject(), len(input.Recipients), now())
	report.Body = input.Message.Body()
	report.Format = string(input.Message.Format())
	report.RetryOf = input.RetryOf

	slog.Info("send_event", "event", "batch_started", "batch_id", report.ID, "identity", report.Identity, "recipients", report.Total, "retry_of", report.RetryOf)

	run := &batchRun{
		ctx:     ctx,
		input:   input,
		deps:    deps,
		now:     now,
		timeout: timeout,
		report:  &report,
	}
	run.execute()

	report.FinishedAt = now()
	slog.Info("send_event", "event", "batch_finished",
		"batch_id", report.ID,
		"state", report.State,
		"result", report.Result(),
		"sent", report.Sent,
		"failed", len(report.Failed),
		"duration_ms", report.Duration().Milliseconds(),
	)

	if deps.Reports != nil {
		// Saved even when the caller has cancelled.
		if err := deps.Reports.Save(context.WithoutCancel(ctx), report); err != nil {
			slog.Error("send_event", "event", "report_save_failed", "batch_id", report.ID, "error", err)
		}
	}
	return report, nil
}

// batchRun holds the mutable state of one ExecuteSendAll call.
type batchRun struct {
	ctx     context.Context
	input   SendAllInput
	deps    SendAllDeps
	now     func() time.Time
	timeout time.Duration
	report  *batch.Report
}

func (b *batchRun) execute() {
	if b.ctx.Err() != nil {
		b.cancelFrom(0)
		return
	}

	b.transition(batch.StateAuthenticating)
	session, err := b.deps.Transport.Open(b.ctx, b.input.Credential.Identity, b.input.Credential.Secret)
	if err != nil {
		b.openFailed(err)
		return
	}
	defer b.closeSession(session)

	b.transition(batch.StateSending)
	for i, to := range b.input.Recipients {
		if b.ctx.Err() != nil {
			b.cancelFrom(i)
			return
		}
		if i > 0 && b.deps.Delay > 0 && !b.pause() {
			b.cancelFrom(i)
			return
		}
		b.report.Record(b.submit(session, i, to))
	}
	b.transition(batch.StateCompleted)
}

// openFailed records the whole batch as failed without calling Submit.
func (b *batchRun) openFailed(err error) {
	switch {
	case errors.Is(err, emailAdapter.ErrAuthFailed):
		b.failAll(batch.StatusAuthFailed, err.Error())
		b.report.AbortReason = err.Error()
		b.transition(batch.StateAuthFailed)
		slog.Warn("send_event", "event", "auth_failed", "batch_id", b.report.ID, "identity", b.report.Identity, "error", err)
	case b.ctx.Err() != nil:
		b.cancelFrom(0)
	default:
		b.failAll(batch.StatusTransportError, err.Error())
		b.report.AbortReason = err.Error()
		b.transition(batch.StateCompleted)
		slog.Error("send_event", "event", "connect_failed", "batch_id", b.report.ID, "error", err)
	}
}

// submit performs one attempt under the per-recipient timeout.
func (b *batchRun) submit(session emailAdapter.Session, pos int, to recipient.Address) batch.Outcome {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	start := b.now()
	wall := time.Now()
	res, err := session.Submit(ctx, b.input.Message.Materialize(b.input.Credential.Identity, to))
	elapsed := time.Since(wall)
	if b.deps.Recorder != nil {
		b.deps.Recorder.RecordSubmit(elapsed, wall, err != nil)
	}

	outcome := batch.Outcome{Position: pos, Recipient: to, AttemptedAt: start}
	if err != nil {
		outcome.Status = batch.StatusTransportError
		outcome.Detail = err.Error()
		slog.Warn("send_event", "event", "recipient_failed", "batch_id", b.report.ID, "position", pos, "to", to.String(), "error", err)
	} else {
		outcome.Status = batch.StatusSent
		outcome.MessageID = res.MessageID
		slog.Debug("send_event", "event", "recipient_sent", "batch_id", b.report.ID, "position", pos, "to", to.String(), "message_id", res.MessageID)
	}
	return outcome
}

// pause waits for the configured delay and reports false if cancelled first.
func (b *batchRun) pause() bool {
	t := time.NewTimer(b.deps.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// cancelFrom marks recipients from position i onwards as not attempted.
func (b *batchRun) cancelFrom(i int) {
	for pos := i; pos < len(b.input.Recipients); pos++ {
		b.report.Record(batch.Outcome{
			Position:  pos,
			Recipient: b.input.Recipients[pos],
			Status:    batch.StatusNotAttempted,
			Detail:    "batch cancelled",
		})
	}
	b.report.AbortReason = "cancelled: " + context.Cause(b.ctx).Error()
	b.transition(batch.StateCancelled)
	slog.Info("send_event", "event", "batch_cancelled", "batch_id", b.report.ID, "not_attempted", len(b.input.Recipients)-i)
}

func (b *batchRun) failAll(status batch.Status, detail string) {
	at := b.now()
	for pos, to := range b.input.Recipients {
		b.report.Record(batch.Outcome{Position: pos, Recipient: to, Status: status, Detail: detail, AttemptedAt: at})
	}
}

func (b *batchRun) transition(next batch.State) {
	if err := b.report.Transition(next); err != nil {
		slog.Error("send_event", "event", "invalid_transition", "batch_id", b.report.ID, "from", b.report.State, "to", next)
	}
}

func (b *batchRun) closeSession(s emailAdapter.Session) {
	if err := s.Close(); err != nil {
		slog.Warn("send_event", "event", "session_close_failed", "batch_id", b.report.ID, "error", err)
	}
}
