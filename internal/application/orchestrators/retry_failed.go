package orchestrators

import (
	"context"
	"log/slog"

	"bulkmail/internal/domain/batch"
	"bulkmail/internal/domain/credential"
	"bulkmail/internal/domain/message"
)

// BatchReader loads stored batch reports.
type BatchReader interface {
	GetByID(ctx context.Context, id string) (batch.Report, error)
}

// RetryFailedInput names the batch to retry and the sender to retry it with.
// A zero Message means the stored subject and body are recomposed.
type RetryFailedInput struct {
	BatchID    string
	Credential credential.Credential
	Message    message.Message
}

// RetryFailedDeps holds dependencies for RetryFailed.
type RetryFailedDeps struct {
	Batches BatchReader
	SendAll SendAllDeps
}

// ExecuteRetryFailed runs a new batch containing only the recipients of a
// stored batch that did not receive the message.
// PRE: BatchID names a stored report
// POST: Returns the new report with RetryOf set; the original report is unchanged
// INVARIANT: Recipients that were sent are never sent again
func ExecuteRetryFailed(ctx context.Context, input RetryFailedInput, deps RetryFailedDeps) (batch.Report, error) {
	prev, err := deps.Batches.GetByID(ctx, input.BatchID)
	if err != nil {
		return batch.Report{}, err
	}

	targets := prev.RetryCandidates()
	if len(targets) == 0 {
		return batch.Report{}, batch.ErrNothingToRetry
	}

	msg := input.Message
	if msg.IsZero() {
		format, err := message.ParseFormat(prev.Format)
		if err != nil {
			return batch.Report{}, err
		}
		msg, err = message.Compose(prev.Subject, prev.Body, format)
		if err != nil {
			return batch.Report{}, err
		}
	}

	cred := input.Credential
	if cred.IsZero() {
		return batch.Report{}, credential.ErrNotConfigured
	}

	slog.Info("send_event", "event", "retry_requested", "batch_id", prev.ID, "recipients", len(targets))
	return ExecuteSendAll(ctx, SendAllInput{
		Credential: cred,
		Recipients: targets,
		Message:    msg,
		RetryOf:    prev.ID,
	}, deps.SendAll)
}
