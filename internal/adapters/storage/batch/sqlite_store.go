package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bulkmail/internal/adapters/storage"
	domain "bulkmail/internal/domain/batch"
	"bulkmail/internal/domain/recipient"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db storage.SQLDB
}

// NewSQLiteStore creates a new SQLiteStore.
func NewSQLiteStore(db storage.SQLDB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save writes a report and replaces its outcomes in one transaction.
// PRE: r.ID is non-empty
// POST: GetByID(r.ID) returns an equivalent report
func (s *SQLiteStore) Save(ctx context.Context, r domain.Report) error {
	if r.ID == "" {
		return errors.New("batch id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batch (id, identity, subject, body, format, total, sent, failed, state,
		                    abort_reason, started_at, finished_at, retry_of)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   identity=excluded.identity, subject=excluded.subject, body=excluded.body,
		   format=excluded.format, total=excluded.total, sent=excluded.sent,
		   failed=excluded.failed, state=excluded.state, abort_reason=excluded.abort_reason,
		   started_at=excluded.started_at, finished_at=excluded.finished_at,
		   retry_of=excluded.retry_of`,
		r.ID, r.Identity, r.Subject, r.Body, r.Format, r.Total, r.Sent, len(r.Failed), string(r.State),
		nullStr(r.AbortReason), r.StartedAt.UTC().Format(timeLayout), nullTime(r.FinishedAt), nullStr(r.RetryOf))
	if err != nil {
		return fmt.Errorf("save batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_outcome WHERE batch_id = ?`, r.ID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO batch_outcome (batch_id, position, recipient, status, detail, message_id, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range r.Outcomes {
		if _, err := stmt.ExecContext(ctx, r.ID, o.Position, o.Recipient.String(), string(o.Status),
			nullStr(o.Detail), nullStr(o.MessageID), nullTime(o.AttemptedAt)); err != nil {
			return fmt.Errorf("save outcome %d: %w", o.Position, err)
		}
	}
	return tx.Commit()
}

// GetByID loads a report with its outcomes in position order.
// PRE: id is non-empty
// POST: Returns domain.ErrNotFound if no such batch exists
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (domain.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, identity, subject, body, format, total, state, abort_reason,
		        started_at, finished_at, retry_of
		 FROM batch WHERE id = ?`, id)

	var (
		r                    domain.Report
		state                string
		abortReason, retryOf sql.NullString
		startedAt            string
		finishedAt           sql.NullString
	)
	err := row.Scan(&r.ID, &r.Identity, &r.Subject, &r.Body, &r.Format, &r.Total, &state,
		&abortReason, &startedAt, &finishedAt, &retryOf)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Report{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Report{}, err
	}
	r.AbortReason = abortReason.String
	r.RetryOf = retryOf.String
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt.String)

	outcomes, err := s.outcomes(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	r.Outcomes = make([]domain.Outcome, 0, len(outcomes))
	r.Failed = []domain.Outcome{}
	for _, o := range outcomes {
		r.Record(o)
	}
	r.State = domain.State(state)
	return r, nil
}

func (s *SQLiteStore) outcomes(ctx context.Context, batchID string) ([]domain.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, recipient, status, detail, message_id, attempted_at
		 FROM batch_outcome WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var (
			o                              domain.Outcome
			addr, status                   string
			detail, messageID, attemptedAt sql.NullString
		)
		if err := rows.Scan(&o.Position, &addr, &status, &detail, &messageID, &attemptedAt); err != nil {
			return nil, err
		}
		o.Recipient = recipient.Address(addr)
		o.Status = domain.Status(status)
		o.Detail = detail.String
		o.MessageID = messageID.String
		o.AttemptedAt = parseTime(attemptedAt.String)
		out = append(out, o)
	}
	return out, rows.Err()
}

// List returns batch summaries, newest first.
// PRE: none
// POST: At most filter.Limit summaries when Limit > 0
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]domain.Summary, error) {
	where, args := filter.where()
	query := `SELECT id, identity, subject, total, sent, failed, state, retry_of, started_at, finished_at
	          FROM batch` + where + ` ORDER BY started_at DESC, id`
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Summary{}
	for rows.Next() {
		var (
			sm         domain.Summary
			state      string
			retryOf    sql.NullString
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(&sm.ID, &sm.Identity, &sm.Subject, &sm.Total, &sm.Sent, &sm.Failed,
			&state, &retryOf, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		sm.State = domain.State(state)
		sm.RetryOf = retryOf.String
		sm.StartedAt = parseTime(startedAt)
		sm.FinishedAt = parseTime(finishedAt.String)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Count returns how many batches match the filter, ignoring Limit and Offset.
func (s *SQLiteStore) Count(ctx context.Context, filter ListFilter) (int, error) {
	where, args := filter.where()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch`+where, args...).Scan(&n)
	return n, err
}

func (f ListFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Identity != "" {
		clauses = append(clauses, "identity = ? COLLATE NOCASE")
		args = append(args, f.Identity)
	}
	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Search != "" {
		clauses = append(clauses, "subject LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN (?"+strings.Repeat(", ?", len(f.IDs)-1)+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
