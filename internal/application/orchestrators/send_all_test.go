package orchestrators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	emailAdapter "bulkmail/internal/adapters/email"
	"bulkmail/internal/domain/batch"
	"bulkmail/internal/domain/credential"
	"bulkmail/internal/domain/message"
	"bulkmail/internal/domain/recipient"
)

// --- Mock transport ---

type mockTransport struct {
	mu         sync.Mutex
	openErr    error
	opens      int
	submitted  []string
	failFor    map[string]error
	closed     int
	closeErr   error
	onSubmit   func(n int) // called after the n-th submission (1-based)
	lastSecret string
}

// Open returns a mock session or the configured error.
// PRE: none
// POST: opens incremented
func (m *mockTransport) Open(_ context.Context, _ string, secret string) (emailAdapter.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	m.lastSecret = secret
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &mockSession{t: m}, nil
}

func (m *mockTransport) submissions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.submitted...)
}

type mockSession struct {
	t *mockTransport
}

// Submit records the recipient and returns the configured per-recipient error.
func (s *mockSession) Submit(_ context.Context, env message.Envelope) (emailAdapter.SendResult, error) {
	s.t.mu.Lock()
	s.t.submitted = append(s.t.submitted, env.To.String())
	n := len(s.t.submitted)
	err := s.t.failFor[env.To.String()]
	hook := s.t.onSubmit
	s.t.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err != nil {
		return emailAdapter.SendResult{}, err
	}
	return emailAdapter.SendResult{MessageID: fmt.Sprintf("id-%d", n), SentAt: time.Now()}, nil
}

// Close counts closes.
func (s *mockSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closed++
	return s.t.closeErr
}

// --- Mock report store ---

type mockReportStore struct {
	reports map[string]batch.Report
	saveErr error
}

func newMockReportStore() *mockReportStore {
	return &mockReportStore{reports: make(map[string]batch.Report)}
}

// Save stores the report by ID.
func (m *mockReportStore) Save(_ context.Context, r batch.Report) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.reports[r.ID] = r
	return nil
}

// GetByID returns a stored report.
func (m *mockReportStore) GetByID(_ context.Context, id string) (batch.Report, error) {
	r, ok := m.reports[id]
	if !ok {
		return batch.Report{}, batch.ErrNotFound
	}
	return r, nil
}

// --- Mock submit recorder ---

type mockRecorder struct {
	mu       sync.Mutex
	submits  int
	failures int
}

// RecordSubmit counts submissions and failed submissions.
func (m *mockRecorder) RecordSubmit(_ time.Duration, _ time.Time, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if failed {
		m.failures++
	}
}

// --- Helpers ---

func testCred() credential.Credential {
	return credential.New("sender@example.com", "app-secret-123")
}

func testMessage(t *testing.T) message.Message {
	t.Helper()
	m, err := message.Compose("Hello", "Body text", message.FormatPlainText)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	return m
}

func addrs(n int) []recipient.Address {
	out := make([]recipient.Address, n)
	for i := range out {
		out[i] = recipient.Address(fmt.Sprintf("r%d@example.com", i))
	}
	return out
}

func testDeps(tr emailAdapter.Transport) SendAllDeps {
	ids := 0
	return SendAllDeps{
		Transport:  tr,
		Now:        func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
		GenerateID: func() string { ids++; return fmt.Sprintf("batch-%d", ids) },
	}
}

func assertAccounted(t *testing.T, r batch.Report, n int) {
	t.Helper()
	if r.Sent+len(r.Failed) != n {
		t.Errorf("Sent(%d) + len(Failed)(%d) != %d", r.Sent, len(r.Failed), n)
	}
	if len(r.Outcomes) != n {
		t.Errorf("len(Outcomes) = %d, want %d", len(r.Outcomes), n)
	}
	for i, o := range r.Outcomes {
		if o.Position != i {
			t.Errorf("Outcomes[%d].Position = %d", i, o.Position)
		}
	}
	if !r.IsTerminal() {
		t.Errorf("State = %s, want terminal", r.State)
	}
}

// --- Tests ---

func TestExecuteSendAll_AllSentOverOneSession(t *testing.T) {
	tr := &mockTransport{}
	recipients := addrs(5)

	r, err := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: recipients,
		Message:    testMessage(t),
	}, testDeps(tr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertAccounted(t, r, 5)
	if r.Sent != 5 || r.Result() != batch.ResultAllSent {
		t.Errorf("Sent = %d, Result = %s", r.Sent, r.Result())
	}
	if tr.opens != 1 {
		t.Errorf("opens = %d, want 1", tr.opens)
	}
	if tr.closed != 1 {
		t.Errorf("closed = %d, want 1", tr.closed)
	}
	got := tr.submissions()
	for i, a := range recipients {
		if got[i] != a.String() {
			t.Errorf("submission %d = %s, want %s (input order)", i, got[i], a)
		}
	}
	if r.Outcomes[0].MessageID != "id-1" {
		t.Errorf("MessageID = %q", r.Outcomes[0].MessageID)
	}
	if r.Body != "Body text" || r.Format != string(message.FormatPlainText) {
		t.Errorf("report did not keep message: body=%q format=%q", r.Body, r.Format)
	}
}

func TestExecuteSendAll_AccountingHoldsForAnySize(t *testing.T) {
	for _, n := range []int{1, 2, 7, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			tr := &mockTransport{failFor: map[string]error{}}
			recipients := addrs(n)
			for i := 0; i < n; i += 3 {
				tr.failFor[recipients[i].String()] = errors.New("550 mailbox unavailable")
			}
			r, err := ExecuteSendAll(context.Background(), SendAllInput{
				Credential: testCred(),
				Recipients: recipients,
				Message:    testMessage(t),
			}, testDeps(tr))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			assertAccounted(t, r, n)
		})
	}
}

func TestExecuteSendAll_TransportErrorDoesNotStopBatch(t *testing.T) {
	recipients := addrs(4)
	tr := &mockTransport{failFor: map[string]error{
		recipients[1].String(): errors.New("550 5.1.1 no such user"),
	}}

	r, _ := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: recipients,
		Message:    testMessage(t),
	}, testDeps(tr))

	if len(tr.submissions()) != 4 {
		t.Fatalf("submissions = %d, want 4", len(tr.submissions()))
	}
	if r.Sent != 3 || len(r.Failed) != 1 {
		t.Fatalf("Sent = %d, Failed = %d", r.Sent, len(r.Failed))
	}
	f := r.Failed[0]
	if f.Recipient != recipients[1] || f.Status != batch.StatusTransportError {
		t.Errorf("Failed[0] = %+v", f)
	}
	if !strings.Contains(f.Detail, "550") {
		t.Errorf("Detail = %q, want transport detail", f.Detail)
	}
	if r.Result() != batch.ResultPartial || r.State != batch.StateCompleted {
		t.Errorf("Result = %s, State = %s", r.Result(), r.State)
	}
}

func TestExecuteSendAll_AuthFailureNeverSubmits(t *testing.T) {
	tr := &mockTransport{openErr: fmt.Errorf("%w: 535 5.7.8 bad credentials", emailAdapter.ErrAuthFailed)}

	r, err := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: addrs(3),
		Message:    testMessage(t),
	}, testDeps(tr))
	if err != nil {
		t.Fatalf("auth failure must be reported, not returned: %v", err)
	}

	if n := len(tr.submissions()); n != 0 {
		t.Errorf("Submit called %d times after auth failure", n)
	}
	assertAccounted(t, r, 3)
	if r.State != batch.StateAuthFailed || r.Result() != batch.ResultAuthFailed {
		t.Errorf("State = %s, Result = %s", r.State, r.Result())
	}
	for _, o := range r.Outcomes {
		if o.Status != batch.StatusAuthFailed {
			t.Errorf("outcome %d status = %s", o.Position, o.Status)
		}
	}
	if r.AbortReason == "" {
		t.Error("AbortReason should describe the auth failure")
	}
	if tr.closed != 0 {
		t.Errorf("closed = %d, no session was opened", tr.closed)
	}
}

func TestExecuteSendAll_UnreachableServerMarksTransportErrors(t *testing.T) {
	tr := &mockTransport{openErr: errors.New("failed to connect to SMTP server: connection refused")}

	r, _ := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: addrs(2),
		Message:    testMessage(t),
	}, testDeps(tr))

	assertAccounted(t, r, 2)
	if r.State != batch.StateCompleted {
		t.Errorf("State = %s, want completed", r.State)
	}
	if got := r.CountByStatus()[batch.StatusTransportError]; got != 2 {
		t.Errorf("transport errors = %d, want 2", got)
	}
}

func TestExecuteSendAll_PreflightErrors(t *testing.T) {
	msg := testMessage(t)
	tests := []struct {
		name  string
		input SendAllInput
		want  error
	}{
		{"no identity", SendAllInput{Credential: credential.New("", "x"), Recipients: addrs(1), Message: msg}, credential.ErrNotConfigured},
		{"empty secret", SendAllInput{Credential: credential.New("a@example.com", ""), Recipients: addrs(1), Message: msg}, credential.ErrEmptySecret},
		{"no recipients", SendAllInput{Credential: testCred(), Recipients: nil, Message: msg}, recipient.ErrNoRecipients},
		{"no message", SendAllInput{Credential: testCred(), Recipients: addrs(1)}, message.ErrEmptySubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTransport{}
			_, err := ExecuteSendAll(context.Background(), tt.input, testDeps(tr))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if tr.opens != 0 {
				t.Errorf("Open called %d times during pre-flight failure", tr.opens)
			}
		})
	}
}

func TestExecuteSendAll_CancelAfterK(t *testing.T) {
	const n, k = 6, 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &mockTransport{onSubmit: func(i int) {
		if i == k {
			cancel()
		}
	}}

	r, err := ExecuteSendAll(ctx, SendAllInput{
		Credential: testCred(),
		Recipients: addrs(n),
		Message:    testMessage(t),
	}, testDeps(tr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertAccounted(t, r, n)
	if r.State != batch.StateCancelled || r.Result() != batch.ResultCancelled {
		t.Errorf("State = %s, Result = %s", r.State, r.Result())
	}
	counts := r.CountByStatus()
	if counts[batch.StatusSent] != k {
		t.Errorf("sent = %d, want %d", counts[batch.StatusSent], k)
	}
	if counts[batch.StatusNotAttempted] != n-k {
		t.Errorf("not attempted = %d, want %d", counts[batch.StatusNotAttempted], n-k)
	}
	if tr.closed != 1 {
		t.Errorf("closed = %d, want 1 on cancellation", tr.closed)
	}
}

func TestExecuteSendAll_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &mockTransport{}

	r, err := ExecuteSendAll(ctx, SendAllInput{
		Credential: testCred(),
		Recipients: addrs(3),
		Message:    testMessage(t),
	}, testDeps(tr))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.opens != 0 {
		t.Errorf("Open called on a cancelled context")
	}
	assertAccounted(t, r, 3)
	if r.CountByStatus()[batch.StatusNotAttempted] != 3 {
		t.Errorf("outcomes = %v", r.CountByStatus())
	}
}

func TestExecuteSendAll_DelayIsInterruptible(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := &mockTransport{onSubmit: func(i int) {
		if i == 1 {
			cancel()
		}
	}}
	deps := testDeps(tr)
	deps.Delay = time.Hour

	done := make(chan batch.Report, 1)
	go func() {
		r, _ := ExecuteSendAll(ctx, SendAllInput{
			Credential: testCred(),
			Recipients: addrs(3),
			Message:    testMessage(t),
		}, deps)
		done <- r
	}()

	select {
	case r := <-done:
		if r.Sent != 1 || r.CountByStatus()[batch.StatusNotAttempted] != 2 {
			t.Errorf("outcomes = %v", r.CountByStatus())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delay was not interrupted by cancellation")
	}
}

func TestExecuteSendAll_SubmitTimeoutApplies(t *testing.T) {
	deadlines := make(chan bool, 1)
	tr := &deadlineTransport{seen: deadlines}
	deps := testDeps(tr)
	deps.SubmitTimeout = 3 * time.Second

	_, _ = ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: addrs(1),
		Message:    testMessage(t),
	}, deps)

	if !<-deadlines {
		t.Error("Submit context carried no deadline")
	}
}

type deadlineTransport struct{ seen chan bool }

func (d *deadlineTransport) Open(context.Context, string, string) (emailAdapter.Session, error) {
	return d, nil
}

func (d *deadlineTransport) Submit(ctx context.Context, _ message.Envelope) (emailAdapter.SendResult, error) {
	_, ok := ctx.Deadline()
	d.seen <- ok
	return emailAdapter.SendResult{MessageID: "x"}, nil
}

func (d *deadlineTransport) Close() error { return nil }

func TestExecuteSendAll_CloseErrorIsNotSurfaced(t *testing.T) {
	tr := &mockTransport{closeErr: errors.New("quit failed")}
	r, err := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: addrs(2),
		Message:    testMessage(t),
	}, testDeps(tr))
	if err != nil {
		t.Fatalf("close error surfaced: %v", err)
	}
	if r.Sent != 2 {
		t.Errorf("Sent = %d", r.Sent)
	}
}

func TestExecuteSendAll_SavesReportAndRecordsTimings(t *testing.T) {
	store := newMockReportStore()
	recorder := &mockRecorder{}
	recipients := addrs(3)
	tr := &mockTransport{failFor: map[string]error{recipients[1].String(): errors.New("550 no such user")}}
	deps := testDeps(tr)
	deps.Reports = store
	deps.Recorder = recorder

	r, _ := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: recipients,
		Message:    testMessage(t),
	}, deps)

	if _, ok := store.reports[r.ID]; !ok {
		t.Errorf("report %s not saved", r.ID)
	}
	if recorder.submits != 3 {
		t.Errorf("recorded submits = %d, want 3", recorder.submits)
	}
	if recorder.failures != 1 {
		t.Errorf("recorded failures = %d, want 1", recorder.failures)
	}
}

func TestExecuteSendAll_WithoutRecorder(t *testing.T) {
	r, err := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: addrs(2),
		Message:    testMessage(t),
	}, testDeps(&mockTransport{}))
	if err != nil || r.Sent != 2 {
		t.Errorf("err = %v, Sent = %d", err, r.Sent)
	}
}

func TestExecuteSendAll_DefaultsBatchID(t *testing.T) {
	tr := &mockTransport{}
	r, err := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: addrs(1),
		Message:    testMessage(t),
	}, SendAllDeps{Transport: tr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := uuid.Validate(r.ID); err != nil {
		t.Errorf("ID = %q, want a UUID: %v", r.ID, err)
	}
	if r.Sent != 1 {
		t.Errorf("Sent = %d, want 1", r.Sent)
	}

	other, _ := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: addrs(1),
		Message:    testMessage(t),
	}, SendAllDeps{Transport: tr})
	if other.ID == r.ID {
		t.Errorf("two batches share ID %q", r.ID)
	}
}

func TestExecuteSendAll_SaveFailureKeepsReport(t *testing.T) {
	store := newMockReportStore()
	store.saveErr = errors.New("disk full")
	deps := testDeps(&mockTransport{})
	deps.Reports = store

	r, err := ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: addrs(1),
		Message:    testMessage(t),
	}, deps)
	if err != nil || r.Sent != 1 {
		t.Errorf("err = %v, Sent = %d", err, r.Sent)
	}
}

func TestExecuteSendAll_SecretNeverLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	recipients := addrs(2)
	tr := &mockTransport{failFor: map[string]error{recipients[0].String(): errors.New("451 try later")}}
	_, _ = ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: recipients,
		Message:    testMessage(t),
	}, testDeps(tr))

	authTr := &mockTransport{openErr: fmt.Errorf("%w: 535", emailAdapter.ErrAuthFailed)}
	_, _ = ExecuteSendAll(context.Background(), SendAllInput{
		Credential: testCred(),
		Recipients: recipients,
		Message:    testMessage(t),
	}, testDeps(authTr))

	if strings.Contains(buf.String(), "app-secret-123") {
		t.Errorf("secret leaked into logs:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "send_event") {
		t.Error("expected send_event log lines")
	}
	if tr.lastSecret != "app-secret-123" {
		t.Error("transport did not receive the secret")
	}
}
