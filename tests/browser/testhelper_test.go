//go:build e2e

package browser_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/xuri/excelize/v2"

	"bulkmail/internal/adapters/credentials"
	"bulkmail/internal/adapters/email"
	web "bulkmail/internal/adapters/http"
	"bulkmail/internal/adapters/http/perf"
	"bulkmail/internal/adapters/storage"
	batchStore "bulkmail/internal/adapters/storage/batch"
	"bulkmail/internal/application/orchestrators"
	"bulkmail/internal/domain/credential"
	"bulkmail/internal/domain/message"
)

const (
	senderIdentity = "sender@test.com"
	operatorPass   = "TestPass123!"
)

// flakyTransport accepts every recipient except those in rejects.
type flakyTransport struct {
	mu      sync.Mutex
	rejects map[string]bool
	sent    []string
}

func (t *flakyTransport) Open(context.Context, string, string) (email.Session, error) {
	return flakySession{t}, nil
}

func (t *flakyTransport) accept(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rejects, addr)
}

func (t *flakyTransport) delivered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

type flakySession struct{ t *flakyTransport }

func (s flakySession) Submit(_ context.Context, env message.Envelope) (email.SendResult, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.t.rejects[env.To.String()] {
		return email.SendResult{}, errors.New("550 mailbox unavailable")
	}
	s.t.sent = append(s.t.sent, env.To.String())
	return email.SendResult{MessageID: "msg-" + env.To.String(), SentAt: time.Now()}, nil
}

func (flakySession) Close() error { return nil }

// testApp holds the running test server and Playwright handles.
type testApp struct {
	BaseURL   string
	Transport *flakyTransport
	Batches   *batchStore.SQLiteStore
	PW        *playwright.Playwright
	Browser   playwright.Browser
	tmpDir    string
}

// newTestApp wires the server on a temp SQLite DB with one sender account.
// withLogin enables the operator password gate.
func newTestApp(t *testing.T, withLogin bool) *testApp {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	if err := storage.MigrateDB(db, dbPath); err != nil {
		t.Fatalf("failed to migrate test DB: %v", err)
	}
	batches := batchStore.NewSQLiteStore(storage.NewTimedDB(db, nil))

	creds := credentials.NewFileStore(filepath.Join(tmpDir, "credentials.txt"))
	if err := creds.Add(context.Background(), credential.New(senderIdentity, "app-secret")); err != nil {
		t.Fatalf("failed to seed credential: %v", err)
	}

	opts := web.Options{
		Backend:     web.BackendFile,
		Credentials: creds,
		Transport:   &flakyTransport{rejects: map[string]bool{}},
		Batches:     batches,
		Collector:   perf.NewCollector(1000),
		CSRFKey:     bytes.Repeat([]byte{9}, 32),
		RateLimit:   1000,
	}
	if withLogin {
		hash, err := orchestrators.HashOperatorPassword(operatorPass)
		if err != nil {
			t.Fatalf("failed to hash operator password: %v", err)
		}
		opts.PasswordHash = hash
	}
	srv, err := web.New(opts)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())

	pw, err := playwright.Run()
	if err != nil {
		t.Fatalf("failed to start Playwright: %v", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		t.Fatalf("failed to launch browser: %v", err)
	}

	app := &testApp{
		BaseURL:   ts.URL,
		Transport: opts.Transport.(*flakyTransport),
		Batches:   batches,
		PW:        pw,
		Browser:   browser,
		tmpDir:    tmpDir,
	}

	t.Cleanup(func() {
		browser.Close()
		pw.Stop()
		ts.Close()
		srv.Close()
		db.Close()
	})

	return app
}

// newPage creates a new browser page (tab).
func (a *testApp) newPage(t *testing.T) playwright.Page {
	t.Helper()
	page, err := a.Browser.NewPage()
	if err != nil {
		t.Fatalf("failed to create page: %v", err)
	}
	t.Cleanup(func() { page.Close() })
	return page
}

// login submits the operator password and waits for the compose page.
func (a *testApp) login(t *testing.T, page playwright.Page) {
	t.Helper()
	if _, err := page.Goto(a.BaseURL + "/login"); err != nil {
		t.Fatalf("failed to navigate to login: %v", err)
	}
	if err := page.Locator("#password").Fill(operatorPass); err != nil {
		t.Fatalf("failed to fill password: %v", err)
	}
	if err := page.Locator("button[type=submit]").Click(); err != nil {
		t.Fatalf("failed to click login: %v", err)
	}
	if err := page.WaitForURL(a.BaseURL+"/", playwright.PageWaitForURLOptions{
		Timeout: playwright.Float(10000),
	}); err != nil {
		t.Fatalf("login did not redirect to compose: %v", err)
	}
}

// writeRecipients saves addrs to the first column of a new workbook.
func (a *testApp) writeRecipients(t *testing.T, name string, addrs ...string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, addr := range addrs {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetCellValue("Sheet1", cell, addr); err != nil {
			t.Fatalf("set cell: %v", err)
		}
	}
	path := filepath.Join(a.tmpDir, name)
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("failed to save workbook: %v", err)
	}
	return path
}

// textOf waits for selector and returns its trimmed text.
func textOf(t *testing.T, page playwright.Page, selector string) string {
	t.Helper()
	loc := page.Locator(selector)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(5000),
	}); err != nil {
		t.Fatalf("%s not shown: %v", selector, err)
	}
	text, err := loc.InnerText()
	if err != nil {
		t.Fatalf("read %s: %v", selector, err)
	}
	return text
}
