package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bulkmail/internal/adapters/credentials"
	"bulkmail/internal/adapters/email"
	web "bulkmail/internal/adapters/http"
	"bulkmail/internal/adapters/http/perf"
	"bulkmail/internal/adapters/storage"
	batchStore "bulkmail/internal/adapters/storage/batch"
	"bulkmail/internal/application/orchestrators"
	"bulkmail/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		slog.Error("server_event", "event", "exited", "error", err.Error())
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.Production() {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.MigrateDB(db, cfg.DBPath); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Performance instrumentation: wrap DB with timing, create collector
	collector := perf.NewCollector(perf.DefaultRingSize)
	timedDB := storage.NewTimedDB(db, collector)

	store, err := credentialStore(ctx, cfg)
	if err != nil {
		return err
	}

	srv, err := web.New(web.Options{
		Backend:        cfg.CredentialBackend,
		Credentials:    store,
		Transport:      transport(cfg),
		Batches:        batchStore.NewSQLiteStore(timedDB),
		Collector:      collector,
		Health:         timedDB.PingContext,
		CSRFKey:        cfg.CSRFKey,
		SecureCookies:  cfg.Production(),
		PasswordHash:   cfg.UIPasswordHash,
		RateLimit:      cfg.RateLimit,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		SendDelay:      cfg.SendDelay,
		SubmitTimeout:  cfg.SubmitTimeout,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("server_event", "event", "starting",
		"version", version,
		"addr", cfg.Addr,
		"env", cfg.Env,
		"backend", cfg.CredentialBackend,
		"transport", cfg.Transport,
		"schema", storage.LatestSchemaVersion(),
		"login_enabled", srv.LoginEnabled(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// A send in progress sees the cancelled context and stops between recipients.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		slog.Info("server_event", "event", "shutting_down")
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				srv.Sessions().PurgeExpired()
			}
		}
	})
	return g.Wait()
}

func credentialStore(ctx context.Context, cfg config.Config) (credentials.Store, error) {
	switch cfg.CredentialBackend {
	case config.BackendFile:
		fs := credentials.NewFileStore(cfg.CredentialsFile)
		if err := fs.Load(ctx); err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		slog.Info("config_event", "event", "credentials_loaded", "path", fs.Path(), "accounts", len(fs.Resolve(ctx)))
		return fs, nil
	case config.BackendSecrets:
		return credentials.NewSecretsStore(cfg.SecretsFile), nil
	}
	// Session credentials live in each browser session.
	return nil, nil
}

func transport(cfg config.Config) email.Transport {
	switch cfg.Transport {
	case config.TransportResend:
		return email.NewResendTransport(cfg.ResendReplyTo)
	case config.TransportNoop:
		return email.NewNoopTransport()
	}
	return email.NewSMTPTransport(cfg.SMTP)
}

// hashPassword prints a bcrypt hash for BULKMAIL_UI_PASSWORD_HASH. The
// password comes from the argument or, when absent, the first line of stdin.
func hashPassword(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := orchestrators.HashOperatorPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
