package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"bulkmail/internal/adapters/email"
)

// Credential backends.
const (
	BackendFile    = "file"
	BackendSecrets = "secrets"
	BackendSession = "session"
)

// Transports.
const (
	TransportSMTP   = "smtp"
	TransportResend = "resend"
	TransportNoop   = "noop"
)

// EnvProduction is the BULKMAIL_ENV value that turns on production behaviour.
const EnvProduction = "production"

// Config is the process configuration, read once at startup.
type Config struct {
	Env      string
	Addr     string `validate:"required"`
	LogLevel slog.Level
	DBPath   string `validate:"required"`

	CredentialBackend string `validate:"oneof=file secrets session"`
	CredentialsFile   string `validate:"required_if=CredentialBackend file"`
	SecretsFile       string

	Transport     string `validate:"oneof=smtp resend noop"`
	SMTP          email.SMTPConfig
	ResendReplyTo string `validate:"omitempty,email"`

	SendDelay     time.Duration `validate:"gte=0"`
	SubmitTimeout time.Duration `validate:"gt=0"`
	MaxUploadMB   int           `validate:"gt=0,lte=512"`

	CSRFKey        []byte `validate:"len=32"`
	UIPasswordHash string
	RateLimit      int `validate:"gt=0"`
}

// Production reports whether BULKMAIL_ENV is production.
func (c Config) Production() bool {
	return c.Env == EnvProduction
}

// MaxUploadBytes is the upload cap in bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Load reads an optional .env file and then the environment.
// PRE: none
// POST: Returns a validated Config or an error naming the offending variable
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// Existing environment variables take precedence over the file.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	smtpCfg := email.DefaultSMTPConfig()
	cfg := Config{
		Env:               envOrDefault("BULKMAIL_ENV", "development"),
		Addr:              envOrDefault("BULKMAIL_ADDR", ":8080"),
		DBPath:            envOrDefault("BULKMAIL_DB_PATH", "bulkmail.db"),
		CredentialBackend: strings.ToLower(envOrDefault("BULKMAIL_CREDENTIAL_BACKEND", BackendFile)),
		CredentialsFile:   envOrDefault("BULKMAIL_CREDENTIALS_FILE", "credentials.txt"),
		SecretsFile:       envOrDefault("BULKMAIL_SECRETS_FILE", ".secrets.toml"),
		Transport:         strings.ToLower(envOrDefault("BULKMAIL_TRANSPORT", TransportSMTP)),
		ResendReplyTo:     os.Getenv("BULKMAIL_REPLY_TO"),
		UIPasswordHash:    os.Getenv("BULKMAIL_UI_PASSWORD_HASH"),
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.LogLevel, err = envLevel("BULKMAIL_LOG_LEVEL", slog.LevelInfo)
	collect(err)

	smtpCfg.Host = envOrDefault("BULKMAIL_SMTP_HOST", smtpCfg.Host)
	smtpCfg.Port, err = envInt("BULKMAIL_SMTP_PORT", smtpCfg.Port)
	collect(err)
	smtpCfg.Security = email.Security(strings.ToLower(envOrDefault("BULKMAIL_SMTP_SECURITY", string(smtpCfg.Security))))
	smtpCfg.LocalName = envOrDefault("BULKMAIL_SMTP_LOCAL_NAME", smtpCfg.LocalName)
	smtpCfg.DialTimeout, err = envDuration("BULKMAIL_SMTP_DIAL_TIMEOUT", smtpCfg.DialTimeout)
	collect(err)
	smtpCfg.CommandTimeout, err = envDuration("BULKMAIL_SMTP_COMMAND_TIMEOUT", smtpCfg.CommandTimeout)
	collect(err)
	smtpCfg.SubmissionTimeout, err = envDuration("BULKMAIL_SMTP_SUBMISSION_TIMEOUT", smtpCfg.SubmissionTimeout)
	collect(err)
	smtpCfg.InsecureSkipVerify, err = envBool("BULKMAIL_SMTP_INSECURE_SKIP_VERIFY", false)
	collect(err)
	cfg.SMTP = smtpCfg

	cfg.SendDelay, err = envDuration("BULKMAIL_SEND_DELAY", 0)
	collect(err)
	cfg.SubmitTimeout, err = envDuration("BULKMAIL_SUBMIT_TIMEOUT", 2*time.Minute)
	collect(err)
	cfg.MaxUploadMB, err = envInt("BULKMAIL_MAX_UPLOAD_MB", 10)
	collect(err)
	cfg.RateLimit, err = envInt("BULKMAIL_RATE_LIMIT", 10)
	collect(err)

	cfg.CSRFKey, err = csrfKey(cfg.Production())
	collect(err)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	switch c.SMTP.Security {
	case email.SecuritySSL, email.SecurityStartTLS, email.SecurityNone:
	default:
		return fmt.Errorf("invalid configuration: BULKMAIL_SMTP_SECURITY %q", c.SMTP.Security)
	}
	if c.Transport == TransportSMTP && c.SMTP.Host == "" {
		return errors.New("invalid configuration: BULKMAIL_SMTP_HOST is required for the smtp transport")
	}
	if c.Production() && c.Transport == TransportNoop {
		slog.Warn("config_event", "event", "noop_transport_in_production")
	}
	return nil
}

// csrfKey reads BULKMAIL_CSRF_KEY (hex-encoded, 32 bytes). Outside production
// a random key is generated per startup.
func csrfKey(production bool) ([]byte, error) {
	if keyHex := os.Getenv("BULKMAIL_CSRF_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			return nil, errors.New("BULKMAIL_CSRF_KEY must be 64 hex characters (32 bytes)")
		}
		return key, nil
	}
	if production {
		return nil, errors.New("BULKMAIL_CSRF_KEY is required in production")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate CSRF key: %w", err)
	}
	slog.Warn("config_event", "event", "random_csrf_key", "hint", "set BULKMAIL_CSRF_KEY to keep forms valid across restarts")
	return key, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return b, nil
}

// envDuration accepts Go durations ("1.5s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", key, v)
	}
	return d, nil
}

func envLevel(key string, fallback slog.Level) (slog.Level, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return fallback, fmt.Errorf("%s: %q is not a log level", key, v)
	}
	return lvl, nil
}
