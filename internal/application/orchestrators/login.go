package orchestrators

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// LoginInput carries the operator password from the login form.
type LoginInput struct {
	Password string
	RemoteIP string
}

// LoginDeps holds dependencies for Login.
type LoginDeps struct {
	PasswordHash string // bcrypt hash; empty disables the login gate
}

var (
	ErrInvalidCredentials = errors.New("invalid password")
	ErrLoginDisabled      = errors.New("operator login is not configured")
)

// ExecuteLogin checks the operator password against the configured bcrypt hash.
// PRE: none
// POST: Returns nil when the password matches; ErrInvalidCredentials otherwise
func ExecuteLogin(_ context.Context, input LoginInput, deps LoginDeps) error {
	if deps.PasswordHash == "" {
		return ErrLoginDisabled
	}
	if input.Password == "" {
		slog.Info("auth_event", "event", "login_failed", "remote_ip", input.RemoteIP, "reason", "empty_password")
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(deps.PasswordHash), []byte(input.Password)); err != nil {
		slog.Info("auth_event", "event", "login_failed", "remote_ip", input.RemoteIP, "reason", "wrong_password")
		return ErrInvalidCredentials
	}
	slog.Info("auth_event", "event", "login_success", "remote_ip", input.RemoteIP)
	return nil
}

// HashOperatorPassword produces a bcrypt hash for BULKMAIL_UI_PASSWORD_HASH.
func HashOperatorPassword(password string) (string, error) {
	if password == "" {
		return "", ErrInvalidCredentials
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
