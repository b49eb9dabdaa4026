// Package logging builds the structured logger handed to every component and
// holds the attribute helpers used across the engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vdavid/mailsync/internal/config"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeySource      = "source"
	KeyHost        = "host"
	KeyEnvironment = "environment"
	KeyOperation   = "operation"
	KeyAccount     = "account"
	KeyFolder      = "folder"
	KeyPhase       = "phase"
	KeyAction      = "action"
	KeyKind        = "kind"
	KeyError       = "error"
)

// New creates the process logger. The returned logger already carries the
// source, host and environment attributes.
func New(cfg *config.Config, source string) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg, source)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, cfg *config.Config, source string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}

	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return slog.New(handler).With(
		slog.String(KeySource, source),
		slog.String(KeyHost, host),
		slog.String(KeyEnvironment, cfg.Environment),
	)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithAccount returns a logger with the account attribute set.
func WithAccount(logger *slog.Logger, accountID string) *slog.Logger {
	return logger.With(slog.String(KeyAccount, accountID))
}

// WithFolder returns a logger with the folder attribute set.
func WithFolder(logger *slog.Logger, folder string) *slog.Logger {
	return logger.With(slog.String(KeyFolder, folder))
}

// Account returns a slog attribute for the account ID.
func Account(accountID string) slog.Attr {
	return slog.String(KeyAccount, accountID)
}

// Folder returns a slog attribute for the folder name.
func Folder(folder string) slog.Attr {
	return slog.String(KeyFolder, folder)
}

// Phase returns a slog attribute for a sync phase.
func Phase(phase string) slog.Attr {
	return slog.String(KeyPhase, phase)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from output.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// ExtractDomain extracts the domain part from an email address.
func ExtractDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

// Domain returns a slog attribute for the email domain, which is lower
// cardinality than the full address and keeps correspondents out of the logs.
func Domain(email string) slog.Attr {
	return slog.String("domain", ExtractDomain(email))
}
