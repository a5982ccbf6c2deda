// Package assert reports lock-accounting programming errors. Strict checkers
// panic, the way a debug build aborts; lenient checkers log and let the
// caller continue.
package assert

import (
	"fmt"
	"log/slog"
)

// Violation is the panic value raised by a strict Checker.
type Violation struct {
	Err error
	Msg string
}

func (v *Violation) Error() string {
	if v.Msg == "" {
		return v.Err.Error()
	}
	return fmt.Sprintf("%s: %s", v.Err, v.Msg)
}

func (v *Violation) Unwrap() error { return v.Err }

// Checker validates invariants.
type Checker struct {
	Strict bool
	Logger *slog.Logger
}

// New returns a Checker. A nil logger falls back to slog.Default.
func New(strict bool, logger *slog.Logger) *Checker {
	return &Checker{Strict: strict, Logger: logger}
}

// That reports err when cond is false and returns cond.
func (c *Checker) That(cond bool, err error, format string, args ...any) bool {
	if cond {
		return true
	}
	c.Fail(err, format, args...)
	return false
}

// Fail reports err unconditionally.
func (c *Checker) Fail(err error, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if c == nil {
		slog.Warn("gamelock: assertion failed", "error", err, "detail", msg)
		return
	}
	if c.Strict {
		panic(&Violation{Err: err, Msg: msg})
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("gamelock: assertion failed", "error", err, "detail", msg)
}
