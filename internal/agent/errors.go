package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/limits"
	"github.com/castellanbot/castellan/internal/promptctx"
)

// UserFacing is implemented by errors that carry a message safe to show in
// the chat, with a log level and a recoverability hint.
type UserFacing interface {
	error
	UserMessage() string
	LogLevel() slog.Level
	Recoverable() bool
}

// RateLimitError is a provider 429. No retry inside the turn.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) UserMessage() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("Rate limit reached. Please try again in %s.", e.RetryAfter.Round(time.Second))
	}
	return "Rate limit reached. Please try again in a minute."
}

func (e *RateLimitError) LogLevel() slog.Level { return slog.LevelWarn }
func (e *RateLimitError) Recoverable() bool    { return true }

// OverloadedError is a provider 529 after the SDK's internal retries.
type OverloadedError struct {
	Err error
}

func (e *OverloadedError) Error() string       { return fmt.Sprintf("provider overloaded: %v", e.Err) }
func (e *OverloadedError) Unwrap() error       { return e.Err }
func (e *OverloadedError) UserMessage() string { return "The model is overloaded right now. Please retry." }
func (e *OverloadedError) LogLevel() slog.Level { return slog.LevelWarn }
func (e *OverloadedError) Recoverable() bool    { return true }

// APIConnectionError covers transport failures reaching the provider.
type APIConnectionError struct {
	Err error
}

func (e *APIConnectionError) Error() string        { return fmt.Sprintf("provider connection: %v", e.Err) }
func (e *APIConnectionError) Unwrap() error        { return e.Err }
func (e *APIConnectionError) UserMessage() string  { return "Connection problem reaching the model. Please retry." }
func (e *APIConnectionError) LogLevel() slog.Level { return slog.LevelWarn }
func (e *APIConnectionError) Recoverable() bool    { return true }

// APITimeoutError is a provider call exceeding its deadline.
type APITimeoutError struct {
	Err error
}

func (e *APITimeoutError) Error() string        { return fmt.Sprintf("provider timeout: %v", e.Err) }
func (e *APITimeoutError) Unwrap() error        { return e.Err }
func (e *APITimeoutError) UserMessage() string  { return "The model took too long to answer. Please retry." }
func (e *APITimeoutError) LogLevel() slog.Level { return slog.LevelWarn }
func (e *APITimeoutError) Recoverable() bool    { return true }

// InsufficientBalanceError blocks a request until top-up.
type InsufficientBalanceError struct {
	Balance       decimal.Decimal
	EstimatedCost decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s", e.Balance)
}

func (e *InsufficientBalanceError) UserMessage() string {
	return fmt.Sprintf("Your balance ($%s) is too low to continue. Please top up.", e.Balance.StringFixed(2))
}

func (e *InsufficientBalanceError) LogLevel() slog.Level { return slog.LevelInfo }
func (e *InsufficientBalanceError) Recoverable() bool    { return false }

// InvalidModelError is a configuration problem, not a user one.
type InvalidModelError struct {
	ModelID string
}

func (e *InvalidModelError) Error() string        { return fmt.Sprintf("invalid model %q", e.ModelID) }
func (e *InvalidModelError) UserMessage() string  { return "Your configured model is not available. Pick another with /model." }
func (e *InvalidModelError) LogLevel() slog.Level { return slog.LevelError }
func (e *InvalidModelError) Recoverable() bool    { return false }

// ToolValidationError is not a system error: it is returned to the model
// as a tool result so it can correct itself.
type ToolValidationError struct {
	ToolName string
	Reason   string
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %s validation: %s", e.ToolName, e.Reason)
}

// Classify maps low-level errors onto the turn's error kinds. Unclassified
// errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var already UserFacing
	if errors.As(err, &already) {
		return err
	}

	var cwe *promptctx.ContextWindowExceededError
	if errors.As(err, &cwe) {
		return err
	}
	var limited *limits.ErrLimitExceeded
	if errors.As(err, &limited) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return &RateLimitError{Err: err}
		case 529:
			return &OverloadedError{Err: err}
		case 500, 502, 503, 504:
			return &OverloadedError{Err: err}
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &APITimeoutError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &APITimeoutError{Err: err}
		}
		return &APIConnectionError{Err: err}
	}

	return err
}

// UserMessageFor extracts the chat-safe message for an error, with a
// generic fallback for unclassified failures.
func UserMessageFor(err error) string {
	var uf UserFacing
	if errors.As(err, &uf) {
		return uf.UserMessage()
	}
	var cwe *promptctx.ContextWindowExceededError
	if errors.As(err, &cwe) {
		return "This conversation is too long for the model. Start a new topic or use /forget."
	}
	var limited *limits.ErrLimitExceeded
	if errors.As(err, &limited) {
		return "You already have requests running. Please wait for them to finish."
	}
	return "Something went wrong. Please try again."
}
