/*
errors.go - Centralized error taxonomy

PURPOSE:
  Every error that crosses a package boundary carries a stable kind and a
  human-readable message. Callers match with errors.Is on the sentinels;
  the api package maps kinds to HTTP status codes.

ERROR KINDS:
  invalid_argument       bad amount / missing ids (rejected pre-mutation)
  ownership              meter not owned by account (rejected pre-mutation)
  rate_limited           external fetch cooldown (carries wait time)
  external_fetch_failed  external source failed or timed out
  secondary_effect       cache invalidation or notification failed (logged only)
  concurrency_timeout    per-key lock not acquired in time (retryable)
  duplicate              idempotency key already used
  not_found              unknown record

SEE ALSO:
  - fetch/errors.go: RateLimitedError wraps ErrRateLimited
  - api/handlers.go: kind to HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrOwnership           = errors.New("meter not owned by account")
	ErrRateLimited         = errors.New("rate limited")
	ErrExternalFetchFailed = errors.New("external fetch failed")
	ErrSecondaryEffect     = errors.New("secondary effect failed")
	ErrConcurrencyTimeout  = errors.New("timed out waiting for balance lock")
	ErrDuplicate           = errors.New("duplicate idempotency key")
	ErrNotFound            = errors.New("not found")
)

// Kind is the stable, machine-readable name of an error class.
type Kind string

const (
	KindInvalidArgument     Kind = "invalid_argument"
	KindOwnership           Kind = "ownership"
	KindRateLimited         Kind = "rate_limited"
	KindExternalFetchFailed Kind = "external_fetch_failed"
	KindSecondaryEffect     Kind = "secondary_effect"
	KindConcurrencyTimeout  Kind = "concurrency_timeout"
	KindDuplicate           Kind = "duplicate"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrOwnership, KindOwnership},
	{ErrRateLimited, KindRateLimited},
	{ErrExternalFetchFailed, KindExternalFetchFailed},
	{ErrSecondaryEffect, KindSecondaryEffect},
	{ErrConcurrencyTimeout, KindConcurrencyTimeout},
	{ErrDuplicate, KindDuplicate},
	{ErrNotFound, KindNotFound},
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// Error attaches a message and an optional cause to a sentinel.
type Error struct {
	Sentinel error
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Sentinel.Error()
	}
	return fmt.Sprintf("%s: %s", e.Sentinel, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Err}
}

// Errorf builds an *Error for sentinel with a formatted message.
func Errorf(sentinel error, format string, args ...any) *Error {
	return &Error{Sentinel: sentinel, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error for sentinel caused by err.
func Wrap(sentinel error, err error, message string) *Error {
	return &Error{Sentinel: sentinel, Message: message, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the stable kind of err, KindInternal if it is unclassified.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindInternal
}

// PublicMessage returns a message safe to show across the API boundary.
// Unclassified errors never leak their text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.sentinel.Error()
		}
	}
	return "internal error"
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExternalFetchFailed)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrOwnership) ||
		errors.Is(err, ErrDuplicate)
}
