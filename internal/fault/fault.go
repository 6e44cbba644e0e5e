// Package fault defines the error taxonomy shared by the Voxline pipeline
// kernel. Every error that crosses a package boundary is classified into one
// of a small set of kinds so that callers can decide on retry, fallback, or
// dead-lettering without string matching.
//
// Use [New] or [Wrap] to create classified errors, and [KindOf] / [errors.As]
// to inspect them. Unclassified errors default to [KindPipeline].
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	// KindNotFound indicates a missing resource. Not retryable.
	KindNotFound Kind = "not_found"

	// KindValidation indicates invalid input. Not retryable.
	KindValidation Kind = "validation"

	// KindAuthorization indicates a principal/tenant mismatch. Not retryable.
	KindAuthorization Kind = "authorization"

	// KindProvider indicates an external provider failure (timeout,
	// rate-limit, unavailable, invalid request). Most are retryable once.
	KindProvider Kind = "provider"

	// KindPolicy indicates a policy checkpoint blocked the operation. Policy
	// outcomes normally surface as skip statuses, not errors; this kind exists
	// for the rare case where a caller insists on an error value.
	KindPolicy Kind = "policy"

	// KindPipeline indicates a stage failure, pipeline timeout, or cancel.
	KindPipeline Kind = "pipeline"
)

// ProviderCode refines [KindProvider] errors.
type ProviderCode string

const (
	ProviderTimeout        ProviderCode = "timeout"
	ProviderRateLimited    ProviderCode = "rate_limited"
	ProviderUnavailable    ProviderCode = "unavailable"
	ProviderInvalidRequest ProviderCode = "invalid_request"
)

// Error is a classified error. The zero value is not useful; construct with
// [New] or [Wrap].
type Error struct {
	// Kind is the coarse classification.
	Kind Kind

	// Code refines provider errors. Empty for other kinds.
	Code ProviderCode

	// RetryAfter is the provider-suggested backoff for rate-limit errors.
	// Zero when the provider gave no hint.
	RetryAfter time.Duration

	// Msg is the human-readable description.
	Msg string

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Provider creates a provider error with the given refinement code.
func Provider(code ProviderCode, err error, format string, args ...any) *Error {
	e := Wrap(KindProvider, err, format, args...)
	if e == nil {
		e = New(KindProvider, format, args...)
	}
	e.Code = code
	return e
}

// KindOf returns the [Kind] of err. Errors that do not carry a classification
// anywhere in their chain report [KindPipeline].
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindPipeline
}

// Retryable reports whether err is worth retrying. Only provider errors are
// retryable, and among those invalid requests are not.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == KindProvider && fe.Code != ProviderInvalidRequest
}

// RetryAfter returns the provider-suggested backoff for err, or zero.
func RetryAfter(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// ErrorType returns a stable short string identifying err's class, used for
// dead-letter grouping ("provider.timeout", "validation", …).
func ErrorType(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Kind == KindProvider && fe.Code != "" {
			return string(fe.Kind) + "." + string(fe.Code)
		}
		return string(fe.Kind)
	}
	return string(KindPipeline)
}
