// Package errors classifies control-plane errors by severity and recovery
// action, per the error handling design: fatal config errors stop the
// process, transient upstream errors retry with backoff, client errors
// from an upstream provider disable the affected feature, per-request
// authorization/not-found outcomes are ordinary control flow, protocol
// violations are logged and answered without disconnecting, and bugs are
// logged without crashing the WAL consumer.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the action a caller should take.
type Kind int

const (
	// KindUnknown is the zero value; treat like a bug/invariant violation.
	KindUnknown Kind = iota
	// KindFatalConfig means the process must refuse to start.
	KindFatalConfig
	// KindTransientUpstream means back off and retry; do not disable.
	KindTransientUpstream
	// KindUpstreamRejected means an upstream (IdP, etc) rejected the
	// request in a way that requires disabling the dependent feature.
	KindUpstreamRejected
	// KindForbidden is a per-request authorization failure.
	KindForbidden
	// KindNotFound is a per-request not-found outcome, logged as a warning.
	KindNotFound
	// KindProtocolViolation covers invalid refs, unknown messages, etc.
	KindProtocolViolation
	// KindInvariant marks an unexpected state (bad schema, LSN regression).
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindFatalConfig:
		return "fatal_config"
	case KindTransientUpstream:
		return "transient_upstream"
	case KindUpstreamRejected:
		return "upstream_rejected"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and enough context to log or
// surface it appropriately.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "policy.evaluate"
	Err     error
	Violated []string // populated for KindForbidden
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Forbidden builds a per-request authorization failure carrying the set of
// violated condition properties (spec.md §4.6).
func Forbidden(op string, violated []string) *Error {
	return &Error{Kind: KindForbidden, Op: op, Violated: violated}
}

// NotFound builds a per-request not-found outcome.
func NotFound(op string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

// Transient builds a transient-upstream error.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransientUpstream, Op: op, Err: err}
}

// KindOf extracts the Kind from err, returning KindUnknown if err does not
// wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

func IsForbidden(err error) bool { return Is(err, KindForbidden) }
func IsNotFound(err error) bool  { return Is(err, KindNotFound) }
func IsTransient(err error) bool { return Is(err, KindTransientUpstream) }
