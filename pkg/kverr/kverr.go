// Package kverr defines the typed error kinds returned by Concord's core.
//
// No exception-style panic ever crosses a component boundary for ordinary
// failures; every public operation returns one of these kinds (or nil) so
// collaborators can map them to protocol-specific codes uniformly.
package kverr

import "errors"

// Kind identifies the category of a Concord error.
type Kind string

const (
	InvalidKey            Kind = "invalid_key"
	NotFound               Kind = "not_found"
	NoTTL                  Kind = "no_ttl"
	ConditionFailed        Kind = "condition_failed"
	MissingCondition       Kind = "missing_condition"
	ConflictingConditions  Kind = "conflicting_conditions"
	BatchTooLarge          Kind = "batch_too_large"
	Timeout                Kind = "timeout"
	NotLeader              Kind = "not_leader"
	ClusterNotReady        Kind = "cluster_not_ready"
	Unavailable            Kind = "unavailable"
	IndexExists            Kind = "index_exists"
	IndexNotFound          Kind = "index_not_found"
	Invalid                Kind = "invalid"
	PartialFailure         Kind = "partial_failure"
)

// Error is a typed Concord error. It wraps an optional cause for
// context (logged, never inspected by callers) and carries an optional
// LeaderHint for NotLeader errors.
type Error struct {
	Kind       Kind
	Op         string
	Key        string
	LeaderHint string
	RequestID  string
	Cause      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err (or anything it wraps) carries Kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// New constructs a typed error of the given kind.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap constructs a typed error of the given kind wrapping cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// WithKey attaches the offending key for context.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithLeaderHint attaches the current leader's address, if known.
func (e *Error) WithLeaderHint(hint string) *Error {
	e.LeaderHint = hint
	return e
}

// WithRequestID attaches a correlation id so a failed call can be matched
// to the log line that reported it.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// RequestIDOf extracts the correlation id from err, or "" if absent.
func RequestIDOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RequestID
	}
	return ""
}

// KindOf extracts the Kind from err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
