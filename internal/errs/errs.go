// Package errs defines the typed error taxonomy shared across every pipeline stage.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the distinct error categories from the error handling design.
// Kinds are never conflated: a caller can always recover the original Kind
// with errors.As, even after the error has been wrapped with additional
// context on its way up the stack.
type Kind string

const (
	InvalidInput      Kind = "InvalidInput"
	FilterConflict    Kind = "FilterConflict"
	OutOfMemory       Kind = "OutOfMemory"
	CacheBusy         Kind = "CacheBusy"
	UncoveredGeometry Kind = "UncoveredGeometry"
	ExtractAmbiguous  Kind = "ExtractAmbiguous"
	ExtractNotFound   Kind = "ExtractNotFound"
	RuntimeFailure    Kind = "RuntimeFailure"
	Cancelled         Kind = "Cancelled"
)

// Error is the single typed error surfaced across stage boundaries. Stage and
// GroupID/EntityID are best-effort context attached as the error propagates;
// zero values mean "not applicable".
type Error struct {
	Kind     Kind
	Stage    string
	GroupID  int64
	EntityID uint64
	Msg      string
	Cause    error

	// Suggestions carries candidate names for ExtractAmbiguous/ExtractNotFound.
	Suggestions []string
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.Stage != "" {
		s = fmt.Sprintf("%s [stage=%s", s, e.Stage)
		if e.GroupID != 0 {
			s += fmt.Sprintf(" group=%d", e.GroupID)
		}
		if e.EntityID != 0 {
			s += fmt.Sprintf(" entity=%d", e.EntityID)
		}
		s += "]"
	}
	if e.Cause != nil {
		s = fmt.Sprintf("%s: %v", s, e.Cause)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given Kind. Kind itself is not an error, so
// errors.Is cannot match on it; use the Is(err, kind) helper below, or
// errors.As with a *Error and inspect Kind.
func New(kind Kind, stage, msg string) *Error {
	return &Error{Kind: kind, Stage: stage, Msg: msg}
}

func Wrap(kind Kind, stage string, cause error, msg string) *Error {
	return &Error{Kind: kind, Stage: stage, Msg: msg, Cause: cause}
}

func (e *Error) WithEntity(id uint64) *Error {
	c := *e
	c.EntityID = id
	return &c
}

func (e *Error) WithGroup(id int64) *Error {
	c := *e
	c.GroupID = id
	return &c
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
