// Package fault defines the error kinds shared by the control plane.
// Callers branch on Kind, never on message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller.
type Kind int

const (
	// Unknown is the kind of any error not produced by this package.
	Unknown Kind = iota
	// NotFound covers both absent resources and resources outside the
	// caller's authorization.
	NotFound
	// Conflict means the operation collides with the resource's current
	// state or with another resource (e.g. a device already in use).
	Conflict
	// InvalidState means the operation is illegal for the resource's
	// current state (e.g. detaching an already detached volume).
	InvalidState
	// BadRequest means malformed or unsupported arguments.
	BadRequest
	// RemoteFailure means a synchronous bus call failed or timed out.
	RemoteFailure
	// Forbidden means the caller could not be authorized at all.
	Forbidden
	// Internal marks a broken invariant inside the control plane.
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case InvalidState:
		return "InvalidState"
	case BadRequest:
		return "BadRequest"
	case RemoteFailure:
		return "RemoteFailure"
	case Forbidden:
		return "Forbidden"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a failure tagged with a Kind. Err, when set, is the
// underlying cause and is reachable through errors.Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of the outermost *Error in err's chain, or
// Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func NotFoundf(format string, args ...any) error { return New(NotFound, format, args...) }

func Conflictf(format string, args ...any) error { return New(Conflict, format, args...) }

func InvalidStatef(format string, args ...any) error { return New(InvalidState, format, args...) }

func BadRequestf(format string, args ...any) error { return New(BadRequest, format, args...) }

func Forbiddenf(format string, args ...any) error { return New(Forbidden, format, args...) }

func Internalf(format string, args ...any) error { return New(Internal, format, args...) }
