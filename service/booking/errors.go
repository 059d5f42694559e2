package booking

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories the engine can return.
// Handlers map kinds to HTTP status codes; nothing downstream matches on
// message text.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindInvalidArgument
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidState:
		return "invalid_state"
	default:
		return "internal"
	}
}

// Error carries a kind, a caller-facing message and, for store failures,
// the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func notFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Msg: msg}
}

func conflict(msg string) error {
	return &Error{Kind: KindConflict, Msg: msg}
}

func invalidArgument(msg string) error {
	return &Error{Kind: KindInvalidArgument, Msg: msg}
}

func invalidState(msg string) error {
	return &Error{Kind: KindInvalidState, Msg: msg}
}

// wrap preserves a store error as the cause of an internal failure.
func wrap(err error, msg string) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf extracts the kind from an engine error. Unknown errors are
// reported as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
