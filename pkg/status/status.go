// Package status defines the result taxonomy shared by every perch
// subsystem. Operations report outcomes as status codes rather than ad
// hoc error types so that callers can distinguish the expected,
// recoverable cases (NotFound, Conflict) from real faults.
package status

import "fmt"

type Status int

const (
	Ok Status = iota
	Created
	BadRequest
	NotFound
	Conflict
	Forbidden
	BadAttachment
	BadEncoding
	InternalError
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case Created:
		return "created"
	case BadRequest:
		return "bad request"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Forbidden:
		return "forbidden"
	case BadAttachment:
		return "bad attachment"
	case BadEncoding:
		return "bad encoding"
	case InternalError:
		return "internal error"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Error carries a status code across package boundaries. Msg is
// optional; Forbidden errors use it for the validation rejection
// reason.
type Error struct {
	Status Status
	Msg    string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Msg)
}

func New(s Status, format string, args ...any) *Error {
	return &Error{Status: s, Msg: fmt.Sprintf(format, args...)}
}

// Of extracts the status from an error chain. Errors that do not carry
// a status are mapped to InternalError; nil maps to Ok.
func Of(err error) Status {
	if err == nil {
		return Ok
	}
	for e := err; e != nil; {
		if se, ok := e.(*Error); ok {
			return se.Status
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return InternalError
}

// Is reports whether err carries the given status.
func Is(err error, s Status) bool {
	return err != nil && Of(err) == s
}
