package oerror

import "fmt"

// Error is the error type returned and panicked with by knockbacksync packages.
type Error struct {
	Err string
}

// New formats an Error from the given message and arguments.
func New(format string, args ...interface{}) *Error {
	return &Error{Err: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return "knockbacksync: " + e.Err
}
