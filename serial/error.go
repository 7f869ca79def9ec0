package serial

import "syscall"

// Error wraps a lower-level errno with the operation that produced it,
// so callers can both print a useful message and errors.Unwrap down
// to the underlying errno.
type Error struct {
	msg string
	err error
}

func (e Error) Error() string {
	if e.msg != "" {
		if e.err != nil {
			return e.msg + ": " + e.err.Error()
		}
		return e.msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e Error) Unwrap() error {
	return e.err
}

func wrapErr(msg string, e error) error {
	if e == nil {
		return nil
	}
	return Error{msg: msg, err: e}
}

var ErrClosed = Error{msg: "port already closed", err: syscall.EBADF}
