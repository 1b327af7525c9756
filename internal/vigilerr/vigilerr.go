package vigilerr

import (
	"errors"
	"fmt"
)

// Codes reported by the core.
const (
	CodeNotFound          = "NotFound"
	CodeInvalidTransition = "InvalidTransition"
	CodeNotConnected      = "NotConnected"
	CodeNotifyFailed      = "NotifyFailed"
	CodeMalformed         = "Malformed"
)

// Error is a typed failure that callers can branch on without matching strings.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e Error) Unwrap() error {
	return e.Err
}

// New constructs a typed Error.
func New(code, message string, err error) Error {
	return Error{Code: code, Message: message, Err: err}
}

// Is reports whether err is, or wraps, an Error with the given code.
func Is(err error, code string) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) string {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
