package kestrel

import (
	"errors"
	"fmt"

	kestrelio "github.com/synqronlabs/kestrel/io"
)

var (
	ErrServerClosed    = errors.New("smtp: server closed")
	ErrMessageTooLarge = kestrelio.ErrMessageTooLarge
	ErrLoginFailed     = errors.New("smtp: login failed")
)

// RejectError declines one step of a transaction. The session writes Code
// and Message to the client verbatim and keeps the connection open.
type RejectError struct {
	Code    SMTPCode
	Message string
}

// Reject builds a RejectError.
func Reject(code SMTPCode, message string) *RejectError {
	return &RejectError{Code: code, Message: message}
}

// Rejectf builds a RejectError with a formatted message.
func Rejectf(code SMTPCode, format string, args ...any) *RejectError {
	return &RejectError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Response converts the rejection into a wire reply.
func (e *RejectError) Response() Response {
	return Response{Code: e.Code, Message: e.Message}
}

// asReject maps a collaborator error onto the reply the client sees. A
// RejectError anywhere in the chain is relayed as is; anything else is a
// local failure.
func asReject(err error) *RejectError {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej
	}
	return Reject(CodeLocalError, "Requested action aborted: local error in processing")
}
