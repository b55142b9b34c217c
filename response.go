package kestrel

import "fmt"

// SMTPCode represents SMTP reply codes (RFC 5321).
// 2yz: Success, 3yz: Continue, 4yz: Transient failure, 5yz: Permanent failure.
type SMTPCode int

const (
	// 2xx - Success
	CodeHelpMessage    SMTPCode = 214
	CodeServiceReady   SMTPCode = 220
	CodeServiceClosing SMTPCode = 221
	CodeAuthSuccess    SMTPCode = 235
	CodeOK             SMTPCode = 250
	CodeCannotVRFY     SMTPCode = 252

	// 3xx - Intermediate
	CodeAuthContinue   SMTPCode = 334
	CodeStartMailInput SMTPCode = 354

	// 4xx - Transient Failure
	CodeServiceUnavailable  SMTPCode = 421
	CodeMailboxUnavailable  SMTPCode = 450
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452
	CodeTLSNotAvailable     SMTPCode = 454

	// 5xx - Permanent Failure
	CodeCommandUnrecognized    SMTPCode = 500
	CodeSyntaxError            SMTPCode = 501
	CodeCommandNotImplemented  SMTPCode = 502
	CodeBadSequence            SMTPCode = 503
	CodeParameterNotImpl       SMTPCode = 504
	CodeAuthRequired           SMTPCode = 530
	CodeAuthCredentialsInvalid SMTPCode = 535
	CodeMailboxNotFound        SMTPCode = 550
	CodeExceededStorage        SMTPCode = 552
	CodeMailboxNameInvalid     SMTPCode = 553
	CodeTransactionFailed      SMTPCode = 554
	CodeParamsNotRecognized    SMTPCode = 555
)

// Response is a single SMTP reply.
type Response struct {
	Code         SMTPCode
	EnhancedCode string
	Message      string
}

// String formats the response as one reply line without CRLF.
func (r Response) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// IsError returns true for 4xx or 5xx codes.
func (r Response) IsError() bool {
	return r.Code >= 400
}

func replyOK() Response {
	return Response{Code: CodeOK, Message: "Ok"}
}
