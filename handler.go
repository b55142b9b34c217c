package kestrel

import (
	"context"
	"io"
	"net"
	"net/mail"
)

// MessageContext describes the session a transaction arrives on. It is
// handed to the MessageHandlerFactory once per transaction.
type MessageContext struct {
	SessionID    string
	RemoteAddr   net.Addr
	Helo         string
	AuthIdentity string // empty unless AUTH succeeded
	TLS          bool
}

// MessageHandler consumes one mail transaction. Returning a *RejectError
// from From, Recipient or Data relays its reply to the client; any other
// error is reported as a local processing failure. The connection stays
// open either way.
//
// Data receives the decoded body. Whatever the handler leaves unread is
// discarded by the session.
type MessageHandler interface {
	From(ctx context.Context, from string) error
	Recipient(ctx context.Context, to string) error
	Data(ctx context.Context, r io.Reader) error
	// Reset is called once when the transaction ends, whether by DATA,
	// RSET, a new greeting or the end of the session.
	Reset()
}

// MessageHandlerFactory creates a handler per transaction.
type MessageHandlerFactory interface {
	Create(mc MessageContext) MessageHandler
}

// MessageHandlerFactoryFunc adapts a function to MessageHandlerFactory.
type MessageHandlerFactoryFunc func(mc MessageContext) MessageHandler

func (f MessageHandlerFactoryFunc) Create(mc MessageContext) MessageHandler { return f(mc) }

// UsernamePasswordValidator checks decoded AUTH credentials. Any error is
// a failed login; the client only ever sees 535.
type UsernamePasswordValidator interface {
	Login(ctx context.Context, username, password string) error
}

// ValidatorFunc adapts a function to UsernamePasswordValidator.
type ValidatorFunc func(ctx context.Context, username, password string) error

func (f ValidatorFunc) Login(ctx context.Context, username, password string) error {
	return f(ctx, username, password)
}

// AddressValidator decides whether a mailbox token is syntactically valid.
type AddressValidator interface {
	Valid(address string) bool
}

// AddressValidatorFunc adapts a function to AddressValidator.
type AddressValidatorFunc func(address string) bool

func (f AddressValidatorFunc) Valid(address string) bool { return f(address) }

// ValidateAddress accepts a bare RFC 5322 addr-spec.
func ValidateAddress(address string) bool {
	if address == "" {
		return false
	}
	a, err := mail.ParseAddress("<" + address + ">")
	return err == nil && a.Address == address
}

// discardHandler accepts everything and throws the body away.
type discardHandler struct{}

func (discardHandler) From(context.Context, string) error      { return nil }
func (discardHandler) Recipient(context.Context, string) error { return nil }
func (discardHandler) Reset()                                  {}

func (discardHandler) Data(_ context.Context, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
