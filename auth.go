package kestrel

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	kestrelio "github.com/synqronlabs/kestrel/io"
	"github.com/synqronlabs/kestrel/sasl"
)

// AuthExchange is the state of an AUTH negotiation in progress. It lives
// on the session from the AUTH line until success, failure or cancel.
type AuthExchange struct {
	Mechanism string
	// Round counts the 334 challenges sent so far.
	Round int
}

type authCommand struct{}

func (authCommand) Name() string { return "AUTH" }

func (authCommand) Help() HelpMessage {
	return HelpMessage{Verb: "AUTH", Args: "<mechanism> [ <initial-response> ]", Text: "Authenticate with a SASL mechanism."}
}

func (authCommand) Execute(ctx context.Context, args string, s *Session) error {
	cfg := s.server.config
	if s.authenticated || s.auth != nil {
		return Reject(CodeBadSequence, "Refusing any other AUTH command.")
	}
	if !s.greeted {
		return Reject(CodeBadSequence, "Error: send HELO/EHLO first")
	}
	if cfg.Validator == nil {
		return Reject(CodeCommandNotImplemented, "Authentication not supported")
	}
	if s.hasSender {
		return Reject(CodeBadSequence, "AUTH not permitted during a mail transaction")
	}

	name, initial, _ := strings.Cut(strings.TrimSpace(args), " ")
	if name == "" {
		return Reject(CodeSyntaxError, "Syntax: AUTH mechanism [initial-response]")
	}
	mech, found := cfg.Mechanisms.New(name)
	if !found {
		return Reject(CodeParameterNotImpl, "The requested authentication mechanism is not supported")
	}

	s.auth = &AuthExchange{Mechanism: mech.Name()}
	defer func() { s.auth = nil }()

	creds, err := s.runSASLExchange(mech, strings.TrimSpace(initial))
	if err != nil {
		var rej *RejectError
		if errors.As(err, &rej) {
			s.server.metrics.auth(mech.Name(), "error")
		}
		return err
	}

	if err := cfg.Validator.Login(ctx, creds.AuthenticationID, creds.Password); err != nil {
		s.server.metrics.auth(mech.Name(), "failure")
		s.logger.Info("authentication failed",
			slog.String("mechanism", mech.Name()),
			slog.String("user", creds.AuthenticationID),
			slog.Any("error", err),
		)
		return Reject(CodeAuthCredentialsInvalid, "Authentication credentials invalid")
	}

	s.authenticated = true
	s.authIdentity = creds.Identity()
	s.server.metrics.auth(mech.Name(), "success")
	s.logger.Info("authenticated", slog.String("mechanism", mech.Name()), slog.String("identity", s.authIdentity))
	return s.WriteResponse(Response{Code: CodeAuthSuccess, Message: "Authentication successful"})
}

// runSASLExchange drives the 334 challenge rounds. Protocol problems come
// back as *RejectError; read and write failures end the session.
func (s *Session) runSASLExchange(mech sasl.Mechanism, initial string) (*sasl.Credentials, error) {
	var challenge string
	var done bool
	var err error
	if initial == "=" {
		// RFC 4954: "=" is an initial response of zero length, which the
		// mechanism answers in place of its first challenge.
		if challenge, done, err = mech.Start(""); err == nil && !done {
			challenge, done, err = mech.Next("")
		}
	} else {
		challenge, done, err = mech.Start(initial)
	}
	for err == nil && !done {
		s.auth.Round++
		if werr := s.WriteResponse(Response{Code: CodeAuthContinue, Message: challenge}); werr != nil {
			return nil, werr
		}

		line, rerr := s.readLine(maxAuthLineLength)
		if rerr != nil {
			if recoverableRead(rerr) {
				return nil, Reject(CodeSyntaxError, "Invalid authentication data")
			}
			return nil, rerr
		}
		challenge, done, err = mech.Next(strings.TrimSpace(line))
	}

	switch {
	case errors.Is(err, sasl.ErrAuthenticationCancelled):
		return nil, Reject(CodeSyntaxError, "Authentication cancelled")
	case errors.Is(err, sasl.ErrInvalidBase64):
		return nil, Reject(CodeSyntaxError, "Invalid base64 data")
	case err != nil:
		return nil, Reject(CodeSyntaxError, "Invalid authentication data")
	}

	creds := mech.Credentials()
	if creds == nil {
		return nil, Reject(CodeAuthCredentialsInvalid, "Authentication credentials invalid")
	}
	return creds, nil
}

// recoverableRead reports whether a failed read left the stream in sync,
// so the exchange can be aborted with a 501 instead of dropping the client.
func recoverableRead(err error) bool {
	return errors.Is(err, kestrelio.ErrLineTooLong) || errors.Is(err, kestrelio.ErrBadLineEnding)
}
