package kestrel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	kestrelio "github.com/synqronlabs/kestrel/io"
)

// builtinCommands returns the standard verb set.
func builtinCommands() []Command {
	return []Command{
		heloCommand{},
		ehloCommand{},
		mailCommand{},
		rcptCommand{},
		dataCommand{},
		rsetCommand{},
		noopCommand{},
		quitCommand{},
		helpCommand{},
		vrfyCommand{},
		startTLSCommand{},
		authCommand{},
	}
}

// ---- HELO / EHLO ----

type heloCommand struct{}

func (heloCommand) Name() string { return "HELO" }

func (heloCommand) Help() HelpMessage {
	return HelpMessage{Verb: "HELO", Args: "<hostname>", Text: "Introduce yourself."}
}

func (heloCommand) Execute(_ context.Context, args string, s *Session) error {
	name := firstField(args)
	if name == "" {
		return Reject(CodeSyntaxError, "Syntax: HELO <hostname>")
	}
	if s.greeted {
		return Rejectf(CodeBadSequence, "%s Duplicate HELO", name)
	}
	s.resetTransaction()
	s.greeted = true
	s.helo = name
	s.esmtp = false
	return s.WriteResponse(Response{Code: CodeOK, Message: s.server.config.Hostname})
}

type ehloCommand struct{}

func (ehloCommand) Name() string { return "EHLO" }

func (ehloCommand) Help() HelpMessage {
	return HelpMessage{Verb: "EHLO", Args: "<hostname>", Text: "Introduce yourself."}
}

func (ehloCommand) Execute(_ context.Context, args string, s *Session) error {
	name := firstField(args)
	if name == "" {
		return Reject(CodeSyntaxError, "Syntax: EHLO hostname")
	}
	if s.greeted {
		return Rejectf(CodeBadSequence, "%s Duplicate EHLO", name)
	}
	s.resetTransaction()
	s.greeted = true
	s.helo = name
	s.esmtp = true
	return s.WriteMultiline(CodeOK, s.server.extensions(s))
}

// extensions lists the EHLO keywords offered to s, hostname first.
func (srv *Server) extensions(s *Session) []string {
	cfg := srv.config
	lines := []string{cfg.Hostname, "8BITMIME"}
	if cfg.MaxMessageSize > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(cfg.MaxMessageSize, 10))
	} else {
		lines = append(lines, "SIZE")
	}
	if srv.tlsAvailable() && !s.tls {
		lines = append(lines, "STARTTLS")
	}
	if cfg.Validator != nil && !s.authenticated {
		if names := cfg.Mechanisms.Names(); len(names) > 0 {
			lines = append(lines, "AUTH "+strings.Join(names, " "))
		}
	}
	return append(lines, "HELP")
}

// ---- MAIL / RCPT ----

type mailCommand struct{}

func (mailCommand) Name() string { return "MAIL" }

func (mailCommand) Help() HelpMessage {
	return HelpMessage{Verb: "MAIL", Args: "FROM: <sender> [ <parameters> ]", Text: "Specifies the sender."}
}

func (mailCommand) Execute(ctx context.Context, args string, s *Session) error {
	cfg := s.server.config
	if !s.greeted {
		return Reject(CodeBadSequence, "Error: send HELO/EHLO first")
	}
	if cfg.RequireAuth && !s.authenticated {
		return Reject(CodeAuthRequired, "Authentication required")
	}
	if s.hasSender {
		return Reject(CodeBadSequence, "Sender already specified.")
	}
	if args == "" || strings.EqualFold(args, "FROM:") {
		return Reject(CodeSyntaxError, "Syntax: MAIL FROM: <address>")
	}

	from, params, ok := parsePath(args, "FROM:")
	if !ok {
		return Rejectf(CodeSyntaxError, "Syntax: MAIL FROM: <address>  Error in parameters: \"%s\"", args)
	}
	if rej := checkMailParams(params, cfg.MaxMessageSize); rej != nil {
		return rej
	}
	// The null reverse-path is valid for bounces.
	if from != "" && !cfg.AddressValidator.Valid(from) {
		return Rejectf(CodeMailboxNameInvalid, "<%s> Invalid email address.", from)
	}

	h := s.startTransaction()
	if err := h.From(ctx, from); err != nil {
		s.resetTransaction()
		return asReject(err)
	}
	s.sender = from
	s.hasSender = true
	return s.WriteResponse(replyOK())
}

// checkMailParams validates ESMTP MAIL parameters. SIZE is checked against
// the limit, BODY and AUTH are accepted, anything else is refused.
func checkMailParams(params string, maxSize int64) *RejectError {
	for _, p := range strings.Fields(params) {
		key, value, _ := strings.Cut(p, "=")
		switch strings.ToUpper(key) {
		case "SIZE":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return Rejectf(CodeSyntaxError, "Syntax error in SIZE parameter %q", value)
			}
			if maxSize > 0 && n > maxSize {
				return Reject(CodeExceededStorage, "Message size exceeds fixed limit")
			}
		case "BODY", "AUTH":
		default:
			return Rejectf(CodeParamsNotRecognized, "Unsupported option: %s", key)
		}
	}
	return nil
}

type rcptCommand struct{}

func (rcptCommand) Name() string { return "RCPT" }

func (rcptCommand) Help() HelpMessage {
	return HelpMessage{Verb: "RCPT", Args: "TO: <recipient> [ <parameters> ]", Text: "Specifies the recipient. Can be used any number of times."}
}

func (rcptCommand) Execute(ctx context.Context, args string, s *Session) error {
	cfg := s.server.config
	if !s.hasSender {
		return Reject(CodeBadSequence, "Error: need MAIL command")
	}

	to, _, ok := parsePath(args, "TO:")
	if !ok || to == "" {
		return Rejectf(CodeSyntaxError, "Syntax: RCPT TO: <address>  Error in parameters: \"%s\"", args)
	}
	if len(s.recipients) >= cfg.MaxRecipients {
		return Reject(CodeInsufficientStorage, "Error: too many recipients")
	}
	if !cfg.AddressValidator.Valid(to) {
		return Rejectf(CodeMailboxNameInvalid, "<%s> Invalid email address.", to)
	}

	if err := s.handler.Recipient(ctx, to); err != nil {
		return asReject(err)
	}
	s.recipients = append(s.recipients, to)
	return s.WriteResponse(replyOK())
}

// parsePath extracts the mailbox following keyword ("FROM:" or "TO:").
// Both "<addr> params" and a bare "addr params" are accepted, and an
// RFC 5321 source route is dropped.
func parsePath(args, keyword string) (addr, params string, ok bool) {
	if len(args) < len(keyword) || !strings.EqualFold(args[:len(keyword)], keyword) {
		return "", "", false
	}
	rest := strings.TrimSpace(args[len(keyword):])
	if rest == "" {
		return "", "", false
	}

	if rest[0] == '<' {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", "", false
		}
		addr, params = rest[1:end], strings.TrimSpace(rest[end+1:])
	} else {
		addr, params, _ = strings.Cut(rest, " ")
		params = strings.TrimSpace(params)
	}

	if strings.HasPrefix(addr, "@") {
		colon := strings.IndexByte(addr, ':')
		if colon < 0 {
			return "", "", false
		}
		addr = addr[colon+1:]
	}
	return addr, params, true
}

// ---- DATA ----

type dataCommand struct{}

func (dataCommand) Name() string { return "DATA" }

func (dataCommand) Help() HelpMessage {
	return HelpMessage{Verb: "DATA", Text: "Following text is collected as the message. End data with <CR><LF>.<CR><LF>"}
}

func (dataCommand) Execute(ctx context.Context, _ string, s *Session) error {
	if !s.hasSender {
		return Reject(CodeBadSequence, "Error: need MAIL command")
	}
	if len(s.recipients) == 0 {
		return Reject(CodeBadSequence, "Error: need RCPT command")
	}

	if err := s.WriteResponse(Response{Code: CodeStartMailInput, Message: "End data with <CR><LF>.<CR><LF>"}); err != nil {
		return err
	}
	s.dataMode = true

	data := kestrelio.NewDataReader(s.reader, s.receivedHeader(), s.server.config.MaxMessageSize)
	handlerErr := s.handler.Data(ctx, data)
	drainErr := data.Drain()

	from, rcpts := s.sender, len(s.recipients)
	s.resetTransaction()

	if drainErr != nil {
		// The body never completed; the stream is out of sync.
		s.server.metrics.message("aborted")
		return fmt.Errorf("smtp: reading message body: %w", drainErr)
	}

	switch {
	case data.TooLarge():
		s.server.metrics.message("too_large")
		return Reject(CodeExceededStorage, "Error: message exceeds fixed maximum message size")
	case handlerErr != nil:
		s.server.metrics.message("rejected")
		s.logger.Info("message rejected", slog.String("from", from), slog.Any("error", handlerErr))
		return asReject(handlerErr)
	}

	s.server.metrics.message("accepted")
	s.logger.Info("message accepted", slog.String("from", from), slog.Int("recipients", rcpts))
	return s.WriteResponse(replyOK())
}

// ---- RSET / NOOP / QUIT / VRFY ----

type rsetCommand struct{}

func (rsetCommand) Name() string { return "RSET" }

func (rsetCommand) Help() HelpMessage {
	return HelpMessage{Verb: "RSET", Text: "Resets the system."}
}

func (rsetCommand) Execute(_ context.Context, _ string, s *Session) error {
	s.resetTransaction()
	return s.WriteResponse(replyOK())
}

type noopCommand struct{}

func (noopCommand) Name() string { return "NOOP" }

func (noopCommand) Help() HelpMessage {
	return HelpMessage{Verb: "NOOP", Text: "Do nothing."}
}

func (noopCommand) Execute(_ context.Context, _ string, s *Session) error {
	return s.WriteResponse(replyOK())
}

type quitCommand struct{}

func (quitCommand) Name() string { return "QUIT" }

func (quitCommand) Help() HelpMessage {
	return HelpMessage{Verb: "QUIT", Text: "Exit the SMTP session."}
}

func (quitCommand) Execute(_ context.Context, _ string, s *Session) error {
	s.quit = true
	return s.WriteResponse(Response{Code: CodeServiceClosing, Message: "Bye"})
}

type vrfyCommand struct{}

func (vrfyCommand) Name() string { return "VRFY" }

func (vrfyCommand) Help() HelpMessage {
	return HelpMessage{Verb: "VRFY", Args: "<recipient>", Text: "Verify an address."}
}

func (vrfyCommand) Execute(_ context.Context, _ string, s *Session) error {
	return s.WriteResponse(Response{Code: CodeCannotVRFY, Message: "Cannot VRFY user, but will accept message and attempt delivery"})
}

// ---- HELP ----

type helpCommand struct{}

func (helpCommand) Name() string { return "HELP" }

func (helpCommand) Help() HelpMessage {
	return HelpMessage{Verb: "HELP", Args: "[ <topic> ]", Text: "Show help for a command, or list the commands."}
}

func (helpCommand) Execute(_ context.Context, args string, s *Session) error {
	srv := s.server
	if args == "" {
		return s.WriteMultiline(CodeHelpMessage, []string{
			fmt.Sprintf("This is %s running on %s", srv.config.SoftwareName, srv.config.Hostname),
			"Topics:",
			"    " + strings.Join(srv.commands.Verbs(), " "),
			`For more info use "HELP <topic>".`,
			"End of HELP info",
		})
	}
	cmd, found := srv.commands.Lookup(firstField(args))
	if !found {
		return Rejectf(CodeParameterNotImpl, "HELP topic \"%s\" unknown.", args)
	}
	return s.WriteMultiline(CodeHelpMessage, cmd.Help().lines())
}

// ---- STARTTLS ----

type startTLSCommand struct{}

func (startTLSCommand) Name() string { return "STARTTLS" }

func (startTLSCommand) Help() HelpMessage {
	return HelpMessage{Verb: "STARTTLS", Text: "Start a TLS session."}
}

func (startTLSCommand) Execute(_ context.Context, args string, s *Session) error {
	if !s.server.tlsAvailable() {
		return Reject(CodeTLSNotAvailable, "TLS not supported")
	}
	if args != "" {
		return Reject(CodeSyntaxError, "Syntax error (no parameters allowed)")
	}
	if s.tls {
		return Reject(CodeBadSequence, "TLS already active")
	}
	if err := s.WriteResponse(Response{Code: CodeServiceReady, Message: "Ready to start TLS"}); err != nil {
		return err
	}
	if err := s.upgradeTLS(s.server.config.TLSConfig); err != nil {
		s.logger.Warn("TLS handshake failed", slog.Any("error", err))
		return err
	}
	s.logger.Debug("TLS established")
	return nil
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}
