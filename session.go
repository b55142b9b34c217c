package kestrel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synqronlabs/kestrel/dns"
	kestrelio "github.com/synqronlabs/kestrel/io"
	"github.com/synqronlabs/kestrel/utils"
)

// Session is the server side of one SMTP connection. Protocol state is
// owned by the goroutine running the session; only close and the shutdown
// notice may be called from elsewhere.
type Session struct {
	ID string

	server *Server
	raw    net.Conn // the accepted socket, closed exactly once
	conn   net.Conn // raw or its TLS wrapper
	reader *bufio.Reader
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	writer  *bufio.Writer

	greeted       bool
	helo          string
	esmtp         bool
	dataMode      bool
	tls           bool
	authenticated bool
	authIdentity  string
	auth          *AuthExchange

	sender     string
	hasSender  bool
	recipients []string
	handler    MessageHandler

	remoteHost   string
	remoteLooked bool

	quit         bool
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

func newSession(srv *Server, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(srv.ctx)
	s := &Session{
		ID:     srv.ids.Next(),
		server: srv,
		raw:    conn,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		writer: bufio.NewWriter(conn),
	}
	s.reader = bufio.NewReader(activityReader{s})
	if _, ok := conn.(*tls.Conn); ok {
		s.tls = true
	}
	s.logger = srv.config.Logger.With(
		slog.String("session_id", s.ID),
		slog.String("remote", conn.RemoteAddr().String()),
	)
	s.touch()
	return s
}

// activityReader refreshes the idle deadline before every socket read and
// records activity after every successful one. It sits under the bufio
// reader, so command lines and DATA bodies share the same idle policy.
type activityReader struct {
	s *Session
}

func (a activityReader) Read(p []byte) (int, error) {
	s := a.s
	if err := s.conn.SetReadDeadline(time.Now().Add(s.server.config.ConnectionTimeout)); err != nil {
		return 0, err
	}
	n, err := s.conn.Read(p)
	if n > 0 {
		s.touch()
	}
	return n, err
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last successful read.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// serve runs the read-dispatch-reply loop until QUIT, an I/O error, a
// timeout or close.
func (s *Session) serve() {
	defer func() {
		s.resetTransaction()
		s.close()
		s.server.release(s)
		s.logger.Info("client disconnected")
	}()

	s.logger.Info("client connected")

	if err := s.WriteResponse(Response{
		Code:    CodeServiceReady,
		Message: fmt.Sprintf("%s ESMTP %s", s.server.config.Hostname, s.server.config.SoftwareName),
	}); err != nil {
		return
	}

	for !s.quit {
		line, err := s.readLine(s.server.config.MaxLineLength)
		if err != nil {
			if !s.readFailed(err) {
				return
			}
			continue
		}
		if err := s.dispatch(line); err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				s.logger.Debug("session ended", slog.Any("error", err))
			}
			if isTimeout(err) {
				s.timeout()
			}
			return
		}
	}
}

// readFailed handles a failed command read and reports whether the loop
// may continue.
func (s *Session) readFailed(err error) bool {
	switch {
	case errors.Is(err, kestrelio.ErrLineTooLong):
		return s.WriteResponse(Response{Code: CodeCommandUnrecognized, Message: "Error: line too long"}) == nil
	case errors.Is(err, kestrelio.ErrBadLineEnding):
		return s.WriteResponse(Response{Code: CodeCommandUnrecognized, Message: "Line must be terminated with CRLF"}) == nil
	case isTimeout(err):
		s.timeout()
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.ctx.Err() != nil:
	default:
		s.logger.Debug("read error", slog.Any("error", err))
	}
	return false
}

// timeout tells the client why it is being dropped. The notice is best
// effort and bounded by a short write deadline.
func (s *Session) timeout() {
	s.logger.Info("idle timeout", slog.Duration("timeout", s.server.config.ConnectionTimeout))
	s.server.metrics.timeout()
	_ = s.writeWithDeadline(time.Second, Response{
		Code:    CodeServiceUnavailable,
		Message: s.server.config.Hostname + " Timeout waiting for data from client.",
	})
}

func (s *Session) readLine(max int) (string, error) {
	return kestrelio.ReadLine(s.reader, max, false)
}

func (s *Session) dispatch(line string) error {
	verb, args := parseCommand(line)
	if verb == "" {
		return s.WriteResponse(Response{Code: CodeCommandUnrecognized, Message: "Error: bad syntax"})
	}

	cmd, ok := s.server.commands.Lookup(verb)
	if !ok {
		s.server.metrics.command("UNKNOWN")
		return s.WriteResponse(Response{Code: CodeCommandUnrecognized, Message: "Error: command not recognized"})
	}
	s.server.metrics.command(verb)

	if verb == "AUTH" {
		s.logger.Debug("command received", slog.String("cmd", verb))
	} else {
		s.logger.Debug("command received", slog.String("cmd", verb), slog.String("args", args))
	}

	err := s.execute(cmd, args)
	var rej *RejectError
	if errors.As(err, &rej) {
		return s.WriteResponse(rej.Response())
	}
	return err
}

func (s *Session) execute(cmd Command, args string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic recovered", slog.String("cmd", cmd.Name()), slog.Any("panic", r))
			err = fmt.Errorf("smtp: %s handler panicked: %v", cmd.Name(), r)
		}
	}()
	return cmd.Execute(s.ctx, args, s)
}

// WriteResponse sends one reply line.
func (s *Session) WriteResponse(resp Response) error {
	return s.writeLines(s.server.config.WriteTimeout, resp.String()+"\r\n")
}

// WriteMultiline sends a multi-line reply; every line but the last uses
// the "code-" continuation form.
func (s *Session) WriteMultiline(code SMTPCode, lines []string) error {
	if len(lines) == 0 {
		return s.WriteResponse(Response{Code: code})
	}
	var b strings.Builder
	for i, line := range lines {
		sep := '-'
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(&b, "%d%c%s\r\n", code, sep, line)
	}
	return s.writeLines(s.server.config.WriteTimeout, b.String())
}

func (s *Session) writeWithDeadline(d time.Duration, resp Response) error {
	return s.writeLines(d, resp.String()+"\r\n")
}

func (s *Session) writeLines(d time.Duration, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(d, text)
}

func (s *Session) writeLocked(d time.Duration, text string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	if _, err := s.writer.WriteString(text); err != nil {
		return err
	}
	return s.writer.Flush()
}

// notifyShutdown writes a 421 unless a reply is being written right now,
// then closes the session. It never waits on the session goroutine.
func (s *Session) notifyShutdown() {
	if s.writeMu.TryLock() {
		_ = s.writeLocked(time.Second, Response{
			Code:    CodeServiceUnavailable,
			Message: s.server.config.Hostname + " Service shutting down",
		}.String()+"\r\n")
		s.writeMu.Unlock()
	}
	s.close()
}

// close shuts the socket and cancels the session context. Safe to call
// from any goroutine, any number of times.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.raw.Close()
	})
}

// startTransaction creates the handler for a new transaction.
func (s *Session) startTransaction() MessageHandler {
	factory := s.server.config.MessageHandlerFactory
	if factory == nil {
		s.handler = discardHandler{}
	} else {
		s.handler = factory.Create(s.MessageContext())
	}
	return s.handler
}

// resetTransaction clears sender, recipients and the handler. The greeting
// and authentication survive.
func (s *Session) resetTransaction() {
	if s.handler != nil {
		s.handler.Reset()
		s.handler = nil
	}
	s.sender = ""
	s.hasSender = false
	s.recipients = nil
	s.dataMode = false
}

// resetAll returns the session to its just-connected state, as after
// STARTTLS.
func (s *Session) resetAll() {
	s.resetTransaction()
	s.greeted = false
	s.helo = ""
	s.esmtp = false
	s.authenticated = false
	s.authIdentity = ""
	s.auth = nil
}

func (s *Session) upgradeTLS(config *tls.Config) error {
	tlsConn := tls.Server(s.conn, config)
	deadline := time.Now().Add(s.server.config.ConnectionTimeout)
	_ = tlsConn.SetDeadline(deadline)
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		return err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	s.writeMu.Lock()
	s.conn = tlsConn
	s.writer = bufio.NewWriter(tlsConn)
	s.writeMu.Unlock()

	// Anything pipelined before the handshake is dropped (RFC 3207 section 4.2).
	s.reader = bufio.NewReader(activityReader{s})
	s.tls = true
	s.resetAll()
	return nil
}

// MessageContext describes this session to a MessageHandlerFactory.
func (s *Session) MessageContext() MessageContext {
	return MessageContext{
		SessionID:    s.ID,
		RemoteAddr:   s.RemoteAddr(),
		Helo:         s.helo,
		AuthIdentity: s.authIdentity,
		TLS:          s.tls,
	}
}

// protocol names the "with" clause of the Received header (RFC 3848).
func (s *Session) protocol() string {
	if !s.esmtp {
		return "SMTP"
	}
	p := "ESMTP"
	if s.tls {
		p += "S"
	}
	if s.authenticated {
		p += "A"
	}
	return p
}

func (s *Session) receivedHeader() string {
	cfg := s.server.config
	ip, err := utils.GetIPFromAddr(s.RemoteAddr())
	ipText := s.RemoteAddr().String()
	if err == nil {
		ipText = ip.String()
	}

	if cfg.ReverseLookup && cfg.Resolver != nil && err == nil && !s.remoteLooked {
		s.remoteLooked = true
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		s.remoteHost = dns.VerifiedName(ctx, cfg.Resolver, ip)
		cancel()
	}

	return kestrelio.FormatReceivedHeader(kestrelio.TraceInfo{
		Helo:       s.helo,
		RemoteIP:   ipText,
		RemoteHost: s.remoteHost,
		LocalHost:  cfg.Hostname,
		Protocol:   s.protocol(),
		ID:         s.ID,
		Time:       time.Now(),
	})
}

func (s *Session) RemoteAddr() net.Addr { return s.raw.RemoteAddr() }

func (s *Session) Greeted() bool { return s.greeted }

func (s *Session) Helo() string { return s.helo }

func (s *Session) Authenticated() bool { return s.authenticated }

func (s *Session) AuthIdentity() string { return s.authIdentity }

func (s *Session) IsTLS() bool { return s.tls }

// Sender returns the reverse-path and whether MAIL has been accepted.
func (s *Session) Sender() (string, bool) { return s.sender, s.hasSender }

// Recipients returns the accepted forward-paths in RCPT order.
func (s *Session) Recipients() []string { return append([]string(nil), s.recipients...) }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
