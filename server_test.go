package kestrel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient is a simple SMTP client for integration testing.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

func newTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err, "connect to server")
	// Set default deadline
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &testClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func (c *testClient) send(cmd string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(cmd + "\r\n"))
	require.NoError(c.t, err, "send %q", cmd)
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(data))
	require.NoError(c.t, err, "send raw data")
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err, "read response")
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		// Check if this is the last line (no dash after code)
		if len(line) < 4 || line[3] == ' ' {
			return lines
		}
	}
}

// expect reads one reply and requires it to equal want exactly.
func (c *testClient) expect(want string) {
	c.t.Helper()
	require.Equal(c.t, want, c.readLine())
}

func (c *testClient) expectCode(expectedCode int) string {
	c.t.Helper()
	line := c.readLine()
	code := 0
	_, _ = fmt.Sscanf(line, "%d", &code)
	assert.Equal(c.t, expectedCode, code, "response: %s", line)
	return line
}

// expectClosed requires the server to have closed the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	_, err := c.reader.ReadString('\n')
	require.Error(c.t, err)
}

// greet reads the banner and sends EHLO, discarding the extension list.
func (c *testClient) greet() {
	c.t.Helper()
	c.expectCode(220)
	c.send("EHLO client.example.com")
	c.readMultiline()
}

// discardLogger returns a logger that discards all output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer serves config on a loopback port and closes the server
// when the test ends.
func startTestServer(t testing.TB, config ServerConfig) (*Server, string) {
	t.Helper()
	server, listener, served := startTestServerWait(t, config)
	t.Cleanup(func() {
		_ = server.Close()
		<-served
	})
	return server, listener.Addr().String()
}

// startTestServerWait is startTestServer for tests that manage shutdown
// themselves; the channel yields Serve's result.
func startTestServerWait(t testing.TB, config ServerConfig) (*Server, net.Listener, <-chan error) {
	t.Helper()
	if config.Hostname == "" {
		config.Hostname = "test.example.com"
	}
	// Disable logging in tests
	config.Logger = discardLogger()

	server, err := NewServer(config)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()
	return server, listener, served
}

// serveBuilt serves an already built server on a loopback port.
func serveBuilt(t *testing.T, server *Server) (string, <-chan error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()
	return listener.Addr().String(), served
}

// recordedMessage is one transaction seen by a recorder.
type recordedMessage struct {
	Context MessageContext
	From    string
	To      []string
	Body    string
}

// recorder is a MessageHandlerFactory that keeps every completed message
// and can be told to fail at any step.
type recorder struct {
	mu       sync.Mutex
	messages []recordedMessage
	resets   int

	fromErr error
	rcptErr error
	dataErr error
}

func (r *recorder) Create(mc MessageContext) MessageHandler {
	return &recordingHandler{r: r, msg: recordedMessage{Context: mc}}
}

func (r *recorder) all() []recordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedMessage(nil), r.messages...)
}

func (r *recorder) resetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}

type recordingHandler struct {
	r   *recorder
	msg recordedMessage
}

func (h *recordingHandler) From(_ context.Context, from string) error {
	if h.r.fromErr != nil {
		return h.r.fromErr
	}
	h.msg.From = from
	return nil
}

func (h *recordingHandler) Recipient(_ context.Context, to string) error {
	if h.r.rcptErr != nil {
		return h.r.rcptErr
	}
	h.msg.To = append(h.msg.To, to)
	return nil
}

func (h *recordingHandler) Data(_ context.Context, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if h.r.dataErr != nil {
		return h.r.dataErr
	}
	h.msg.Body = string(body)
	h.r.mu.Lock()
	h.r.messages = append(h.r.messages, h.msg)
	h.r.mu.Unlock()
	return nil
}

func (h *recordingHandler) Reset() {
	h.r.mu.Lock()
	h.r.resets++
	h.r.mu.Unlock()
}

// stripReceived removes the leading trace header added by the server.
func stripReceived(t *testing.T, body string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(body, "Received: from "), "body: %q", body)
	// The header is three lines: from, by, date.
	rest := body
	for range 3 {
		i := strings.Index(rest, "\r\n")
		require.GreaterOrEqual(t, i, 0)
		rest = rest[i+2:]
	}
	return rest
}

// ============================================================================
// Basic SMTP Session Tests
// ============================================================================

func TestBasicSMTPSession(t *testing.T) {
	rec := &recorder{}
	config := ServerConfig{MessageHandlerFactory: rec}
	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()

	client.expect("220 test.example.com ESMTP kestrel")
	client.send("EHLO client.example.com")
	require.Equal(t, []string{
		"250-test.example.com",
		"250-8BITMIME",
		"250-SIZE",
		"250 HELP",
	}, client.readMultiline())

	client.send("MAIL FROM:<sender@example.com>")
	client.expect("250 Ok")
	client.send("RCPT TO:<recipient@example.com>")
	client.expect("250 Ok")
	client.send("DATA")
	client.expect("354 End data with <CR><LF>.<CR><LF>")
	client.sendRaw("Subject: Test Message\r\n\r\nThis is a test message.\r\n.\r\n")
	client.expect("250 Ok")
	client.send("QUIT")
	client.expect("221 Bye")
	client.expectClosed()

	msgs := rec.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sender@example.com", msgs[0].From)
	assert.Equal(t, []string{"recipient@example.com"}, msgs[0].To)
	assert.Equal(t, "client.example.com", msgs[0].Context.Helo)
	assert.Equal(t, "Subject: Test Message\r\n\r\nThis is a test message.\r\n", stripReceived(t, msgs[0].Body))
	assert.Equal(t, 1, rec.resetCount())
}

func TestReceivedHeader(t *testing.T) {
	rec := &recorder{}
	_, addr := startTestServer(t, ServerConfig{MessageHandlerFactory: rec})

	client := newTestClient(t, addr)
	defer client.close()
	client.greet()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw("x\r\n.\r\n")
	client.expectCode(250)

	msgs := rec.all()
	require.Len(t, msgs, 1)
	body := msgs[0].Body
	prefix := "Received: from client.example.com ([127.0.0.1])\r\n\tby test.example.com with ESMTP id " + msgs[0].Context.SessionID + ";\r\n\t"
	assert.True(t, strings.HasPrefix(body, prefix), "body: %q", body)
	assert.True(t, strings.HasSuffix(body, "\r\nx\r\n"), "body: %q", body)
}

func TestDataBodyTransparency(t *testing.T) {
	tests := []struct {
		name string
		sent string
		want string
	}{
		{"empty body", ".\r\n", ""},
		{"single line", "hello\r\n.\r\n", "hello\r\n"},
		{"dot stuffed", "..leading dot\r\n.\r\n", ".leading dot\r\n"},
		{"lone dots inside", "a\r\n..\r\nb\r\n.\r\n", "a\r\n.\r\nb\r\n"},
		{"dot not at line start", "a.b\r\n.x\r\n.\r\n", "a.b\r\nx\r\n"},
		{"trailing blank line", "a\r\n\r\n.\r\n", "a\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			_, addr := startTestServer(t, ServerConfig{MessageHandlerFactory: rec})

			client := newTestClient(t, addr)
			defer client.close()
			client.greet()
			client.send("MAIL FROM:<a@example.com>")
			client.expectCode(250)
			client.send("RCPT TO:<b@example.com>")
			client.expectCode(250)
			client.send("DATA")
			client.expectCode(354)
			client.sendRaw(tt.sent)
			client.expect("250 Ok")

			// The session must be back in command mode.
			client.send("NOOP")
			client.expect("250 Ok")

			msgs := rec.all()
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.want, stripReceived(t, msgs[0].Body))
		})
	}
}

func TestHELO(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("HELO")
	client.expect("501 Syntax: HELO <hostname>")
	client.send("HELO client.example.com")
	client.expect("250 test.example.com")
	client.send("HELO other.example.com")
	client.expect("503 other.example.com Duplicate HELO")
	client.send("EHLO other.example.com")
	client.expect("503 other.example.com Duplicate EHLO")
}

func TestEHLOSyntax(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{MaxMessageSize: 1024})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO")
	client.expect("501 Syntax: EHLO hostname")
	client.send("ehlo client.example.com")
	lines := client.readMultiline()
	assert.Contains(t, lines, "250-SIZE 1024")
}

func TestCommandsBeforeGreeting(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("MAIL FROM:<a@example.com>")
	client.expect("503 Error: send HELO/EHLO first")
	client.send("RCPT TO:<b@example.com>")
	client.expect("503 Error: need MAIL command")
	client.send("DATA")
	client.expect("503 Error: need MAIL command")
}

func TestMailErrors(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{MaxMessageSize: 1000})
	client := newTestClient(t, addr)
	defer client.close()
	client.greet()

	client.send("MAIL")
	client.expect("501 Syntax: MAIL FROM: <address>")
	client.send("MAIL TO:<a@example.com>")
	client.expect(`501 Syntax: MAIL FROM: <address>  Error in parameters: "TO:<a@example.com>"`)
	client.send("MAIL FROM:<not an address>")
	client.expect("553 <not an address> Invalid email address.")
	client.send("MAIL FROM:<a@example.com> SIZE=5000")
	client.expect("552 Message size exceeds fixed limit")
	client.send("MAIL FROM:<a@example.com> FOO=bar")
	client.expectCode(555)

	client.send("MAIL FROM:<a@example.com> SIZE=500 BODY=8BITMIME")
	client.expect("250 Ok")
	client.send("MAIL FROM:<a@example.com>")
	client.expect("503 Sender already specified.")
}

func TestNullSender(t *testing.T) {
	rec := &recorder{}
	_, addr := startTestServer(t, ServerConfig{MessageHandlerFactory: rec})
	client := newTestClient(t, addr)
	defer client.close()
	client.greet()

	client.send("MAIL FROM:<>")
	client.expect("250 Ok")
	client.send("RCPT TO:<postmaster@example.com>")
	client.expect("250 Ok")
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw("bounce\r\n.\r\n")
	client.expect("250 Ok")

	msgs := rec.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].From)
}

func TestRcptErrors(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{MaxRecipients: 2})
	client := newTestClient(t, addr)
	defer client.close()
	client.greet()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT FROM:<b@example.com>")
	client.expect(`501 Syntax: RCPT TO: <address>  Error in parameters: "FROM:<b@example.com>"`)
	client.send("RCPT TO:<bad address>")
	client.expect("553 <bad address> Invalid email address.")
	client.send("DATA")
	client.expect("503 Error: need RCPT command")

	client.send("RCPT TO:<b@example.com>")
	client.expect("250 Ok")
	client.send("RCPT TO:<@relay.example.com:c@example.com>")
	client.expect("250 Ok")
	client.send("RCPT TO:<d@example.com>")
	client.expect("452 Error: too many recipients")
}

func TestRSET(t *testing.T) {
	rec := &recorder{}
	_, addr := startTestServer(t, ServerConfig{MessageHandlerFactory: rec})
	client := newTestClient(t, addr)
	defer client.close()
	client.greet()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("RSET")
	client.expect("250 Ok")

	// The transaction is gone but the greeting survives.
	client.send("DATA")
	client.expect("503 Error: need MAIL command")
	client.send("MAIL FROM:<a@example.com>")
	client.expect("250 Ok")
	client.send("HELO again.example.com")
	client.expect("503 again.example.com Duplicate HELO")

	assert.Equal(t, 1, rec.resetCount())
}

func TestNOOPAndVRFY(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("NOOP")
	client.expect("250 Ok")
	client.send("VRFY postmaster")
	client.expect("252 Cannot VRFY user, but will accept message and attempt delivery")
}

func TestUnknownCommand(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("FROB widgets")
	client.expect("500 Error: command not recognized")
	client.send("")
	client.expect("500 Error: bad syntax")
	client.send("   ")
	client.expect("500 Error: bad syntax")
}

func TestLineTooLong(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{MaxLineLength: 64})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("NOOP " + strings.Repeat("x", 200))
	client.expect("500 Error: line too long")
	client.send("NOOP")
	client.expect("250 Ok")
}

func TestBareLineFeed(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.sendRaw("NOOP\n")
	client.expect("500 Line must be terminated with CRLF")
	client.send("NOOP")
	client.expect("250 Ok")
}

func TestHELP(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("HELP")
	lines := client.readMultiline()
	require.Len(t, lines, 5)
	assert.Equal(t, "214-This is kestrel running on test.example.com", lines[0])
	assert.Equal(t, "214-Topics:", lines[1])
	assert.Equal(t, "214-    AUTH DATA EHLO HELO HELP MAIL NOOP QUIT RCPT RSET STARTTLS VRFY", lines[2])
	assert.Equal(t, `214-For more info use "HELP <topic>".`, lines[3])
	assert.Equal(t, "214 End of HELP info", lines[4])

	client.send("HELP mail")
	assert.Equal(t, []string{
		"214-MAIL FROM: <sender> [ <parameters> ]",
		"214-    Specifies the sender.",
		"214 End of MAIL info",
	}, client.readMultiline())

	client.send("HELP FROB")
	client.expect(`504 HELP topic "FROB" unknown.`)
}

func TestHandlerRejection(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *recorder)
		at    string
		want  string
	}{
		{
			name:  "sender rejected verbatim",
			setup: func(r *recorder) { r.fromErr = Reject(CodeMailboxNotFound, "Sender blocked") },
			at:    "MAIL",
			want:  "550 Sender blocked",
		},
		{
			name:  "recipient rejected verbatim",
			setup: func(r *recorder) { r.rcptErr = fmt.Errorf("lookup: %w", Reject(CodeMailboxNotFound, "<b@example.com> No such user")) },
			at:    "RCPT",
			want:  "550 <b@example.com> No such user",
		},
		{
			name:  "data local failure",
			setup: func(r *recorder) { r.dataErr = errors.New("disk full") },
			at:    "DATA",
			want:  "451 Requested action aborted: local error in processing",
		},
		{
			name:  "data rejected verbatim",
			setup: func(r *recorder) { r.dataErr = Reject(CodeTransactionFailed, "Message looks like spam") },
			at:    "DATA",
			want:  "554 Message looks like spam",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			tt.setup(rec)
			_, addr := startTestServer(t, ServerConfig{MessageHandlerFactory: rec})
			client := newTestClient(t, addr)
			defer client.close()
			client.greet()

			client.send("MAIL FROM:<a@example.com>")
			if tt.at == "MAIL" {
				client.expect(tt.want)
				// The transaction never started.
				client.send("RCPT TO:<b@example.com>")
				client.expect("503 Error: need MAIL command")
				return
			}
			client.expect("250 Ok")

			client.send("RCPT TO:<b@example.com>")
			if tt.at == "RCPT" {
				client.expect(tt.want)
				client.send("NOOP")
				client.expect("250 Ok")
				return
			}
			client.expect("250 Ok")

			client.send("DATA")
			client.expectCode(354)
			client.sendRaw("body\r\n.\r\n")
			client.expect(tt.want)

			// The connection stays open and the transaction is reset.
			client.send("MAIL FROM:<a@example.com>")
			client.expect("250 Ok")
		})
	}
}

func TestMessageSizeLimit(t *testing.T) {
	rec := &recorder{}
	_, addr := startTestServer(t, ServerConfig{MaxMessageSize: 100, MessageHandlerFactory: rec})
	client := newTestClient(t, addr)
	defer client.close()
	client.greet()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	for range 20 {
		client.send(strings.Repeat("y", 50))
	}
	client.send(".")
	client.expect("552 Error: message exceeds fixed maximum message size")

	// The rest of the body was drained and the session is usable.
	client.send("MAIL FROM:<a@example.com>")
	client.expect("250 Ok")
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.sendRaw("small\r\n.\r\n")
	client.expect("250 Ok")

	require.Len(t, rec.all(), 1)
}

func TestMessageSizeLimitUnreadBody(t *testing.T) {
	factory := MessageHandlerFactoryFunc(func(MessageContext) MessageHandler { return skipBodyHandler{} })
	_, addr := startTestServer(t, ServerConfig{MaxMessageSize: 100, MessageHandlerFactory: factory})
	client := newTestClient(t, addr)
	defer client.close()
	client.greet()

	client.send("MAIL FROM:<a@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<b@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	for range 100 {
		client.send(strings.Repeat("z", 100))
	}
	client.send(".")
	client.expect("552 Error: message exceeds fixed maximum message size")

	client.send("NOOP")
	client.expect("250 Ok")
}

// skipBodyHandler accepts the message without reading it.
type skipBodyHandler struct{ discardHandler }

func (skipBodyHandler) Data(context.Context, io.Reader) error { return nil }

func TestQuitClosesConnection(t *testing.T) {
	server, addr := startTestServer(t, ServerConfig{})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("QUIT")
	client.expect("221 Bye")
	client.expectClosed()

	require.Eventually(t, func() bool { return server.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerPanicEndsSession(t *testing.T) {
	factory := MessageHandlerFactoryFunc(func(MessageContext) MessageHandler { return panicHandler{} })
	server, addr := startTestServer(t, ServerConfig{MessageHandlerFactory: factory})
	client := newTestClient(t, addr)
	defer client.close()
	client.greet()

	client.send("MAIL FROM:<a@example.com>")
	client.expectClosed()
	require.Eventually(t, func() bool { return server.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type panicHandler struct{ discardHandler }

func (panicHandler) From(context.Context, string) error { panic("boom") }

func TestCustomCommand(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{Commands: []Command{xclientCommand{}}})
	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("xping hello")
	client.expect("250 pong hello")
	client.send("HELP XPING")
	client.readMultiline()
}

type xclientCommand struct{}

func (xclientCommand) Name() string { return "XPING" }

func (xclientCommand) Help() HelpMessage {
	return HelpMessage{Verb: "XPING", Args: "<text>", Text: "Echo text."}
}

func (xclientCommand) Execute(_ context.Context, args string, s *Session) error {
	return s.WriteResponse(Response{Code: CodeOK, Message: "pong " + args})
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)

	_, err = NewServer(ServerConfig{Hostname: "mx.example.com", RequireAuth: true})
	require.Error(t, err)

	srv, err := NewServer(ServerConfig{Hostname: "mx.example.com"})
	require.NoError(t, err)
	cfg := srv.Config()
	assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, DefaultConnectionReserve, cfg.ConnectionReserve)
	assert.Equal(t, DefaultMaxRecipients, cfg.MaxRecipients)
	assert.Equal(t, DefaultConnectionTimeout, cfg.ConnectionTimeout)
	assert.Equal(t, AdmissionReject, cfg.Admission)
	assert.Nil(t, srv.Addr())
}
