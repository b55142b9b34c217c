package spool

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/kestrel"
)

const testMessage = "From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Quarterly report\r\n" +
	"Message-ID: <report-1@example.com>\r\n" +
	"\r\n" +
	"Numbers attached.\r\n"

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "spool"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSpoolData(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()

	h := s.Create(kestrel.MessageContext{
		SessionID:    "01HTEST",
		RemoteAddr:   &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4000},
		Helo:         "client.example.com",
		AuthIdentity: "alice",
		TLS:          true,
	})
	require.NoError(t, h.From(ctx, "alice@example.com"))
	require.NoError(t, h.Recipient(ctx, "bob@example.com"))
	require.NoError(t, h.Recipient(ctx, "carol@example.com"))
	require.NoError(t, h.Data(ctx, strings.NewReader(testMessage)))
	h.Reset()

	ids, err := s.IDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rec, err := s.ReadRecord(ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], rec.ID)
	assert.Equal(t, "01HTEST", rec.SessionID)
	assert.Equal(t, "192.0.2.1:4000", rec.Remote)
	assert.Equal(t, "client.example.com", rec.Helo)
	assert.Equal(t, "alice", rec.AuthIdentity)
	assert.True(t, rec.TLS)
	assert.Equal(t, "alice@example.com", rec.From)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, rec.To)
	assert.Equal(t, "Quarterly report", rec.Subject)
	assert.Equal(t, "report-1@example.com", rec.MessageID)
	assert.Equal(t, int64(len(testMessage)), rec.Size)
	assert.True(t, rec.Received.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))

	f, err := s.Open(ids[0])
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, testMessage, string(body))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), tmpExt), "leftover %s", e.Name())
	}
}

func TestSpoolUnparseableBody(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()

	h := s.Create(kestrel.MessageContext{SessionID: "x"})
	require.NoError(t, h.From(ctx, ""))
	require.NoError(t, h.Recipient(ctx, "postmaster@example.com"))
	require.NoError(t, h.Data(ctx, strings.NewReader("no headers at all")))

	ids, err := s.IDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	rec, err := s.ReadRecord(ids[0])
	require.NoError(t, err)
	assert.Empty(t, rec.From)
	assert.Empty(t, rec.Remote)
	assert.Equal(t, int64(len("no headers at all")), rec.Size)
}

func TestSpoolFailedCommitLeavesNothing(t *testing.T) {
	s := newTestSpool(t)
	s.newID = func() string { return "fixed-id" }
	ctx := context.Background()

	// A non-empty directory where the record belongs makes the final
	// rename fail.
	blocker := filepath.Join(s.Dir(), "fixed-id"+recordExt)
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "occupied"), 0o750))

	h := s.Create(kestrel.MessageContext{SessionID: "x"})
	require.NoError(t, h.From(ctx, "alice@example.com"))
	require.NoError(t, h.Recipient(ctx, "bob@example.com"))
	require.Error(t, h.Data(ctx, strings.NewReader(testMessage)))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fixed-id"+recordExt, entries[0].Name())
	assert.True(t, entries[0].IsDir())

	ids, err := s.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRecordSkipsUnknownFields(t *testing.T) {
	rec := Record{ID: "a", To: []string{"x@example.com"}, Size: 7, Received: time.Unix(1700000000, 0).UTC()}
	b, err := rec.MarshalMsg(nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), rec.Msgsize())

	var got Record
	rest, err := got.UnmarshalMsg(b)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, rec.To, got.To)
	assert.True(t, rec.Received.Equal(got.Received))

	_, err = got.UnmarshalMsg(b[:len(b)/2])
	assert.Error(t, err)
}

func TestSpoolOverSMTP(t *testing.T) {
	s := newTestSpool(t)

	server, err := kestrel.New("mx.example.com").
		Logger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Handler(s).
		Build()
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()
	defer func() {
		_ = server.Close()
		<-served
	}()

	err = smtp.SendMail(listener.Addr().String(), nil, "alice@example.com",
		[]string{"bob@example.com"}, strings.NewReader(testMessage))
	require.NoError(t, err)

	ids, err := s.IDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	rec, err := s.ReadRecord(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report", rec.Subject)
	assert.NotEmpty(t, rec.SessionID)

	f, err := s.Open(ids[0])
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "Received: from "), "body starts %q", string(body[:20]))
	assert.True(t, strings.HasSuffix(string(body), testMessage))
}
