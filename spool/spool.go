// Package spool is a MessageHandlerFactory that drops every accepted
// message into a directory: the raw body as <id>.eml and its envelope as
// a MessagePack encoded <id>.msgp Record.
package spool

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"

	"github.com/synqronlabs/kestrel"
)

const (
	bodyExt   = ".eml"
	recordExt = ".msgp"
	tmpExt    = ".tmp"
)

// Spool writes messages below Dir.
type Spool struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates the spool directory if needed.
func New(dir string, logger *slog.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.WithMessage(err, "create spool directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Spool{dir: dir, logger: logger, now: time.Now, newID: uuid.NewString}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// Create implements kestrel.MessageHandlerFactory.
func (s *Spool) Create(mc kestrel.MessageContext) kestrel.MessageHandler {
	return &handler{spool: s, mc: mc}
}

// ReadRecord loads the envelope stored for id.
func (s *Spool) ReadRecord(id string) (*Record, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, id+recordExt))
	if err != nil {
		return nil, errors.WithMessage(err, "read record")
	}
	var r Record
	if _, err := r.UnmarshalMsg(b); err != nil {
		return nil, errors.WithMessage(err, "decode record")
	}
	return &r, nil
}

// Open returns the body stored for id.
func (s *Spool) Open(id string) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.dir, id+bodyExt))
	if err != nil {
		return nil, errors.WithMessage(err, "open body")
	}
	return f, nil
}

// IDs lists the complete messages in the spool.
func (s *Spool) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.WithMessage(err, "read spool directory")
	}
	var ids []string
	for _, e := range entries {
		if id, ok := strings.CutSuffix(e.Name(), recordExt); ok && !e.IsDir() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type handler struct {
	spool *Spool
	mc    kestrel.MessageContext
	from  string
	to    []string
}

func (h *handler) From(_ context.Context, from string) error {
	h.from = from
	return nil
}

func (h *handler) Recipient(_ context.Context, to string) error {
	h.to = append(h.to, to)
	return nil
}

func (h *handler) Reset() {
	h.from = ""
	h.to = nil
}

func (h *handler) Data(_ context.Context, r io.Reader) error {
	s := h.spool
	id := s.newID()
	bodyPath := filepath.Join(s.dir, id+bodyExt)

	size, err := writeFile(bodyPath+tmpExt, r)
	if err != nil {
		return errors.WithMessage(err, "spool body")
	}

	rec := Record{
		ID:           id,
		SessionID:    h.mc.SessionID,
		Helo:         h.mc.Helo,
		AuthIdentity: h.mc.AuthIdentity,
		TLS:          h.mc.TLS,
		From:         h.from,
		To:           h.to,
		Size:         size,
		Received:     s.now().UTC(),
	}
	if h.mc.RemoteAddr != nil {
		rec.Remote = h.mc.RemoteAddr.String()
	}
	s.describe(bodyPath+tmpExt, &rec)

	if err := s.commit(bodyPath, filepath.Join(s.dir, id+recordExt), &rec); err != nil {
		return err
	}

	s.logger.Info("message spooled",
		slog.String("id", id),
		slog.String("session_id", h.mc.SessionID),
		slog.String("from", h.from),
		slog.Int("recipients", len(h.to)),
		slog.Int64("size", size),
	)
	return nil
}

// commit writes the record and moves both files into place. A message is
// listed once its record exists, so the record goes last; on failure
// nothing of the message is left behind.
func (s *Spool) commit(bodyPath, recordPath string, rec *Record) (err error) {
	defer func() {
		if err != nil {
			_ = os.Remove(bodyPath + tmpExt)
			_ = os.Remove(bodyPath)
			_ = os.Remove(recordPath + tmpExt)
		}
	}()

	b, err := rec.MarshalMsg(nil)
	if err != nil {
		return errors.WithMessage(err, "encode record")
	}
	if _, err := writeFile(recordPath+tmpExt, bytes.NewReader(b)); err != nil {
		return errors.WithMessage(err, "spool record")
	}
	if err := os.Rename(bodyPath+tmpExt, bodyPath); err != nil {
		return errors.WithMessage(err, "commit body")
	}
	if err := os.Rename(recordPath+tmpExt, recordPath); err != nil {
		return errors.WithMessage(err, "commit record")
	}
	return nil
}

// describe fills the header-derived fields of rec. A body enmime cannot
// parse is still spooled.
func (s *Spool) describe(path string, rec *Record) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	env, err := enmime.ReadEnvelope(f)
	if err != nil {
		s.logger.Debug("unparseable message", slog.String("id", rec.ID), slog.Any("error", err))
		return
	}
	rec.Subject = env.GetHeader("Subject")
	rec.MessageID = strings.Trim(env.GetHeader("Message-Id"), "<> ")
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return n, err
	}
	return n, nil
}
