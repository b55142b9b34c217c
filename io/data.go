package io

import (
	"errors"
	"io"
	"strings"
	"time"
)

// ErrMessageTooLarge is returned by SizeLimitReader once the ceiling is crossed.
var ErrMessageTooLarge = errors.New("smtp: message too large")

// Terminator matcher states. Only the bytes of a possible ".CRLF" at the
// start of a line are ever held back.
const (
	termLineStart = iota
	termText
	termCR
	termDot
	termDotCR
)

// TerminatorReader returns io.EOF once the CRLF.CRLF sequence that ends an
// SMTP DATA body is seen. The body starts at a line boundary, so a lone
// ".CRLF" right after the 354 reply yields an empty body. The CRLF ending
// the last body line is part of the body; only ".CRLF" is consumed.
//
// A premature end of the underlying stream is reported as
// io.ErrUnexpectedEOF.
type TerminatorReader struct {
	r     io.ByteReader
	state int
	out   [4]byte
	head  int
	tail  int
	done  bool
	err   error
}

// NewTerminatorReader wraps r. A *bufio.Reader is the usual argument; when
// r reports Buffered, Read returns early instead of blocking for more
// input once it has something to hand back.
func NewTerminatorReader(r io.ByteReader) *TerminatorReader {
	return &TerminatorReader{r: r}
}

// Done reports whether the terminator has been consumed.
func (t *TerminatorReader) Done() bool { return t.done }

// Err returns the underlying read error that ended the body, if any.
func (t *TerminatorReader) Err() error { return t.err }

func (t *TerminatorReader) Read(p []byte) (int, error) {
	buffered, _ := t.r.(interface{ Buffered() int })

	n := 0
	for n < len(p) {
		if t.head < t.tail {
			k := copy(p[n:], t.out[t.head:t.tail])
			n += k
			t.head += k
			continue
		}
		t.head, t.tail = 0, 0

		if t.done || t.err != nil {
			break
		}
		if n > 0 && buffered != nil && buffered.Buffered() == 0 {
			break
		}

		c, err := t.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			t.err = err
			break
		}
		t.feed(c)
	}

	if n > 0 {
		return n, nil
	}
	if t.done {
		return 0, io.EOF
	}
	return 0, t.err
}

func (t *TerminatorReader) emit(b ...byte) {
	t.tail += copy(t.out[t.tail:], b)
}

func (t *TerminatorReader) feed(c byte) {
	switch t.state {
	case termLineStart:
		if c == '.' {
			t.state = termDot
			return
		}
		t.text(c)
	case termText:
		t.text(c)
	case termCR:
		t.emit(c)
		switch c {
		case '\n':
			t.state = termLineStart
		case '\r':
			t.state = termCR
		default:
			t.state = termText
		}
	case termDot:
		if c == '\r' {
			t.state = termDotCR
			return
		}
		// ".x" is ordinary data; the unstuffer deals with the dot.
		t.emit('.')
		t.text(c)
	case termDotCR:
		if c == '\n' {
			t.done = true
			return
		}
		t.emit('.', '\r')
		t.state = termCR
		t.feed(c)
	}
}

func (t *TerminatorReader) text(c byte) {
	t.emit(c)
	if c == '\r' {
		t.state = termCR
	} else {
		t.state = termText
	}
}

// DotUnstuffReader removes the leading dot from every line that starts
// with one. Line boundaries are CRLF and tracking carries across reads.
type DotUnstuffReader struct {
	r         io.Reader
	lineStart bool
	prevCR    bool
}

func NewDotUnstuffReader(r io.Reader) *DotUnstuffReader {
	return &DotUnstuffReader{r: r, lineStart: true}
}

func (d *DotUnstuffReader) Read(p []byte) (int, error) {
	for {
		n, err := d.r.Read(p)
		j := 0
		for _, c := range p[:n] {
			if d.lineStart && c == '.' {
				d.lineStart = false
				d.prevCR = false
				continue
			}
			p[j] = c
			j++
			d.lineStart = d.prevCR && c == '\n'
			d.prevCR = c == '\r'
		}
		// A read made only of stuffing dots must not look like (0, nil).
		if j > 0 || err != nil || n == 0 {
			return j, err
		}
	}
}

// SizeLimitReader counts bytes and fails with ErrMessageTooLarge once more
// than max bytes have been read. It never reads more than one byte past
// the ceiling and the failure is sticky.
type SizeLimitReader struct {
	r        io.Reader
	max      int64
	n        int64
	exceeded bool
}

func NewSizeLimitReader(r io.Reader, max int64) *SizeLimitReader {
	return &SizeLimitReader{r: r, max: max}
}

// Exceeded reports whether the ceiling was crossed.
func (l *SizeLimitReader) Exceeded() bool { return l.exceeded }

// N returns the number of bytes passed through.
func (l *SizeLimitReader) N() int64 { return l.n }

func (l *SizeLimitReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrMessageTooLarge
	}
	if remaining := l.max - l.n + 1; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.max {
		l.exceeded = true
		over := int(l.n - l.max)
		l.n = l.max
		return n - over, ErrMessageTooLarge
	}
	return n, err
}

// TraceInfo carries the fields of a Received trace header.
type TraceInfo struct {
	Helo       string
	RemoteIP   string
	RemoteHost string // reverse DNS name, may be empty
	LocalHost  string
	Protocol   string // SMTP, ESMTP, ESMTPA, ESMTPS, ESMTPSA
	ID         string
	Time       time.Time
}

// FormatReceivedHeader renders the trace header, folded with CRLF TAB and
// terminated with CRLF.
func FormatReceivedHeader(ti TraceInfo) string {
	helo := ti.Helo
	if helo == "" {
		helo = "unknown"
	}
	proto := ti.Protocol
	if proto == "" {
		proto = "SMTP"
	}
	when := ti.Time
	if when.IsZero() {
		when = time.Now()
	}

	var b strings.Builder
	b.WriteString("Received: from ")
	b.WriteString(helo)
	b.WriteString(" (")
	if ti.RemoteHost != "" {
		b.WriteString(ti.RemoteHost)
		b.WriteByte(' ')
	}
	b.WriteString("[")
	b.WriteString(ti.RemoteIP)
	b.WriteString("])\r\n\tby ")
	b.WriteString(ti.LocalHost)
	b.WriteString(" with ")
	b.WriteString(proto)
	if ti.ID != "" {
		b.WriteString(" id ")
		b.WriteString(ti.ID)
	}
	b.WriteString(";\r\n\t")
	b.WriteString(when.Format(time.RFC1123Z))
	b.WriteString("\r\n")
	return b.String()
}

// ReceivedHeaderReader yields header before the first byte of r.
type ReceivedHeaderReader struct {
	r      io.Reader
	header []byte
	off    int
}

func NewReceivedHeaderReader(r io.Reader, header string) *ReceivedHeaderReader {
	return &ReceivedHeaderReader{r: r, header: []byte(header)}
}

func (h *ReceivedHeaderReader) Read(p []byte) (int, error) {
	if h.off < len(h.header) {
		n := copy(p, h.header[h.off:])
		h.off += n
		return n, nil
	}
	return h.r.Read(p)
}

// DataReader is the composed DATA phase pipeline.
type DataReader struct {
	io.Reader
	Terminator *TerminatorReader
	Limit      *SizeLimitReader // nil when no ceiling is configured
}

// NewDataReader composes terminator, unstuffer, optional size limit and
// trace header. An empty header skips the trace stage; maxSize <= 0
// disables the limit.
func NewDataReader(r io.ByteReader, header string, maxSize int64) *DataReader {
	d := &DataReader{Terminator: NewTerminatorReader(r)}
	var stream io.Reader = NewDotUnstuffReader(d.Terminator)
	if maxSize > 0 {
		d.Limit = NewSizeLimitReader(stream, maxSize)
		stream = d.Limit
	}
	if header != "" {
		stream = NewReceivedHeaderReader(stream, header)
	}
	d.Reader = stream
	return d
}

// Drain consumes what the consumer left unread, up to and including the
// terminator, so no body bytes leak into command parsing. Unread bytes
// still count against the size ceiling.
func (d *DataReader) Drain() error {
	if d.Limit != nil && !d.Limit.Exceeded() {
		if _, err := io.Copy(io.Discard, d.Limit); err != nil && !errors.Is(err, ErrMessageTooLarge) {
			return err
		}
	}
	_, err := io.Copy(io.Discard, d.Terminator)
	if err == nil && !d.Terminator.Done() {
		err = d.Terminator.Err()
	}
	return err
}

// TooLarge reports whether the body crossed the size ceiling.
func (d *DataReader) TooLarge() bool {
	return d.Limit != nil && d.Limit.Exceeded()
}
