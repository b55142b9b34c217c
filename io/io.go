// Package io holds the byte-level readers used by the SMTP session: the
// bounded CRLF command-line reader and the DATA phase transform pipeline.
package io

import (
	"bufio"
	"errors"
)

var (
	ErrLineTooLong    = errors.New("smtp: line too long")
	ErrBadLineEnding  = errors.New("smtp: line not terminated by CRLF")
	Err8BitIn7BitMode = errors.New("smtp: 8-bit data in 7BIT mode")
)

// ReadLine reads a single command line with strict CRLF and length
// enforcement. max counts the terminating CRLF. When enforce is set any
// octet above 127 is rejected.
//
// On ErrLineTooLong the remainder of the offending line has been consumed,
// so the next call starts on a fresh line.
func ReadLine(reader *bufio.Reader, max int, enforce bool) (string, error) {
	// Fast path: the whole line fits in the bufio buffer.
	line, err := reader.ReadSlice('\n')
	if err == nil {
		if enforce && !isASCII(line) {
			return "", Err8BitIn7BitMode
		}
		return validateAndConvert(line, max)
	}
	if err != bufio.ErrBufferFull {
		return "", err
	}

	// Slow path: the line is larger than the buffer, accumulate chunks.
	// ReadSlice reuses its buffer so the first chunk is copied out.
	if len(line) > max {
		drainLine(reader)
		return "", ErrLineTooLong
	}
	if enforce && !isASCII(line) {
		drainLine(reader)
		return "", Err8BitIn7BitMode
	}
	buf := append([]byte(nil), line...)

	for {
		line, err = reader.ReadSlice('\n')

		if len(buf)+len(line) > max {
			if err == bufio.ErrBufferFull {
				drainLine(reader)
			}
			return "", ErrLineTooLong
		}
		if enforce && !isASCII(line) {
			if err == bufio.ErrBufferFull {
				drainLine(reader)
			}
			return "", Err8BitIn7BitMode
		}

		buf = append(buf, line...)

		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}

	return validateAndConvert(buf, max)
}

// validateAndConvert checks length and the CRLF ending, then strips it.
func validateAndConvert(b []byte, max int) (string, error) {
	if len(b) > max {
		return "", ErrLineTooLong
	}
	// b ends in '\n' because ReadSlice returned a nil error.
	if len(b) < 2 || b[len(b)-2] != '\r' {
		return "", ErrBadLineEnding
	}
	return string(b[:len(b)-2]), nil
}

// isASCII reports whether every octet is US-ASCII.
func isASCII(b []byte) bool {
	for _, c := range b {
		if c > 127 {
			return false
		}
	}
	return true
}

// drainLine discards the rest of the current line to recover protocol synchronization.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}
