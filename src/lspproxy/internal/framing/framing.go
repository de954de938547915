// Package framing implements the LSP base protocol wire format used on the
// stdio side of a language server: an ASCII header block terminated by two
// CRLF pairs, with a mandatory Content-Length header naming the exact byte
// length of the JSON-RPC body that follows.
package framing

import (
	"bytes"
	"io"
	"strconv"
)

var (
	_headerSeparator = []byte("\r\n\r\n")
	_lineSeparator   = []byte("\r\n")
	_contentLength   = []byte("content-length:")
)

// WriteFrame writes body to w as a single Content-Length framed message.
// Header and body are written in one call so concurrent writers serialized
// by the caller can never interleave mid-frame.
func WriteFrame(w io.Writer, body []byte) error {
	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, _headerSeparator...)
	frame = append(frame, body...)
	_, err := w.Write(frame)
	return err
}

// Scanner reassembles Content-Length framed messages from a byte stream that
// may be fragmented into arbitrary chunks. The zero value is ready to use.
// Scanner is not safe for concurrent use.
type Scanner struct {
	buf []byte
	off int
}

// Append adds a chunk of stream data and returns the bodies of all frames the
// chunk completes, in arrival order. Each returned body is an independent
// copy. A header block without a parseable Content-Length is dropped and
// scanning resumes past its separator rather than failing the stream.
func (s *Scanner) Append(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var bodies [][]byte
	for {
		rest := s.buf[s.off:]
		sep := bytes.Index(rest, _headerSeparator)
		if sep < 0 {
			break
		}

		length, ok := parseContentLength(rest[:sep])
		if !ok {
			// Best-effort resynchronization on a malformed header.
			s.advance(sep + len(_headerSeparator))
			continue
		}

		bodyStart := sep + len(_headerSeparator)
		if len(rest) < bodyStart+length {
			break
		}

		body := make([]byte, length)
		copy(body, rest[bodyStart:bodyStart+length])
		bodies = append(bodies, body)
		s.advance(bodyStart + length)
	}
	return bodies
}

// Buffered returns the number of bytes held while waiting for a frame to
// complete.
func (s *Scanner) Buffered() int {
	return len(s.buf) - s.off
}

// advance moves the read offset past n consumed bytes, compacting the buffer
// once the dead prefix dominates so sustained traffic stays amortized linear.
func (s *Scanner) advance(n int) {
	s.off += n
	if s.off > len(s.buf)/2 {
		remaining := copy(s.buf, s.buf[s.off:])
		s.buf = s.buf[:remaining]
		s.off = 0
	}
}

// parseContentLength extracts the Content-Length value from a header block.
// The header name match is case-insensitive per the base protocol.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range bytes.Split(header, _lineSeparator) {
		if len(line) < len(_contentLength) {
			continue
		}
		name := bytes.ToLower(line[:len(_contentLength)])
		if !bytes.Equal(name, _contentLength) {
			continue
		}
		value := string(bytes.TrimSpace(line[len(_contentLength):]))
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			continue
		}
		return n, true
	}
	return 0, false
}
