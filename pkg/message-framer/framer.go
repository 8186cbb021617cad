// Package framer splits an HTTP/1.x byte stream into messages.
//
// A message is a header block terminated by an empty line, optionally
// followed by a body of exactly Content-Length bytes. The same framer reads
// requests and responses; the Role only selects how the start line is parsed.
// Chunked transfer coding is not supported.
package framer

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Role selects the kind of start line a message carries.
type Role int

const (
	// RoleRequest messages start with "METHOD target VERSION".
	RoleRequest Role = iota
	// RoleResponse messages start with "VERSION code reason".
	RoleResponse
)

func (r Role) String() string {
	if r == RoleResponse {
		return "response"
	}
	return "request"
}

// Message is one framed HTTP message.
type Message struct {
	Role Role
	// Start is the raw start line.
	Start string
	// Request is set for RoleRequest messages with a well-formed start line.
	Request RequestLine
	// Status is set for RoleResponse messages with a well-formed start line.
	Status StatusLine
	Header Headers
	// LengthErr is set by ReadMessage when Content-Length is present but
	// invalid. The body is then read as empty.
	LengthErr error
	// Raw is the header block with every line terminated by CRLF,
	// including the empty line that ends it.
	Raw  []byte
	Body []byte
}

// Framer reads messages from a buffered stream. It is not safe for
// concurrent use.
type Framer struct {
	r *bufio.Reader
	// MaxHeaderBytes bounds the header block. Zero means no limit.
	MaxHeaderBytes int
	// MaxBodyBytes bounds Content-Length. Zero means no limit.
	MaxBodyBytes int64
}

// New returns a Framer reading from r. If r is already a *bufio.Reader
// it is used directly, so bytes buffered for later messages are kept.
func New(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReader(r)}
}

// ReadHeader reads one header block.
//
// Bytes are consumed one at a time: CR is dropped, LF ends the current
// line, and a LF whose previous accepted byte was also LF ends the block.
// The stream is left at the first byte after that terminator.
//
// io.EOF is returned only when the stream ends before any byte was read.
// When the start line is malformed the message is still returned together
// with an error wrapping ErrMalformedStartLine, so the caller can answer
// without losing its place in the stream.
func (f *Framer) ReadHeader(role Role) (*Message, error) {
	var (
		block   bytes.Buffer
		sawLF   bool
		started bool
	)
	for {
		c, err := f.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if !started {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		started = true

		if c == '\r' {
			continue
		}
		if c == '\n' {
			if sawLF {
				break
			}
			block.WriteString("\r\n")
			sawLF = true
		} else {
			block.WriteByte(c)
			sawLF = false
		}
		if f.MaxHeaderBytes > 0 && block.Len() > f.MaxHeaderBytes {
			return nil, errors.Wrapf(ErrHeaderTooLarge, "over %d bytes", f.MaxHeaderBytes)
		}
	}

	block.WriteString("\r\n")
	m := &Message{Role: role, Raw: block.Bytes()}

	lines := strings.Split(strings.TrimSuffix(string(m.Raw), "\r\n\r\n"), "\r\n")
	m.Start = lines[0]
	m.Header = parseHeaders(lines[1:])

	var err error
	switch role {
	case RoleRequest:
		m.Request, err = ParseRequestLine(m.Start)
	case RoleResponse:
		m.Status, err = ParseStatusLine(m.Start)
	}
	return m, err
}

// ReadBody reads exactly n bytes, looping on short reads. It never reads
// past n, so the next message starts where the body ends.
func (f *Framer) ReadBody(n int64) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	if f.MaxBodyBytes > 0 && n > f.MaxBodyBytes {
		return nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes, limit %d", n, f.MaxBodyBytes)
	}
	body := make([]byte, n)
	if read, err := io.ReadFull(f.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrShortBody, "got %d of %d bytes", read, n)
		}
		return nil, err
	}
	return body, nil
}

// ReadMessage reads a header block and, when withBody is set, a body sized
// by Content-Length. A missing or invalid Content-Length reads no body; an
// invalid one is recorded in LengthErr rather than returned.
func (f *Framer) ReadMessage(role Role, withBody bool) (*Message, error) {
	m, err := f.ReadHeader(role)
	if err != nil {
		return m, err
	}
	if !withBody {
		return m, nil
	}
	n, err := m.Header.ContentLength()
	m.LengthErr = err
	if m.Body, err = f.ReadBody(n); err != nil {
		return m, err
	}
	return m, nil
}
