package framer

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	MethodGet = "GET"
	MethodPut = "PUT"

	Version10 = "HTTP/1.0"
	Version11 = "HTTP/1.1"
)

// RequestLine is the first line of a request.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// ParseRequestLine splits s on whitespace and requires exactly three tokens.
func ParseRequestLine(s string) (RequestLine, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return RequestLine{}, errors.Wrapf(ErrMalformedStartLine, "request line %q has %d tokens", s, len(fields))
	}
	return RequestLine{Method: fields[0], Target: fields[1], Version: fields[2]}, nil
}

func (l RequestLine) String() string {
	return l.Method + " " + l.Target + " " + l.Version
}

// CheckVersion returns ErrUnsupportedVersion unless the version is HTTP/1.0 or HTTP/1.1.
func (l RequestLine) CheckVersion() error {
	if !SupportedVersion(l.Version) {
		return errors.Wrapf(ErrUnsupportedVersion, "%q", l.Version)
	}
	return nil
}

// SupportedVersion reports whether v is HTTP/1.0 or HTTP/1.1.
func SupportedVersion(v string) bool {
	return v == Version10 || v == Version11
}

// StatusLine is the first line of a response.
type StatusLine struct {
	Version string
	Code    int
	Reason  string
}

// ParseStatusLine parses "HTTP/1.1 200 OK". The reason phrase is optional
// and may contain spaces.
func ParseStatusLine(s string) (StatusLine, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return StatusLine{}, errors.Wrapf(ErrMalformedStartLine, "status line %q", s)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || len(fields[1]) != 3 {
		return StatusLine{}, errors.Wrapf(ErrMalformedStartLine, "status code %q", fields[1])
	}
	return StatusLine{
		Version: fields[0],
		Code:    code,
		Reason:  strings.Join(fields[2:], " "),
	}, nil
}

func (l StatusLine) String() string {
	s := l.Version + " " + strconv.Itoa(l.Code)
	if l.Reason != "" {
		s += " " + l.Reason
	}
	return s
}
