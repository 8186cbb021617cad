package framer

import "github.com/pkg/errors"

var (
	// ErrMalformedStartLine is returned when the request or status line
	// does not have the expected number of tokens.
	ErrMalformedStartLine = errors.New("malformed start line")
	// ErrInvalidContentLength is returned when Content-Length is not a
	// non-negative integer. Callers treat the length as zero.
	ErrInvalidContentLength = errors.New("invalid Content-Length")
	// ErrUnsupportedVersion is returned for versions other than HTTP/1.0 and HTTP/1.1.
	ErrUnsupportedVersion = errors.New("unsupported HTTP version")
	ErrHeaderTooLarge     = errors.New("header block too large")
	ErrBodyTooLarge       = errors.New("body too large")
	// ErrShortBody is returned when the stream ends before Content-Length bytes were read.
	ErrShortBody = errors.New("body shorter than Content-Length")
)
