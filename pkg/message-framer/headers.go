package framer

import (
	"bufio"
	"io"
	"mime"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Field is a single header line as it appeared on the wire.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered, repeatable list of header fields.
// Names keep their original case; lookups ignore case.
type Headers []Field

// Get returns the first value for name, or an empty string.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether at least one field is named name.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value for name in the order received.
func (h Headers) Values(name string) []string {
	var vals []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Add appends a field without touching existing ones.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set replaces the first field named name and drops later duplicates,
// or appends the field if none exists.
func (h *Headers) Set(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			j := i + 1
			for j < len(*h) {
				if strings.EqualFold((*h)[j].Name, name) {
					*h = append((*h)[:j], (*h)[j+1:]...)
				} else {
					j++
				}
			}
			return
		}
	}
	h.Add(name, value)
}

// Del removes every field named name.
func (h *Headers) Del(name string) {
	j := 0
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			(*h)[j] = f
			j++
		}
	}
	*h = (*h)[:j]
}

// ContentLength returns the value of the first Content-Length field.
// A missing field yields 0 and no error. A value that is not a
// non-negative integer yields 0 and ErrInvalidContentLength.
func (h Headers) ContentLength() (int64, error) {
	if !h.Has("Content-Length") {
		return 0, nil
	}
	v := strings.TrimSpace(h.Get("Content-Length"))
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrInvalidContentLength, "%q", v)
	}
	return n, nil
}

// KeepAlive interprets the Connection field. It returns def when the
// field is missing or names neither keep-alive nor close.
func (h Headers) KeepAlive(def bool) bool {
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(token)) {
			case "keep-alive":
				return true
			case "close":
				return false
			}
		}
	}
	return def
}

// Write writes the fields in wire format, one CRLF-terminated line each.
// The blank line ending the block is not written.
func (h Headers) Write(w io.Writer) error {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	for _, f := range h {
		if _, err := bw.WriteString(f.Name + ": " + f.Value + "\r\n"); err != nil {
			return err
		}
	}
	if !ok {
		return bw.Flush()
	}
	return nil
}

// parseHeaders turns CRLF-separated lines into fields. Lines without a
// colon are skipped; they stay visible in the raw header block.
func parseHeaders(lines []string) Headers {
	h := make(Headers, 0, len(lines))
	for _, line := range lines {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		h = append(h, Field{Name: name, Value: strings.TrimSpace(value)})
	}
	return h
}

// ConnectionToken returns the Connection field value for keepAlive.
func ConnectionToken(keepAlive bool) string {
	if keepAlive {
		return "keep-alive"
	}
	return "close"
}

// ContentType guesses the media type of a file from its extension.
func ContentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
