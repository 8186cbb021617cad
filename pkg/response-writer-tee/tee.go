package tee

import (
	"io"
	"time"
)

// Writer copies a response body to the client and to a save side, such as
// a pending cache file. A failure on one side does not stop writes to the
// other: the failed side is skipped from then on and its first error kept.
type Writer struct {
	client    io.Writer
	save      io.Writer
	clientErr error
	saveErr   error
	written   int64
	// CreatedAt is when the copy started; fills log their duration from it.
	CreatedAt time.Time
}

// NewWriter returns a Writer. Either side may be nil, in which case it is
// skipped.
func NewWriter(client, save io.Writer) *Writer {
	return &Writer{
		client:    client,
		save:      save,
		CreatedAt: time.Now(),
	}
}

// Write writes p to both sides. It only reports an error once neither
// side can accept more bytes.
func (t *Writer) Write(p []byte) (int, error) {
	if t.client != nil && t.clientErr == nil {
		if _, err := t.client.Write(p); err != nil {
			t.clientErr = err
		}
	}
	if t.save != nil && t.saveErr == nil {
		if _, err := t.save.Write(p); err != nil {
			t.saveErr = err
		}
	}
	if t.clientDone() && t.saveDone() {
		if t.clientErr != nil {
			return 0, t.clientErr
		}
		if t.saveErr != nil {
			return 0, t.saveErr
		}
	}
	t.written += int64(len(p))
	return len(p), nil
}

func (t *Writer) clientDone() bool { return t.client == nil || t.clientErr != nil }

func (t *Writer) saveDone() bool { return t.save == nil || t.saveErr != nil }

// ClientErr returns the first error from the client side.
func (t *Writer) ClientErr() error { return t.clientErr }

// SaveErr returns the first error from the save side.
func (t *Writer) SaveErr() error { return t.saveErr }

// Written returns the number of bytes accepted by at least one side.
func (t *Writer) Written() int64 { return t.written }
