package connection

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrConnection covers dial, read and write failures other than timeouts.
	ErrConnection = errors.New("connection error")
	// ErrReadTimeout is returned when a read stalls past ReadTimeout.
	ErrReadTimeout  = errors.New("read timeout")
	ErrWriteTimeout = errors.New("write timeout")
	// ErrIdleTimeout is returned when no new message starts within IdleTimeout.
	ErrIdleTimeout = errors.New("idle timeout")
)

// OpError describes a failed socket operation.
// errors.Is matches it against its Kind as well as the underlying error.
type OpError struct {
	// Op is "dial", "read" or "write".
	Op   string
	Addr string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	s := e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	return s + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool { return target == e.Kind }

// Timeout reports whether the operation failed because a deadline passed.
func (e *OpError) Timeout() bool {
	switch e.Kind {
	case ErrReadTimeout, ErrWriteTimeout, ErrIdleTimeout:
		return true
	}
	return isNetTimeout(e.Err)
}

// IsTimeout reports whether err was caused by a read, write, dial or
// context deadline.
func IsTimeout(err error) bool {
	var op *OpError
	if errors.As(err, &op) {
		return op.Timeout()
	}
	return isNetTimeout(err)
}

func isNetTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func opError(op, addr string, timeoutKind, err error) error {
	if err == nil {
		return nil
	}
	kind := ErrConnection
	if timeoutKind != nil && isNetTimeout(err) {
		kind = timeoutKind
	}
	return &OpError{Op: op, Addr: addr, Kind: kind, Err: err}
}
