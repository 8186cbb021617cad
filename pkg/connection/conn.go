// Package connection wraps one TCP socket carrying HTTP/1.x messages.
//
// A Conn frames messages with the framer package, keeps the keep-alive
// state of the current exchange and puts a deadline on every socket read
// and write, so a stalled peer surfaces as a timeout error instead of a
// parked goroutine.
package connection

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	framer "github.com/taichili/httpproxy/pkg/message-framer"

	"github.com/pkg/errors"
)

const (
	DefaultUserAgent = "httpproxy/1.0"
	// AcceptEncoding is advertised on every request; bodies are never
	// decoded, so only the identity coding is accepted.
	AcceptEncoding = "identity"
)

// Options configure deadlines and limits. Zero durations disable the
// corresponding deadline and zero sizes disable the limit.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// IdleTimeout bounds the wait for the first byte of the next request.
	IdleTimeout time.Duration
	DialTimeout time.Duration

	MaxHeaderBytes int
	MaxBodyBytes   int64

	UserAgent string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		DialTimeout:    10 * time.Second,
		MaxHeaderBytes: 64 << 10,
		MaxBodyBytes:   64 << 20,
		UserAgent:      DefaultUserAgent,
	}
}

// deadlineConn refreshes the socket deadline before every read and write.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(deadline(c.read)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(deadline(c.write)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// deadline returns the deadline for an operation starting now. A zero
// timeout yields the zero time, which clears any earlier deadline.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Conn is one HTTP/1.x connection. Messages on a Conn are strictly
// sequential and a Conn must not be used from more than one goroutine.
type Conn struct {
	nc   net.Conn
	dc   *deadlineConn
	r    *bufio.Reader
	w    *bufio.Writer
	f    *framer.Framer
	opts Options

	// host is sent as the Host field on requests.
	host      string
	keepAlive bool

	stop      func() bool
	closeOnce sync.Once
	closeErr  error
}

// New wraps an established socket.
func New(nc net.Conn, opts Options) *Conn {
	dc := &deadlineConn{Conn: nc, read: opts.ReadTimeout, write: opts.WriteTimeout}
	r := bufio.NewReader(dc)
	f := framer.New(r)
	f.MaxHeaderBytes = opts.MaxHeaderBytes
	f.MaxBodyBytes = opts.MaxBodyBytes
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Conn{
		nc:   nc,
		dc:   dc,
		r:    r,
		w:    bufio.NewWriter(dc),
		f:    f,
		opts: opts,
	}
}

// Dial connects to host:port. The returned Conn is closed when ctx is
// cancelled, which unblocks any pending read or write.
func Dial(ctx context.Context, host string, port int, opts Options) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, opError("dial", addr, nil, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	c := New(nc, opts)
	c.host = host
	if port != 80 {
		c.host = addr
	}
	c.stop = context.AfterFunc(ctx, func() { nc.Close() })
	return c, nil
}

// SendRequest writes a request line and header block in one flush. The
// Host, User-Agent, Accept-Encoding and Connection fields are always sent;
// extra fields go between them and Connection.
func (c *Conn) SendRequest(line framer.RequestLine, keepAlive bool, extra framer.Headers) error {
	h := framer.Headers{
		{Name: "Host", Value: c.host},
		{Name: "User-Agent", Value: c.opts.UserAgent},
		{Name: "Accept-Encoding", Value: AcceptEncoding},
	}
	h = append(h, extra...)
	h.Set("Connection", framer.ConnectionToken(keepAlive))
	c.keepAlive = keepAlive

	c.w.WriteString(line.String() + "\r\n")
	h.Write(c.w)
	c.w.WriteString("\r\n")
	return c.Flush()
}

// ReceiveMessage reads the next message. For requests the keep-alive state
// is taken from the message; for responses it can only be lowered, since a
// request sent with close is never followed by another.
func (c *Conn) ReceiveMessage(role framer.Role, withBody bool) (*framer.Message, error) {
	m, err := c.f.ReadMessage(role, withBody)
	if m != nil {
		if role == framer.RoleRequest {
			c.keepAlive = m.Header.KeepAlive(false)
		} else {
			c.keepAlive = c.keepAlive && m.Header.KeepAlive(false)
		}
	}
	if err != nil {
		c.keepAlive = false
		return m, c.readErr(err)
	}
	return m, nil
}

// ReceiveRequest waits up to IdleTimeout for the next request to start,
// then reads its header block under ReadTimeout. The body, if any, is
// left on the stream for BodyReader.
//
// io.EOF means the peer closed cleanly between requests.
func (c *Conn) ReceiveRequest() (*framer.Message, error) {
	if err := c.awaitData(); err != nil {
		c.keepAlive = false
		return nil, err
	}
	return c.ReceiveMessage(framer.RoleRequest, false)
}

// ReceiveResponse reads the response to a request sent with method. PUT
// responses are read as headers only.
func (c *Conn) ReceiveResponse(method string) (*framer.Message, error) {
	return c.ReceiveMessage(framer.RoleResponse, method != framer.MethodPut)
}

func (c *Conn) awaitData() error {
	if c.r.Buffered() > 0 {
		return nil
	}
	c.dc.read = c.opts.IdleTimeout
	_, err := c.r.Peek(1)
	c.dc.read = c.opts.ReadTimeout
	if err == nil || err == io.EOF {
		return err
	}
	return opError("read", c.remote(), ErrIdleTimeout, err)
}

// BodyReader returns a reader for the next n bytes of the stream. Reading
// it to the end leaves the stream at the start of the next message.
func (c *Conn) BodyReader(n int64) io.Reader {
	return &bodyReader{c: c, r: io.LimitReader(c.r, n)}
}

type bodyReader struct {
	c *Conn
	r io.Reader
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.c.keepAlive = false
		err = b.c.readErr(err)
	}
	return n, err
}

// WriteResponseHeader buffers a status line and header block. Nothing is
// sent until Flush or until the buffer fills.
func (c *Conn) WriteResponseHeader(status framer.StatusLine, h framer.Headers) error {
	c.w.WriteString(status.String() + "\r\n")
	h.Write(c.w)
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return c.writeErr(err)
	}
	return nil
}

// Write buffers body bytes.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	return n, c.writeErr(err)
}

func (c *Conn) Flush() error {
	return c.writeErr(c.w.Flush())
}

// KeepAlive reports whether the current exchange leaves the socket open.
func (c *Conn) KeepAlive() bool { return c.keepAlive }

// SetKeepAlive overrides the keep-alive state of the current exchange.
func (c *Conn) SetKeepAlive(keepAlive bool) { c.keepAlive = keepAlive }

// Finish flushes pending output and closes the socket unless the exchange
// is keep-alive.
func (c *Conn) Finish() error {
	err := c.Flush()
	if err != nil || !c.keepAlive {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Close closes the socket. Only the first call has any effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		c.keepAlive = false
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) remote() string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// readErr classifies socket failures; framing errors and io.EOF are
// returned unchanged.
func (c *Conn) readErr(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) || err == io.ErrUnexpectedEOF || errors.Is(err, net.ErrClosed) {
		return opError("read", c.remote(), ErrReadTimeout, err)
	}
	return err
}

func (c *Conn) writeErr(err error) error {
	if err == nil {
		return nil
	}
	c.keepAlive = false
	return opError("write", c.remote(), ErrWriteTimeout, err)
}
