// Package fetcher talks to a single fixed origin server over HTTP/1.x.
package fetcher

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/taichili/httpproxy/pkg/connection"
	framer "github.com/taichili/httpproxy/pkg/message-framer"

	"github.com/pkg/errors"
)

var (
	// ErrFileNotFound is returned by Put when the file to upload is missing.
	ErrFileNotFound       = errors.New("file not found")
	ErrUnsupportedVersion = framer.ErrUnsupportedVersion
	ErrConnection         = connection.ErrConnection
)

// Fetcher retrieves a resource from an origin. Implementations read the
// whole response, body included, before returning.
type Fetcher interface {
	Fetch(ctx context.Context, line framer.RequestLine, keepAlive bool) (*framer.Message, error)
}

// Client is a connection to one origin. It dials lazily and reuses the
// socket while responses keep it alive. The context passed to the call
// that dials bounds the life of that socket.
//
// A Client is not safe for concurrent use.
type Client struct {
	Host    string
	Port    int
	Options connection.Options

	conn *connection.Conn
}

func NewClient(host string, port int, opts connection.Options) *Client {
	return &Client{Host: host, Port: port, Options: opts}
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Client) connect(ctx context.Context) (*connection.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := connection.Dial(ctx, c.Host, c.Port, c.Options)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Get sends a GET and reads the full response. The socket is closed when
// the exchange is not keep-alive and before any error is returned.
//
// A kept-alive socket may have been closed by the server since the last
// exchange. If such a socket fails before any response byte arrives, the
// request is sent once more on a fresh connection.
func (c *Client) Get(ctx context.Context, line framer.RequestLine, keepAlive bool) (*framer.Message, error) {
	if err := line.CheckVersion(); err != nil {
		return nil, err
	}
	reused := c.conn != nil
	m, err := c.get(ctx, line, keepAlive)
	if err != nil && reused && m == nil && isStaleConn(err) {
		m, err = c.get(ctx, line, keepAlive)
	}
	return m, err
}

func (c *Client) get(ctx context.Context, line framer.RequestLine, keepAlive bool) (*framer.Message, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.SendRequest(line, keepAlive, nil); err != nil {
		c.Close()
		return nil, errors.WithMessage(err, "send request")
	}
	m, err := conn.ReceiveResponse(line.Method)
	if err != nil {
		c.Close()
		return m, errors.WithMessage(err, "receive response")
	}
	if !conn.KeepAlive() {
		c.Close()
	}
	return m, nil
}

// isStaleConn reports whether err is what a socket closed by the peer
// yields: a clean EOF or a connection failure, but not a timeout.
func isStaleConn(err error) bool {
	if connection.IsTimeout(err) {
		return false
	}
	return errors.Is(err, io.EOF) || errors.Is(err, connection.ErrConnection)
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, line framer.RequestLine, keepAlive bool) (*framer.Message, error) {
	return c.Get(ctx, line, keepAlive)
}

// Put uploads the file at filePath with the given request line and reads
// the response header block. The request always asks the origin to close.
func (c *Client) Put(ctx context.Context, line framer.RequestLine, filePath string) (*framer.Message, error) {
	if err := line.CheckVersion(); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrFileNotFound, "%s", filePath)
		}
		return nil, errors.Wrap(err, "read upload")
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	extra := framer.Headers{
		{Name: "Content-Type", Value: framer.ContentType(filePath)},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
	}
	if err := conn.SendRequest(line, false, extra); err != nil {
		return nil, errors.WithMessage(err, "send request")
	}
	if _, err := conn.Write(body); err != nil {
		return nil, errors.WithMessage(err, "send body")
	}
	if err := conn.Flush(); err != nil {
		return nil, errors.WithMessage(err, "send body")
	}
	m, err := conn.ReceiveResponse(line.Method)
	if err != nil {
		return nil, errors.WithMessage(err, "receive response")
	}
	return m, nil
}

// Close closes the current socket, if any.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Origin fetches each request over a fresh connection that is closed as
// soon as the response has been read. It is safe for concurrent use.
type Origin struct {
	Host    string
	Port    int
	Options connection.Options
}

func (o Origin) Fetch(ctx context.Context, line framer.RequestLine, keepAlive bool) (*framer.Message, error) {
	c := NewClient(o.Host, o.Port, o.Options)
	defer c.Close()
	return c.Get(ctx, line, keepAlive)
}

func (o Origin) String() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}
