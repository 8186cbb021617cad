// Package httpproxy serves files from a local directory over HTTP/1.x and,
// when given an origin, fills that directory from the origin on a miss.
//
// Each connection is handled by ServeConn: requests are read one at a
// time, GET is answered from disk or fetched from the origin and cached,
// PUT is saved under the saving/ directory, and everything else gets a
// 400 Bad Request.
package httpproxy

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/taichili/httpproxy/cache"
	"github.com/taichili/httpproxy/pkg/connection"
	framer "github.com/taichili/httpproxy/pkg/message-framer"
	fetcher "github.com/taichili/httpproxy/pkg/origin-fetcher"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const ServerName = "httpproxy/1.0"

type Config struct {
	// Directory holding the cached tree, saving/ and response/.
	Root string
	// Origin to fetch misses from.
	// If nil, misses are answered with 404 and nothing is cached.
	Fetcher fetcher.Fetcher
	// OriginName labels fill records and logs. Optional.
	OriginName string
	// Index records completed fills. Optional.
	Index cache.Index
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Socket deadlines and size limits for client connections.
	Options connection.Options
	// Clock for the Date field. Defaults to time.Now.
	Now func() time.Time
}

type Proxy struct {
	store   *cache.Store
	fetcher fetcher.Fetcher
	origin  string
	index   cache.Index
	log     zerolog.Logger
	opts    connection.Options
	now     func() time.Time
}

// New creates a proxy serving config.Root.
func New(config Config) *Proxy {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("root", config.Root).
		Logger()

	p := &Proxy{
		store:   cache.NewStore(config.Root),
		fetcher: config.Fetcher,
		origin:  config.OriginName,
		index:   config.Index,
		log:     logger,
		opts:    config.Options,
		now:     config.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.origin == "" && p.fetcher != nil {
		if s, ok := p.fetcher.(interface{ String() string }); ok {
			p.origin = s.String()
		}
	}
	return p
}

// exchange is one request and its response.
type exchange struct {
	conn        *connection.Conn
	msg         *framer.Message
	line        framer.RequestLine
	status      int
	cacheStatus CacheStatus
	log         zerolog.Logger
	start       time.Time
}

// ServeConn serves requests on nc until the client closes, a response
// ends with close, a read fails or ctx is cancelled. nc is closed before
// ServeConn returns.
func (p *Proxy) ServeConn(ctx context.Context, nc net.Conn) {
	metricConnections.Add(1)
	conn := connection.New(nc, p.opts)
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	logger := p.log.With().
		Str("conn", uuid.NewString()).
		Str("client", clientIP(conn.RemoteAddr())).
		Logger()
	logger.Trace().Msg("Connection accepted")

	for ctx.Err() == nil {
		if !p.serveOne(ctx, conn, logger) {
			break
		}
	}
	logger.Trace().Msg("Connection closed")
}

// serveOne handles one request and reports whether the connection stays
// open for another.
func (p *Proxy) serveOne(ctx context.Context, conn *connection.Conn, logger zerolog.Logger) bool {
	msg, err := conn.ReceiveRequest()
	ex := &exchange{conn: conn, msg: msg, log: logger, start: time.Now()}
	if err != nil {
		return p.receiveFailed(ctx, ex, err)
	}
	ex.line = msg.Request

	switch {
	case ex.line.CheckVersion() != nil:
		p.badRequest(ex, "unsupported HTTP version")
	case ex.line.Method == framer.MethodGet:
		p.serveGet(ctx, ex)
	case ex.line.Method == framer.MethodPut:
		p.servePut(ex)
	default:
		p.badRequest(ex, "unsupported method")
	}

	if err := conn.Finish(); err != nil {
		ex.log.Debug().Err(err).Msg("Could not write response to client")
		return false
	}
	p.logExchange(ex)
	return conn.KeepAlive()
}

// receiveFailed answers a request that could not be read, when the stream
// still allows an answer. The connection is always closed afterwards.
func (p *Proxy) receiveFailed(ctx context.Context, ex *exchange, err error) bool {
	switch {
	case err == io.EOF:
		ex.log.Trace().Msg("Client closed connection")
	case errors.Is(err, connection.ErrIdleTimeout):
		ex.log.Trace().Msg("Idle connection timed out")
	case ctx.Err() != nil:
		ex.log.Trace().Msg("Shutting down connection")
	case errors.Is(err, framer.ErrMalformedStartLine):
		p.badRequest(ex, "malformed request line")
		ex.conn.Finish()
		p.logExchange(ex)
	case errors.Is(err, framer.ErrHeaderTooLarge):
		ex.log.Warn().Err(err).Msg("Request header too large")
		p.sendError(ex, 431)
		ex.conn.Finish()
	case errors.Is(err, connection.ErrReadTimeout):
		ex.log.Warn().Err(err).Msg("Request timed out")
		p.sendError(ex, 408)
		ex.conn.Finish()
	default:
		ex.log.Warn().Err(err).Msg("Could not read request")
	}
	return false
}

func (p *Proxy) badRequest(ex *exchange, reason string) {
	metricBadRequests.Add(1)
	start := ""
	if ex.msg != nil {
		start = ex.msg.Start
	}
	ex.log.Warn().Str("request", start).Msg("Bad request: " + reason)
	p.sendError(ex, 400)
}

func (p *Proxy) logExchange(ex *exchange) {
	event := ex.log.Debug().
		Str("method", ex.line.Method).
		Str("target", ex.line.Target).
		Int("status", ex.status).
		Bool("keepAlive", ex.conn.KeepAlive()).
		Dur("elapsed", time.Since(ex.start))
	if cs := ex.cacheStatus.String(); cs != "" {
		event = event.Str("cache", cs)
	}
	event.Msg("Sent response to client")
}

func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	// 1.2.3.4:10000 for ipv4, [1:2:3]:10000 for ipv6
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
