package httpproxy

import (
	"context"
	"net"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConnHandler serves one accepted connection and closes it before
// returning. *Proxy is a ConnHandler.
type ConnHandler interface {
	ServeConn(ctx context.Context, nc net.Conn)
}

type Server struct {
	// TCP address to listen on, e.g. ":18085".
	Addr    string
	Handler ConnHandler
	// Number of connections served at once. Defaults to 4 per CPU.
	Workers int
	// Accepted connections waiting for a worker. Defaults to 1024.
	QueueSize int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled.
// A failure to bind is returned at once.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln
// and waits for the connections being served. It returns nil after a
// cancellation and an error if ln fails otherwise.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := log.Logger
	if s.Logger != nil {
		logger = *s.Logger
	}
	logger = logger.With().Str("addr", ln.Addr().String()).Logger()

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() * 4
	}
	queueSize := s.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	pool := newPool(ctx, workers, queueSize, s.Handler)
	defer pool.close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logger.Info().Int("workers", workers).Msg("Listening")
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("Shutting down")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "accept")
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			logger.Error().Err(err).Dur("retry", delay).Msg("Could not accept connection")
			time.Sleep(delay)
			continue
		}
		delay = 0
		if tcp, ok := nc.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		if !pool.submit(ctx, nc) {
			return nil
		}
	}
}
