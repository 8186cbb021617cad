package httpproxy

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/taichili/httpproxy/cache"
	"github.com/taichili/httpproxy/pkg/connection"
	tee "github.com/taichili/httpproxy/pkg/response-writer-tee"

	"github.com/pkg/errors"
)

func (p *Proxy) serveGet(ctx context.Context, ex *exchange) {
	file, info, err := p.store.Lookup(ex.line.Target)
	switch {
	case err == nil:
		metricHits.Add(1)
		ex.cacheStatus.Hit()
		p.sendFile(ex, http.StatusOK, file, info)
	case errors.Is(err, cache.ErrMiss):
		metricMisses.Add(1)
		if p.fetcher == nil {
			p.sendError(ex, http.StatusNotFound)
			return
		}
		p.fetchAndFill(ctx, ex, file)
	case isInvalidTarget(err):
		p.badRequest(ex, err.Error())
	default:
		ex.log.Error().Err(err).Msg("Could not look up file")
		p.sendError(ex, http.StatusInternalServerError)
	}
}

// fetchAndFill fetches the request from the origin exactly once, forwards
// the origin header block unchanged, and writes the body to the client
// and, for a 200, to file.
func (p *Proxy) fetchAndFill(ctx context.Context, ex *exchange, file string) {
	ex.cacheStatus.Forward(CacheStatusFwdUriMiss)
	ex.log.Trace().Str("file", file).Msg("Fetching from origin")

	res, err := p.fetcher.Fetch(ctx, ex.line, ex.conn.KeepAlive())
	if err != nil {
		metricOriginErrors.Add(1)
		code := http.StatusBadGateway
		if connection.IsTimeout(err) {
			code = http.StatusGatewayTimeout
		}
		ex.log.Error().Err(err).Str("origin", p.origin).Msg("Could not fetch from origin")
		ex.cacheStatus.Detail("origin-error")
		p.sendError(ex, code)
		return
	}
	ex.status = res.Status.Code
	ex.cacheStatus.ForwardStatus(res.Status.Code)
	ex.conn.SetKeepAlive(ex.conn.KeepAlive() && res.Header.KeepAlive(false))
	if res.LengthErr != nil {
		// the forwarded header block no longer frames the body we send
		ex.log.Warn().Err(res.LengthErr).Str("origin", p.origin).Msg("Treating origin Content-Length as 0, not caching")
		ex.conn.SetKeepAlive(false)
		ex.cacheStatus.Detail("invalid-length")
	}

	var pending *cache.Pending
	if res.Status.Code == http.StatusOK && res.LengthErr == nil {
		if pending, err = p.store.Create(file); err != nil {
			metricFillErrors.Add(1)
			ex.log.Error().Err(err).Str("file", file).Msg("Could not create cache file")
			ex.cacheStatus.Detail("fill-error")
			pending = nil
		}
	}

	if _, err := ex.conn.Write(res.Raw); err != nil {
		ex.conn.SetKeepAlive(false)
	}
	var save io.Writer
	if pending != nil {
		save = pending
	}
	w := tee.NewWriter(ex.conn, save)
	w.Write(res.Body)
	if err := w.ClientErr(); err != nil {
		ex.log.Debug().Err(err).Msg("Could not send origin response to client")
		ex.conn.SetKeepAlive(false)
	}
	if pending == nil {
		return
	}

	if err := w.SaveErr(); err != nil {
		metricFillErrors.Add(1)
		pending.Abort()
		ex.log.Error().Err(err).Str("file", file).Msg("Could not write cache file")
		ex.cacheStatus.Detail("fill-error")
		return
	}
	if err := pending.Commit(); err != nil {
		metricFillErrors.Add(1)
		ex.log.Error().Err(err).Str("file", file).Msg("Could not commit cache file")
		ex.cacheStatus.Detail("fill-error")
		return
	}
	metricFills.Add(1)
	ex.cacheStatus.Stored()
	ex.log.Trace().
		Str("file", pending.Path()).
		Int64("bytes", pending.Written()).
		Dur("fill", time.Since(w.CreatedAt)).
		Msg("Stored origin response")
	p.recordFill(ex, file, res.Header.Get("Content-Type"), pending.Written())
}

func (p *Proxy) recordFill(ex *exchange, file, contentType string, size int64) {
	if p.index == nil {
		return
	}
	key, err := p.store.Keyer().KeyFromPath(file)
	if err != nil {
		ex.log.Error().Err(err).Msg("Could not derive cache key")
		return
	}
	err = p.index.Put(cache.Entry{
		Path:        key,
		Size:        size,
		Status:      http.StatusOK,
		ContentType: contentType,
		Origin:      p.origin,
		FilledAt:    p.now(),
	})
	if err != nil {
		ex.log.Error().Err(err).Str("key", key).Msg("Could not record fill")
	}
}
