package httpproxy

import (
	"io"
	"net/http"

	cachekey "github.com/taichili/httpproxy/pkg/cache-key"

	"github.com/pkg/errors"
)

// servePut acknowledges the upload at once, then stores exactly
// Content-Length body bytes under saving/. The file appears only when the
// whole body has arrived.
func (p *Proxy) servePut(ex *exchange) {
	ex.cacheStatus.Forward(CacheStatusFwdMethod)

	length, err := ex.msg.Header.ContentLength()
	if err != nil {
		ex.log.Warn().Err(err).Msg("Treating Content-Length as 0")
	}
	if max := p.opts.MaxBodyBytes; max > 0 && length > max {
		ex.log.Warn().Int64("length", length).Int64("limit", max).Msg("Upload too large")
		p.sendError(ex, http.StatusRequestEntityTooLarge)
		return
	}
	file, err := p.store.Keyer().SavePath(ex.line.Target)
	if err != nil {
		p.badRequest(ex, err.Error())
		return
	}

	contentType := ex.msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := p.sendHeader(ex, http.StatusOK, contentType, 0); err != nil {
		ex.conn.SetKeepAlive(false)
		return
	}
	if err := ex.conn.Flush(); err != nil {
		ex.conn.SetKeepAlive(false)
		return
	}

	body := ex.conn.BodyReader(length)
	pending, err := p.store.Create(file)
	if err != nil {
		ex.log.Error().Err(err).Str("file", file).Msg("Could not create upload file")
		// keep the stream aligned on the next request
		if _, err := io.Copy(io.Discard, body); err != nil {
			ex.conn.SetKeepAlive(false)
		}
		return
	}
	written, err := io.Copy(pending, body)
	if err == nil && written < length {
		err = errors.Errorf("body ended after %d of %d bytes", written, length)
	}
	if err != nil {
		pending.Abort()
		ex.conn.SetKeepAlive(false)
		ex.log.Error().Err(err).Str("file", file).Msg("Could not receive upload")
		return
	}
	if err := pending.Commit(); err != nil {
		ex.log.Error().Err(err).Str("file", file).Msg("Could not save upload")
		return
	}
	metricUploads.Add(1)
	ex.log.Debug().Str("file", file).Int64("bytes", written).Msg("Saved upload")
}

func isInvalidTarget(err error) bool {
	return errors.Is(err, cachekey.ErrInvalidTarget)
}
