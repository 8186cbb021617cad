package httpproxy

import (
	"io"
	"net/http"
	"os"
	"strconv"

	framer "github.com/taichili/httpproxy/pkg/message-framer"

	"github.com/pkg/errors"
)

// responseHeader builds the header block of every locally generated response.
func (p *Proxy) responseHeader(contentType string, length int64, keepAlive bool) framer.Headers {
	return framer.Headers{
		{Name: "Date", Value: p.now().UTC().Format(http.TimeFormat)},
		{Name: "Server", Value: ServerName},
		{Name: "Content-Length", Value: strconv.FormatInt(length, 10)},
		{Name: "Content-Type", Value: contentType},
		{Name: "Connection", Value: framer.ConnectionToken(keepAlive)},
	}
}

func statusLine(code int) framer.StatusLine {
	return framer.StatusLine{Version: framer.Version11, Code: code, Reason: http.StatusText(code)}
}

func (p *Proxy) sendHeader(ex *exchange, code int, contentType string, length int64) error {
	ex.status = code
	return ex.conn.WriteResponseHeader(statusLine(code), p.responseHeader(contentType, length, ex.conn.KeepAlive()))
}

// sendFile answers with the contents of file.
func (p *Proxy) sendFile(ex *exchange, code int, file string, info os.FileInfo) {
	f, err := os.Open(file)
	if err != nil {
		ex.log.Error().Err(err).Str("file", file).Msg("Could not open file")
		p.sendError(ex, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if err := p.sendHeader(ex, code, framer.ContentType(file), info.Size()); err != nil {
		ex.conn.SetKeepAlive(false)
		return
	}
	written, err := io.Copy(ex.conn, f)
	if err == nil && written != info.Size() {
		err = errors.Errorf("file changed size while sending: %d of %d bytes", written, info.Size())
	}
	if err != nil {
		// the header promised a length that was not delivered
		ex.log.Error().Err(err).Str("file", file).Msg("Could not send file to client")
		ex.conn.SetKeepAlive(false)
	}
}

func (p *Proxy) sendBody(ex *exchange, code int, contentType string, body []byte) {
	if err := p.sendHeader(ex, code, contentType, int64(len(body))); err != nil {
		ex.conn.SetKeepAlive(false)
		return
	}
	if _, err := ex.conn.Write(body); err != nil {
		ex.conn.SetKeepAlive(false)
	}
}

// sendError answers with an error page. Apart from 404 every error ends
// the connection.
func (p *Proxy) sendError(ex *exchange, code int) {
	if code != http.StatusNotFound {
		ex.conn.SetKeepAlive(false)
	}
	body, contentType := p.errorPage(code)
	p.sendBody(ex, code, contentType, body)
}

// errorPage returns the body of response/<code>.html under the root, or a
// built-in page if that file cannot be read.
func (p *Proxy) errorPage(code int) ([]byte, string) {
	file := p.store.Keyer().ResponsePath(code)
	if body, err := os.ReadFile(file); err == nil {
		return body, framer.ContentType(file)
	}
	text := strconv.Itoa(code) + " " + http.StatusText(code)
	body := "<html><head><title>" + text + "</title></head><body><h1>" + text + "</h1></body></html>\n"
	return []byte(body), "text/html; charset=utf-8"
}
