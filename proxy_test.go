package httpproxy

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taichili/httpproxy/cache"
	"github.com/taichili/httpproxy/pkg/connection"
	framer "github.com/taichili/httpproxy/pkg/message-framer"
	fetcher "github.com/taichili/httpproxy/pkg/origin-fetcher"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

func testOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.IdleTimeout = 2 * time.Second
	opts.DialTimeout = time.Second
	return opts
}

func testRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// startProxy serves config on a loopback port until the test ends.
func startProxy(t *testing.T, config Config) string {
	t.Helper()
	if config.Now == nil {
		config.Now = fixedNow
	}
	if config.Options == (connection.Options{}) {
		config.Options = testOptions()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create test listener: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{Handler: New(config), Workers: 4, QueueSize: 8}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	return ln.Addr().String()
}

type client struct {
	t  *testing.T
	nc net.Conn
	f  *framer.Framer
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { nc.Close() })
	return &client{t: t, nc: nc, f: framer.New(nc)}
}

func (c *client) send(raw string) {
	c.t.Helper()
	if _, err := io.WriteString(c.nc, raw); err != nil {
		c.t.Fatalf("Write: %v", err)
	}
}

func (c *client) response() *framer.Message {
	c.t.Helper()
	m, err := c.f.ReadMessage(framer.RoleResponse, true)
	if err != nil {
		c.t.Fatalf("Reading response: %v", err)
	}
	return m
}

func (c *client) expectClosed() {
	c.t.Helper()
	if _, err := c.f.ReadHeader(framer.RoleResponse); err != io.EOF {
		c.t.Fatalf("Expected connection close, got %v", err)
	}
}

func get(target, connection string) string {
	req := "GET " + target + " HTTP/1.1\r\nHost: localhost\r\n"
	if connection != "" {
		req += "Connection: " + connection + "\r\n"
	}
	return req + "\r\n"
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	lines []framer.RequestLine
	raw   string
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, line framer.RequestLine, keepAlive bool) (*framer.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lines = append(f.lines, line)
	if f.err != nil {
		return nil, f.err
	}
	return framer.New(strings.NewReader(f.raw)).ReadMessage(framer.RoleResponse, true)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func originResponse(code int, body string) string {
	return "HTTP/1.1 " + strconv.Itoa(code) + " Whatever\r\nContent-Type: text/plain\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\nConnection: keep-alive\r\n\r\n" + body
}

func TestLocalGet(t *testing.T) {
	root := testRoot(t, map[string]string{"a.txt": "hello"})
	c := dial(t, startProxy(t, Config{Root: root}))

	c.send(get("/a.txt", ""))
	res := c.response()

	if res.Status.Code != 200 || string(res.Body) != "hello" {
		t.Fatalf("Response %q, body %q", res.Start, res.Body)
	}
	if res.Header.Get("Content-Length") != "5" || res.Header.Get("Server") != ServerName {
		t.Fatalf("Headers are %+v", res.Header)
	}
	if res.Header.Get("Date") != "Wed, 01 May 2024 10:00:00 GMT" {
		t.Fatalf("Date is %q", res.Header.Get("Date"))
	}
	if res.Header.Get("Connection") != "close" {
		t.Fatalf("Connection is %q", res.Header.Get("Connection"))
	}
	c.expectClosed()
}

func TestLocalGetIsIdempotent(t *testing.T) {
	root := testRoot(t, map[string]string{"docs/index.html": "<h1>docs</h1>"})
	c := dial(t, startProxy(t, Config{Root: root}))

	c.send(get("/docs/", "keep-alive"))
	first := c.response()
	c.send(get("/docs/index.html", "keep-alive"))
	second := c.response()

	if string(first.Raw) != string(second.Raw) || string(first.Body) != string(second.Body) {
		t.Fatalf("Responses differ:\n%s\n%s", first.Raw, second.Raw)
	}
	if ct := first.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type is %q", ct)
	}
}

func TestMissFillsCacheThenHits(t *testing.T) {
	root := testRoot(t, nil)
	origin := &fakeFetcher{raw: originResponse(200, "from origin")}
	index := cache.NewMemIndex()
	c := dial(t, startProxy(t, Config{Root: root, Fetcher: origin, Index: index, OriginName: "origin:1"}))

	c.send(get("/missing.txt", "keep-alive"))
	res := c.response()
	if res.Status.Code != 200 || string(res.Body) != "from origin" {
		t.Fatalf("Response %q, body %q", res.Start, res.Body)
	}
	if res.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("Origin header block not forwarded: %s", res.Raw)
	}
	if b, err := os.ReadFile(filepath.Join(root, "missing.txt")); err != nil || string(b) != "from origin" {
		t.Fatalf("Cache file holds %q, %v", b, err)
	}

	c.send(get("/missing.txt", "close"))
	res = c.response()
	if string(res.Body) != "from origin" || res.Header.Get("Server") != ServerName {
		t.Fatalf("Second response was not served from disk: %s", res.Raw)
	}
	if n := origin.callCount(); n != 1 {
		t.Fatalf("Origin called %d times", n)
	}
	if origin.lines[0].String() != "GET /missing.txt HTTP/1.1" {
		t.Fatalf("Origin got %q", origin.lines[0].String())
	}

	entry, ok, _ := index.Get("/missing.txt")
	if !ok || entry.Size != 11 || entry.Origin != "origin:1" || entry.ContentType != "text/plain" {
		t.Fatalf("Fill record is %+v, %v", entry, ok)
	}
}

func TestMissWithErrorStatusIsNotStored(t *testing.T) {
	root := testRoot(t, nil)
	origin := &fakeFetcher{raw: originResponse(404, "nope")}
	c := dial(t, startProxy(t, Config{Root: root, Fetcher: origin}))

	c.send(get("/gone.html", "keep-alive"))
	if res := c.response(); res.Status.Code != 404 || string(res.Body) != "nope" {
		t.Fatalf("Response %q, body %q", res.Start, res.Body)
	}
	if _, err := os.Stat(filepath.Join(root, "gone.html")); !os.IsNotExist(err) {
		t.Fatalf("Error response was cached: %v", err)
	}
	c.send(get("/gone.html", "close"))
	c.response()
	if n := origin.callCount(); n != 2 {
		t.Fatalf("Origin called %d times", n)
	}
}

// logBuffer collects log output written from server goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMissWithInvalidContentLengthIsLoggedNotStored(t *testing.T) {
	root := testRoot(t, nil)
	origin := &fakeFetcher{raw: "HTTP/1.1 200 OK\r\nContent-Length: lots\r\nConnection: keep-alive\r\n\r\nbody"}
	var logs logBuffer
	logger := zerolog.New(&logs)
	c := dial(t, startProxy(t, Config{Root: root, Fetcher: origin, Logger: &logger}))

	c.send(get("/odd.txt", "keep-alive"))
	res, err := c.f.ReadHeader(framer.RoleResponse)
	if err != nil || res.Status.Code != 200 {
		t.Fatalf("Response %+v, %v", res, err)
	}
	c.expectClosed()

	if _, err := os.Stat(filepath.Join(root, "odd.txt")); !os.IsNotExist(err) {
		t.Fatalf("Response with invalid length was cached: %v", err)
	}
	if !strings.Contains(logs.String(), "Treating origin Content-Length as 0") {
		t.Fatalf("No log line for invalid length:\n%s", logs.String())
	}
	// the exchange is logged after the connection is closed
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "detail=invalid-length") {
		if time.Now().After(deadline) {
			t.Fatalf("Cache status lacks detail:\n%s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestKeepAliveLoop(t *testing.T) {
	root := testRoot(t, map[string]string{"a.txt": "a", "b.txt": "bb", "c.txt": "ccc"})
	c := dial(t, startProxy(t, Config{Root: root}))

	for _, name := range []string{"a", "b", "c"} {
		c.send(get("/"+name+".txt", "keep-alive"))
		res := c.response()
		if res.Header.Get("Connection") != "keep-alive" || len(res.Body) == 0 || res.Body[0] != name[0] {
			t.Fatalf("Response for %s: %s%s", name, res.Raw, res.Body)
		}
	}
	c.send(get("/a.txt", "close"))
	if res := c.response(); res.Header.Get("Connection") != "close" {
		t.Fatalf("Last response: %s", res.Raw)
	}
	c.expectClosed()
}

func TestBadRequests(t *testing.T) {
	root := testRoot(t, map[string]string{"a.txt": "hello"})
	addr := startProxy(t, Config{Root: root})

	for _, raw := range []string{
		"GET /a.txt\r\nConnection: keep-alive\r\n\r\n",
		"GET /a.txt HTTP/2.0\r\nConnection: keep-alive\r\n\r\n",
		"POST /a.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n",
		"GET a.txt HTTP/1.1\r\nConnection: keep-alive\r\n\r\n",
	} {
		c := dial(t, addr)
		c.send(raw)
		res := c.response()
		if res.Status.Code != 400 || !strings.Contains(string(res.Body), "400 Bad Request") {
			t.Fatalf("%q answered with %s%s", raw, res.Raw, res.Body)
		}
		if res.Header.Get("Connection") != "close" {
			t.Fatalf("%q kept the connection alive", raw)
		}
		c.expectClosed()
	}
}

func TestBadRequestUsesResponsePage(t *testing.T) {
	root := testRoot(t, map[string]string{"response/400.html": "<p>custom 400</p>"})
	c := dial(t, startProxy(t, Config{Root: root}))

	c.send("DELETE / HTTP/1.1\r\n\r\n")
	if res := c.response(); string(res.Body) != "<p>custom 400</p>" {
		t.Fatalf("Body is %q", res.Body)
	}
}

func TestPutSavesUpload(t *testing.T) {
	root := testRoot(t, map[string]string{"a.txt": "hello"})
	c := dial(t, startProxy(t, Config{Root: root}))

	c.send("PUT /up/file.txt HTTP/1.1\r\nContent-Type: text/plain\r\nContent-Length: 11\r\nConnection: keep-alive\r\n\r\n")
	ack := c.response()
	if ack.Status.Code != 200 || ack.Header.Get("Content-Length") != "0" {
		t.Fatalf("Ack is %s", ack.Raw)
	}
	c.send("hello world")
	c.send(get("/a.txt", "close"))
	if res := c.response(); string(res.Body) != "hello" {
		t.Fatalf("Request after upload got %q", res.Body)
	}

	saved := filepath.Join(root, "saving", "up", "file.txt")
	if b, err := os.ReadFile(saved); err != nil || string(b) != "hello world" {
		t.Fatalf("Saved file holds %q, %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(root, "up", "file.txt")); !os.IsNotExist(err) {
		t.Fatal("Upload written into the cached tree")
	}
}

func TestPutTooLarge(t *testing.T) {
	opts := testOptions()
	opts.MaxBodyBytes = 4
	c := dial(t, startProxy(t, Config{Root: testRoot(t, nil), Options: opts}))

	c.send("PUT /big.bin HTTP/1.1\r\nContent-Length: 10\r\nConnection: keep-alive\r\n\r\n")
	if res := c.response(); res.Status.Code != 413 || res.Header.Get("Connection") != "close" {
		t.Fatalf("Response is %s", res.Raw)
	}
}

func TestOriginErrors(t *testing.T) {
	timeout := &connection.OpError{Op: "read", Kind: connection.ErrReadTimeout, Err: os.ErrDeadlineExceeded}
	cases := []struct {
		err  error
		code int
	}{
		{errors.Wrap(connection.ErrConnection, "dial origin"), 502},
		{errors.WithMessage(timeout, "receive response"), 504},
	}
	for _, tc := range cases {
		root := testRoot(t, nil)
		c := dial(t, startProxy(t, Config{Root: root, Fetcher: &fakeFetcher{err: tc.err}}))

		c.send(get("/x.html", "keep-alive"))
		if res := c.response(); res.Status.Code != tc.code || res.Header.Get("Connection") != "close" {
			t.Fatalf("%v answered with %s", tc.err, res.Raw)
		}
		c.expectClosed()
		if _, err := os.Stat(filepath.Join(root, "x.html")); !os.IsNotExist(err) {
			t.Fatal("Failed fetch left a cache file")
		}
	}
}

func TestPlainServerNotFound(t *testing.T) {
	c := dial(t, startProxy(t, Config{Root: testRoot(t, map[string]string{"a.txt": "hello"})}))

	c.send(get("/missing.txt", "keep-alive"))
	res := c.response()
	if res.Status.Code != 404 || !strings.Contains(string(res.Body), "404 Not Found") {
		t.Fatalf("Response is %s%s", res.Raw, res.Body)
	}
	c.send(get("/a.txt", "close"))
	if res := c.response(); string(res.Body) != "hello" {
		t.Fatalf("Connection not kept after 404: %q", res.Body)
	}
}

func TestStalledRequestTimesOut(t *testing.T) {
	opts := testOptions()
	opts.ReadTimeout = 100 * time.Millisecond
	c := dial(t, startProxy(t, Config{Root: testRoot(t, nil), Options: opts}))

	c.send("GET /a.txt HTTP/1.1\r\nHost: loc")
	if res := c.response(); res.Status.Code != 408 {
		t.Fatalf("Response is %s", res.Raw)
	}
	c.expectClosed()
}

func TestProxyInFrontOfOriginServer(t *testing.T) {
	originRoot := testRoot(t, map[string]string{"missing.txt": "served by origin"})
	originAddr := startProxy(t, Config{Root: originRoot})
	host, portStr, _ := net.SplitHostPort(originAddr)
	port, _ := strconv.Atoi(portStr)

	proxyRoot := testRoot(t, map[string]string{"a.txt": "local"})
	proxyAddr := startProxy(t, Config{
		Root:    proxyRoot,
		Fetcher: fetcher.Origin{Host: host, Port: port, Options: testOptions()},
	})

	c := dial(t, proxyAddr)
	c.send(get("/a.txt", "keep-alive"))
	if res := c.response(); string(res.Body) != "local" {
		t.Fatalf("Local file: %q", res.Body)
	}
	c.send(get("/missing.txt", "keep-alive"))
	if res := c.response(); res.Status.Code != 200 || string(res.Body) != "served by origin" {
		t.Fatalf("Origin file: %s%s", res.Raw, res.Body)
	}
	if b, _ := os.ReadFile(filepath.Join(proxyRoot, "missing.txt")); string(b) != "served by origin" {
		t.Fatalf("Proxy cache holds %q", b)
	}
	c.send(get("/nowhere.txt", "close"))
	if res := c.response(); res.Status.Code != 404 {
		t.Fatalf("Missing everywhere: %s", res.Raw)
	}
}
