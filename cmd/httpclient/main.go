package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/taichili/httpproxy/cache"
	"github.com/taichili/httpproxy/cli"
	cachekey "github.com/taichili/httpproxy/pkg/cache-key"
	"github.com/taichili/httpproxy/pkg/connection"
	framer "github.com/taichili/httpproxy/pkg/message-framer"
	fetcher "github.com/taichili/httpproxy/pkg/origin-fetcher"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag   int
	srcFlag    string
	outFlag    string
	configFlag string
	logFlags   cli.LogFlags
)

func init() {
	flag.IntVar(&portFlag, "port", 18085, "Port of the server")
	flag.StringVar(&srcFlag, "src", ".", "Directory holding files to PUT")
	flag.StringVar(&outFlag, "out", ".", "Directory to save GET responses in")
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	logFlags.Register(flag.CommandLine)
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		cli.Usage(flag.CommandLine, "Usage: httpclient [flags] <server> [request-line ...]")
	}
	server := flag.Arg(0)

	logFile, err := cli.SetupLogging(logFlags, os.Stderr, "httpclient")
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot set up logging")
	}
	defer logFile.Close()

	config, err := cli.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}

	requests := flag.Args()[1:]
	if len(requests) == 0 {
		fmt.Printf("%s is listening to your request:\n", server)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			log.Fatal().Err(err).Msg("No request line")
		}
		requests = []string{strings.TrimSpace(line)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &session{
		client: fetcher.NewClient(server, portFlag, config.ConnOptions()),
		src:    srcFlag,
		out:    cache.NewStore(outFlag),
		stdout: os.Stdout,
	}
	if err := s.run(ctx, requests); err != nil {
		if connection.IsTimeout(err) {
			log.Fatal().Err(err).Msg("Server did not answer in time")
		}
		log.Fatal().Err(err).Msg("Request failed")
	}
}

// session sends request lines to one server. GETs share a keep-alive
// connection; the last one asks the server to close.
type session struct {
	client *fetcher.Client
	src    string
	out    *cache.Store
	stdout io.Writer
}

func (s *session) run(ctx context.Context, requests []string) error {
	lines := make([]framer.RequestLine, 0, len(requests))
	for _, r := range requests {
		line, err := framer.ParseRequestLine(r)
		if err != nil {
			return err
		}
		if line.Method != framer.MethodGet && line.Method != framer.MethodPut {
			return errors.Errorf("bad request %q: only GET and PUT are supported", r)
		}
		lines = append(lines, line)
	}
	defer s.client.Close()

	lastGet := -1
	for i, line := range lines {
		if line.Method == framer.MethodGet {
			lastGet = i
		}
	}
	for i, line := range lines {
		var err error
		if line.Method == framer.MethodPut {
			err = s.put(ctx, line)
		} else {
			err = s.get(ctx, line, i != lastGet)
		}
		if err != nil {
			return errors.WithMessagef(err, "%s", line)
		}
	}
	return nil
}

func (s *session) get(ctx context.Context, line framer.RequestLine, keepAlive bool) error {
	m, err := s.client.Get(ctx, line, keepAlive)
	if err != nil {
		return err
	}
	s.printHeader(m)
	if m.Status.Code != 200 {
		log.Warn().Int("status", m.Status.Code).Str("target", line.Target).Msg("Not saved")
		return nil
	}

	file, err := s.out.Keyer().LocalPath(line.Target)
	if err != nil {
		return err
	}
	p, err := s.out.Create(file)
	if err != nil {
		return err
	}
	if _, err := p.Write(m.Body); err != nil {
		p.Abort()
		return errors.Wrap(err, "save response")
	}
	if err := p.Commit(); err != nil {
		return err
	}
	log.Info().Str("file", p.Path()).Int64("size", p.Written()).Msg("Saved")
	return nil
}

func (s *session) put(ctx context.Context, line framer.RequestLine) error {
	file, err := cachekey.NewKeyer(s.src).LocalPath(line.Target)
	if err != nil {
		return err
	}
	m, err := s.client.Put(ctx, line, file)
	if err != nil {
		return err
	}
	s.printHeader(m)
	return nil
}

func (s *session) printHeader(m *framer.Message) {
	fmt.Fprintln(s.stdout, "Response Header:")
	s.stdout.Write(m.Raw)
}
