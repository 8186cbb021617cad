package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/taichili/httpproxy"
	"github.com/taichili/httpproxy/cache"
	"github.com/taichili/httpproxy/cli"
	fetcher "github.com/taichili/httpproxy/pkg/origin-fetcher"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag  string
	originFlag  string
	adminFlag   string
	indexFlag   string
	dbFlag      string
	workersFlag int
	logFlags    cli.LogFlags
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin host:port (default "+httpproxy.DefaultOrigin+")")
	flag.StringVar(&adminFlag, "admin", "", "Admin console address, e.g. localhost:9090")
	flag.StringVar(&indexFlag, "index", "", "Fill index provider: sqlite or memory")
	flag.StringVar(&dbFlag, "db", "", "Fill index DB file name (use 'memory' for in-memory db)")
	flag.IntVar(&workersFlag, "workers", 0, "Connections served at once")
	logFlags.Register(flag.CommandLine)
}

func main() {
	flag.Parse()
	if flag.NArg() != 2 {
		cli.Usage(flag.CommandLine, "Usage: httpproxy [flags] <port> <root-directory>")
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port <= 0 || port > 65535 {
		cli.Usage(flag.CommandLine, "Invalid port "+flag.Arg(0))
	}
	root := flag.Arg(1)

	logFile, err := cli.SetupLogging(logFlags, os.Stdout, "httpproxy")
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot set up logging")
	}
	defer logFile.Close()

	if err := cli.CheckRoot(root); err != nil {
		log.Fatal().Err(err).Msg("Please start the proxy with a valid root path")
	}

	config, err := cli.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}
	overrideConfig(&config)
	if err := config.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	index, closeIndex, err := config.OpenIndex()
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot open fill index")
	}
	defer closeIndex()

	originHost, originPort, _ := config.OriginAddr()
	opts := config.ConnOptions()
	proxy := httpproxy.New(httpproxy.Config{
		Root:    root,
		Fetcher: fetcher.Origin{Host: originHost, Port: originPort, Options: opts},
		Index:   index,
		Options: opts,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.Admin != "" {
		go serveAdmin(ctx, config.Admin, index)
	}

	srv := &httpproxy.Server{
		Addr:      net.JoinHostPort("", strconv.Itoa(port)),
		Handler:   proxy,
		Workers:   config.Workers,
		QueueSize: config.QueueSize,
	}
	log.Info().Msgf("Proxying port %d to %s, caching in %s", port, config.Origin, root)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("Cannot start proxy server")
	}
	log.Info().Msg("Proxy server stopped")
}

// overrideConfig applies the flags that were set on top of the file config.
func overrideConfig(config *httpproxy.FileConfig) {
	if originFlag != "" {
		config.Origin = originFlag
	}
	if adminFlag != "" {
		config.Admin = adminFlag
	}
	if indexFlag != "" {
		config.Index.Provider = indexFlag
	}
	if dbFlag != "" {
		config.Index.File = dbFlag
	}
	if workersFlag > 0 {
		config.Workers = workersFlag
	}
}

func serveAdmin(ctx context.Context, addr string, index cache.Index) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpproxy.NewAdminHandler(index, nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Msgf("Admin console on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Admin console failed")
	}
}
