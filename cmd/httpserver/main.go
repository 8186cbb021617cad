package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/taichili/httpproxy"
	"github.com/taichili/httpproxy/cli"

	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag    int
	configFlag  string
	workersFlag int
	logFlags    cli.LogFlags
)

func init() {
	flag.IntVar(&portFlag, "port", 18088, "Port to listen on")
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.IntVar(&workersFlag, "workers", 0, "Connections served at once")
	logFlags.Register(flag.CommandLine)
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		cli.Usage(flag.CommandLine, "Usage: httpserver [flags] <root-directory>")
	}
	root := flag.Arg(0)

	logFile, err := cli.SetupLogging(logFlags, os.Stdout, "httpserver")
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot set up logging")
	}
	defer logFile.Close()

	if err := cli.CheckRoot(root); err != nil {
		log.Fatal().Err(err).Msg("Please start the server with a valid root path")
	}

	config, err := cli.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}
	if workersFlag > 0 {
		config.Workers = workersFlag
	}

	// no fetcher: files missing under root are answered with 404
	server := httpproxy.New(httpproxy.Config{
		Root:    root,
		Options: config.ConnOptions(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &httpproxy.Server{
		Addr:      net.JoinHostPort("", strconv.Itoa(portFlag)),
		Handler:   server,
		Workers:   config.Workers,
		QueueSize: config.QueueSize,
	}
	log.Info().Msgf("Serving %s on port %d", root, portFlag)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal().Err(err).Msg("Cannot start server")
	}
	log.Info().Msg("Server stopped")
}
