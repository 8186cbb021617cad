// Package cli holds the start-up plumbing shared by the commands.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/taichili/httpproxy"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set by the release build.
var Version string

func init() {
	if Version == "" {
		Version = "DEV"
	}
}

// LogFlags are the logging flags every command registers.
type LogFlags struct {
	Trace   bool
	LogFile string
}

func (f *LogFlags) Register(fs *flag.FlagSet) {
	fs.BoolVar(&f.Trace, "vv", false, "Verbosity: trace logging")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file to use (in addition to stdout)")
}

// SetupLogging points log.Logger at stdout and, if set, the log file.
// The returned closer releases the log file.
func SetupLogging(f LogFlags, out io.Writer, app string) (io.Closer, error) {
	logLevel := zerolog.DebugLevel
	if f.Trace {
		logLevel = zerolog.TraceLevel
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: out}}
	var closer io.Closer = nopCloser{}
	if f.LogFile != "" {
		logFileOutput, err := os.OpenFile(f.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "cannot open log file")
		}
		logOutputs = append(logOutputs, logFileOutput)
		closer = logFileOutput
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("app", app).Str("version", Version).Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// CheckRoot fails unless path is an existing directory.
func CheckRoot(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "root path does not exist")
	}
	if !info.IsDir() {
		return errors.Errorf("root path %s is not a directory", path)
	}
	return nil
}

// LoadConfig reads filename, or returns the defaults when it is empty.
func LoadConfig(filename string) (httpproxy.FileConfig, error) {
	if filename == "" {
		return httpproxy.DefaultFileConfig(), nil
	}
	return httpproxy.LoadFileConfig(filename)
}

// Usage prints msg and the flag defaults to stderr and exits with status 2.
func Usage(fs *flag.FlagSet, msg string) {
	fmt.Fprintln(fs.Output(), msg)
	fs.PrintDefaults()
	os.Exit(2)
}
