package httpproxy

import (
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/taichili/httpproxy/cache"
	"github.com/taichili/httpproxy/pkg/connection"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML configuration shared by the commands. Fields
// left out of the file keep their defaults; flags override the file.
type FileConfig struct {
	// Origin is host:port of the origin server.
	Origin    string `yaml:"origin"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queueSize"`

	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`

	MaxHeaderBytes int   `yaml:"maxHeaderBytes"`
	MaxBodyBytes   int64 `yaml:"maxBodyBytes"`

	Index IndexConfig `yaml:"index"`
	// Admin is the listen address of the admin console. Empty disables it.
	Admin string `yaml:"admin"`
}

type IndexConfig struct {
	// Provider is "sqlite" or "memory".
	Provider string `yaml:"provider"`
	// File is the sqlite database. Use "memory" for an in-memory db.
	File string `yaml:"file"`
}

const DefaultOrigin = "localhost:18088"

func DefaultFileConfig() FileConfig {
	opts := connection.DefaultOptions()
	return FileConfig{
		Origin:         DefaultOrigin,
		Workers:        runtime.NumCPU() * 4,
		QueueSize:      1024,
		ReadTimeout:    opts.ReadTimeout,
		WriteTimeout:   opts.WriteTimeout,
		IdleTimeout:    opts.IdleTimeout,
		DialTimeout:    opts.DialTimeout,
		MaxHeaderBytes: opts.MaxHeaderBytes,
		MaxBodyBytes:   opts.MaxBodyBytes,
		Index: IndexConfig{
			Provider: "sqlite",
			File:     "memory",
		},
	}
}

// LoadFileConfig reads filename over the defaults. Unknown keys are errors.
func LoadFileConfig(filename string) (FileConfig, error) {
	config := DefaultFileConfig()
	f, err := os.Open(filename)
	if err != nil {
		return config, errors.Wrap(err, "open config")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && err != io.EOF {
		return config, errors.Wrapf(err, "parse config %s", filename)
	}
	return config, config.Validate()
}

func (c FileConfig) Validate() error {
	if _, _, err := c.OriginAddr(); err != nil {
		return err
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return errors.Errorf("workers and queueSize must be positive, got %d and %d", c.Workers, c.QueueSize)
	}
	switch c.Index.Provider {
	case "sqlite", "memory":
	default:
		return errors.Errorf("unsupported index provider %q", c.Index.Provider)
	}
	return nil
}

// ConnOptions returns the connection options for clients and the origin.
func (c FileConfig) ConnOptions() connection.Options {
	return connection.Options{
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		IdleTimeout:    c.IdleTimeout,
		DialTimeout:    c.DialTimeout,
		MaxHeaderBytes: c.MaxHeaderBytes,
		MaxBodyBytes:   c.MaxBodyBytes,
		UserAgent:      connection.DefaultUserAgent,
	}
}

// OriginAddr splits Origin into host and port.
func (c FileConfig) OriginAddr() (string, int, error) {
	host, portStr, err := net.SplitHostPort(c.Origin)
	if err != nil {
		return "", 0, errors.Wrapf(err, "origin %q", c.Origin)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("origin %q: invalid port", c.Origin)
	}
	return host, port, nil
}

// OpenIndex opens the configured fill index. The returned function
// releases it.
func (c FileConfig) OpenIndex() (cache.Index, func() error, error) {
	if c.Index.Provider == "memory" {
		return cache.NewMemIndex(), func() error { return nil }, nil
	}
	filename := c.Index.File
	if filename == "memory" {
		filename = ""
	}
	index, err := cache.NewSQLiteIndex(filename)
	if err != nil {
		return nil, nil, err
	}
	return index, index.Close, nil
}
