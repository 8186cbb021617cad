package cache

import (
	"os"
	"path/filepath"
	"syscall"

	cachekey "github.com/taichili/httpproxy/pkg/cache-key"

	"github.com/pkg/errors"
)

// ErrMiss is returned by Lookup when no file serves the target.
var ErrMiss = errors.Wrap(os.ErrNotExist, "cache miss")

// Store is the on-disk cache: one file per URL path under a root
// directory. A file's existence is its only validity signal; files are
// written once, through a temporary file renamed into place, and never
// updated or removed.
type Store struct {
	keyer cachekey.Keyer
}

func NewStore(root string) *Store {
	return &Store{keyer: cachekey.NewKeyer(root)}
}

func (s *Store) Keyer() cachekey.Keyer { return s.keyer }

// Lookup resolves target to a regular file. A directory resolves to its
// index.html. It returns ErrMiss when there is nothing to serve and
// cachekey.ErrInvalidTarget when target cannot name a file.
func (s *Store) Lookup(target string) (string, os.FileInfo, error) {
	file, err := s.keyer.LocalPath(target)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(file)
	if err == nil && info.IsDir() {
		file = filepath.Join(file, "index.html")
		info, err = os.Stat(file)
	}
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return file, nil, ErrMiss
		}
		return file, nil, errors.Wrap(err, "stat")
	}
	if !info.Mode().IsRegular() {
		return file, nil, ErrMiss
	}
	return file, info, nil
}

// Create starts writing file. Nothing is visible at file until Commit.
func (s *Store) Create(file string) (*Pending, error) {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create cache directory")
	}
	f, err := os.CreateTemp(dir, ".fill-*")
	if err != nil {
		return nil, errors.Wrap(err, "create cache file")
	}
	return &Pending{f: f, dst: file}, nil
}

// Pending is a cache file being written.
type Pending struct {
	f       *os.File
	dst     string
	written int64
	done    bool
}

func (p *Pending) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	p.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (p *Pending) Written() int64 { return p.written }

// Path returns the final location of the file.
func (p *Pending) Path() string { return p.dst }

// Commit makes the file visible at its final path. Concurrent commits to
// the same path leave the last one in place; readers never see a partial
// file.
func (p *Pending) Commit() error {
	if p.done {
		return errors.New("cache file already closed")
	}
	p.done = true
	tmp := p.f.Name()
	if err := p.f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close cache file")
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "chmod cache file")
	}
	if err := os.Rename(tmp, p.dst); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "commit cache file")
	}
	return nil
}

// Abort discards the file. It is a no-op after Commit.
func (p *Pending) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	p.f.Close()
	return os.Remove(p.f.Name())
}
