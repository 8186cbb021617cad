package cachekey

import (
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidTarget = errors.New("invalid request target")

const (
	indexFile = "index.html"
	// SavingDir holds uploaded files, apart from the cached tree.
	SavingDir = "saving"
	// ResponseDir holds the bodies of error responses, named <code>.html.
	ResponseDir = "response"
)

// Keyer maps request targets to files under a root directory.
type Keyer struct {
	Root string
}

func NewKeyer(root string) Keyer {
	return Keyer{Root: root}
}

// Key returns the cleaned URL path for a request target. It is the cache
// key: two targets with the same key are served from the same file.
//
// An absolute-form target ("http://host/path") is reduced to its path.
// The query and fragment are dropped, the path is unescaped, a trailing
// slash names index.html, and dot segments cannot climb above the root.
func (k Keyer) Key(target string) (string, error) {
	if strings.HasPrefix(strings.ToLower(target), "http://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", errors.Wrapf(ErrInvalidTarget, "%q", target)
		}
		target = u.EscapedPath()
		if target == "" {
			target = "/"
		}
	}
	if !strings.HasPrefix(target, "/") {
		return "", errors.Wrapf(ErrInvalidTarget, "%q is not an origin-form path", target)
	}
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	p, err := url.PathUnescape(target)
	if err != nil || strings.IndexByte(p, 0) >= 0 {
		return "", errors.Wrapf(ErrInvalidTarget, "%q", target)
	}
	dir := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if dir {
		p = path.Join(p, indexFile)
	}
	return p, nil
}

// LocalPath returns the file serving target.
func (k Keyer) LocalPath(target string) (string, error) {
	key, err := k.Key(target)
	if err != nil {
		return "", err
	}
	return filepath.Join(k.Root, filepath.FromSlash(key)), nil
}

// SavePath returns where an upload to target is stored.
func (k Keyer) SavePath(target string) (string, error) {
	key, err := k.Key(target)
	if err != nil {
		return "", err
	}
	return filepath.Join(k.Root, SavingDir, filepath.FromSlash(key)), nil
}

// ResponsePath returns the file holding the body of an error response.
func (k Keyer) ResponsePath(code int) string {
	return filepath.Join(k.Root, ResponseDir, strconv.Itoa(code)+".html")
}

// KeyFromPath is the inverse of LocalPath for files inside the root.
func (k Keyer) KeyFromPath(file string) (string, error) {
	rel, err := filepath.Rel(k.Root, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("%s is outside %s", file, k.Root)
	}
	return "/" + filepath.ToSlash(rel), nil
}
