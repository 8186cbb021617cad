package cache

import (
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	_ "github.com/glebarez/go-sqlite"
)

// Index records the cache fills performed by the proxy.
// It is informational only: a file on disk is served whether or not the
// index knows about it.
//
// Implementations must be thread-safe!
type Index interface {
	// Put records a fill, replacing any earlier record for the same path.
	Put(Entry) error
	// Get returns the record for path and whether one exists.
	Get(path string) (Entry, bool, error)
	// All returns the records whose path starts with prefix, ordered by path.
	All(prefix string) ([]Entry, error)
	// Has checks if a fill of path was recorded.
	Has(path string) bool
}

type Entry struct {
	// Path is the cache key, the cleaned URL path.
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Origin      string    `json:"origin"`
	FilledAt    time.Time `json:"filledAt"`
}

type MemIndex struct {
	entries map[string]Entry
	mutex   *sync.RWMutex
}

func NewMemIndex() MemIndex {
	return MemIndex{
		entries: make(map[string]Entry),
		mutex:   &sync.RWMutex{},
	}
}

func (m MemIndex) Put(e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries[e.Path] = e
	return nil
}

func (m MemIndex) Get(path string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.entries[path]
	return e, ok, nil
}

func (m MemIndex) All(prefix string) ([]Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]Entry, 0)
	for path, e := range m.entries {
		if strings.HasPrefix(path, prefix) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m MemIndex) Has(path string) bool {
	_, ok, _ := m.Get(path)
	return ok
}

type SQLiteIndex struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteIndex opens the index stored in filename, creating it if needed.
// If file name is empty, a private in-memory db is opened.
func NewSQLiteIndex(filename string) (SQLiteIndex, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteIndex{}, errors.Wrap(err, "open index")
	}
	if filename == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS fills (
			path TEXT PRIMARY KEY,
			size INTEGER,
			status INTEGER,
			content_type TEXT,
			origin TEXT,
			filled_at INTEGER
		)`,
		"CREATE INDEX IF NOT EXISTS filled_at_idx ON fills (filled_at)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteIndex{}, errors.Wrapf(err, "init index %s", filename)
		}
	}
	return SQLiteIndex{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteIndex) Put(e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO fills
		(path, size, status, content_type, origin, filled_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Path, e.Size, e.Status, e.ContentType, e.Origin, e.FilledAt.UnixNano())
	return err
}

func (s SQLiteIndex) Get(path string) (Entry, bool, error) {
	row := s.db.QueryRow(`SELECT
		path, size, status, content_type, origin, filled_at
		FROM fills WHERE path = ?`, path)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s SQLiteIndex) All(prefix string) ([]Entry, error) {
	entries := make([]Entry, 0)
	rows, err := s.db.Query(`SELECT
		path, size, status, content_type, origin, filled_at
		FROM fills WHERE substr(path, 1, length(?)) = ? ORDER BY path`, prefix, prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s SQLiteIndex) Has(path string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM fills WHERE path = ?", path).Scan(&one)
	return err == nil
}

func (s SQLiteIndex) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var filledAt int64
	if err := row.Scan(&e.Path, &e.Size, &e.Status, &e.ContentType, &e.Origin, &filledAt); err != nil {
		return Entry{}, err
	}
	e.FilledAt = time.Unix(0, filledAt)
	return e, nil
}
