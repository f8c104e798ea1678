// Package shard locates the dataset's files on disk and hands out shared
// read-only SQLite handles to them.
//
// Discovery is repeated on every call because new shard files can appear
// while the service runs. Opened handles, in contrast, are cached for the
// lifetime of the Registry and never evicted.
package shard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("shard registry closed")

// readOnlyParams are appended to every file: URI. mode=ro keeps the
// producer's files untouched.
const readOnlyParams = "mode=ro&_busy_timeout=5000"

// Shard is one message file that opened successfully, tagged with its
// position in discovery order.
type Shard struct {
	Ordinal int
	Path    string
	DB      *sql.DB
}

// Stats summarizes the registry for status reporting.
type Stats struct {
	ShardFiles  int
	OpenHandles int
	ShardBytes  int64
}

// Registry discovers dataset files under a root directory and caches one
// read-only handle per path.
type Registry struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*sql.DB
	closed  bool
	opening singleflight.Group
}

// NewRegistry creates a registry rooted at root. Nothing is opened until
// Open or Shards is called.
func NewRegistry(root string) *Registry {
	return &Registry{
		root:    root,
		logger:  slog.Default(),
		handles: make(map[string]*sql.DB),
	}
}

// WithLogger sets the logger used for skipped shards.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Root returns the directory the registry scans.
func (r *Registry) Root() string {
	return r.root
}

// Discover scans the root for the contact file and message shards.
func (r *Registry) Discover() (*Layout, error) {
	layout, err := Discover(r.root)
	if err != nil {
		return nil, err
	}
	for _, extra := range layout.ExtraContactDBs {
		r.logger.Warn("ignoring additional contact database", "path", extra, "using", layout.ContactDB)
	}
	return layout, nil
}

// Open returns the cached handle for path, opening it read-only on first
// use. Concurrent callers for the same path share a single open.
func (r *Registry) Open(path string) (*sql.DB, error) {
	path = filepath.Clean(path)

	if db, err := r.cached(path); db != nil || err != nil {
		return db, err
	}

	v, err, _ := r.opening.Do(path, func() (interface{}, error) {
		if db, err := r.cached(path); db != nil || err != nil {
			return db, err
		}
		db, err := openReadOnly(path)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			db.Close()
			return nil, ErrClosed
		}
		r.handles[path] = db
		r.logger.Debug("opened database", "path", path)
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

func (r *Registry) cached(path string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.handles[path], nil
}

// openReadOnly opens path with a file: URI so paths containing '?' or '#'
// survive, then verifies the file really is a SQLite database.
func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	dsn := (&url.URL{
		Scheme:   "file",
		OmitHost: true,
		Path:     path,
		RawQuery: readOnlyParams,
	}).String()
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify %s: %w", path, err)
	}
	return db, nil
}

// Shards rediscovers the message files and returns a handle for each one
// that opens. Files that fail to open are logged and left out.
func (r *Registry) Shards() ([]Shard, error) {
	paths, err := r.shardPaths()
	if err != nil {
		return nil, err
	}

	shards := make([]Shard, 0, len(paths))
	for i, path := range paths {
		db, err := r.Open(path)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, err
			}
			r.logger.Warn("skipping shard", "path", path, "error", err)
			continue
		}
		shards = append(shards, Shard{Ordinal: i, Path: path, DB: db})
	}
	return shards, nil
}

// shardPaths lists shard files without requiring the contact file, so
// message queries keep working if it is moved mid-run.
func (r *Registry) shardPaths() ([]string, error) {
	_, shards, err := scan(r.root)
	return shards, err
}

// HasTable reports whether db contains a table named name.
func HasTable(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Stats reports the number of shard files, cached handles and the total
// on-disk size of the shards.
func (r *Registry) Stats() (Stats, error) {
	paths, err := r.shardPaths()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ShardFiles: len(paths)}
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			st.ShardBytes += info.Size()
		}
	}
	r.mu.Lock()
	st.OpenHandles = len(r.handles)
	r.mu.Unlock()
	return st, nil
}

// Close closes every cached handle. Subsequent Open calls fail with
// ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for path, db := range r.handles {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
	}
	r.handles = nil
	return errors.Join(errs...)
}
