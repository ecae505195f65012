// Package cache persists compiled artifacts keyed by their cache key.
//
// An entry is a CBOR header (see [Header]) followed by the bytes a backend
// exported for the artifact. Entries are never updated in place: a stale or
// corrupt entry is deleted and a new one written under the same key.
//
// The package provides two backing stores: [FileStore], one file per entry in
// a directory, and [SQLiteStore], one row per entry in a SQLite database.
// Neither store coordinates writers across processes.
package cache

import (
	"fmt"
	"io"
	"strings"

	"compiled/internal/cachekey"
)

// Manager is a byte-blob store keyed by cache key.
//
// Get returns ok == false with a nil error when no entry exists. Add replaces
// any existing entry atomically from the reader's point of view: a concurrent
// Get observes either the old entry, the new one, or none.
type Manager interface {
	Get(key cachekey.Key) (rc io.ReadCloser, ok bool, err error)
	Add(key cachekey.Key, r io.Reader) error
	Delete(key cachekey.Key) error
	Close() error
}

// Store kinds accepted by Open.
const (
	StoreFS     = "fs"
	StoreSQLite = "sqlite"
)

// Open opens a cache rooted at dir using the given store kind. An empty kind
// selects the filesystem store.
func Open(kind, dir string) (Manager, error) {
	switch strings.ToLower(kind) {
	case "", StoreFS:
		return OpenFileStore(dir)
	case StoreSQLite:
		return OpenSQLiteStore(dir)
	default:
		return nil, fmt.Errorf("unknown cache store %q", kind)
	}
}
