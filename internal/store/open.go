// ABOUTME: Backend selection for the store package
// ABOUTME: Maps a driver name to the SQLite (modernc or cgo) or bbolt implementation

package store

import (
	"fmt"
	"log/slog"
	"time"
)

// Supported driver names.
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverBolt    = "bolt"    // go.etcd.io/bbolt
)

// Options configures a backend.
type Options struct {
	Driver string
	Path   string

	// BusyTimeout is how long a writer waits for a lock inside the engine.
	BusyTimeout time.Duration

	// Retries bounds how often a transient storage error is retried before
	// ErrUnavailable is returned.
	Retries int

	// PageSize is the number of checkpoints fetched per history page.
	PageSize int

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Driver == "" {
		o.Driver = DriverSQLite
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Open creates the backend named by opts.Driver.
func Open(opts Options) (Store, error) {
	opts = opts.withDefaults()
	switch opts.Driver {
	case DriverSQLite, DriverSQLite3:
		return NewSQLiteStoreWithOptions(opts)
	case DriverBolt:
		return NewBoltStore(opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
