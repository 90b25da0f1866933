// Package storage keeps the daemon's local SQLite state: call history and the
// last known presence of watched peers.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// DB wraps the daemon's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates rtlink.db in the given directory.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "rtlink.db")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		return nil, multierr.Append(fmt.Errorf("configure database: %w", err), db.Close())
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _calls (
			call_id    TEXT PRIMARY KEY,
			peer_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			session_id TEXT DEFAULT '',
			reason     TEXT NOT NULL,
			connected  INTEGER DEFAULT 0,
			started_at INTEGER NOT NULL,
			ended_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS _calls_ended ON _calls(ended_at);
	`); err != nil {
		return nil, multierr.Append(fmt.Errorf("create calls table: %w", err), db.Close())
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _peer_status (
			peer_id   TEXT PRIMARY KEY,
			status    TEXT NOT NULL,
			last_seen INTEGER NOT NULL
		);
	`); err != nil {
		return nil, multierr.Append(fmt.Errorf("create peer status table: %w", err), db.Close())
	}

	log.Debugf("opened %s", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}
