// Package store is the persistent store (C1): a single embedded SQLite
// database holding apps, machines, machine configuration history, volumes,
// leases, machine events, and per-machine metadata. Every state transition
// the lifecycle manager commits goes through a single transaction that
// updates the relevant rows and appends an event. Commit can also enqueue
// an outbox row for a post-commit side effect when the Transition sets
// OutboxKind; the lifecycle manager's transitions do not set it and make
// their runtime, DNS and supervisor calls directly.
//
// Grounded on the teacher's way of driving mattn/go-sqlite3 directly with
// database/sql (lazydocker's go.mod already carries it as an indirect
// dependency of containers/buildah; here it's promoted to the store's
// actual embedded database).
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// Store owns the database connection and exposes transactional operations
// over apps, machines, volumes, leases, and events.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the SQLite database at path, and
// configures it for the single-writer-many-reader access pattern the
// lifecycle manager relies on (WAL journal, foreign keys on).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "open store at %s", path)
	}
	// The store serializes writers at the application level (single-writer
	// per machine via leases); a single pooled connection avoids SQLITE_BUSY
	// races between the Go connection pool and SQLite's own file lock.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS apps (
	name       TEXT PRIMARY KEY,
	org        TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS machines (
	id          TEXT PRIMARY KEY,
	app         TEXT NOT NULL REFERENCES apps(name),
	name        TEXT NOT NULL,
	state       TEXT NOT NULL,
	region      TEXT NOT NULL DEFAULT 'local',
	image       TEXT NOT NULL,
	container_id TEXT NOT NULL DEFAULT '',
	private_ip  TEXT NOT NULL,
	generation  INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	UNIQUE(app, name)
);

CREATE TABLE IF NOT EXISTS machine_config (
	machine    TEXT NOT NULL REFERENCES machines(id),
	generation INTEGER NOT NULL,
	config_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (machine, generation)
);

CREATE TABLE IF NOT EXISTS volumes (
	id          TEXT PRIMARY KEY,
	app         TEXT NOT NULL REFERENCES apps(name),
	name        TEXT NOT NULL,
	size_gb     INTEGER NOT NULL DEFAULT 1,
	attached_to TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	UNIQUE(app, name)
);

CREATE TABLE IF NOT EXISTS leases (
	machine    TEXT PRIMARY KEY REFERENCES machines(id),
	nonce      TEXT NOT NULL,
	owner      TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	version    TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS machine_events (
	id         INTEGER NOT NULL,
	machine    TEXT NOT NULL REFERENCES machines(id),
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	source     TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (machine, id)
);

CREATE TABLE IF NOT EXISTS machine_metadata (
	machine TEXT NOT NULL REFERENCES machines(id),
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (machine, key)
);

CREATE TABLE IF NOT EXISTS machine_outbox (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	machine    TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	attempted  INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return apierr.Wrap(err, apierr.Internal, "migrate store schema")
	}
	return nil
}

func now() time.Time { return time.Now().UTC() }
