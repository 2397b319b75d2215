package persistence

import (
	"database/sql"
	"time"
)

// SQLiteStore is an ArchiveStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// For ":memory:" databases the caller should also call db.SetMaxOpenConns(1),
// since every connection otherwise opens its own empty database.
type SQLiteStore struct {
	sqlStore
}

// Ensure SQLiteStore implements ArchiveStore.
var _ ArchiveStore = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{db: db, now: time.Now, byteColumn: "BLOB"}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}
