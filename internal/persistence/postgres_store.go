package persistence

import (
	"database/sql"
	"time"
)

// PostgresStore is an ArchiveStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresStore struct {
	sqlStore
}

// Ensure PostgresStore implements ArchiveStore.
var _ ArchiveStore = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore{db: db, numbered: true, now: time.Now, byteColumn: "BYTEA"}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}
