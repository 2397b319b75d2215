package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS inbound_tasks (
//	    seq         BIGSERIAL PRIMARY KEY,
//	    id          TEXT NOT NULL,
//	    type        TEXT NOT NULL,
//	    not_before  BIGINT NOT NULL,
//	    payload     BYTEA NOT NULL
//	);
//
// Dequeue locks the oldest eligible row with FOR UPDATE SKIP LOCKED and
// deletes it in the same transaction, so concurrent workers never block on
// each other.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond, now: time.Now}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS inbound_tasks (
			seq        BIGSERIAL PRIMARY KEY,
			id         TEXT NOT NULL,
			type       TEXT NOT NULL,
			not_before BIGINT NOT NULL,
			payload    BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_tasks_not_before ON inbound_tasks(not_before, seq)`,
	} {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO inbound_tasks (id, type, not_before, payload)
		VALUES ($1, $2, $3, $4)
	`, t.ID, string(t.Type), t.NotBefore.UnixNano(), data)
	return err
}

// Dequeue blocks (with polling) until a task is eligible or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		task, err := q.claimNext(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if err := sleepContext(ctx, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) claimNext(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq     int64
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, payload
		FROM inbound_tasks
		WHERE not_before <= $1
		ORDER BY not_before, seq
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, q.now().UnixNano()).Scan(&seq, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM inbound_tasks WHERE seq = $1`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("task row %d: %w", seq, err)
	}
	return task, nil
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM inbound_tasks`).Scan(&n); err != nil {
		slog.Default().Warn("postgres queue length", "error", err)
		return 0
	}
	return n
}
