package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteQueue is a persistent Queue backed by SQLite. Tasks are gob-encoded
// into a single row each; Dequeue claims the oldest eligible row and deletes
// it inside one transaction.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
		now:          time.Now,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS inbound_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			not_before INTEGER NOT NULL,
			data BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_tasks_not_before ON inbound_tasks(not_before, seq)`,
	} {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	stamp(&t, q.now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO inbound_tasks (id, type, not_before, data)
		VALUES (?, ?, ?, ?)`,
		t.ID, string(t.Type), t.NotBefore.UnixNano(), data,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Task, error) {
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

// claimNext removes and returns the next eligible task, or nil when none is.
func (q *SQLiteQueue) claimNext(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		seq  int64
		data []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, data
		FROM inbound_tasks
		WHERE not_before <= ?
		ORDER BY not_before, seq
		LIMIT 1`, q.now().UnixNano()).Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM inbound_tasks WHERE seq = ?`, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	task, err := DecodeTask(data)
	if err != nil {
		return nil, fmt.Errorf("task row %d: %w", seq, err)
	}
	return task, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM inbound_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
