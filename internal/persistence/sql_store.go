package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/conduit/pkg/api"
)

// sqlStore implements ArchiveStore on top of database/sql. Queries are
// written with '?' placeholders and rebound for drivers that use $n.
type sqlStore struct {
	db         *sql.DB
	numbered   bool
	now        func() time.Time
	byteColumn string
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) schema() []string {
	blob := s.byteColumn
	return []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idem_key TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			result ` + blob + `,
			error TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			workflow_name TEXT NOT NULL DEFAULT '',
			completed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			instance_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event ` + blob + ` NOT NULL,
			step_name TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			final_error TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			enqueued_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_enqueued ON dead_letters(enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			event ` + blob + `,
			status TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			output ` + blob + `,
			error TEXT NOT NULL DEFAULT '',
			adopted BOOLEAN NOT NULL DEFAULT FALSE,
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL DEFAULT 0,
			finished_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_workflow ON instances(workflow_name, status)`,
	}
}

func (s *sqlStore) initSchema() error {
	for _, stmt := range s.schema() {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) TryClaim(ctx context.Context, key, owner string, lease time.Duration) (api.Claim, error) {
	if err := validateLease(lease); err != nil {
		return api.Claim{}, err
	}

	for i := 0; i < claimRetries; i++ {
		now := s.now()
		expires := now.Add(lease)

		// Insert a fresh marker, or take over one that is ours or expired.
		// Completed rows never match the update predicate.
		res, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO idempotency_keys (idem_key, state, owner, lease_expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (idem_key) DO UPDATE
			SET owner = excluded.owner, lease_expires_at = excluded.lease_expires_at
			WHERE idempotency_keys.state = ?
			AND (idempotency_keys.owner = excluded.owner OR idempotency_keys.lease_expires_at <= ?)`),
			key, stateInFlight, owner, expires.UnixNano(), stateInFlight, now.UnixNano(),
		)
		if err != nil {
			return api.Claim{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return api.Claim{}, err
		}
		if n > 0 {
			return api.Claim{Status: api.ClaimAcquired, Owner: owner, LeaseExpiresAt: expires}, nil
		}

		claim, found, err := s.readClaim(ctx, key)
		if err != nil {
			return api.Claim{}, err
		}
		if found {
			return claim, nil
		}
		// Released between the write and the read; try again.
	}
	return api.Claim{}, errors.New("try claim: key kept changing state")
}

func (s *sqlStore) readClaim(ctx context.Context, key string) (api.Claim, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT state, owner, lease_expires_at, outcome, result, error, instance_id, workflow_name, completed_at
		FROM idempotency_keys
		WHERE idem_key = ?`),
		key,
	)

	var (
		state, owner, outcome, errStr, instanceID, workflow string
		leaseExpires, completedAt                          int64
		result                                             []byte
	)
	if err := row.Scan(&state, &owner, &leaseExpires, &outcome, &result, &errStr, &instanceID, &workflow, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Claim{}, false, nil
		}
		return api.Claim{}, false, err
	}

	if state == stateCompleted {
		val, err := DecodeValue[any](result)
		if err != nil {
			return api.Claim{}, false, err
		}
		rec := api.IdempotencyRecord{
			Key:          key,
			Outcome:      api.Outcome(outcome),
			Result:       val,
			Error:        errStr,
			InstanceID:   instanceID,
			WorkflowName: workflow,
			CompletedAt:  fromUnixNano(completedAt),
		}
		return api.Claim{Status: api.ClaimAlreadyCompleted, Record: &rec}, true, nil
	}
	return api.Claim{Status: api.ClaimInFlight, Owner: owner, LeaseExpiresAt: fromUnixNano(leaseExpires)}, true, nil
}

func (s *sqlStore) RenewClaim(ctx context.Context, key, owner string, lease time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE idempotency_keys
		SET lease_expires_at = ?
		WHERE idem_key = ? AND state = ? AND owner = ?`),
		s.now().Add(lease).UnixNano(), key, stateInFlight, owner,
	)
	return claimResult(res, err)
}

func (s *sqlStore) ReleaseClaim(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM idempotency_keys
		WHERE idem_key = ? AND state = ? AND owner = ?`),
		key, stateInFlight, owner,
	)
	return err
}

func (s *sqlStore) Complete(ctx context.Context, key, owner string, rec api.IdempotencyRecord) error {
	result, err := EncodeValue(rec.Result)
	if err != nil {
		return err
	}
	completedAt := rec.CompletedAt
	if completedAt.IsZero() {
		completedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE idempotency_keys
		SET state = ?, owner = '', lease_expires_at = 0, outcome = ?, result = ?, error = ?,
		    instance_id = ?, workflow_name = ?, completed_at = ?
		WHERE idem_key = ? AND state = ? AND owner = ?`),
		stateCompleted, string(rec.Outcome), result, rec.Error,
		rec.InstanceID, rec.WorkflowName, completedAt.UnixNano(),
		key, stateInFlight, owner,
	)
	return claimResult(res, err)
}

func claimResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrClaimLost
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, key string) (api.IdempotencyRecord, error) {
	claim, found, err := s.readClaim(ctx, key)
	if err != nil {
		return api.IdempotencyRecord{}, err
	}
	if !found || claim.Status != api.ClaimAlreadyCompleted {
		return api.IdempotencyRecord{}, api.ErrRecordNotFound
	}
	return *claim.Record, nil
}

func (s *sqlStore) Enqueue(ctx context.Context, entry api.DeadLetterEntry) error {
	ev, err := encodeEvent(entry.Event)
	if err != nil {
		return err
	}
	enqueuedAt := entry.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO dead_letters (instance_id, workflow_name, idempotency_key, event_type, event,
			step_name, attempts, final_error, error_kind, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO NOTHING`),
		entry.InstanceID, entry.WorkflowName, entry.IdempotencyKey, entry.Event.Type, ev,
		entry.StepName, entry.Attempts, entry.FinalError, string(entry.ErrorKind), enqueuedAt.UnixNano(),
	)
	return err
}

const deadLetterColumns = `instance_id, workflow_name, idempotency_key, event, step_name, attempts, final_error, error_kind, enqueued_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (api.DeadLetterEntry, error) {
	var (
		e          api.DeadLetterEntry
		ev         []byte
		kind       string
		enqueuedAt int64
	)
	if err := row.Scan(&e.InstanceID, &e.WorkflowName, &e.IdempotencyKey, &ev, &e.StepName,
		&e.Attempts, &e.FinalError, &kind, &enqueuedAt); err != nil {
		return e, err
	}
	event, err := decodeEvent(ev)
	if err != nil {
		return e, err
	}
	e.Event = event
	e.ErrorKind = api.ErrorKind(kind)
	e.EnqueuedAt = fromUnixNano(enqueuedAt)
	return e, nil
}

func (s *sqlStore) List(ctx context.Context, filter api.DeadLetterFilter) ([]api.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "enqueued_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY enqueued_at, instance_id"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []api.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqlStore) GetEntry(ctx context.Context, instanceID string) (api.DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE instance_id = ?`), instanceID)
	e, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return e, api.ErrEntryNotFound
	}
	return e, err
}

func (s *sqlStore) Ack(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dead_letters WHERE instance_id = ?`), instanceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrEntryNotFound
	}
	return nil
}

func (s *sqlStore) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}

func (s *sqlStore) Archive(ctx context.Context, inst *api.WorkflowInstance) error {
	ev, err := encodeEvent(inst.Event)
	if err != nil {
		return err
	}
	output, err := EncodeValue(inst.Output)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO instances (id, workflow_name, idempotency_key, event, status, step_index, output,
			error, adopted, attempts, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET status = excluded.status, step_index = excluded.step_index, output = excluded.output,
		    error = excluded.error, adopted = excluded.adopted, attempts = excluded.attempts,
		    finished_at = excluded.finished_at`),
		inst.ID, inst.WorkflowName, inst.IdempotencyKey, ev, string(inst.Status), inst.StepIndex, output,
		errString(inst.Err), inst.Adopted, inst.Attempts, unixNano(inst.StartedAt), unixNano(inst.FinishedAt),
	)
	return err
}

const instanceColumns = `id, workflow_name, idempotency_key, event, status, step_index, output, error, adopted, attempts, started_at, finished_at`

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst                api.WorkflowInstance
		ev, output          []byte
		status, errStr      string
		startedAt, finished int64
	)
	if err := row.Scan(&inst.ID, &inst.WorkflowName, &inst.IdempotencyKey, &ev, &status, &inst.StepIndex,
		&output, &errStr, &inst.Adopted, &inst.Attempts, &startedAt, &finished); err != nil {
		return nil, err
	}

	if len(ev) > 0 {
		event, err := decodeEvent(ev)
		if err != nil {
			return nil, err
		}
		inst.Event = event
	}
	out, err := DecodeValue[any](output)
	if err != nil {
		return nil, err
	}
	inst.Output = out
	inst.Status = api.Status(status)
	inst.Err = errFromString(errStr)
	inst.StartedAt = fromUnixNano(startedAt)
	inst.FinishedAt = fromUnixNano(finished)
	return &inst, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrInstanceNotFound
	}
	return inst, err
}

func (s *sqlStore) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at, id"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}
