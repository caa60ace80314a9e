package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pkgerrors "github.com/pkg/errors"
)

// Run and object-run statuses.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusError    = "error"

	ObjectStatusPending  = "pending"
	ObjectStatusRunning  = "running"
	ObjectStatusComplete = "complete"
	ObjectStatusError    = "error"
)

// SyncRun is one backfill execution for an account. At most one run per
// account is in status running at any time.
type SyncRun struct {
	AccountID     string
	StartedAt     time.Time
	Status        string
	TriggeredBy   string
	MaxConcurrent int
	CompletedAt   *time.Time
	ErrorMessage  *string
}

// ObjectRun is a per-entity-kind unit of work inside a sync run.
type ObjectRun struct {
	AccountID      string
	RunStartedAt   time.Time
	Object         string
	Status         string
	ProcessedCount int
	Cursor         int64
	ErrorMessage   *string
	UpdatedAt      time.Time
}

// SyncRunStore tracks runs and object runs in _sync_run / _sync_obj_run.
type SyncRunStore struct {
	db     DBTX
	schema string
}

func NewSyncRunStore(db DBTX, schema string) *SyncRunStore {
	return &SyncRunStore{db: db, schema: schema}
}

func (s *SyncRunStore) runTable() string    { return qualifiedTable(s.schema, "_sync_run") }
func (s *SyncRunStore) objectTable() string { return qualifiedTable(s.schema, "_sync_obj_run") }

// GetOrCreateRun returns the account's running sync run, creating one when
// none exists. The partial unique index on (account_id) WHERE
// status='running' makes concurrent creators converge on a single row.
func (s *SyncRunStore) GetOrCreateRun(ctx context.Context, accountID, triggeredBy string, maxConcurrent int) (*SyncRun, error) {
	sql := fmt.Sprintf(`
		INSERT INTO %s (account_id, status, triggered_by, max_concurrent)
		VALUES ($1, 'running', $2, $3)
		ON CONFLICT (account_id) WHERE status = 'running' DO NOTHING
		RETURNING account_id, started_at, status, triggered_by, max_concurrent, completed_at, error_message`,
		s.runTable())

	run, err := scanRun(s.db.QueryRow(ctx, sql, accountID, triggeredBy, maxConcurrent))
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, pkgerrors.Wrap(err, "failed to create sync run")
	}

	active, err := s.GetActiveRun(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, pkgerrors.New("sync run insert conflicted but no active run found")
	}
	return active, nil
}

// GetActiveRun returns the running sync run for the account, or nil.
func (s *SyncRunStore) GetActiveRun(ctx context.Context, accountID string) (*SyncRun, error) {
	sql := fmt.Sprintf(`
		SELECT account_id, started_at, status, triggered_by, max_concurrent, completed_at, error_message
		FROM %s WHERE account_id = $1 AND status = 'running'`, s.runTable())

	run, err := scanRun(s.db.QueryRow(ctx, sql, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load active sync run")
	}
	return run, nil
}

// CompleteRun transitions a running run to complete.
func (s *SyncRunStore) CompleteRun(ctx context.Context, accountID string, startedAt time.Time) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET status = 'complete', completed_at = now()
		WHERE account_id = $1 AND started_at = $2 AND status = 'running'`, s.runTable())
	if _, err := s.db.Exec(ctx, sql, accountID, startedAt); err != nil {
		return pkgerrors.Wrap(err, "failed to complete sync run")
	}
	return nil
}

// FailRun transitions a running run to error with a message.
func (s *SyncRunStore) FailRun(ctx context.Context, accountID string, startedAt time.Time, message string) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET status = 'error', completed_at = now(), error_message = $3
		WHERE account_id = $1 AND started_at = $2 AND status = 'running'`, s.runTable())
	if _, err := s.db.Exec(ctx, sql, accountID, startedAt, message); err != nil {
		return pkgerrors.Wrap(err, "failed to fail sync run")
	}
	return nil
}

// CreateObjectRuns inserts a pending object run per kind, seeding each cursor
// from the kind's most recent prior run so incremental filtering carries
// across runs. Existing rows are left alone.
func (s *SyncRunStore) CreateObjectRuns(ctx context.Context, accountID string, startedAt time.Time, objects []string) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (account_id, run_started_at, object, status, cursor)
		SELECT $1, $2, o.object, 'pending', COALESCE((
			SELECT prior.cursor FROM %s prior
			WHERE prior.account_id = $1 AND prior.object = o.object AND prior.run_started_at < $2
			ORDER BY prior.run_started_at DESC LIMIT 1
		), 0)
		FROM unnest($3::text[]) AS o(object)
		ON CONFLICT (account_id, run_started_at, object) DO NOTHING`,
		s.objectTable(), s.objectTable())
	if _, err := s.db.Exec(ctx, sql, accountID, startedAt, objects); err != nil {
		return pkgerrors.Wrap(err, "failed to create object runs")
	}
	return nil
}

// TryStartObject claims an object run. A pending object is claimed only while
// fewer than maxConcurrent objects are running; an object this caller already
// moved to running re-claims trivially so page loops can continue. Returns
// true iff the object is now running.
func (s *SyncRunStore) TryStartObject(ctx context.Context, accountID string, startedAt time.Time, object string, maxConcurrent int) (bool, error) {
	sql := fmt.Sprintf(`
		UPDATE %s o SET status = 'running', updated_at = now()
		WHERE o.account_id = $1 AND o.run_started_at = $2 AND o.object = $3
		  AND (o.status = 'running' OR (o.status = 'pending' AND (
			SELECT count(*) FROM %s r
			WHERE r.account_id = $1 AND r.run_started_at = $2 AND r.status = 'running'
		  ) < $4))`,
		s.objectTable(), s.objectTable())
	tag, err := s.db.Exec(ctx, sql, accountID, startedAt, object, maxConcurrent)
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to claim object run")
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementObjectProgress adds n to the object's processed count.
func (s *SyncRunStore) IncrementObjectProgress(ctx context.Context, accountID string, startedAt time.Time, object string, n int) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET processed_count = processed_count + $4, updated_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3`, s.objectTable())
	if _, err := s.db.Exec(ctx, sql, accountID, startedAt, object, n); err != nil {
		return pkgerrors.Wrap(err, "failed to increment object progress")
	}
	return nil
}

// UpdateObjectCursor checkpoints the cursor. GREATEST keeps it non-decreasing
// even under a racing writer.
func (s *SyncRunStore) UpdateObjectCursor(ctx context.Context, accountID string, startedAt time.Time, object string, cursor int64) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET cursor = GREATEST(cursor, $4), updated_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3`, s.objectTable())
	if _, err := s.db.Exec(ctx, sql, accountID, startedAt, object, cursor); err != nil {
		return pkgerrors.Wrap(err, "failed to update object cursor")
	}
	return nil
}

// CompleteObject transitions an object run to complete.
func (s *SyncRunStore) CompleteObject(ctx context.Context, accountID string, startedAt time.Time, object string) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET status = 'complete', updated_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3`, s.objectTable())
	if _, err := s.db.Exec(ctx, sql, accountID, startedAt, object); err != nil {
		return pkgerrors.Wrap(err, "failed to complete object run")
	}
	return nil
}

// FailObject transitions an object run to error, preserving the checkpointed
// cursor for resumption.
func (s *SyncRunStore) FailObject(ctx context.Context, accountID string, startedAt time.Time, object, message string) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET status = 'error', error_message = $4, updated_at = now()
		WHERE account_id = $1 AND run_started_at = $2 AND object = $3`, s.objectTable())
	if _, err := s.db.Exec(ctx, sql, accountID, startedAt, object, message); err != nil {
		return pkgerrors.Wrap(err, "failed to fail object run")
	}
	return nil
}

// GetObjectRun loads one object run.
func (s *SyncRunStore) GetObjectRun(ctx context.Context, accountID string, startedAt time.Time, object string) (*ObjectRun, error) {
	sql := fmt.Sprintf(`
		SELECT account_id, run_started_at, object, status, processed_count, cursor, error_message, updated_at
		FROM %s WHERE account_id = $1 AND run_started_at = $2 AND object = $3`, s.objectTable())

	var o ObjectRun
	err := s.db.QueryRow(ctx, sql, accountID, startedAt, object).Scan(
		&o.AccountID, &o.RunStartedAt, &o.Object, &o.Status,
		&o.ProcessedCount, &o.Cursor, &o.ErrorMessage, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load object run")
	}
	return &o, nil
}

// CountRunningObjects returns how many object runs are currently running.
func (s *SyncRunStore) CountRunningObjects(ctx context.Context, accountID string, startedAt time.Time) (int, error) {
	sql := fmt.Sprintf(`
		SELECT count(*) FROM %s
		WHERE account_id = $1 AND run_started_at = $2 AND status = 'running'`, s.objectTable())
	var n int
	if err := s.db.QueryRow(ctx, sql, accountID, startedAt).Scan(&n); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to count running objects")
	}
	return n, nil
}

// GetNextPendingObject returns a pending object to work on, or "" when none
// is available or the concurrency limit is reached.
func (s *SyncRunStore) GetNextPendingObject(ctx context.Context, accountID string, startedAt time.Time, maxConcurrent int) (string, error) {
	sql := fmt.Sprintf(`
		SELECT o.object FROM %s o
		WHERE o.account_id = $1 AND o.run_started_at = $2 AND o.status = 'pending'
		  AND (SELECT count(*) FROM %s r
		       WHERE r.account_id = $1 AND r.run_started_at = $2 AND r.status = 'running') < $3
		ORDER BY o.object LIMIT 1`,
		s.objectTable(), s.objectTable())

	var object string
	err := s.db.QueryRow(ctx, sql, accountID, startedAt, maxConcurrent).Scan(&object)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to pick next pending object")
	}
	return object, nil
}

// AreAllObjectsTerminal reports whether every object run in the run has
// reached complete or error.
func (s *SyncRunStore) AreAllObjectsTerminal(ctx context.Context, accountID string, startedAt time.Time) (bool, error) {
	sql := fmt.Sprintf(`
		SELECT NOT EXISTS (
			SELECT 1 FROM %s
			WHERE account_id = $1 AND run_started_at = $2 AND status IN ('pending', 'running')
		)`, s.objectTable())
	var done bool
	if err := s.db.QueryRow(ctx, sql, accountID, startedAt).Scan(&done); err != nil {
		return false, pkgerrors.Wrap(err, "failed to check object run completion")
	}
	return done, nil
}

// CancelStaleRuns errors out running runs whose most recently touched object
// run (or, with no object runs, the run itself) went quiet for longer than
// staleAfter. Returns the number of runs cancelled.
func (s *SyncRunStore) CancelStaleRuns(ctx context.Context, accountID string, staleAfter time.Duration) (int, error) {
	sql := fmt.Sprintf(`
		WITH stale AS (
			SELECT r.account_id, r.started_at FROM %s r
			WHERE r.account_id = $1 AND r.status = 'running'
			  AND COALESCE((
				SELECT max(o.updated_at) FROM %s o
				WHERE o.account_id = r.account_id AND o.run_started_at = r.started_at
			  ), r.started_at) < now() - make_interval(secs => $2)
		),
		objs AS (
			UPDATE %s o SET status = 'error', error_message = 'stale: no progress', updated_at = now()
			FROM stale s
			WHERE o.account_id = s.account_id AND o.run_started_at = s.started_at
			  AND o.status IN ('pending', 'running')
		)
		UPDATE %s r SET status = 'error', completed_at = now(), error_message = 'stale: no progress within interval'
		FROM stale s
		WHERE r.account_id = s.account_id AND r.started_at = s.started_at`,
		s.runTable(), s.objectTable(), s.objectTable(), s.runTable())

	tag, err := s.db.Exec(ctx, sql, accountID, staleAfter.Seconds())
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to cancel stale runs")
	}
	return int(tag.RowsAffected()), nil
}

func scanRun(row pgx.Row) (*SyncRun, error) {
	var r SyncRun
	err := row.Scan(&r.AccountID, &r.StartedAt, &r.Status, &r.TriggeredBy,
		&r.MaxConcurrent, &r.CompletedAt, &r.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
