package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/petrijr/extask/pkg/api"
)

// Dialect selects the SQL flavour of a SQLEngine.
type Dialect int

const (
	// DialectSQLite expects a database opened with modernc.org/sqlite.
	DialectSQLite Dialect = iota
	// DialectPostgres expects a database opened with the pgx stdlib driver.
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "dialect(" + strconv.Itoa(int(d)) + ")"
	}
}

// rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
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

// claimAttempts bounds how often a fetch re-selects after losing races
// against concurrent fetchers.
const claimAttempts = 3

// SQLEngine persists tasks in a SQL database.
//
// The schema is created automatically:
//
//	CREATE TABLE IF NOT EXISTS external_tasks (
//	    id              TEXT PRIMARY KEY,
//	    topic           TEXT NOT NULL,
//	    state           TEXT NOT NULL,
//	    ...
//	    worker_id       TEXT NOT NULL DEFAULT '',
//	    lock_expires_at BIGINT NOT NULL DEFAULT 0,
//	    not_before      BIGINT NOT NULL DEFAULT 0,
//	    created_at      BIGINT NOT NULL
//	);
//
// Locks are claimed with a conditional UPDATE, so several engines (or
// processes) may share one database without handing a task out twice.
type SQLEngine struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
	seq     sequencer
}

var _ Engine = (*SQLEngine)(nil)

// NewSQLEngine initializes the schema in db and returns an engine using it.
func NewSQLEngine(db *sql.DB, dialect Dialect, opts ...Option) (*SQLEngine, error) {
	if db == nil {
		return nil, errors.New("engine: nil database")
	}
	if dialect == DialectSQLite {
		// One writer at a time; also keeps ":memory:" databases shared.
		db.SetMaxOpenConns(1)
	}
	e := &SQLEngine{db: db, dialect: dialect, opts: applyOptions(opts)}
	if err := e.initSchema(); err != nil {
		return nil, fmt.Errorf("engine: init %s schema: %w", dialect, err)
	}
	return e, nil
}

func (e *SQLEngine) initSchema() error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS external_tasks (
			id                     TEXT PRIMARY KEY,
			topic                  TEXT NOT NULL,
			state                  TEXT NOT NULL,
			variables              TEXT NOT NULL DEFAULT '{}',
			local_variables        TEXT NOT NULL DEFAULT '{}',
			retries                INTEGER,
			error_message          TEXT NOT NULL DEFAULT '',
			error_details          TEXT NOT NULL DEFAULT '',
			error_code             TEXT NOT NULL DEFAULT '',
			priority               BIGINT NOT NULL DEFAULT 0,
			business_key           TEXT NOT NULL DEFAULT '',
			process_instance_id    TEXT NOT NULL DEFAULT '',
			process_definition_key TEXT NOT NULL DEFAULT '',
			activity_id            TEXT NOT NULL DEFAULT '',
			worker_id              TEXT NOT NULL DEFAULT '',
			lock_expires_at        BIGINT NOT NULL DEFAULT 0,
			not_before             BIGINT NOT NULL DEFAULT 0,
			created_at             BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS external_tasks_fetch_idx ON external_tasks (topic, state, not_before)`,
	}
	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const recordColumns = `id, topic, state, variables, local_variables, retries,
	error_message, error_details, error_code, priority, business_key,
	process_instance_id, process_definition_key, activity_id,
	worker_id, lock_expires_at, not_before, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TaskRecord, error) {
	var (
		rec             TaskRecord
		state           string
		vars, localVars string
		retries         sql.NullInt64
		lockExpires     int64
		notBefore       int64
		created         int64
	)
	if err := row.Scan(
		&rec.ID, &rec.Topic, &state, &vars, &localVars, &retries,
		&rec.ErrorMessage, &rec.ErrorDetails, &rec.ErrorCode, &rec.Priority, &rec.BusinessKey,
		&rec.ProcessInstanceID, &rec.ProcessDefinitionKey, &rec.ActivityID,
		&rec.WorkerID, &lockExpires, &notBefore, &created,
	); err != nil {
		return nil, err
	}

	var err error
	if rec.Variables, err = decodeVariables(vars); err != nil {
		return nil, fmt.Errorf("engine: task %s: decode variables: %w", rec.ID, err)
	}
	if rec.LocalVariables, err = decodeVariables(localVars); err != nil {
		return nil, fmt.Errorf("engine: task %s: decode local variables: %w", rec.ID, err)
	}
	rec.State = State(state)
	if retries.Valid {
		n := int(retries.Int64)
		rec.Retries = &n
	}
	rec.LockExpiresAt = fromNanos(lockExpires)
	rec.NotBefore = fromNanos(notBefore)
	rec.CreatedAt = fromNanos(created)
	return &rec, nil
}

func nullableRetries(r *int) sql.NullInt64 {
	if r == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*r), Valid: true}
}

// Publish stores a new open task and returns its id.
func (e *SQLEngine) Publish(ctx context.Context, req PublishRequest) (string, error) {
	if err := validatePublish(req); err != nil {
		return "", err
	}
	rec := newRecord(uuid.NewString(), req, e.seq.next(e.opts.Now()))

	vars, err := encodeVariables(rec.Variables)
	if err != nil {
		return "", fmt.Errorf("engine: encode variables: %w", err)
	}

	_, err = e.db.ExecContext(ctx, e.dialect.rebind(`
		INSERT INTO external_tasks (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Topic, string(rec.State), vars, "{}", nullableRetries(rec.Retries),
		"", "", "", rec.Priority, rec.BusinessKey,
		rec.ProcessInstanceID, rec.ProcessDefinitionKey, rec.ActivityID,
		"", int64(0), toNanos(rec.NotBefore), toNanos(rec.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("engine: publish: %w", err)
	}

	e.opts.Logger.Debug("task published", zap.String("task_id", rec.ID), zap.String("topic", rec.Topic))
	return rec.ID, nil
}

// Get returns the task with the given id.
func (e *SQLEngine) Get(ctx context.Context, id string) (*TaskRecord, error) {
	rec, err := scanRecord(e.db.QueryRowContext(ctx, e.dialect.rebind(
		`SELECT `+recordColumns+` FROM external_tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("engine: task %s: %w", id, api.ErrTaskNotFound)
	}
	return rec, err
}

// List returns the matching tasks in creation order.
func (e *SQLEngine) List(ctx context.Context, filter Filter) ([]*TaskRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Topic != "" {
		conds = append(conds, "topic = ?")
		args = append(args, filter.Topic)
	}
	if filter.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.BusinessKey != "" {
		conds = append(conds, "business_key = ?")
		args = append(args, filter.BusinessKey)
	}

	query := `SELECT ` + recordColumns + ` FROM external_tasks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := e.db.QueryContext(ctx, e.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FetchAndLock implements api.EngineClient.
func (e *SQLEngine) FetchAndLock(ctx context.Context, req api.FetchAndLockRequest) ([]*api.ExternalTask, error) {
	if err := validateFetch(req); err != nil {
		return nil, err
	}
	return longPoll(ctx, req.AsyncResponseTimeout, e.opts.PollInterval, nil, func() ([]*api.ExternalTask, error) {
		return e.claim(ctx, req)
	})
}

// claim locks up to MaxTasks tasks. Once a task is locked it is always
// returned: an error after the first win is logged and the batch is cut
// short, so no lock is left without a worker holding the task.
func (e *SQLEngine) claim(ctx context.Context, req api.FetchAndLockRequest) ([]*api.ExternalTask, error) {
	tasks, err := e.claimBatch(ctx, req)
	if err != nil && len(tasks) > 0 {
		e.opts.Logger.Warn("claim interrupted, returning tasks locked so far",
			zap.String("worker_id", req.WorkerID),
			zap.Int("count", len(tasks)),
			zap.Error(err),
		)
		err = nil
	}
	if len(tasks) > 0 {
		e.opts.Logger.Debug("tasks locked", zap.String("worker_id", req.WorkerID), zap.Int("count", len(tasks)))
	}
	return tasks, err
}

func (e *SQLEngine) claimBatch(ctx context.Context, req api.FetchAndLockRequest) ([]*api.ExternalTask, error) {
	var (
		tasks     []*api.ExternalTask
		remaining = req.MaxTasks
	)

	for attempt := 0; attempt < claimAttempts && remaining > 0; attempt++ {
		now := e.opts.Now()
		ids, err := e.candidates(ctx, req, now, remaining)
		if err != nil {
			return tasks, err
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			rec, err := e.Get(ctx, id)
			if err != nil {
				return tasks, err
			}
			topic, ok := topicFor(req, rec)
			if !ok {
				continue
			}
			won, err := e.tryLock(ctx, id, req.WorkerID, topic.LockDuration, now)
			if err != nil {
				return tasks, err
			}
			if !won {
				continue
			}
			lock(rec, req.WorkerID, topic.LockDuration, now)
			tasks = append(tasks, toExternalTask(rec, topic))
			remaining--
		}
	}
	return tasks, nil
}

// candidates selects the ids of up to limit fetchable tasks in fetch order.
func (e *SQLEngine) candidates(ctx context.Context, req api.FetchAndLockRequest, now time.Time, limit int) ([]string, error) {
	nowN := now.UnixNano()
	args := []any{string(StateOpen), nowN, nowN}

	var topicConds []string
	for _, t := range req.Topics {
		if t.BusinessKey != "" {
			topicConds = append(topicConds, "(topic = ? AND business_key = ?)")
			args = append(args, t.Name, t.BusinessKey)
			continue
		}
		topicConds = append(topicConds, "topic = ?")
		args = append(args, t.Name)
	}

	order := "created_at, id"
	if req.UsePriority {
		order = "priority DESC, " + order
	}
	args = append(args, limit)

	rows, err := e.db.QueryContext(ctx, e.dialect.rebind(`
		SELECT id FROM external_tasks
		WHERE state = ?
		AND (worker_id = '' OR lock_expires_at <= ?)
		AND not_before <= ?
		AND (`+strings.Join(topicConds, " OR ")+`)
		ORDER BY `+order+`
		LIMIT ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// tryLock claims a task only if it is still open and unlocked.
func (e *SQLEngine) tryLock(ctx context.Context, id, workerID string, d time.Duration, now time.Time) (bool, error) {
	nowN := now.UnixNano()
	res, err := e.db.ExecContext(ctx, e.dialect.rebind(`
		UPDATE external_tasks
		SET worker_id = ?, lock_expires_at = ?
		WHERE id = ?
		AND state = ?
		AND (worker_id = '' OR lock_expires_at <= ?)
		AND not_before <= ?`),
		workerID, now.Add(d).UnixNano(), id, string(StateOpen), nowN, nowN,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// update loads the task, checks that workerID holds its lock, applies fn
// and writes the result back. The write is conditional on the lock being
// unchanged since the read.
func (e *SQLEngine) update(ctx context.Context, id, workerID string, fn func(rec *TaskRecord, now time.Time) error) error {
	now := e.opts.Now()

	rec, err := e.Get(ctx, id)
	if err != nil && !errors.Is(err, api.ErrTaskNotFound) {
		return err
	}
	if err := checkLock(rec, id, workerID, now); err != nil {
		return err
	}
	prevExpiry := toNanos(rec.LockExpiresAt)

	if err := fn(rec, now); err != nil {
		return err
	}

	vars, err := encodeVariables(rec.Variables)
	if err != nil {
		return fmt.Errorf("engine: encode variables: %w", err)
	}
	localVars, err := encodeVariables(rec.LocalVariables)
	if err != nil {
		return fmt.Errorf("engine: encode local variables: %w", err)
	}

	res, err := e.db.ExecContext(ctx, e.dialect.rebind(`
		UPDATE external_tasks
		SET state = ?, variables = ?, local_variables = ?, retries = ?,
			error_message = ?, error_details = ?, error_code = ?,
			worker_id = ?, lock_expires_at = ?, not_before = ?
		WHERE id = ? AND worker_id = ? AND lock_expires_at = ?`),
		string(rec.State), vars, localVars, nullableRetries(rec.Retries),
		rec.ErrorMessage, rec.ErrorDetails, rec.ErrorCode,
		rec.WorkerID, toNanos(rec.LockExpiresAt), toNanos(rec.NotBefore),
		id, workerID, prevExpiry,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("engine: task %s, worker %s: %w", id, workerID, api.ErrNotFoundOrLockExpired)
	}
	return nil
}

// Complete implements api.EngineClient.
func (e *SQLEngine) Complete(ctx context.Context, taskID, workerID string, vars, localVars map[string]any) error {
	return e.update(ctx, taskID, workerID, func(rec *TaskRecord, _ time.Time) error {
		applyComplete(rec, vars, localVars)
		return nil
	})
}

// HandleFailure implements api.EngineClient. A report with zero retries
// raises an incident.
func (e *SQLEngine) HandleFailure(ctx context.Context, taskID, workerID string, report api.FailureReport) error {
	err := e.update(ctx, taskID, workerID, func(rec *TaskRecord, now time.Time) error {
		return applyFailure(rec, report, now)
	})
	if err == nil && report.Retries == 0 {
		e.opts.Logger.Info("incident raised", zap.String("task_id", taskID), zap.String("error", report.ErrorMessage))
	}
	return err
}

// HandleBpmnError implements api.EngineClient.
func (e *SQLEngine) HandleBpmnError(ctx context.Context, taskID, workerID, errorCode, errorMessage string, vars map[string]any) error {
	return e.update(ctx, taskID, workerID, func(rec *TaskRecord, _ time.Time) error {
		return applyBpmnError(rec, errorCode, errorMessage, vars)
	})
}

// ExtendLock implements api.LockManager.
func (e *SQLEngine) ExtendLock(ctx context.Context, taskID, workerID string, newDuration time.Duration) error {
	return e.update(ctx, taskID, workerID, func(rec *TaskRecord, now time.Time) error {
		return applyExtendLock(rec, newDuration, now)
	})
}

// Unlock implements api.LockManager. It releases the lock whoever holds it.
func (e *SQLEngine) Unlock(ctx context.Context, taskID string) error {
	res, err := e.db.ExecContext(ctx, e.dialect.rebind(`
		UPDATE external_tasks
		SET worker_id = '', lock_expires_at = 0
		WHERE id = ? AND state = ?`),
		taskID, string(StateOpen),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("engine: task %s: %w", taskID, api.ErrNotFoundOrLockExpired)
	}
	return nil
}
