package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Supported database/sql driver names.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// SQLStore implements Store on an embedded SQLite-compatible database, either
// libSQL or the pure-Go modernc driver.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI, e.g.
// "file:/path/to/state.db".
func NewLibSQLStore(dbPath string) (*SQLStore, error) {
	return NewSQLStore(DriverLibSQL, dbPath)
}

// NewSQLStore opens dsn with the named driver ("libsql" or "sqlite").
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", DriverLibSQL:
		driver = DriverLibSQL
	case DriverSQLite:
		dsn = strings.TrimPrefix(dsn, "file:")
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name in use.
func (s *SQLStore) Driver() string { return s.driver }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *SQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

// SaveExecution inserts or replaces the execution record.
func (s *SQLStore) SaveExecution(ctx context.Context, exec *Execution) error {
	steps, err := marshalList(exec.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}
	var errs any
	if len(exec.Errors) > 0 {
		data, err := json.Marshal(exec.Errors)
		if err != nil {
			return fmt.Errorf("marshal errors: %w", err)
		}
		errs = string(data)
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, script, status, completed_steps, errors, machine_id, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   script=excluded.script, status=excluded.status, completed_steps=excluded.completed_steps,
		   errors=excluded.errors, machine_id=excluded.machine_id, updated_at=excluded.updated_at,
		   completed_at=excluded.completed_at`,
		exec.ID, exec.Script, string(exec.Status), steps, errs, nullStr(exec.MachineID),
		toMillis(exec.CreatedAt), toMillis(exec.UpdatedAt), nullMillis(exec.CompletedAt),
	)
	if err != nil {
		return storeError("save execution", err)
	}
	return nil
}

const executionColumns = `id, script, status, completed_steps, errors, machine_id, created_at, updated_at, completed_at`

// GetExecution returns the execution or a NOT_FOUND error.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns executions matching the filter, most recently updated first.
func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, filter.MachineID)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, toMillis(*filter.UpdatedBefore))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// DeleteExecution removes the execution and its variable snapshot.
func (s *SQLStore) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete execution: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM execution_variables WHERE execution_id = ?`, id); err != nil {
		return storeError("delete variables", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return storeError("delete execution", err)
	}
	if err := checkRowsAffected(res, "execution", id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveVariables replaces the variable snapshot of an execution.
func (s *SQLStore) SaveVariables(ctx context.Context, executionID string, vars map[string]any) error {
	data, err := marshalMapOrDefault(vars)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_variables (execution_id, variables, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET variables=excluded.variables, updated_at=excluded.updated_at`,
		executionID, string(data), toMillis(time.Now()),
	)
	if err != nil {
		return storeError("save variables", err)
	}
	return nil
}

// GetVariables returns the variable snapshot of an execution.
func (s *SQLStore) GetVariables(ctx context.Context, executionID string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT variables FROM execution_variables WHERE execution_id = ?`, executionID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("variables for execution", executionID)
	}
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any)
	if err := json.Unmarshal([]byte(data), &vars); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	return vars, nil
}

// --- Continuations ---

// CreateContinuation inserts a new continuation. A duplicate promise id is a CONFLICT.
func (s *SQLStore) CreateContinuation(ctx context.Context, c *Continuation) error {
	args, err := continuationArgs(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO continuations (machine_id, status, result, error, dependencies, dependents, continuation_data, created_at, updated_at, promise_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "continuation %q already exists", c.PromiseID)
		}
		return storeError("create continuation", err)
	}
	return nil
}

const continuationColumns = `promise_id, machine_id, status, result, error, dependencies, dependents, continuation_data, created_at, updated_at`

// GetContinuation returns the continuation or a NOT_FOUND error.
func (s *SQLStore) GetContinuation(ctx context.Context, promiseID string) (*Continuation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+continuationColumns+` FROM continuations WHERE promise_id = ?`, promiseID)
	c, err := scanContinuation(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("continuation", promiseID)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateContinuation overwrites every mutable column of an existing continuation.
func (s *SQLStore) UpdateContinuation(ctx context.Context, c *Continuation) error {
	c.UpdatedAt = time.Time{}
	args, err := continuationArgs(c)
	if err != nil {
		return err
	}
	// created_at is immutable.
	args = append(args[:7], args[8:]...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE continuations SET machine_id = ?, status = ?, result = ?, error = ?, dependencies = ?,
		   dependents = ?, continuation_data = ?, updated_at = ?
		 WHERE promise_id = ?`, args...)
	if err != nil {
		return storeError("update continuation", err)
	}
	return checkRowsAffected(res, "continuation", c.PromiseID)
}

// ListContinuations returns continuations matching the filter, oldest first.
func (s *SQLStore) ListContinuations(ctx context.Context, filter ContinuationFilter) ([]*Continuation, error) {
	query := `SELECT ` + continuationColumns + ` FROM continuations`
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, filter.MachineID)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, toMillis(*filter.UpdatedBefore))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, promise_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Continuation
	for rows.Next() {
		c, err := scanContinuation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteContinuation removes a continuation and its event log.
func (s *SQLStore) DeleteContinuation(ctx context.Context, promiseID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete continuation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM continuation_events WHERE promise_id = ?`, promiseID); err != nil {
		return storeError("delete continuation events", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM continuations WHERE promise_id = ?`, promiseID)
	if err != nil {
		return storeError("delete continuation", err)
	}
	if err := checkRowsAffected(res, "continuation", promiseID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Leases and locks ---

// AcquireLease claims resourceID for holder until now+ttl. The claim succeeds
// when the resource is free, expired, or already held by holder (which extends
// it). Otherwise a LEASE_CONFLICT error names the current holder.
func (s *SQLStore) AcquireLease(ctx context.Context, resourceID, holder string, ttl time.Duration) (*Lease, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (resource_id, holder, expires_at, acquired_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(resource_id) DO UPDATE SET
		   acquired_at = CASE WHEN leases.holder = excluded.holder THEN leases.acquired_at ELSE excluded.acquired_at END,
		   holder = excluded.holder,
		   expires_at = excluded.expires_at
		 WHERE leases.holder = excluded.holder OR leases.expires_at <= ?`,
		resourceID, holder, toMillis(expires), toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, storeError("acquire lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		current, err := s.GetLease(ctx, resourceID)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeLeaseConflict, "resource %q is leased", resourceID)
		}
		return nil, leaseConflict(current)
	}
	return s.GetLease(ctx, resourceID)
}

// ReleaseLease drops holder's lease on resourceID. Releasing a lease that is
// absent or held by someone else is a no-op.
func (s *SQLStore) ReleaseLease(ctx context.Context, resourceID, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE resource_id = ? AND holder = ?`, resourceID, holder)
	if err != nil {
		return storeError("release lease", err)
	}
	return nil
}

// GetLease returns the lease row for resourceID, expired or not.
func (s *SQLStore) GetLease(ctx context.Context, resourceID string) (*Lease, error) {
	l := &Lease{ResourceID: resourceID}
	var expires, acquired int64
	err := s.db.QueryRowContext(ctx,
		`SELECT holder, expires_at, acquired_at FROM leases WHERE resource_id = ?`, resourceID,
	).Scan(&l.HolderMachineID, &expires, &acquired)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("lease", resourceID)
	}
	if err != nil {
		return nil, err
	}
	l.ExpiresAt = fromMillis(expires)
	l.AcquiredAt = fromMillis(acquired)
	return l, nil
}

// AcquireLock reports whether holder obtained (or re-entered) the named lock.
func (s *SQLStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (lock_key, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(lock_key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE locks.holder = excluded.holder OR locks.expires_at <= ?`,
		key, holder, toMillis(now.Add(ttl)), toMillis(now),
	)
	if err != nil {
		return false, storeError("acquire lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock drops holder's lock. It is a no-op if holder does not own it.
func (s *SQLStore) ReleaseLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE lock_key = ? AND holder = ?`, key, holder)
	if err != nil {
		return storeError("release lock", err)
	}
	return nil
}

// --- Machines ---

// UpsertMachine records a machine heartbeat. StartedAt is kept from the first insert.
func (s *SQLStore) UpsertMachine(ctx context.Context, m *Machine) error {
	now := time.Now().UTC()
	if m.LastHeartbeat.IsZero() {
		m.LastHeartbeat = now
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = now
	}
	if m.Status == "" {
		m.Status = schema.MachineActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (machine_id, last_heartbeat, status, active_continuations, recovered, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(machine_id) DO UPDATE SET
		   last_heartbeat = excluded.last_heartbeat, status = excluded.status,
		   active_continuations = excluded.active_continuations, recovered = excluded.recovered`,
		m.MachineID, toMillis(m.LastHeartbeat), string(m.Status), m.ActiveContinuations, m.Recovered, toMillis(m.StartedAt),
	)
	if err != nil {
		return storeError("upsert machine", err)
	}
	return nil
}

const machineColumns = `machine_id, last_heartbeat, status, active_continuations, recovered, started_at`

// SetMachineStatus updates only the status of machineID, and only while its
// last heartbeat is still heartbeatAt. It reports whether the row changed; a
// heartbeat written in between wins.
func (s *SQLStore) SetMachineStatus(ctx context.Context, machineID string, status schema.MachineState, heartbeatAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET status = ? WHERE machine_id = ? AND last_heartbeat = ?`,
		string(status), machineID, toMillis(heartbeatAt),
	)
	if err != nil {
		return false, storeError("set machine status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeError("set machine status", err)
	}
	return n > 0, nil
}

// GetMachine returns the machine record or a NOT_FOUND error.
func (s *SQLStore) GetMachine(ctx context.Context, machineID string) (*Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE machine_id = ?`, machineID)
	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("machine", machineID)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMachines returns all known machines.
func (s *SQLStore) ListMachines(ctx context.Context) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY machine_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		status, steps    string
		errs, machineID  sql.NullString
		created, updated int64
		completed        sql.NullInt64
	)
	if err := row.Scan(&exec.ID, &exec.Script, &status, &steps, &errs, &machineID, &created, &updated, &completed); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.MachineID = machineID.String
	exec.CreatedAt = fromMillis(created)
	exec.UpdatedAt = fromMillis(updated)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		exec.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(steps), &exec.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
	}
	if raw := rawOrNil(errs); raw != nil {
		if err := json.Unmarshal(raw, &exec.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	return exec, nil
}

// continuationArgs returns the column values in the order used by the insert
// and update statements, promise_id last.
func continuationArgs(c *Continuation) ([]any, error) {
	deps, err := marshalList(c.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("marshal dependencies: %w", err)
	}
	dependents, err := marshalList(c.Dependents)
	if err != nil {
		return nil, fmt.Errorf("marshal dependents: %w", err)
	}
	var data any
	if c.Data != nil {
		raw, err := json.Marshal(c.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal continuation_data: %w", err)
		}
		data = string(raw)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return []any{
		c.MachineID, string(c.Status), nullRaw(c.Result), nullStr(c.Error), deps, dependents, data,
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt), c.PromiseID,
	}, nil
}

func scanContinuation(row rowScanner) (*Continuation, error) {
	c := &Continuation{}
	var (
		status, deps, dependents string
		result, errMsg, data     sql.NullString
		created, updated         int64
	)
	if err := row.Scan(&c.PromiseID, &c.MachineID, &status, &result, &errMsg, &deps, &dependents, &data, &created, &updated); err != nil {
		return nil, err
	}
	c.Status = schema.ContinuationStatus(status)
	c.Result = rawOrNil(result)
	c.Error = errMsg.String
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	if err := json.Unmarshal([]byte(deps), &c.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(dependents), &c.Dependents); err != nil {
		return nil, fmt.Errorf("unmarshal dependents: %w", err)
	}
	if raw := rawOrNil(data); raw != nil {
		c.Data = &ContinuationData{}
		if err := json.Unmarshal(raw, c.Data); err != nil {
			return nil, fmt.Errorf("unmarshal continuation_data: %w", err)
		}
	}
	return c, nil
}

func scanMachine(row rowScanner) (*Machine, error) {
	m := &Machine{}
	var status string
	var heartbeat, started int64
	if err := row.Scan(&m.MachineID, &heartbeat, &status, &m.ActiveContinuations, &m.Recovered, &started); err != nil {
		return nil, err
	}
	m.Status = schema.MachineState(status)
	m.LastHeartbeat = fromMillis(heartbeat)
	m.StartedAt = fromMillis(started)
	return m, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func leaseConflict(l *Lease) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeLeaseConflict,
		"resource %q is leased by %s until %s", l.ResourceID, l.HolderMachineID, l.ExpiresAt.Format(time.RFC3339)).
		WithDetails(map[string]any{"resource_id": l.ResourceID, "holder": l.HolderMachineID})
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalList(items []string) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	return string(data), err
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
