package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// AppendContinuationEvent appends an event with a monotonically increasing
// per-promise sequence. The sequence is assigned inside a write transaction so
// concurrent appenders never interleave.
func (s *SQLStore) AppendContinuationEvent(ctx context.Context, event *ContinuationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces the lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM continuation_events WHERE promise_id = ?`, event.PromiseID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO continuation_events (promise_id, event_type, payload, machine_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.PromiseID, event.Type, nullRaw(event.Payload), nullStr(event.MachineID), toMillis(event.Timestamp), seq,
	)
	if err != nil {
		return storeError("insert continuation event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetContinuationEvents returns events for a promise with sequence > since,
// ordered by sequence.
func (s *SQLStore) GetContinuationEvents(ctx context.Context, promiseID string, since int64) ([]*ContinuationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, promise_id, event_type, payload, machine_id, timestamp, sequence
		 FROM continuation_events WHERE promise_id = ? AND sequence > ? ORDER BY sequence ASC`,
		promiseID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ContinuationEvent
	for rows.Next() {
		e := &ContinuationEvent{}
		var payload, machineID sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.PromiseID, &e.Type, &payload, &machineID, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.Payload = rawOrNil(payload)
		e.MachineID = machineID.String
		e.Timestamp = fromMillis(ts)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Sequences are contiguous from 1; a gap means the log was tampered with.
	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in continuation %s: expected %d, got %d",
				promiseID, events[i-1].Sequence+1, events[i].Sequence)
		}
	}
	return events, nil
}
