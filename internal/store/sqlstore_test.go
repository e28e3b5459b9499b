package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedContinuation(t *testing.T, s *SQLStore, status schema.ContinuationStatus, machine string) *Continuation {
	t.Helper()
	c := &Continuation{
		PromiseID: uuid.New().String(),
		MachineID: machine,
		Status:    status,
	}
	require.NoError(t, s.CreateContinuation(context.Background(), c))
	return c
}

func TestNewSQLStore_Drivers(t *testing.T) {
	for _, driver := range []string{DriverLibSQL, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			s, err := NewSQLStore(driver, "file:"+filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Migrate(ctx))
			// Migrations are idempotent.
			require.NoError(t, s.Migrate(ctx))
			assert.Equal(t, driver, s.Driver())

			require.NoError(t, s.SaveExecution(ctx, &Execution{ID: "e1", Script: "x", Status: schema.ExecutionStatusRunning}))
			got, err := s.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.Equal(t, "x", got.Script)
		})
	}

	_, err := NewSQLStore("postgres", "x")
	assert.Error(t, err)
}

// --- Execution Tests ---

func TestSaveAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := time.Now().UTC().Truncate(time.Millisecond)
	exec := &Execution{
		ID:             "exec-1",
		Script:         `[TOOL_REQUEST]{"id":"a","tool":"echo"}[END_TOOL_REQUEST]`,
		Status:         schema.ExecutionStatusCompleted,
		CompletedSteps: []string{"a", "b", "a"},
		Errors:         []ExecutionError{{StepID: "b", Code: schema.ErrCodeTimeout, Message: "slow", At: done}},
		MachineID:      "m1",
		CompletedAt:    &done,
	}
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, exec.Script, got.Script)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, []string{"a", "b", "a"}, got.CompletedSteps)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, schema.ErrCodeTimeout, got.Errors[0].Code)
	assert.Equal(t, "m1", got.MachineID)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
}

func TestSaveExecution_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := &Execution{ID: "e", Script: "s", Status: schema.ExecutionStatusRunning}
	require.NoError(t, s.SaveExecution(ctx, exec))
	created := exec.CreatedAt

	exec.Status = schema.ExecutionStatusPaused
	exec.CompletedSteps = []string{"one"}
	exec.UpdatedAt = time.Now().UTC().Add(time.Second)
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPaused, got.Status)
	assert.Equal(t, []string{"one"}, got.CompletedSteps)
	assert.Equal(t, created.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestGetExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListExecutions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	require.NoError(t, s.SaveExecution(ctx, &Execution{ID: "old", Script: "s", Status: schema.ExecutionStatusCompleted, UpdatedAt: old, CreatedAt: old}))
	require.NoError(t, s.SaveExecution(ctx, &Execution{ID: "new", Script: "s", Status: schema.ExecutionStatusCompleted}))
	require.NoError(t, s.SaveExecution(ctx, &Execution{ID: "run", Script: "s", Status: schema.ExecutionStatusRunning}))

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	completed, err := s.ListExecutions(ctx, ExecutionFilter{Status: schema.ExecutionStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	stale, err := s.ListExecutions(ctx, ExecutionFilter{UpdatedBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestVariables_SaveGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveExecution(ctx, &Execution{ID: "e", Script: "s", Status: schema.ExecutionStatusRunning}))
	_, err := s.GetVariables(ctx, "e")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	require.NoError(t, s.SaveVariables(ctx, "e", map[string]any{"a": map[string]any{"b": 5.0}}))
	require.NoError(t, s.SaveVariables(ctx, "e", map[string]any{"a": map[string]any{"b": 6.0}, "c": "x"}))

	vars, err := s.GetVariables(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": map[string]any{"b": 6.0}, "c": "x"}, vars)

	require.NoError(t, s.DeleteExecution(ctx, "e"))
	_, err = s.GetVariables(ctx, "e")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteExecution(ctx, "e"), schema.ErrCodeNotFound))
}

// --- Continuation Tests ---

func TestContinuation_CreateGetUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Continuation{
		PromiseID:    "p1",
		MachineID:    "m1",
		Status:       schema.ContinuationStatusPending,
		Dependencies: []string{"p0"},
		Data: &ContinuationData{
			TaskID:     "task",
			Kind:       "execution",
			LocalState: map[string]any{"cursor": 3.0},
			Position:   2,
		},
	}
	require.NoError(t, s.CreateContinuation(ctx, c))
	assert.True(t, schema.IsCode(s.CreateContinuation(ctx, c), schema.ErrCodeConflict))

	got, err := s.GetContinuation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p0"}, got.Dependencies)
	assert.Empty(t, got.Dependents)
	require.NotNil(t, got.Data)
	assert.Equal(t, 3.0, got.Data.LocalState["cursor"])
	assert.Equal(t, 2, got.Data.Position)

	got.Status = schema.ContinuationStatusFulfilled
	got.Result = json.RawMessage(`{"ok":true}`)
	got.Dependents = []string{"p2"}
	require.NoError(t, s.UpdateContinuation(ctx, got))

	again, err := s.GetContinuation(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, schema.ContinuationStatusFulfilled, again.Status)
	assert.JSONEq(t, `{"ok":true}`, string(again.Result))
	assert.Equal(t, []string{"p2"}, again.Dependents)
	assert.Equal(t, got.CreatedAt.UnixMilli(), again.CreatedAt.UnixMilli())

	missing := &Continuation{PromiseID: "nope", Status: schema.ContinuationStatusRunning}
	assert.True(t, schema.IsCode(s.UpdateContinuation(ctx, missing), schema.ErrCodeNotFound))
}

func TestListContinuations_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedContinuation(t, s, schema.ContinuationStatusRunning, "m1")
	seedContinuation(t, s, schema.ContinuationStatusSuspended, "m2")
	seedContinuation(t, s, schema.ContinuationStatusFulfilled, "m1")

	active, err := s.ListContinuations(ctx, ContinuationFilter{
		Statuses: []schema.ContinuationStatus{schema.ContinuationStatusRunning, schema.ContinuationStatusSuspended},
	})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	m1, err := s.ListContinuations(ctx, ContinuationFilter{MachineID: "m1"})
	require.NoError(t, err)
	assert.Len(t, m1, 2)
}

func TestDeleteContinuation_RemovesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedContinuation(t, s, schema.ContinuationStatusRunning, "m1")
	require.NoError(t, s.AppendContinuationEvent(ctx, &ContinuationEvent{PromiseID: c.PromiseID, Type: schema.EventContinuationCreated}))

	require.NoError(t, s.DeleteContinuation(ctx, c.PromiseID))
	events, err := s.GetContinuationEvents(ctx, c.PromiseID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// --- Lease and lock Tests ---

func TestAcquireLease_ExclusiveUntilExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l, err := s.AcquireLease(ctx, "p1", "m1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "m1", l.HolderMachineID)
	assert.True(t, l.ExpiresAt.After(time.Now()))

	_, err = s.AcquireLease(ctx, "p1", "m2", time.Minute)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeLeaseConflict))
	assert.Contains(t, err.Error(), "m1")

	// Same holder extends.
	l2, err := s.AcquireLease(ctx, "p1", "m1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, l2.ExpiresAt.After(l.ExpiresAt))
	assert.Equal(t, l.AcquiredAt.UnixMilli(), l2.AcquiredAt.UnixMilli())

	// Release by a non-holder is a no-op.
	require.NoError(t, s.ReleaseLease(ctx, "p1", "m2"))
	_, err = s.AcquireLease(ctx, "p1", "m2", time.Minute)
	assert.Error(t, err)

	require.NoError(t, s.ReleaseLease(ctx, "p1", "m1"))
	require.NoError(t, s.ReleaseLease(ctx, "p1", "m1"))
	l3, err := s.AcquireLease(ctx, "p1", "m2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "m2", l3.HolderMachineID)
}

func TestAcquireLease_ExpiredIsReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AcquireLease(ctx, "p1", "m1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	l, err := s.AcquireLease(ctx, "p1", "m2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "m2", l.HolderMachineID)
}

func TestAcquireLease_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			if _, err := s.AcquireLease(ctx, "contended", holder, time.Minute); err == nil {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
			}
		}(uuid.New().String())
	}
	wg.Wait()
	assert.Len(t, winners, 1)
}

func TestAcquireLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "recovery-p1", "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "recovery-p1", "m2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AcquireLock(ctx, "recovery-p1", "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock is re-entrant for its holder")

	require.NoError(t, s.ReleaseLock(ctx, "recovery-p1", "m1"))
	ok, err = s.AcquireLock(ctx, "recovery-p1", "m2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- Machine Tests ---

func TestUpsertMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.UpsertMachine(ctx, &Machine{MachineID: "m1", StartedAt: started}))
	require.NoError(t, s.UpsertMachine(ctx, &Machine{
		MachineID:           "m1",
		Status:              schema.MachineInactive,
		ActiveContinuations: 4,
		Recovered:           1,
	}))

	m, err := s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, schema.MachineInactive, m.Status)
	assert.Equal(t, int64(4), m.ActiveContinuations)
	assert.Equal(t, int64(1), m.Recovered)
	assert.Equal(t, started.UnixMilli(), m.StartedAt.UnixMilli())

	_, err = s.GetMachine(ctx, "m2")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	require.NoError(t, s.UpsertMachine(ctx, &Machine{MachineID: "m2"}))
	all, err := s.ListMachines(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, schema.MachineActive, all[1].Status)
}

func TestSetMachineStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	beat := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.UpsertMachine(ctx, &Machine{MachineID: "m1", LastHeartbeat: beat, ActiveContinuations: 2}))

	ok, err := s.SetMachineStatus(ctx, "m1", schema.MachineDead, beat)
	require.NoError(t, err)
	assert.True(t, ok)
	m, err := s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, schema.MachineDead, m.Status)
	assert.Equal(t, beat.UnixMilli(), m.LastHeartbeat.UnixMilli())
	assert.Equal(t, int64(2), m.ActiveContinuations)

	// A newer heartbeat is not overwritten.
	fresh := time.Now().UTC()
	require.NoError(t, s.UpsertMachine(ctx, &Machine{MachineID: "m1", LastHeartbeat: fresh, Status: schema.MachineActive}))
	ok, err = s.SetMachineStatus(ctx, "m1", schema.MachineDead, beat)
	require.NoError(t, err)
	assert.False(t, ok)
	m, err = s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, schema.MachineActive, m.Status)
	assert.Equal(t, fresh.UnixMilli(), m.LastHeartbeat.UnixMilli())
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
