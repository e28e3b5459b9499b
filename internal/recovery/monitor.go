// Package recovery keeps a machine's liveness record fresh and migrates
// continuations whose owner has stopped heartbeating.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/revskill10/openagent-cli-sub002/internal/lease"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/metrics"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultScanInterval      = 15 * time.Second
	DefaultDeadThreshold     = 30 * time.Second
	DefaultLockTTL           = 10 * time.Second
	DefaultCleanupSchedule   = "@every 1h"
	DefaultRetention         = 24 * time.Hour
)

// Store is the persistence surface the monitor reads and writes.
type Store interface {
	UpsertMachine(ctx context.Context, m *store.Machine) error
	SetMachineStatus(ctx context.Context, machineID string, status schema.MachineState, heartbeatAt time.Time) (bool, error)
	GetMachine(ctx context.Context, machineID string) (*store.Machine, error)
	ListMachines(ctx context.Context) ([]*store.Machine, error)
	GetContinuation(ctx context.Context, promiseID string) (*store.Continuation, error)
	ListContinuations(ctx context.Context, filter store.ContinuationFilter) ([]*store.Continuation, error)
	AppendContinuationEvent(ctx context.Context, event *store.ContinuationEvent) error
}

// Reassigner moves a continuation to a new owner. Satisfied by
// *continuation.Manager.
type Reassigner interface {
	Reassign(ctx context.Context, id, machine, reason string) (*store.Continuation, error)
}

// Cleaner deletes settled records older than a retention window.
type Cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config tunes a Monitor. Zero values take the defaults above.
type Config struct {
	MachineID         string
	HeartbeatInterval time.Duration
	ScanInterval      time.Duration
	DeadThreshold     time.Duration
	LockTTL           time.Duration
	CleanupSchedule   string
	Retention         time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.DeadThreshold <= 0 {
		c.DeadThreshold = DefaultDeadThreshold
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = DefaultCleanupSchedule
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Deps are the monitor's collaborators. Store, Locks and Continuations are
// required.
type Deps struct {
	Store         Store
	Locks         lease.Coordinator
	Continuations Reassigner
	Cleaners      []Cleaner
	// OnRecovered runs after a continuation has been migrated to this machine.
	OnRecovered func(ctx context.Context, c *store.Continuation)
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// Monitor heartbeats one machine and recovers orphans on a schedule.
type Monitor struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	schedule  cron.Schedule
	recovered atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	cron   *cron.Cron
}

// New validates cfg and returns a stopped Monitor.
func New(cfg Config, deps Deps) (*Monitor, error) {
	cfg = cfg.withDefaults()
	if cfg.MachineID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "recovery monitor needs a machine id")
	}
	if deps.Store == nil || deps.Locks == nil || deps.Continuations == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "recovery monitor needs a store, locks and a continuation manager")
	}
	sched, err := cron.ParseStandard(cfg.CleanupSchedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse cleanup schedule %q: %s", cfg.CleanupSchedule, err.Error()).WithCause(err)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Monitor{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		schedule: sched,
	}, nil
}

// Recovered returns how many continuations this monitor has migrated.
func (m *Monitor) Recovered() int64 { return m.recovered.Load() }

// Start writes a first heartbeat and launches the heartbeat, scan and
// cleanup loops.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("recovery monitor already started")
	}
	loopCtx, cancel := context.WithCancel(logging.WithMachineID(ctx, m.cfg.MachineID))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.cron = cron.New()
	m.cron.Schedule(m.schedule, cron.FuncJob(func() { m.Cleanup(loopCtx) }))
	m.mu.Unlock()

	if err := m.Heartbeat(loopCtx); err != nil {
		m.log(loopCtx).Warn("initial heartbeat failed", slog.String("error", err.Error()))
	}
	m.cron.Start()
	go m.loop(loopCtx)

	m.log(loopCtx).Info("recovery monitor started",
		slog.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
		slog.Duration("scan_interval", m.cfg.ScanInterval),
		slog.Duration("dead_threshold", m.cfg.DeadThreshold),
	)
	return nil
}

// Stop ends the loops and marks this machine inactive.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.done == nil {
		m.mu.Unlock()
		return nil
	}
	cancel, done, c := m.cancel, m.done, m.cron
	m.cancel, m.done, m.cron = nil, nil, nil
	m.mu.Unlock()

	cancel()
	<-done
	<-c.Stop().Done()

	return m.writeMachine(ctx, schema.MachineInactive)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	scan := time.NewTicker(m.cfg.ScanInterval)
	defer scan.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := m.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				m.log(ctx).Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		case <-scan.C:
			if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
				m.log(ctx).Warn("orphan scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Heartbeat renews this machine's liveness record.
func (m *Monitor) Heartbeat(ctx context.Context) error {
	if err := m.writeMachine(ctx, schema.MachineActive); err != nil {
		return err
	}
	m.deps.Metrics.RecordHeartbeat()
	return nil
}

func (m *Monitor) writeMachine(ctx context.Context, status schema.MachineState) error {
	owned, err := m.deps.Store.ListContinuations(ctx, store.ContinuationFilter{
		Statuses:  []schema.ContinuationStatus{schema.ContinuationStatusRunning, schema.ContinuationStatusSuspended},
		MachineID: m.cfg.MachineID,
	})
	if err != nil {
		return err
	}
	return m.deps.Store.UpsertMachine(ctx, &store.Machine{
		MachineID:           m.cfg.MachineID,
		LastHeartbeat:       time.Now().UTC(),
		Status:              status,
		ActiveContinuations: int64(len(owned)),
		Recovered:           m.recovered.Load(),
	})
}

// Classify reports a machine's liveness as of now: dead past the dead
// threshold, inactive past two heartbeat intervals or when it said so.
func (m *Monitor) Classify(machine *store.Machine, now time.Time) schema.MachineState {
	age := now.Sub(machine.LastHeartbeat)
	switch {
	case age > m.cfg.DeadThreshold:
		return schema.MachineDead
	case age > 2*m.cfg.HeartbeatInterval, machine.Status == schema.MachineInactive:
		return schema.MachineInactive
	default:
		return schema.MachineActive
	}
}

// FindOrphanedPromises returns running and suspended continuations owned by
// machines classified dead. Owners that never wrote a heartbeat are not
// considered dead.
func (m *Monitor) FindOrphanedPromises(ctx context.Context) ([]*store.Continuation, error) {
	dead, err := m.deadMachines(ctx)
	if err != nil {
		return nil, err
	}
	if len(dead) == 0 {
		return nil, nil
	}
	live, err := m.deps.Store.ListContinuations(ctx, store.ContinuationFilter{
		Statuses: []schema.ContinuationStatus{schema.ContinuationStatusRunning, schema.ContinuationStatusSuspended},
	})
	if err != nil {
		return nil, err
	}
	var orphans []*store.Continuation
	for _, c := range live {
		if dead[c.MachineID] {
			orphans = append(orphans, c)
		}
	}
	return orphans, nil
}

func (m *Monitor) deadMachines(ctx context.Context) (map[string]bool, error) {
	machines, err := m.deps.Store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	dead := make(map[string]bool)
	for _, machine := range machines {
		if machine.MachineID == m.cfg.MachineID {
			continue
		}
		state := m.Classify(machine, now)
		if state != machine.Status && machine.Status != schema.MachineDead {
			// Best effort; the record only informs listings.
			_, _ = m.deps.Store.SetMachineStatus(ctx, machine.MachineID, state, machine.LastHeartbeat)
		}
		if state == schema.MachineDead {
			dead[machine.MachineID] = true
		}
	}
	return dead, nil
}

// Scan recovers every orphan it can and returns how many it migrated.
// Failures are logged and counted; they never stop the scan.
func (m *Monitor) Scan(ctx context.Context) (int, error) {
	orphans, err := m.FindOrphanedPromises(ctx)
	if err != nil {
		return 0, err
	}
	m.deps.Metrics.SetOrphans(len(orphans))

	recovered := 0
	for _, c := range orphans {
		ok, err := m.recover(ctx, c)
		switch {
		case err != nil:
			m.deps.Metrics.RecordRecovery("failed")
			m.log(ctx).Error("orphan recovery failed",
				slog.String("promise_id", c.PromiseID),
				slog.String("error", schema.NewError(schema.ErrCodeOrphanRecovery, err.Error()).Error()),
			)
		case ok:
			recovered++
			m.deps.Metrics.RecordRecovery("recovered")
		default:
			m.deps.Metrics.RecordRecovery("skipped")
		}
	}
	return recovered, nil
}

// recover migrates one orphan under the recovery-<id> lock. It reports false
// when another machine holds the lock or the orphan was already taken care of.
func (m *Monitor) recover(ctx context.Context, orphan *store.Continuation) (bool, error) {
	key := "recovery-" + orphan.PromiseID
	ok, err := m.deps.Locks.AcquireLock(ctx, key, m.cfg.MachineID, m.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := m.deps.Locks.ReleaseLock(context.WithoutCancel(ctx), key, m.cfg.MachineID); err != nil {
			m.log(ctx).Warn("release recovery lock failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}()

	current, err := m.deps.Store.GetContinuation(ctx, orphan.PromiseID)
	if err != nil {
		return false, err
	}
	if current.MachineID != orphan.MachineID || current.Status.IsTerminal() {
		return false, nil
	}

	previous := current.MachineID
	migrated, err := m.deps.Continuations.Reassign(ctx, current.PromiseID, m.cfg.MachineID,
		fmt.Sprintf("owner %s heartbeat older than %s", previous, m.cfg.DeadThreshold))
	if err != nil {
		return false, err
	}

	payload, _ := json.Marshal(map[string]any{
		"previous_machine": previous,
		"recovered_by":     m.cfg.MachineID,
		"status":           migrated.Status,
	})
	if err := m.deps.Store.AppendContinuationEvent(ctx, &store.ContinuationEvent{
		PromiseID: current.PromiseID,
		Type:      schema.EventContinuationCheckpoint,
		Payload:   payload,
		MachineID: m.cfg.MachineID,
	}); err != nil {
		m.log(ctx).Warn("append recovery checkpoint failed", slog.String("error", err.Error()))
	}

	m.recovered.Add(1)
	m.log(ctx).Info("continuation recovered",
		slog.String("promise_id", current.PromiseID),
		slog.String("previous_machine", previous),
	)
	if m.deps.OnRecovered != nil {
		m.deps.OnRecovered(ctx, migrated)
	}
	return true, nil
}

// Cleanup runs every registered Cleaner with the retention window.
func (m *Monitor) Cleanup(ctx context.Context) int {
	total := 0
	for _, c := range m.deps.Cleaners {
		n, err := c.Cleanup(ctx, m.cfg.Retention)
		if err != nil {
			m.log(ctx).Warn("cleanup failed", slog.String("error", err.Error()))
		}
		total += n
	}
	if total > 0 {
		m.log(ctx).Info("cleanup finished", slog.Int("removed", total))
	}
	return total
}

func (m *Monitor) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(logging.WithMachineID(ctx, m.cfg.MachineID), m.logger)
}
