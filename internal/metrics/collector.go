// Package metrics exposes Prometheus collectors for script execution,
// checkpointing, leases and orphan recovery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the process's collectors. A nil *Collector is valid and
// records nothing, so components can take one unconditionally.
type Collector struct {
	stepsTotal       *prometheus.CounterVec
	stepAttempts     *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	executionsTotal  *prometheus.CounterVec
	checkpointWrites *prometheus.CounterVec
	leaseAcquire     *prometheus.CounterVec
	recoveries       *prometheus.CounterVec
	heartbeats       prometheus.Counter
	orphansSeen      prometheus.Gauge
	poolActive       prometheus.Gauge
}

// NewCollector registers all collectors on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		stepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Tool steps by terminal status",
			},
			[]string{"tool", "status"},
		),
		stepAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Tool dispatch attempts, including retries",
			},
			[]string{"tool"},
		),
		stepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Wall time from first attempt to terminal event",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		executionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executions by final status",
			},
			[]string{"status"},
		),
		checkpointWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_writes_total",
				Help:      "Checkpoint writes by result",
			},
			[]string{"result"},
		),
		leaseAcquire: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_acquisitions_total",
				Help:      "Lease acquisition attempts by result",
			},
			[]string{"result"},
		),
		recoveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Orphan recovery attempts by result",
			},
			[]string{"result"},
		),
		heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Machine heartbeats written",
		}),
		orphansSeen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orphans_last_scan",
			Help:      "Orphaned continuations found by the last scan",
		}),
		poolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Tool calls currently running in the worker pool",
		}),
	}
}

// RecordAttempt counts one dispatch of tool.
func (c *Collector) RecordAttempt(tool string) {
	if c == nil {
		return
	}
	c.stepAttempts.WithLabelValues(tool).Inc()
}

// RecordStep records a step's terminal status and total duration.
func (c *Collector) RecordStep(tool, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(tool, status).Inc()
	c.stepDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordExecution counts an execution reaching status.
func (c *Collector) RecordExecution(status string) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(status).Inc()
}

// RecordCheckpoint counts a checkpoint write ("ok", "retried", "failed").
func (c *Collector) RecordCheckpoint(result string) {
	if c == nil {
		return
	}
	c.checkpointWrites.WithLabelValues(result).Inc()
}

// RecordLease counts a lease acquisition ("acquired", "conflict", "error").
func (c *Collector) RecordLease(result string) {
	if c == nil {
		return
	}
	c.leaseAcquire.WithLabelValues(result).Inc()
}

// RecordRecovery counts an orphan recovery attempt ("recovered", "skipped", "failed").
func (c *Collector) RecordRecovery(result string) {
	if c == nil {
		return
	}
	c.recoveries.WithLabelValues(result).Inc()
}

// RecordHeartbeat counts a heartbeat write.
func (c *Collector) RecordHeartbeat() {
	if c == nil {
		return
	}
	c.heartbeats.Inc()
}

// SetOrphans records how many orphans the last scan saw.
func (c *Collector) SetOrphans(n int) {
	if c == nil {
		return
	}
	c.orphansSeen.Set(float64(n))
}

// PoolActive adjusts the in-flight tool call gauge by delta.
func (c *Collector) PoolActive(delta int) {
	if c == nil {
		return
	}
	c.poolActive.Add(float64(delta))
}
