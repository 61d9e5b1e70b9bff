package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster inventory
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ganeti_nodes_total",
			Help: "Total number of nodes by role",
		},
		[]string{"role"},
	)

	InstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ganeti_instances_total",
			Help: "Total number of instances",
		},
	)

	GroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ganeti_nodegroups_total",
			Help: "Total number of node groups",
		},
	)

	ConfigSerial = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ganeti_config_serial",
			Help: "Current config.data serial number",
		},
	)

	ConfigWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ganeti_config_write_duration_seconds",
			Help:    "Time taken to persist config.data (serialize, fsync, rename)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job queue
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ganeti_jobs_total",
			Help: "Total number of finished jobs by final status",
		},
		[]string{"status"},
	)

	JobQueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ganeti_job_queue_pending",
			Help: "Number of jobs currently queued or running",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ganeti_job_duration_seconds",
			Help:    "End-to-end job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
		},
	)

	// Lock manager
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ganeti_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire locks, by level",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"level"},
	)

	LockTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ganeti_lock_timeouts_total",
			Help: "Lock acquisitions that hit their deadline, by level",
		},
		[]string{"level"},
	)

	// RPC runner
	RPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ganeti_rpc_calls_total",
			Help: "Node daemon RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	RPCCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ganeti_rpc_call_duration_seconds",
			Help:    "Node daemon RPC call duration by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Hooks
	HookRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ganeti_hook_runs_total",
			Help: "Hook phase executions by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	// Confd
	ConfdRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ganeti_confd_requests_total",
			Help: "Confd requests served, by request type and status",
		},
		[]string{"type", "status"},
	)

	// Master election
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ganeti_raft_is_leader",
			Help: "Whether this node holds the master role (1 = master)",
		},
	)

	RaftCandidates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ganeti_raft_candidates_total",
			Help: "Number of master candidates in the election group",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(ConfigSerial)
	prometheus.MustRegister(ConfigWriteDuration)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobQueuePending)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockTimeoutsTotal)
	prometheus.MustRegister(RPCCallsTotal)
	prometheus.MustRegister(RPCCallDuration)
	prometheus.MustRegister(HookRunsTotal)
	prometheus.MustRegister(ConfdRequestsTotal)
	prometheus.MustRegister(RaftIsLeader)
	prometheus.MustRegister(RaftCandidates)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
