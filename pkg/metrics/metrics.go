package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Transport metrics
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "latzero_connections_active",
			Help: "Number of live client connections",
		},
	)

	FramesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "latzero_frames_read_total",
			Help: "Total frames read from clients",
		},
	)

	FramesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "latzero_frames_written_total",
			Help: "Total frames written to clients",
		},
	)

	// Router metrics
	TriggersRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "latzero_triggers_routed_total",
			Help: "Total trigger requests dispatched to a handler",
		},
	)

	TriggersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latzero_triggers_failed_total",
			Help: "Total trigger requests that failed, by error code",
		},
		[]string{"code"},
	)

	TriggersTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "latzero_triggers_timed_out_total",
			Help: "Total trigger records expired by TTL",
		},
	)

	InflightRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "latzero_inflight_records",
			Help: "Current size of the in-flight trigger table",
		},
	)

	ResponseTimeEMA = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "latzero_response_time_ema_ms",
			Help: "Exponential moving average of trigger response time",
		},
	)

	// Registry metrics
	AppsBound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "latzero_apps_bound",
			Help: "Number of applications currently bound",
		},
	)

	// Memory metrics
	BlocksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "latzero_memory_blocks",
			Help: "Number of memory blocks",
		},
	)

	BlockWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "latzero_memory_writes_total",
			Help: "Total successful memory block writes",
		},
	)
)

// Register registers all collectors with the default registry. Call once
// at startup.
func Register() {
	prometheus.MustRegister(
		ConnectionsActive,
		FramesRead,
		FramesWritten,
		TriggersRouted,
		TriggersFailed,
		TriggersTimedOut,
		InflightRecords,
		ResponseTimeEMA,
		AppsBound,
		BlocksActive,
		BlockWrites,
	)
}
