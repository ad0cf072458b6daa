package router

import (
	"sync"
	"time"

	"github.com/Latency-Zero/server/pkg/metrics"
)

// Stats is a point-in-time snapshot of routing activity, surfaced by the
// admin stats operation.
type Stats struct {
	Routed         uint64  `json:"routed"`
	Failed         uint64  `json:"failed"`
	TimedOut       uint64  `json:"timed_out"`
	Inflight       int     `json:"inflight"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}

func (r *Router) statsMu() *sync.Mutex { return &r.smu }

// observeResponseTime folds a completed round trip into the exponential
// moving average.
func (r *Router) observeResponseTime(elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	mu := r.statsMu()
	mu.Lock()
	if r.stats.ResponseTimeMs == 0 {
		r.stats.ResponseTimeMs = ms
	} else {
		a := r.cfg.EMAAlpha
		r.stats.ResponseTimeMs = a*ms + (1-a)*r.stats.ResponseTimeMs
	}
	ema := r.stats.ResponseTimeMs
	mu.Unlock()
	metrics.ResponseTimeEMA.Set(ema)
}

// Snapshot copies the current counters.
func (r *Router) Snapshot() Stats {
	mu := r.statsMu()
	mu.Lock()
	s := r.stats
	mu.Unlock()
	s.Inflight = r.InflightCount()
	return s
}
