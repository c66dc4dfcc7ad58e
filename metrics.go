package chttp

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// clientMetrics is the per-client metric set. Each client owns its own set so
// several clients in one process never share counters.
type clientMetrics struct {
	set *metrics.Set

	acquires       *metrics.Counter
	acquireWaits   *metrics.Counter
	acquireWait    *metrics.Histogram
	created        *metrics.Counter
	validations    *metrics.Counter
	evictions      *metrics.Counter
	requests       *metrics.Counter
	retries        *metrics.Counter
	networkErrors  *metrics.Counter
	serverErrors   *metrics.Counter
	requestSeconds *metrics.Histogram
}

func newClientMetrics() *clientMetrics {
	set := metrics.NewSet()
	return &clientMetrics{
		set:            set,
		acquires:       set.NewCounter("chttp_pool_acquires_total"),
		acquireWaits:   set.NewCounter("chttp_pool_acquire_waits_total"),
		acquireWait:    set.NewHistogram("chttp_pool_acquire_wait_seconds"),
		created:        set.NewCounter("chttp_pool_connections_created_total"),
		validations:    set.NewCounter("chttp_pool_validations_total"),
		evictions:      set.NewCounter("chttp_pool_evictions_total"),
		requests:       set.NewCounter("chttp_requests_total"),
		retries:        set.NewCounter("chttp_request_retries_total"),
		networkErrors:  set.NewCounter("chttp_network_errors_total"),
		serverErrors:   set.NewCounter("chttp_server_errors_total"),
		requestSeconds: set.NewHistogram("chttp_request_duration_seconds"),
	}
}

// registerPoolGauges exposes the live pool occupancy.
func (m *clientMetrics) registerPoolGauges(p *Pool) {
	m.set.NewGauge("chttp_pool_open_connections", func() float64 {
		return float64(p.Stats().Open)
	})
	m.set.NewGauge("chttp_pool_idle_connections", func() float64 {
		return float64(p.Stats().Idle)
	})
	m.set.NewGauge("chttp_pool_max_open_connections", func() float64 {
		return float64(p.cfg.MaxOpenConnections)
	})
}

func (m *clientMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
