package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	BusCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "moca_bus_calls_total", Help: "Correlated bus calls"},
		[]string{"verb", "result"},
	)
	CallsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "moca_bus_calls_in_flight", Help: "Pending bus calls"},
	)
	SyncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "moca_sync_batches_total", Help: "Inbound sync batches"},
		[]string{"command", "result"},
	)
	SyncElements = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "moca_sync_elements_total", Help: "Inbound sync batch elements"},
		[]string{"command", "result"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "moca_http_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(BusCalls, CallsInFlight, SyncBatches, SyncElements, HTTPRequests)
}
