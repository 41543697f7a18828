package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the process registry with the exchange counters and the
// Go/process collectors registered.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registerExchangeMetrics(registry)
	})
	return registry
}

func PromHandler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

func registerExchangeMetrics(reg prometheus.Registerer) {
	counter := func(name, help string, v interface{ Load() int64 }) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "digto",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	errs := func(op, kind string, v interface{ Load() int64 }) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "digto",
			Name:        "errors_total",
			Help:        "Failed relay calls by operation and kind.",
			ConstLabels: prometheus.Labels{"op": op, "kind": kind},
		}, func() float64 { return float64(v.Load()) })
	}

	reg.MustRegister(
		counter("exchanges_received_total", "Requests handed over by the relay.", &receivedTotal),
		counter("exchanges_responded_total", "Responses accepted by the relay.", &respondedTotal),
		counter("bytes_received_total", "Inbound request body bytes.", &bytesReceived),
		counter("bytes_sent_total", "Response body bytes delivered.", &bytesSent),
		counter("forward_errors_total", "Exchanges the local target failed to answer.", &forwardErrors),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "digto",
			Name:      "exchanges_in_flight",
			Help:      "Exchanges received and not yet answered.",
		}, func() float64 { return float64(inFlight.Load()) }),
		errs("receive", "relay", &receiveRelayErrors),
		errs("receive", "network", &receiveNetErrors),
		errs("respond", "relay", &respondRelayErrors),
		errs("respond", "network", &respondNetErrors),
		errs("respond", "protocol", &protocolErrors),
	)
}
