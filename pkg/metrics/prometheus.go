package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/houseofcat/turbocql/pkg/tcq"
)

func counterCreator(namespace string) func(help, name string) prometheus.Counter {
	return func(help, name string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      name,
			Help:      help,
		})
	}
}

func gaugeCreator(namespace string) func(help, name string) prometheus.Gauge {
	return func(help, name string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      name,
			Help:      help,
		})
	}
}

// PrometheusSink exposes session metrics as Prometheus collectors.
type PrometheusSink struct {
	connectionErrors prometheus.Counter
	writeTimeouts    prometheus.Counter
	readTimeouts     prometheus.Counter
	unavailables     prometheus.Counter
	otherErrors      prometheus.Counter
	retries          prometheus.Counter
	ignores          prometheus.Counter
	requestLatency   prometheus.Histogram

	knownHosts      prometheus.Gauge
	connectedTo     prometheus.Gauge
	openConnections prometheus.Gauge
}

var _ tcq.MetricsSink = (*PrometheusSink)(nil)

// NewPrometheusSink builds the collectors under namespace. Call Register to
// make them visible.
func NewPrometheusSink(namespace string) *PrometheusSink {

	c := counterCreator(namespace)
	g := gaugeCreator(namespace)

	return &PrometheusSink{
		connectionErrors: c("Attempts that failed with a connection error.", "connection_errors_total"),
		writeTimeouts:    c("Attempts answered with a write timeout.", "write_timeouts_total"),
		readTimeouts:     c("Attempts answered with a read timeout.", "read_timeouts_total"),
		unavailables:     c("Attempts answered with unavailable.", "unavailables_total"),
		otherErrors:      c("Attempts that failed for any other reason.", "other_errors_total"),
		retries:          c("Retries decided by the retry policy.", "retries_total"),
		ignores:          c("Errors ignored by the retry policy.", "ignores_total"),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "latency_seconds",
			Help:      "Latency of successful executions, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),

		knownHosts:      g("Hosts known to the session.", "known_hosts"),
		connectedTo:     g("Hosts with at least one open connection.", "connected_to"),
		openConnections: g("Open connections across all pools.", "open_connections"),
	}
}

// Register makes the collectors visible through reg.
func (s *PrometheusSink) Register(reg prometheus.Registerer) error {
	for _, c := range s.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is Register that panics, for package level wiring.
func (s *PrometheusSink) MustRegister(reg prometheus.Registerer) *PrometheusSink {
	reg.MustRegister(s.collectors()...)
	return s
}

func (s *PrometheusSink) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.connectionErrors,
		s.writeTimeouts,
		s.readTimeouts,
		s.unavailables,
		s.otherErrors,
		s.retries,
		s.ignores,
		s.requestLatency,
		s.knownHosts,
		s.connectedTo,
		s.openConnections,
	}
}

func (s *PrometheusSink) OnConnectionError() { s.connectionErrors.Inc() }
func (s *PrometheusSink) OnWriteTimeout()    { s.writeTimeouts.Inc() }
func (s *PrometheusSink) OnReadTimeout()     { s.readTimeouts.Inc() }
func (s *PrometheusSink) OnUnavailable()     { s.unavailables.Inc() }
func (s *PrometheusSink) OnOtherError()      { s.otherErrors.Inc() }
func (s *PrometheusSink) OnRetry()           { s.retries.Inc() }
func (s *PrometheusSink) OnIgnore()          { s.ignores.Inc() }

func (s *PrometheusSink) OnRequest(latency time.Duration) {
	s.requestLatency.Observe(latency.Seconds())
}

func (s *PrometheusSink) SetKnownHosts(n int)      { s.knownHosts.Set(float64(n)) }
func (s *PrometheusSink) SetConnectedTo(n int)     { s.connectedTo.Set(float64(n)) }
func (s *PrometheusSink) SetOpenConnections(n int) { s.openConnections.Set(float64(n)) }
