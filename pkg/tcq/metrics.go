package tcq

import "time"

// MetricsSink receives request outcomes and cluster gauges. Calls are made
// inline from request and monitor goroutines, so implementations must return
// quickly and never fail the caller.
type MetricsSink interface {
	OnConnectionError()
	OnWriteTimeout()
	OnReadTimeout()
	OnUnavailable()
	OnOtherError()
	OnRetry()
	OnIgnore()
	OnRequest(latency time.Duration)

	SetKnownHosts(n int)
	SetConnectedTo(n int)
	SetOpenConnections(n int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) OnConnectionError()      {}
func (NopMetrics) OnWriteTimeout()         {}
func (NopMetrics) OnReadTimeout()          {}
func (NopMetrics) OnUnavailable()          {}
func (NopMetrics) OnOtherError()           {}
func (NopMetrics) OnRetry()                {}
func (NopMetrics) OnIgnore()               {}
func (NopMetrics) OnRequest(time.Duration) {}
func (NopMetrics) SetKnownHosts(int)       {}
func (NopMetrics) SetConnectedTo(int)      {}
func (NopMetrics) SetOpenConnections(int)  {}

// recordError routes an attempt failure to the matching counter.
func recordError(m MetricsSink, err *RequestError) {
	switch err.Kind {
	case KindConnectionError:
		m.OnConnectionError()
	case KindWriteTimeout:
		m.OnWriteTimeout()
	case KindReadTimeout:
		m.OnReadTimeout()
	case KindUnavailable:
		m.OnUnavailable()
	default:
		m.OnOtherError()
	}
}
