package metrics

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/houseofcat/turbocql/pkg/tcq"
)

// Stats is a snapshot of a CounterSink.
type Stats struct {
	ConnectionErrors int64 `json:"ConnectionErrors"`
	WriteTimeouts    int64 `json:"WriteTimeouts"`
	ReadTimeouts     int64 `json:"ReadTimeouts"`
	Unavailables     int64 `json:"Unavailables"`
	OtherErrors      int64 `json:"OtherErrors"`
	Retries          int64 `json:"Retries"`
	Ignores          int64 `json:"Ignores"`

	Requests        int64         `json:"Requests"`
	MinLatency      time.Duration `json:"MinLatency"`
	MaxLatency      time.Duration `json:"MaxLatency"`
	MeanLatency     time.Duration `json:"MeanLatency"`
	KnownHosts      int64         `json:"KnownHosts"`
	ConnectedTo     int64         `json:"ConnectedTo"`
	OpenConnections int64         `json:"OpenConnections"`
}

// CounterSink keeps every metric in process, readable through Stats.
type CounterSink struct {
	connectionErrors atomic.Int64
	writeTimeouts    atomic.Int64
	readTimeouts     atomic.Int64
	unavailables     atomic.Int64
	otherErrors      atomic.Int64
	retries          atomic.Int64
	ignores          atomic.Int64

	knownHosts      atomic.Int64
	connectedTo     atomic.Int64
	openConnections atomic.Int64

	latencyLock  sync.Mutex
	requests     int64
	minLatency   time.Duration
	maxLatency   time.Duration
	totalLatency time.Duration
}

var _ tcq.MetricsSink = (*CounterSink)(nil)

// NewCounterSink creates an empty CounterSink.
func NewCounterSink() *CounterSink {
	return &CounterSink{}
}

func (s *CounterSink) OnConnectionError() { s.connectionErrors.Inc() }
func (s *CounterSink) OnWriteTimeout()    { s.writeTimeouts.Inc() }
func (s *CounterSink) OnReadTimeout()     { s.readTimeouts.Inc() }
func (s *CounterSink) OnUnavailable()     { s.unavailables.Inc() }
func (s *CounterSink) OnOtherError()      { s.otherErrors.Inc() }
func (s *CounterSink) OnRetry()           { s.retries.Inc() }
func (s *CounterSink) OnIgnore()          { s.ignores.Inc() }

func (s *CounterSink) OnRequest(latency time.Duration) {
	s.latencyLock.Lock()
	defer s.latencyLock.Unlock()

	if s.requests == 0 || latency < s.minLatency {
		s.minLatency = latency
	}
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	s.requests++
	s.totalLatency += latency
}

func (s *CounterSink) SetKnownHosts(n int)      { s.knownHosts.Store(int64(n)) }
func (s *CounterSink) SetConnectedTo(n int)     { s.connectedTo.Store(int64(n)) }
func (s *CounterSink) SetOpenConnections(n int) { s.openConnections.Store(int64(n)) }

// Stats returns the current values.
func (s *CounterSink) Stats() Stats {

	stats := Stats{
		ConnectionErrors: s.connectionErrors.Load(),
		WriteTimeouts:    s.writeTimeouts.Load(),
		ReadTimeouts:     s.readTimeouts.Load(),
		Unavailables:     s.unavailables.Load(),
		OtherErrors:      s.otherErrors.Load(),
		Retries:          s.retries.Load(),
		Ignores:          s.ignores.Load(),
		KnownHosts:       s.knownHosts.Load(),
		ConnectedTo:      s.connectedTo.Load(),
		OpenConnections:  s.openConnections.Load(),
	}

	s.latencyLock.Lock()
	stats.Requests = s.requests
	stats.MinLatency = s.minLatency
	stats.MaxLatency = s.maxLatency
	if s.requests > 0 {
		stats.MeanLatency = s.totalLatency / time.Duration(s.requests)
	}
	s.latencyLock.Unlock()

	return stats
}

// Tee fans every call out to several sinks.
type Tee []tcq.MetricsSink

var _ tcq.MetricsSink = Tee(nil)

func (t Tee) OnConnectionError() {
	for _, s := range t {
		s.OnConnectionError()
	}
}

func (t Tee) OnWriteTimeout() {
	for _, s := range t {
		s.OnWriteTimeout()
	}
}

func (t Tee) OnReadTimeout() {
	for _, s := range t {
		s.OnReadTimeout()
	}
}

func (t Tee) OnUnavailable() {
	for _, s := range t {
		s.OnUnavailable()
	}
}

func (t Tee) OnOtherError() {
	for _, s := range t {
		s.OnOtherError()
	}
}

func (t Tee) OnRetry() {
	for _, s := range t {
		s.OnRetry()
	}
}

func (t Tee) OnIgnore() {
	for _, s := range t {
		s.OnIgnore()
	}
}

func (t Tee) OnRequest(latency time.Duration) {
	for _, s := range t {
		s.OnRequest(latency)
	}
}

func (t Tee) SetKnownHosts(n int) {
	for _, s := range t {
		s.SetKnownHosts(n)
	}
}

func (t Tee) SetConnectedTo(n int) {
	for _, s := range t {
		s.SetConnectedTo(n)
	}
}

func (t Tee) SetOpenConnections(n int) {
	for _, s := range t {
		s.SetOpenConnections(n)
	}
}
