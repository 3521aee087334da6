package metrics

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/houseofcat/turbocql/pkg/tcq"
)

// OverflowPolicy decides what a full Collector does with a new sample.
type OverflowPolicy int

const (
	// DropNewest discards the incoming sample.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest queued sample to make room.
	DropOldest
	// Block waits for room. Request goroutines stall while the sink lags.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy accepts block, drop-newest and drop-oldest. Empty
// means drop-newest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-newest":
		return DropNewest, nil
	case "drop-oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropNewest, fmt.Errorf("unknown metrics overflow policy %q", s)
	}
}

type sampleKind int

const (
	sampleConnectionError sampleKind = iota
	sampleWriteTimeout
	sampleReadTimeout
	sampleUnavailable
	sampleOtherError
	sampleRetry
	sampleIgnore
	sampleRequest
	sampleKnownHosts
	sampleConnectedTo
	sampleOpenConnections
)

type sample struct {
	kind  sampleKind
	value int64
}

const drainPollInterval = 50 * time.Millisecond

// Collector decouples request goroutines from a slow sink: samples go into a
// bounded ring buffer and a single goroutine forwards them in order. When the
// buffer is full the OverflowPolicy applies and Dropped counts the losses.
type Collector struct {
	sink    tcq.MetricsSink
	policy  OverflowPolicy
	buffer  *queue.RingBuffer
	signal  chan struct{}
	stop    chan struct{}
	dropped atomic.Uint64
	closing atomic.Bool
	writers atomic.Int32
	wg      sync.WaitGroup
	once    sync.Once
}

var _ tcq.MetricsSink = (*Collector)(nil)

// NewCollector starts a collector forwarding to sink. size is rounded up to
// a power of two by the ring buffer.
func NewCollector(sink tcq.MetricsSink, size uint64, policy OverflowPolicy) (*Collector, error) {

	if sink == nil {
		return nil, errors.New("collector sink can't be nil")
	}
	if size == 0 {
		return nil, errors.New("collector size can't be 0")
	}

	c := &Collector{
		sink:   sink,
		policy: policy,
		buffer: queue.NewRingBuffer(size),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.forward()

	return c, nil
}

// NewCollectorFromConfig builds a collector from the metrics section of a
// ClusterSeasoning.
func NewCollectorFromConfig(sink tcq.MetricsSink, config *tcq.MetricsConfig) (*Collector, error) {

	if config == nil {
		return nil, errors.New("metrics config can't be nil")
	}
	policy, err := ParseOverflowPolicy(config.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	return NewCollector(sink, config.QueueSize, policy)
}

// Dropped is the number of samples lost to the overflow policy.
func (c *Collector) Dropped() uint64 { return c.dropped.Load() }

// Pending is the number of queued samples.
func (c *Collector) Pending() uint64 { return c.buffer.Len() }

// Cap is the capacity of the queue.
func (c *Collector) Cap() uint64 { return c.buffer.Cap() }

func (c *Collector) enqueue(s sample) {

	c.writers.Inc()
	defer c.writers.Dec()

	if c.closing.Load() {
		c.dropped.Inc()
		return
	}

	switch c.policy {
	case Block:
		if err := c.buffer.Put(s); err != nil {
			c.dropped.Inc()
			return
		}
	case DropOldest:
		for {
			ok, err := c.buffer.Offer(s)
			if err != nil {
				c.dropped.Inc()
				return
			}
			if ok {
				break
			}
			if _, err := c.buffer.Poll(time.Millisecond); err == nil {
				c.dropped.Inc()
			}
		}
	default:
		ok, err := c.buffer.Offer(s)
		if err != nil || !ok {
			c.dropped.Inc()
			return
		}
	}

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// forward waits on the signal channel while the buffer is empty; the ring
// buffer itself only offers spinning reads.
func (c *Collector) forward() {
	defer c.wg.Done()

	for {
		c.drain()

		if c.closing.Load() {
			return
		}

		select {
		case <-c.signal:
		case <-c.stop:
		}
	}
}

func (c *Collector) drain() {
	for c.buffer.Len() > 0 {
		item, err := c.buffer.Poll(drainPollInterval)
		if err != nil {
			return
		}
		c.apply(item.(sample))
	}
}

func (c *Collector) apply(s sample) {

	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(fmt.Errorf("%v", r), "Metrics sink panicked", "sample", int(s.kind))
		}
	}()

	switch s.kind {
	case sampleConnectionError:
		c.sink.OnConnectionError()
	case sampleWriteTimeout:
		c.sink.OnWriteTimeout()
	case sampleReadTimeout:
		c.sink.OnReadTimeout()
	case sampleUnavailable:
		c.sink.OnUnavailable()
	case sampleOtherError:
		c.sink.OnOtherError()
	case sampleRetry:
		c.sink.OnRetry()
	case sampleIgnore:
		c.sink.OnIgnore()
	case sampleRequest:
		c.sink.OnRequest(time.Duration(s.value))
	case sampleKnownHosts:
		c.sink.SetKnownHosts(int(s.value))
	case sampleConnectedTo:
		c.sink.SetConnectedTo(int(s.value))
	case sampleOpenConnections:
		c.sink.SetOpenConnections(int(s.value))
	}
}

// Close forwards what is queued, then stops the forwarding goroutine.
// Samples racing with Close are either forwarded or counted as dropped.
func (c *Collector) Close() {
	c.once.Do(func() {
		c.closing.Store(true)
		close(c.stop)
		c.wg.Wait()

		// an enqueue that passed the closing check may still be putting
		for {
			c.drain()
			if c.writers.Load() == 0 && c.buffer.Len() == 0 {
				break
			}
			runtime.Gosched()
		}
		c.buffer.Dispose()
	})
}

// OnConnectionError queues a connection error sample.
func (c *Collector) OnConnectionError() { c.enqueue(sample{kind: sampleConnectionError}) }

// OnWriteTimeout queues a write timeout sample.
func (c *Collector) OnWriteTimeout() { c.enqueue(sample{kind: sampleWriteTimeout}) }

// OnReadTimeout queues a read timeout sample.
func (c *Collector) OnReadTimeout() { c.enqueue(sample{kind: sampleReadTimeout}) }

// OnUnavailable queues an unavailable sample.
func (c *Collector) OnUnavailable() { c.enqueue(sample{kind: sampleUnavailable}) }

// OnOtherError queues a sample for any other server error.
func (c *Collector) OnOtherError() { c.enqueue(sample{kind: sampleOtherError}) }

// OnRetry queues a retry sample.
func (c *Collector) OnRetry() { c.enqueue(sample{kind: sampleRetry}) }

// OnIgnore queues an ignore sample.
func (c *Collector) OnIgnore() { c.enqueue(sample{kind: sampleIgnore}) }

// OnRequest queues the latency of a completed request.
func (c *Collector) OnRequest(latency time.Duration) {
	c.enqueue(sample{kind: sampleRequest, value: int64(latency)})
}

// SetKnownHosts queues the number of hosts in the registry.
func (c *Collector) SetKnownHosts(n int) {
	c.enqueue(sample{kind: sampleKnownHosts, value: int64(n)})
}

// SetConnectedTo queues the number of hosts with an open connection.
func (c *Collector) SetConnectedTo(n int) {
	c.enqueue(sample{kind: sampleConnectedTo, value: int64(n)})
}

// SetOpenConnections queues the number of open connections.
func (c *Collector) SetOpenConnections(n int) {
	c.enqueue(sample{kind: sampleOpenConnections, value: int64(n)})
}
