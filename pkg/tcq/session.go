package tcq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/houseofcat/turbocql/pkg/frame"
)

// SessionOption customizes a session beyond its ClusterSeasoning.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	dialer       Dialer
	policy       LoadBalancingPolicy
	retry        RetryPolicy
	reconnection ReconnectionPolicy
	metrics      MetricsSink
	listeners    []HostStateListener
	errorHandler func(error)
	compressor   frame.Compressor
	sessionID    uuid.UUID
}

// WithDialer replaces the transport used by every connection.
func WithDialer(d Dialer) SessionOption {
	return func(o *sessionOptions) { o.dialer = d }
}

// WithLoadBalancingPolicy replaces the configured load balancing policy.
func WithLoadBalancingPolicy(p LoadBalancingPolicy) SessionOption {
	return func(o *sessionOptions) { o.policy = p }
}

// WithRetryPolicy replaces the configured retry policy.
func WithRetryPolicy(p RetryPolicy) SessionOption {
	return func(o *sessionOptions) { o.retry = p }
}

// WithReconnectionPolicy replaces the configured reconnection policy.
func WithReconnectionPolicy(p ReconnectionPolicy) SessionOption {
	return func(o *sessionOptions) { o.reconnection = p }
}

// WithMetricsSink reports request outcomes and gauges to m.
func WithMetricsSink(m MetricsSink) SessionOption {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithHostStateListener registers a listener for host transitions.
func WithHostStateListener(l HostStateListener) SessionOption {
	return func(o *sessionOptions) { o.listeners = append(o.listeners, l) }
}

// WithErrorHandler receives errors from background work such as failed
// connection attempts. It must not block.
func WithErrorHandler(fn func(error)) SessionOption {
	return func(o *sessionOptions) { o.errorHandler = fn }
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id uuid.UUID) SessionOption {
	return func(o *sessionOptions) { o.sessionID = id }
}

// WithCompressor replaces the compressor named in the configuration.
func WithCompressor(c frame.Compressor) SessionOption {
	return func(o *sessionOptions) { o.compressor = c }
}

// SessionStats is a point in time view of the session.
type SessionStats struct {
	KnownHosts      int
	ConnectedTo     int
	OpenConnections int
	InFlight        int
}

// Session is the process wide context of the driver: it owns the host
// registry, the pools, the health monitor and every background goroutine.
type Session struct {
	ID     uuid.UUID
	Config *ClusterSeasoning

	registry       *Registry
	policy         LoadBalancingPolicy
	retry          RetryPolicy
	metrics        MetricsSink
	dispatcher     *listenerDispatcher
	monitor        *HealthMonitor
	bg             *background
	consistency    Consistency
	requestTimeout time.Duration
	connOpts       connectionOptions
	errorHandler   func(error)

	controlLock sync.Mutex
	control     *Connection
	electing    atomic.Bool

	closed       atomic.Bool
	shutdownOnce sync.Once
}

// NewSession validates the configuration, connects to the contact points
// and starts the health monitor. It fails with a NoHostAvailableError when
// no contact point could be reached.
func NewSession(ctx context.Context, config *ClusterSeasoning, opts ...SessionOption) (*Session, error) {

	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := &sessionOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	if o.dialer == nil {
		if o.dialer, err = NewDialer(config); err != nil {
			return nil, err
		}
	}
	if o.policy == nil {
		if o.policy, err = NewLoadBalancingPolicy(config.LoadBalancingConfig); err != nil {
			return nil, err
		}
	}
	if o.retry == nil {
		if o.retry, err = NewRetryPolicy(config.RetryConfig); err != nil {
			return nil, err
		}
	}
	if o.reconnection == nil {
		if o.reconnection, err = NewReconnectionPolicy(config.ReconnectionConfig); err != nil {
			return nil, err
		}
	}
	if o.metrics == nil {
		o.metrics = NopMetrics{}
	}
	if o.compressor == nil {
		if o.compressor, err = frame.CompressorByName(config.Compression); err != nil {
			return nil, err
		}
	}

	consistency, err := ParseConsistency(config.Consistency)
	if err != nil {
		return nil, err
	}
	if o.sessionID == uuid.Nil {
		o.sessionID = uuid.New()
	}

	s := &Session{
		ID:             o.sessionID,
		Config:         config,
		registry:       NewRegistry(),
		policy:         o.policy,
		retry:          o.retry,
		metrics:        o.metrics,
		dispatcher:     newListenerDispatcher(),
		bg:             newBackground(context.Background()),
		consistency:    consistency,
		requestTimeout: millis(config.RequestTimeout),
		errorHandler:   o.errorHandler,
	}
	for _, l := range o.listeners {
		s.dispatcher.add(l)
	}

	s.connOpts = connectionOptions{
		ApplicationName:   config.ApplicationName,
		Dialer:            o.dialer,
		ConnectTimeout:    millis(config.ConnectTimeout),
		HeartbeatInterval: millis(config.IdleHeartbeatInterval),
		HeartbeatTimeout:  millis(config.IdleHeartbeatTimeout),
		MaxStreams:        config.PoolConfig.MaxRequestsPerConnection,
		Compressor:        o.compressor,
	}

	s.policy.Init(s.registry)
	s.monitor = newHealthMonitor(
		s.registry,
		s.policy,
		o.reconnection,
		s.dispatcher,
		s.bg,
		millis(config.MonitorInterval),
		*config.PoolConfig,
		s.connOpts,
		s.errorHandler)
	s.monitor.connOpts.OnEvent = s.monitor.handleEvent
	s.monitor.onTick = s.onTick

	if err := s.connectContactPoints(ctx); err != nil {
		s.Shutdown()
		return nil, err
	}

	s.electControlConnection(ctx)
	s.refreshGauges()
	s.monitor.start()

	klog.InfoS("Session started", "session", s.ID, "hosts", s.registry.Len(), "up", len(s.registry.Up()))
	return s, nil
}

func (s *Session) connectContactPoints(ctx context.Context) error {

	hosts := make([]*Host, 0, len(s.Config.ContactPoints))
	for _, cp := range s.Config.ContactPoints {
		addr, err := NormalizeAddr(cp, s.Config.Port)
		if err != nil {
			return err
		}
		h, _ := s.monitor.addHost(HostInfo{Addr: addr})
		hosts = append(hosts, h)
	}

	errLock := &sync.Mutex{}
	errs := make(map[string]error)

	wg := &sync.WaitGroup{}
	for _, h := range hosts {
		wg.Add(1)
		go func(h *Host) {
			defer wg.Done()

			if err := s.monitor.connect(ctx, h); err != nil {
				errLock.Lock()
				errs[h.addr] = newConnectionError(h.addr, err)
				errLock.Unlock()
				return
			}
			if s.Config.WaitForAllPools && h.IsUp() {
				h.pool.fill(ctx)
			}
		}(h)
	}
	wg.Wait()

	if len(s.registry.Up()) == 0 {
		return &NoHostAvailableError{Errors: errs}
	}
	return nil
}

// electControlConnection opens a dedicated connection to the first UP host
// that accepts it and subscribes it to topology and status events.
func (s *Session) electControlConnection(ctx context.Context) {

	if !s.electing.CompareAndSwap(false, true) {
		return
	}
	defer s.electing.Store(false)

	opts := s.connOpts
	opts.OnEvent = s.monitor.handleEvent
	opts.OnDefunct = func(c *Connection, err error) {
		klog.V(2).InfoS("Control connection lost", "host", c.Addr(), "err", err)
	}

	for _, h := range s.policyOrderedUpHosts() {
		if s.closed.Load() {
			return
		}

		c, err := openConnection(ctx, 0, h.addr, opts)
		if err != nil {
			s.handleError(fmt.Errorf("control connection to %s: %w", h.addr, err))
			continue
		}
		err = c.Register(ctx, frame.EventTopologyChange, frame.EventStatusChange, frame.EventSchemaChange)
		if err != nil {
			c.closeAndWait()
			s.handleError(fmt.Errorf("registering control connection on %s: %w", h.addr, err))
			continue
		}

		s.controlLock.Lock()
		if s.closed.Load() {
			s.controlLock.Unlock()
			c.closeAndWait()
			return
		}
		old := s.control
		s.control = c
		s.controlLock.Unlock()

		if old != nil {
			old.Close()
		}
		klog.V(2).InfoS("Control connection established", "host", h.addr)
		return
	}
}

// policyOrderedUpHosts lists UP hosts in query plan order, then any UP host
// the plan skipped.
func (s *Session) policyOrderedUpHosts() []*Host {

	plan := s.policy.NewQueryPlan("", nil)
	seen := make(map[*Host]struct{})
	var out []*Host
	for h := plan.Next(); h != nil; h = plan.Next() {
		seen[h] = struct{}{}
		out = append(out, h)
	}
	for _, h := range s.registry.Up() {
		if _, ok := seen[h]; !ok {
			out = append(out, h)
		}
	}
	return out
}

func (s *Session) controlConnectionHealthy() bool {
	s.controlLock.Lock()
	defer s.controlLock.Unlock()

	if s.control == nil || s.control.IsClosed() {
		return false
	}
	h, ok := s.registry.Get(s.control.Addr())
	return ok && h.IsUp()
}

func (s *Session) onTick() {

	s.refreshGauges()

	if s.controlConnectionHealthy() || s.electing.Load() {
		return
	}
	s.bg.spawn(s.electControlConnection)
}

func (s *Session) refreshGauges() {
	stats := s.Stats()
	s.metrics.SetKnownHosts(stats.KnownHosts)
	s.metrics.SetConnectedTo(stats.ConnectedTo)
	s.metrics.SetOpenConnections(stats.OpenConnections)
}

// Stats counts hosts and connections at the time of the call.
func (s *Session) Stats() SessionStats {

	stats := SessionStats{}
	for _, h := range s.registry.All() {
		stats.KnownHosts++
		open := h.pool.OpenCount()
		if open > 0 {
			stats.ConnectedTo++
		}
		stats.OpenConnections += open
		stats.InFlight += h.pool.InFlight()
	}
	return stats
}

// Registry is the host table of the session.
func (s *Session) Registry() *Registry { return s.registry }

// SyncTopology reconciles the known hosts with a complete peer list coming
// from an external metadata source. Unknown hosts are added and connected,
// missing ones are removed.
func (s *Session) SyncTopology(hosts []HostInfo) error {

	if s.closed.Load() {
		return ErrSessionClosed
	}

	normalized := make([]HostInfo, 0, len(hosts))
	for _, info := range hosts {
		addr, err := NormalizeAddr(info.Addr, s.Config.Port)
		if err != nil {
			return err
		}
		info.Addr = addr
		normalized = append(normalized, info)
	}

	s.monitor.syncTopology(normalized)
	return nil
}

// Shutdown closes every connection, stops the health monitor and waits for
// all background goroutines. Pending executions resolve with errors.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.closed.Store(true)

		for _, h := range s.registry.All() {
			h.pool.Shutdown()
		}

		s.controlLock.Lock()
		control := s.control
		s.control = nil
		s.controlLock.Unlock()
		if control != nil {
			control.closeAndWait()
		}

		s.bg.stop()

		// pools may have been added by topology work that raced the stop
		for _, h := range s.registry.All() {
			h.pool.Shutdown()
		}
		s.dispatcher.stop()

		klog.InfoS("Session shut down", "session", s.ID)
	})
}

// IsClosed reports whether Shutdown was called.
func (s *Session) IsClosed() bool { return s.closed.Load() }

func (s *Session) handleError(err error) {
	if errors.Is(err, context.Canceled) && s.closed.Load() {
		return
	}
	klog.V(2).InfoS("Session error", "err", err)
	if s.errorHandler != nil {
		s.errorHandler(err)
	}
}
