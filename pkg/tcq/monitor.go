package tcq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/houseofcat/turbocql/pkg/frame"
)

// HealthMonitor owns the host state machine. A host goes DOWN once its pool
// lost every connection and an immediate reopen failed, comes back UP when
// a scheduled reconnection succeeds and is REMOVED when topology says so.
// Nothing here ever surfaces an error to a request.
type HealthMonitor struct {
	registry     *Registry
	policy       LoadBalancingPolicy
	reconnection ReconnectionPolicy
	dispatcher   *listenerDispatcher
	bg           *background
	interval     time.Duration
	poolConfig   PoolConfig
	connOpts     connectionOptions
	errorHandler func(error)
	onTick       func()
	tickLock     sync.Mutex
}

func newHealthMonitor(
	registry *Registry,
	policy LoadBalancingPolicy,
	reconnection ReconnectionPolicy,
	dispatcher *listenerDispatcher,
	bg *background,
	interval time.Duration,
	poolConfig PoolConfig,
	connOpts connectionOptions,
	errorHandler func(error)) *HealthMonitor {

	return &HealthMonitor{
		registry:     registry,
		policy:       policy,
		reconnection: reconnection,
		dispatcher:   dispatcher,
		bg:           bg,
		interval:     interval,
		poolConfig:   poolConfig,
		connOpts:     connOpts,
		errorHandler: errorHandler,
	}
}

// start launches the periodic maintenance loop.
func (m *HealthMonitor) start() {
	m.bg.spawn(m.run)
}

func (m *HealthMonitor) run(ctx context.Context) {

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *HealthMonitor) tick() {

	m.tickLock.Lock()
	defer m.tickLock.Unlock()

	for _, h := range m.registry.All() {
		m.refreshDistance(h)
		if h.IsUp() {
			h.pool.maintain()
		}
	}
	if m.onTick != nil {
		m.onTick()
	}
}

// addHost registers a host and its pool. It returns the existing host when
// the address is already known.
func (m *HealthMonitor) addHost(info HostInfo) (*Host, bool) {

	if existing, ok := m.registry.Get(info.Addr); ok {
		if existing.setInfo(info) {
			m.registry.topologyChanged()
		}
		return existing, false
	}

	h := newHost(info)
	h.schedule = m.reconnection.NewSchedule()
	newConnectionPool(h, m.poolConfig, m.connOpts, m.bg, m.onPoolEmpty, m.errorHandler)

	if !m.registry.add(h) {
		existing, _ := m.registry.Get(info.Addr)
		return existing, false
	}

	m.policy.OnAdd(h)
	h.setDistance(m.policy.Distance(h))
	m.dispatcher.notify(hostAdded, h)
	klog.V(2).InfoS("Host added", "host", h.addr, "dc", h.Datacenter(), "rack", h.Rack(), "distance", h.Distance())

	return h, true
}

// connect makes the first connection to a newly added host and moves it to
// UP or DOWN accordingly.
func (m *HealthMonitor) connect(ctx context.Context, h *Host) error {

	if h.Distance() == DistanceIgnored {
		m.markIgnored(h)
		return nil
	}

	if _, err := h.pool.openOne(ctx); err != nil {
		m.handleError(fmt.Errorf("initial connection to %s: %w", h.addr, err))
		m.markDown(h, err)
		return err
	}

	m.markUp(h)
	return nil
}

// connectAsync is connect on a background goroutine.
func (m *HealthMonitor) connectAsync(h *Host) {
	m.bg.spawn(func(ctx context.Context) {
		_ = m.connect(ctx, h)
	})
}

func (m *HealthMonitor) markUp(h *Host) {

	h.mu.Lock()
	state := h.State()
	if state == HostRemoved || h.pool.OpenCount() == 0 {
		h.mu.Unlock()
		return
	}
	h.setState(HostUp)
	h.schedule.Reset()
	h.mu.Unlock()

	if state != HostUp {
		klog.InfoS("Host is up", "host", h.addr, "previous", state)
		m.policy.OnUp(h)
		m.dispatcher.notify(hostUp, h)
	}
	h.pool.fillAsync()
}

// markDown flips the host to DOWN unless a connection is still alive. It
// reports whether the transition happened.
func (m *HealthMonitor) markDown(h *Host, cause error) bool {

	h.mu.Lock()
	state := h.State()
	if state == HostRemoved || state == HostDown && h.reconnecting || h.pool.OpenCount() > 0 {
		h.mu.Unlock()
		return false
	}
	h.setState(HostDown)
	startLoop := !h.reconnecting
	h.reconnecting = true
	h.mu.Unlock()

	if state != HostDown {
		klog.InfoS("Host is down", "host", h.addr, "previous", state, "err", cause)
		m.policy.OnDown(h)
		m.dispatcher.notify(hostDown, h)
	}
	if startLoop {
		if !m.bg.spawn(func(ctx context.Context) { m.reconnectLoop(ctx, h) }) {
			h.mu.Lock()
			h.reconnecting = false
			h.mu.Unlock()
		}
	}
	return true
}

func (m *HealthMonitor) markIgnored(h *Host) {

	h.mu.Lock()
	state := h.State()
	if state == HostRemoved || state == HostIgnored {
		h.mu.Unlock()
		return
	}
	h.setState(HostIgnored)
	h.mu.Unlock()

	h.pool.closeAll()
	h.wakeReconnect()
	if state == HostUp {
		m.policy.OnDown(h)
		m.dispatcher.notify(hostDown, h)
	}
	klog.V(2).InfoS("Host ignored", "host", h.addr)
}

// onPoolEmpty is called by a pool that lost its last connection. One
// immediate reopen is attempted before the host is declared DOWN.
func (m *HealthMonitor) onPoolEmpty(h *Host, cause error) {

	if !h.IsUp() {
		return
	}

	m.bg.spawn(func(ctx context.Context) {
		if _, err := h.pool.openOne(ctx); err != nil {
			m.handleError(fmt.Errorf("reopening connection to %s: %w", h.addr, err))
			m.markDown(h, cause)
			return
		}
		h.pool.fillAsync()
	})
}

// reconnectLoop retries a DOWN host following its reconnection schedule
// until it is UP again, removed, ignored or the session stops.
func (m *HealthMonitor) reconnectLoop(ctx context.Context, h *Host) {

	for {
		h.mu.Lock()
		if h.State() != HostDown {
			h.reconnecting = false
			h.mu.Unlock()
			return
		}
		delay := h.schedule.NextDelay()
		h.mu.Unlock()

		klog.V(2).InfoS("Scheduling reconnection", "host", h.addr, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			h.mu.Lock()
			h.reconnecting = false
			h.mu.Unlock()
			return
		case <-h.wake:
			timer.Stop()
		case <-timer.C:
		}

		if h.State() != HostDown {
			continue
		}

		if _, err := h.pool.openOne(ctx); err != nil {
			m.handleError(fmt.Errorf("reconnecting to %s: %w", h.addr, err))
			continue
		}
		m.markUp(h)
	}
}

// removeHost drops a host for good. Its pool is closed on a background
// goroutine since this may run on one of the host's own connections.
func (m *HealthMonitor) removeHost(addr string) {

	h, ok := m.registry.remove(addr)
	if !ok {
		return
	}

	h.mu.Lock()
	h.setState(HostRemoved)
	h.mu.Unlock()
	h.wakeReconnect()

	klog.InfoS("Host removed", "host", addr)
	m.policy.OnRemove(h)
	m.dispatcher.notify(hostRemoved, h)

	if !m.bg.spawn(func(context.Context) { h.pool.Shutdown() }) {
		h.pool.Shutdown()
	}
}

// refreshDistance re-evaluates the policy distance of a host and moves it in
// or out of IGNORED.
func (m *HealthMonitor) refreshDistance(h *Host) {

	d := m.policy.Distance(h)
	prev := h.setDistance(d)

	switch {
	case d == DistanceIgnored && h.State() != HostIgnored:
		m.markIgnored(h)
	case d != DistanceIgnored && h.State() == HostIgnored:
		h.mu.Lock()
		if h.State() == HostIgnored {
			h.setState(HostDown)
		}
		h.mu.Unlock()
		m.connectAsync(h)
	case d != prev:
		klog.V(2).InfoS("Host distance changed", "host", h.addr, "from", prev, "to", d)
	}
}

// syncTopology reconciles the registry with a full list of hosts.
func (m *HealthMonitor) syncTopology(infos []HostInfo) {

	keep := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		keep[info.Addr] = struct{}{}
		if h, added := m.addHost(info); added {
			m.connectAsync(h)
		}
	}
	for _, h := range m.registry.All() {
		if _, ok := keep[h.addr]; !ok {
			m.removeHost(h.addr)
		}
	}
}

// handleEvent reacts to server pushed events. It runs on a background
// goroutine so the reading connection is never blocked.
func (m *HealthMonitor) handleEvent(_ *Connection, ev *frame.Event) {

	m.bg.spawn(func(context.Context) {
		klog.V(2).InfoS("Received event", "type", ev.Type, "change", ev.Change, "address", ev.Address)

		switch ev.Type {
		case frame.EventTopologyChange:
			switch ev.Change {
			case frame.ChangeNewNode:
				if h, added := m.addHost(HostInfo{Addr: ev.Address}); added {
					m.connectAsync(h)
				}
			case frame.ChangeRemovedNode:
				m.removeHost(ev.Address)
			}
		case frame.EventStatusChange:
			h, ok := m.registry.Get(ev.Address)
			if !ok {
				if ev.Change == frame.ChangeUp {
					if h, added := m.addHost(HostInfo{Addr: ev.Address}); added {
						m.connectAsync(h)
					}
				}
				return
			}
			switch ev.Change {
			case frame.ChangeUp:
				h.wakeReconnect()
			case frame.ChangeDown:
				// Connections are the better signal; only trust the event
				// when nothing is open anyway.
				if h.pool.OpenCount() == 0 {
					m.markDown(h, fmt.Errorf("status change event reported %s down", h.addr))
				}
			}
		}
	})
}

func (m *HealthMonitor) handleError(err error) {
	klog.V(2).InfoS("Health monitor", "err", err)
	if m.errorHandler != nil {
		m.errorHandler(err)
	}
}
