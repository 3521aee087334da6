package tcq

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// ConnectionPool houses the connections of one host. Borrowing never blocks:
// growing, replacing and shrinking happen in the background.
type ConnectionPool struct {
	Config       PoolConfig
	host         *Host
	opts         connectionOptions
	bg           *background
	poolRWLock   sync.RWMutex
	connections  []*Connection
	connectionID atomic.Uint64
	desired      atomic.Int32
	filling      atomic.Bool
	fillLock     sync.Mutex
	closed       atomic.Bool
	limiter      *rate.Limiter
	lowLoadTicks int
	onEmpty      func(*Host, error)
	errorHandler func(error)
}

func newConnectionPool(
	host *Host,
	config PoolConfig,
	opts connectionOptions,
	bg *background,
	onEmpty func(*Host, error),
	errorHandler func(error)) *ConnectionPool {

	p := &ConnectionPool{
		Config:       config,
		host:         host,
		bg:           bg,
		limiter:      rate.NewLimiter(rate.Limit(config.ReplacementRate), config.ReplacementBurst),
		onEmpty:      onEmpty,
		errorHandler: errorHandler,
	}
	opts.OnDefunct = p.onConnectionDefunct
	p.opts = opts
	host.pool = p
	return p
}

// Borrow returns the least busy open connection that still has a free stream id.
func (p *ConnectionPool) Borrow() (*Connection, error) {

	if p.closed.Load() {
		return nil, ErrConnectionPoolClosed
	}

	p.poolRWLock.RLock()
	var best *Connection
	bestLoad := math.MaxInt
	for _, c := range p.connections {
		if c.IsClosed() {
			continue
		}
		if load := c.Load(); load < bestLoad {
			best, bestLoad = c, load
		}
	}
	open := len(p.connections)
	p.poolRWLock.RUnlock()

	if best == nil {
		return nil, fmt.Errorf("%w: %s has no open connection", ErrNoConnectionAvailable, p.host.addr)
	}
	if bestLoad >= best.Capacity() {
		p.grow(open)
		return nil, fmt.Errorf("%w: %w", ErrNoConnectionAvailable, ErrBusy)
	}
	if bestLoad >= p.Config.NewConnectionThreshold {
		p.grow(open)
	}

	return best, nil
}

// OpenCount is the number of live connections.
func (p *ConnectionPool) OpenCount() int {
	p.poolRWLock.RLock()
	defer p.poolRWLock.RUnlock()

	n := 0
	for _, c := range p.connections {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// InFlight is the number of requests pending across all connections.
func (p *ConnectionPool) InFlight() int {
	p.poolRWLock.RLock()
	defer p.poolRWLock.RUnlock()

	n := 0
	for _, c := range p.connections {
		n += c.InFlight()
	}
	return n
}

// coreSize is the size the pool keeps at its host's distance.
func (p *ConnectionPool) coreSize() int {
	switch p.host.Distance() {
	case DistanceLocal:
		return p.Config.LocalConnections
	case DistanceRemote:
		return p.Config.RemoteConnections
	default:
		return 0
	}
}

func (p *ConnectionPool) targetSize() int {
	core := p.coreSize()
	if core == 0 {
		return 0
	}
	if d := int(p.desired.Load()); d > core {
		return d
	}
	return core
}

func (p *ConnectionPool) grow(open int) {

	if open >= p.Config.MaxConnectionsPerHost {
		return
	}
	for {
		d := p.desired.Load()
		if int(d) > open {
			break
		}
		if p.desired.CompareAndSwap(d, int32(open+1)) {
			break
		}
	}
	p.fillAsync()
}

// fillAsync opens connections up to the target size on a background
// goroutine. At most one fill runs per pool.
func (p *ConnectionPool) fillAsync() {

	if p.closed.Load() || !p.host.IsUp() {
		return
	}
	if !p.filling.CompareAndSwap(false, true) {
		return
	}

	started := p.bg.spawn(func(ctx context.Context) {
		defer p.filling.Store(false)
		p.fill(ctx)
	})
	if !started {
		p.filling.Store(false)
	}
}

// fill opens connections until the target size is reached, the host is no
// longer UP or an open fails. Concurrent fills run one after the other.
func (p *ConnectionPool) fill(ctx context.Context) {

	p.fillLock.Lock()
	defer p.fillLock.Unlock()

	for !p.closed.Load() && p.host.IsUp() && p.OpenCount() < p.targetSize() {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := p.openOne(ctx); err != nil {
			p.handleError(err)
			return
		}
	}
}

// openOne opens a single connection and adds it to the pool.
func (p *ConnectionPool) openOne(ctx context.Context) (*Connection, error) {

	if p.closed.Load() {
		return nil, ErrConnectionPoolClosed
	}

	c, err := openConnection(ctx, p.connectionID.Inc(), p.host.addr, p.opts)
	if err != nil {
		return nil, err
	}

	p.host.mu.Lock()
	defer p.host.mu.Unlock()

	if p.closed.Load() || p.host.State() == HostRemoved {
		c.Close()
		return nil, ErrConnectionPoolClosed
	}

	p.poolRWLock.Lock()
	if c.IsClosed() {
		p.poolRWLock.Unlock()
		return nil, c.closedError()
	}
	p.connections = append(p.connections, c)
	p.poolRWLock.Unlock()

	klog.V(4).InfoS("Connection opened", "host", p.host.addr, "connection", c.ID)
	return c, nil
}

func (p *ConnectionPool) onConnectionDefunct(c *Connection, cause error) {

	p.poolRWLock.Lock()
	found := false
	remaining := 0
	kept := p.connections[:0]
	for _, existing := range p.connections {
		if existing == c {
			found = true
			continue
		}
		kept = append(kept, existing)
		if !existing.IsClosed() {
			remaining++
		}
	}
	p.connections = kept
	p.poolRWLock.Unlock()

	if !found || p.closed.Load() {
		return
	}

	p.handleError(fmt.Errorf("connection %d to %s defunct: %w", c.ID, p.host.addr, cause))

	if remaining == 0 {
		if p.onEmpty != nil {
			p.onEmpty(p.host, cause)
		}
		return
	}
	p.fillAsync()
}

// maintain runs on every health monitor tick for UP hosts: it tops the pool
// up and shrinks it back to core size after sustained low load.
func (p *ConnectionPool) maintain() {

	if p.closed.Load() {
		return
	}

	core := p.coreSize()
	if core == 0 {
		p.closeAll()
		return
	}
	if int(p.desired.Load()) < core {
		p.desired.Store(int32(core))
	}

	open := p.OpenCount()
	if open < p.targetSize() {
		p.fillAsync()
		return
	}
	if open <= core {
		p.lowLoadTicks = 0
		return
	}

	if p.InFlight() < open*p.Config.NewConnectionThreshold/4 {
		p.lowLoadTicks++
	} else {
		p.lowLoadTicks = 0
	}
	if p.lowLoadTicks < p.Config.ShrinkAfterIdleTicks {
		return
	}

	p.lowLoadTicks = 0
	if p.closeIdle() {
		p.desired.Store(int32(open - 1))
	}
}

// closeIdle closes one connection with nothing in flight.
func (p *ConnectionPool) closeIdle() bool {

	p.poolRWLock.Lock()
	var victim *Connection
	for i, c := range p.connections {
		if c.InFlight() == 0 {
			victim = c
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			break
		}
	}
	p.poolRWLock.Unlock()

	if victim == nil {
		return false
	}
	klog.V(2).InfoS("Shrinking pool", "host", p.host.addr, "connection", victim.ID)
	victim.closeAndWait()
	return true
}

// closeAll closes every connection but leaves the pool usable.
func (p *ConnectionPool) closeAll() {

	p.poolRWLock.Lock()
	conns := p.connections
	p.connections = nil
	p.poolRWLock.Unlock()

	wg := &sync.WaitGroup{}
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.closeAndWait()
		}(c)
	}
	wg.Wait()
}

// Shutdown closes every connection and refuses new ones.
func (p *ConnectionPool) Shutdown() {
	p.closed.Store(true)
	p.closeAll()
}

func (p *ConnectionPool) handleError(err error) {
	klog.V(2).InfoS("Pool error", "host", p.host.addr, "err", err)
	if p.errorHandler != nil {
		p.errorHandler(err)
	}
}
