package tcq

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// HostState is the logical state of a host as seen by this client.
type HostState int32

// Host states. HostRemoved is terminal.
const (
	HostDown HostState = iota
	HostUp
	HostIgnored
	HostRemoved
)

func (s HostState) String() string {
	switch s {
	case HostUp:
		return "UP"
	case HostDown:
		return "DOWN"
	case HostIgnored:
		return "IGNORED"
	case HostRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("HostState(%d)", int32(s))
	}
}

// HostDistance is how close a host is to this client, as decided by the
// load balancing policy. It sizes the host's pool.
type HostDistance int32

// Host distances.
const (
	DistanceLocal HostDistance = iota
	DistanceRemote
	DistanceIgnored
)

func (d HostDistance) String() string {
	switch d {
	case DistanceLocal:
		return "LOCAL"
	case DistanceRemote:
		return "REMOTE"
	case DistanceIgnored:
		return "IGNORED"
	default:
		return fmt.Sprintf("HostDistance(%d)", int32(d))
	}
}

// HostInfo describes a host as reported by configuration or topology.
type HostInfo struct {
	Addr       string    `json:"Addr" yaml:"Addr"`
	HostID     uuid.UUID `json:"HostID" yaml:"HostID"`
	Datacenter string    `json:"Datacenter" yaml:"Datacenter"`
	Rack       string    `json:"Rack" yaml:"Rack"`
	Tokens     []int64   `json:"Tokens" yaml:"Tokens"`
}

// Host is one node of the cluster. Its address is its identity.
type Host struct {
	addr   string
	hostID uuid.UUID

	infoLock   sync.RWMutex
	datacenter string
	rack       string
	tokens     []int64

	state    atomic.Int32
	distance atomic.Int32
	pool     *ConnectionPool

	// mu orders state transitions against pool membership changes.
	mu           sync.Mutex
	schedule     ReconnectionSchedule
	reconnecting bool
	wake         chan struct{}
}

func newHost(info HostInfo) *Host {

	h := &Host{
		addr:   info.Addr,
		hostID: info.HostID,
		wake:   make(chan struct{}, 1),
	}
	if h.hostID == uuid.Nil {
		h.hostID = uuid.New()
	}
	h.state.Store(int32(HostDown))
	h.setInfo(info)
	return h
}

// NewHost creates a DOWN host that belongs to no session and has no pool.
func NewHost(info HostInfo) *Host {
	return newHost(info)
}

// Addr is the host:port identity of the host.
func (h *Host) Addr() string { return h.addr }

// HostID is the host id reported by topology, or a random one.
func (h *Host) HostID() uuid.UUID { return h.hostID }

// Datacenter is the datacenter of the host, empty when unknown.
func (h *Host) Datacenter() string {
	h.infoLock.RLock()
	defer h.infoLock.RUnlock()
	return h.datacenter
}

// Rack is the rack of the host, empty when unknown.
func (h *Host) Rack() string {
	h.infoLock.RLock()
	defer h.infoLock.RUnlock()
	return h.rack
}

// Tokens returns a copy of the ring tokens owned by the host.
func (h *Host) Tokens() []int64 {
	h.infoLock.RLock()
	defer h.infoLock.RUnlock()
	return append([]int64(nil), h.tokens...)
}

// State is the current logical state.
func (h *Host) State() HostState { return HostState(h.state.Load()) }

// IsUp reports whether queries may be routed to the host.
func (h *Host) IsUp() bool { return h.State() == HostUp }

// Distance is the distance last assigned by the load balancing policy.
func (h *Host) Distance() HostDistance { return HostDistance(h.distance.Load()) }

// Pool is the connection pool of the host.
func (h *Host) Pool() *ConnectionPool { return h.pool }

func (h *Host) String() string {
	return fmt.Sprintf("%s[%s/%s %s]", h.addr, h.Datacenter(), h.Rack(), h.State())
}

// setInfo reports whether the datacenter or the token ownership changed.
func (h *Host) setInfo(info HostInfo) bool {

	h.infoLock.Lock()
	defer h.infoLock.Unlock()

	moved := false
	if info.Datacenter != "" && info.Datacenter != h.datacenter {
		h.datacenter = info.Datacenter
		moved = true
	}
	if info.Rack != "" {
		h.rack = info.Rack
	}
	if info.Tokens == nil || equalTokens(h.tokens, info.Tokens) {
		return moved
	}
	h.tokens = append([]int64(nil), info.Tokens...)
	return true
}

// setState must be called with h.mu held.
func (h *Host) setState(s HostState) HostState {
	return HostState(h.state.Swap(int32(s)))
}

func (h *Host) setDistance(d HostDistance) HostDistance {
	return HostDistance(h.distance.Swap(int32(d)))
}

// wakeReconnect cuts the current reconnection delay short.
func (h *Host) wakeReconnect() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func equalTokens(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NormalizeAddr appends defaultPort to addresses that have none.
func NormalizeAddr(addr string, defaultPort int) (string, error) {

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	if addr == "" {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return net.JoinHostPort(addr, strconv.Itoa(defaultPort)), nil
}
