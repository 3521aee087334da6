package tcq

import (
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/atomic"
)

// Registry is the table of known hosts, keyed by address. Reads never block
// on writers; the token ring is rebuilt lazily after topology changes.
type Registry struct {
	hosts cmap.ConcurrentMap

	version  atomic.Uint64
	ringLock sync.Mutex
	ring     *tokenRing
	ringAt   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{hosts: cmap.New()}
	r.version.Store(1)
	return r
}

// Get looks a host up by address.
func (r *Registry) Get(addr string) (*Host, bool) {
	v, ok := r.hosts.Get(addr)
	if !ok {
		return nil, false
	}
	return v.(*Host), true
}

// Len is the number of known hosts.
func (r *Registry) Len() int { return r.hosts.Count() }

// All returns every known host ordered by address.
func (r *Registry) All() []*Host {

	items := r.hosts.Items()
	out := make([]*Host, 0, len(items))
	for _, v := range items {
		out = append(out, v.(*Host))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Up returns the hosts currently UP ordered by address.
func (r *Registry) Up() []*Host {

	all := r.All()
	out := all[:0]
	for _, h := range all {
		if h.IsUp() {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) add(h *Host) bool {
	if !r.hosts.SetIfAbsent(h.addr, h) {
		return false
	}
	r.version.Inc()
	return true
}

func (r *Registry) remove(addr string) (*Host, bool) {
	v, ok := r.hosts.Pop(addr)
	if !ok {
		return nil, false
	}
	r.version.Inc()
	return v.(*Host), true
}

func (r *Registry) topologyChanged() { r.version.Inc() }

// Replicas returns up to rf hosts owning token, clockwise from its owner.
func (r *Registry) Replicas(token int64, rf int) []*Host {
	return r.tokenRing().replicas(token, rf)
}

func (r *Registry) tokenRing() *tokenRing {

	v := r.version.Load()

	r.ringLock.Lock()
	defer r.ringLock.Unlock()

	if r.ring == nil || r.ringAt != v {
		r.ring = newTokenRing(r.All())
		r.ringAt = v
	}
	return r.ring
}
