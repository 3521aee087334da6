package tcq

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/hailocab/go-hostpool"
	"github.com/scylladb/go-set/strset"
	"go.uber.org/atomic"
)

// QueryPlan yields candidate hosts for one execution. It is lazy, finite
// and can be consumed once; Next returns nil when exhausted. Only hosts UP
// at the time of the call are returned, and never twice.
type QueryPlan interface {
	Next() *Host
}

// MarkingPlan is a plan that wants to hear how each attempt went.
type MarkingPlan interface {
	QueryPlan
	Mark(host *Host, err error)
}

// PlanFunc adapts a function to QueryPlan.
type PlanFunc func() *Host

// Next calls f.
func (f PlanFunc) Next() *Host { return f() }

// LoadBalancingPolicy assigns distances and builds query plans. It is also
// told about host lifecycle changes.
type LoadBalancingPolicy interface {
	HostStateListener
	Init(registry *Registry)
	Distance(host *Host) HostDistance
	NewQueryPlan(keyspace string, routingKey []byte) QueryPlan
}

type nopHostListener struct{}

func (nopHostListener) OnAdd(*Host)    {}
func (nopHostListener) OnUp(*Host)     {}
func (nopHostListener) OnDown(*Host)   {}
func (nopHostListener) OnRemove(*Host) {}

// slicePlan walks a snapshot starting at an offset, skipping hosts that are
// not UP when reached.
func slicePlan(hosts []*Host, offset int) PlanFunc {
	i := 0
	return func() *Host {
		for i < len(hosts) {
			h := hosts[(offset+i)%len(hosts)]
			i++
			if h.IsUp() {
				return h
			}
		}
		return nil
	}
}

// chainPlans yields from each plan in turn and drops duplicates.
func chainPlans(plans ...QueryPlan) PlanFunc {
	seen := strset.New()
	idx := 0
	return func() *Host {
		for idx < len(plans) {
			h := plans[idx].Next()
			if h == nil {
				idx++
				continue
			}
			if seen.Has(h.addr) {
				continue
			}
			seen.Add(h.addr)
			return h
		}
		return nil
	}
}

// RoundRobinPolicy spreads requests evenly over every host.
type RoundRobinPolicy struct {
	nopHostListener
	registry *Registry
	counter  atomic.Uint64
}

// NewRoundRobinPolicy creates a round robin policy.
func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

// Init binds the policy to the registry.
func (p *RoundRobinPolicy) Init(registry *Registry) { p.registry = registry }

// Distance is LOCAL for every host.
func (p *RoundRobinPolicy) Distance(*Host) HostDistance { return DistanceLocal }

// NewQueryPlan starts one host further than the previous plan.
func (p *RoundRobinPolicy) NewQueryPlan(string, []byte) QueryPlan {
	hosts := p.registry.All()
	if len(hosts) == 0 {
		return PlanFunc(func() *Host { return nil })
	}
	offset := int(p.counter.Inc() % uint64(len(hosts)))
	return slicePlan(hosts, offset)
}

// DCAwareRoundRobinPolicy prefers hosts of the local datacenter and falls
// back to a bounded number of hosts per remote datacenter.
type DCAwareRoundRobinPolicy struct {
	nopHostListener
	LocalDC              string
	UsedHostsPerRemoteDC int

	registry *Registry
	counter  atomic.Uint64
	dcLock   sync.RWMutex

	// remote hosts as of registry version remoteAt
	remoteLock sync.Mutex
	remoteAt   uint64
	remoteDC   string
	remote     map[*Host]struct{}
}

// NewDCAwareRoundRobinPolicy creates a DC aware policy. An empty localDC is
// inferred from the first host with a known datacenter.
func NewDCAwareRoundRobinPolicy(localDC string, usedHostsPerRemoteDC int) *DCAwareRoundRobinPolicy {
	return &DCAwareRoundRobinPolicy{LocalDC: localDC, UsedHostsPerRemoteDC: usedHostsPerRemoteDC}
}

// Init binds the policy to the registry.
func (p *DCAwareRoundRobinPolicy) Init(registry *Registry) { p.registry = registry }

// OnAdd infers the local datacenter when none was configured.
func (p *DCAwareRoundRobinPolicy) OnAdd(h *Host) {
	p.localDC(h)
}

func (p *DCAwareRoundRobinPolicy) localDC(candidate *Host) string {

	p.dcLock.RLock()
	dc := p.LocalDC
	p.dcLock.RUnlock()
	if dc != "" || candidate == nil || candidate.Datacenter() == "" {
		return dc
	}

	p.dcLock.Lock()
	defer p.dcLock.Unlock()
	if p.LocalDC == "" {
		p.LocalDC = candidate.Datacenter()
	}
	return p.LocalDC
}

// split groups hosts in local and remote (first N per remote DC).
func (p *DCAwareRoundRobinPolicy) split(hosts []*Host) (local, remote []*Host) {

	localDC := p.localDC(nil)
	perDC := make(map[string]int)
	for _, h := range hosts {
		dc := h.Datacenter()
		if dc == localDC || localDC == "" {
			local = append(local, h)
			continue
		}
		if perDC[dc] < p.UsedHostsPerRemoteDC {
			perDC[dc]++
			remote = append(remote, h)
		}
	}
	return local, remote
}

// Distance is LOCAL in the local datacenter, REMOTE for the first
// UsedHostsPerRemoteDC hosts of every other datacenter, IGNORED otherwise.
func (p *DCAwareRoundRobinPolicy) Distance(h *Host) HostDistance {

	localDC := p.localDC(h)
	dc := h.Datacenter()
	if dc == localDC || localDC == "" {
		return DistanceLocal
	}
	if p.UsedHostsPerRemoteDC == 0 {
		return DistanceIgnored
	}

	if _, ok := p.remoteHosts(localDC)[h]; ok {
		return DistanceRemote
	}
	return DistanceIgnored
}

// remoteHosts recomputes the remote selection only when the registry or
// the local datacenter changed since the last call.
func (p *DCAwareRoundRobinPolicy) remoteHosts(localDC string) map[*Host]struct{} {

	v := p.registry.version.Load()

	p.remoteLock.Lock()
	defer p.remoteLock.Unlock()

	if p.remote != nil && p.remoteAt == v && p.remoteDC == localDC {
		return p.remote
	}

	_, remote := p.split(p.registry.All())
	p.remote = make(map[*Host]struct{}, len(remote))
	for _, h := range remote {
		p.remote[h] = struct{}{}
	}
	p.remoteAt = v
	p.remoteDC = localDC
	return p.remote
}

// NewQueryPlan yields local hosts round robin, then the remote ones.
func (p *DCAwareRoundRobinPolicy) NewQueryPlan(string, []byte) QueryPlan {

	local, remote := p.split(p.registry.All())
	n := int(p.counter.Inc())

	plans := make([]QueryPlan, 0, 2)
	if len(local) > 0 {
		plans = append(plans, slicePlan(local, n%len(local)))
	}
	if len(remote) > 0 {
		plans = append(plans, slicePlan(remote, n%len(remote)))
	}
	return chainPlans(plans...)
}

// TokenAwarePolicy sends requests with a routing key to the replicas owning
// it first, then falls back to its child policy.
type TokenAwarePolicy struct {
	Child               LoadBalancingPolicy
	ReplicationFactor   int
	KeyspaceReplication map[string]int

	registry *Registry
	counter  atomic.Uint64
}

// NewTokenAwarePolicy wraps child.
func NewTokenAwarePolicy(child LoadBalancingPolicy, replicationFactor int, keyspaces map[string]int) *TokenAwarePolicy {
	if replicationFactor <= 0 {
		replicationFactor = 3
	}
	return &TokenAwarePolicy{Child: child, ReplicationFactor: replicationFactor, KeyspaceReplication: keyspaces}
}

// Init binds the policy and its child to the registry.
func (p *TokenAwarePolicy) Init(registry *Registry) {
	p.registry = registry
	p.Child.Init(registry)
}

// Distance delegates to the child.
func (p *TokenAwarePolicy) Distance(h *Host) HostDistance { return p.Child.Distance(h) }

// OnAdd forwards to the child.
func (p *TokenAwarePolicy) OnAdd(h *Host) { p.Child.OnAdd(h) }

// OnUp forwards to the child.
func (p *TokenAwarePolicy) OnUp(h *Host) { p.Child.OnUp(h) }

// OnDown forwards to the child.
func (p *TokenAwarePolicy) OnDown(h *Host) { p.Child.OnDown(h) }

// OnRemove forwards to the child.
func (p *TokenAwarePolicy) OnRemove(h *Host) { p.Child.OnRemove(h) }

func (p *TokenAwarePolicy) rf(keyspace string) int {
	if rf, ok := p.KeyspaceReplication[keyspace]; ok && rf > 0 {
		return rf
	}
	return p.ReplicationFactor
}

// NewQueryPlan yields LOCAL replicas, then other non ignored replicas, then
// the child plan without the replicas.
func (p *TokenAwarePolicy) NewQueryPlan(keyspace string, routingKey []byte) QueryPlan {

	child := p.Child.NewQueryPlan(keyspace, routingKey)
	if len(routingKey) == 0 {
		return child
	}

	replicas := p.registry.Replicas(Murmur3Token(routingKey), p.rf(keyspace))
	if len(replicas) == 0 {
		return child
	}

	var local, remote []*Host
	for _, r := range replicas {
		switch p.Child.Distance(r) {
		case DistanceLocal:
			local = append(local, r)
		case DistanceRemote:
			remote = append(remote, r)
		}
	}

	n := int(p.counter.Inc())
	plans := make([]QueryPlan, 0, 3)
	if len(local) > 0 {
		plans = append(plans, slicePlan(local, n%len(local)))
	}
	if len(remote) > 0 {
		plans = append(plans, slicePlan(remote, 0))
	}
	plans = append(plans, child)
	return chainPlans(plans...)
}

// HostPoolPolicy picks the first host with an epsilon greedy strategy fed
// by the outcome of previous attempts, then falls back to round robin.
type HostPoolPolicy struct {
	nopHostListener
	registry *Registry
	pool     hostpool.HostPool
	lock     sync.Mutex
	counter  atomic.Uint64
}

// NewHostPoolPolicy creates an epsilon greedy policy whose response time
// weights decay over decay.
func NewHostPoolPolicy(decay time.Duration) *HostPoolPolicy {
	return &HostPoolPolicy{
		pool: hostpool.NewEpsilonGreedy(nil, decay, &hostpool.LinearEpsilonValueCalculator{}),
	}
}

// Init binds the policy to the registry.
func (p *HostPoolPolicy) Init(registry *Registry) {
	p.registry = registry
	p.resetHosts()
}

func (p *HostPoolPolicy) resetHosts() {
	hosts := p.registry.Up()
	addrs := make([]string, 0, len(hosts))
	for _, h := range hosts {
		addrs = append(addrs, h.addr)
	}

	p.lock.Lock()
	p.pool.SetHosts(addrs)
	p.lock.Unlock()
}

// OnUp adds the host to the pool of candidates.
func (p *HostPoolPolicy) OnUp(*Host) { p.resetHosts() }

// OnDown removes the host from the pool of candidates.
func (p *HostPoolPolicy) OnDown(*Host) { p.resetHosts() }

// OnRemove removes the host from the pool of candidates.
func (p *HostPoolPolicy) OnRemove(*Host) { p.resetHosts() }

// Distance is LOCAL for every host.
func (p *HostPoolPolicy) Distance(*Host) HostDistance { return DistanceLocal }

// NewQueryPlan starts with the epsilon greedy pick.
func (p *HostPoolPolicy) NewQueryPlan(string, []byte) QueryPlan {

	plan := &hostPoolPlan{}

	p.lock.Lock()
	if len(p.pool.Hosts()) > 0 {
		plan.resp = p.pool.Get()
	}
	p.lock.Unlock()

	var first []*Host
	if plan.resp != nil {
		if h, ok := p.registry.Get(plan.resp.Host()); ok {
			first = append(first, h)
		}
	}

	hosts := p.registry.All()
	offset := 0
	if len(hosts) > 0 {
		offset = int(p.counter.Inc() % uint64(len(hosts)))
	}
	plan.next = chainPlans(slicePlan(first, 0), slicePlan(hosts, offset))
	return plan
}

type hostPoolPlan struct {
	next   PlanFunc
	resp   hostpool.HostPoolResponse
	marked bool
}

func (pl *hostPoolPlan) Next() *Host { return pl.next() }

func (pl *hostPoolPlan) Mark(h *Host, err error) {
	if pl.resp == nil || pl.marked || h.addr != pl.resp.Host() {
		return
	}
	pl.marked = true
	pl.resp.Mark(err)
}

// FilteringPolicy hides hosts from its child. A host is kept when it matches
// an Allow pattern (or Allow is empty) and no Deny pattern. Patterns are
// globs matched against the address and against "dc:<datacenter>".
type FilteringPolicy struct {
	Child LoadBalancingPolicy
	allow []glob.Glob
	deny  []glob.Glob
}

// NewFilteringPolicy compiles the patterns.
func NewFilteringPolicy(child LoadBalancingPolicy, allow, deny []string) (*FilteringPolicy, error) {

	p := &FilteringPolicy{Child: child}
	for _, pattern := range allow {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allow pattern %q: %w", pattern, err)
		}
		p.allow = append(p.allow, g)
	}
	for _, pattern := range deny {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", pattern, err)
		}
		p.deny = append(p.deny, g)
	}
	return p, nil
}

func matchAny(globs []glob.Glob, subjects ...string) bool {
	for _, g := range globs {
		for _, s := range subjects {
			if s != "" && g.Match(s) {
				return true
			}
		}
	}
	return false
}

// Accepts reports whether h passes the filter.
func (p *FilteringPolicy) Accepts(h *Host) bool {

	subjects := []string{h.addr}
	if dc := h.Datacenter(); dc != "" {
		subjects = append(subjects, "dc:"+strings.ToLower(dc))
	}
	if len(p.allow) > 0 && !matchAny(p.allow, subjects...) {
		return false
	}
	return !matchAny(p.deny, subjects...)
}

// Init binds the child to the registry.
func (p *FilteringPolicy) Init(registry *Registry) { p.Child.Init(registry) }

// Distance is IGNORED for filtered hosts.
func (p *FilteringPolicy) Distance(h *Host) HostDistance {
	if !p.Accepts(h) {
		return DistanceIgnored
	}
	return p.Child.Distance(h)
}

// OnAdd forwards accepted hosts to the child.
func (p *FilteringPolicy) OnAdd(h *Host) {
	if p.Accepts(h) {
		p.Child.OnAdd(h)
	}
}

// OnUp forwards accepted hosts to the child.
func (p *FilteringPolicy) OnUp(h *Host) {
	if p.Accepts(h) {
		p.Child.OnUp(h)
	}
}

// OnDown forwards accepted hosts to the child.
func (p *FilteringPolicy) OnDown(h *Host) {
	if p.Accepts(h) {
		p.Child.OnDown(h)
	}
}

// OnRemove forwards accepted hosts to the child.
func (p *FilteringPolicy) OnRemove(h *Host) {
	if p.Accepts(h) {
		p.Child.OnRemove(h)
	}
}

// NewQueryPlan skips filtered hosts of the child plan.
func (p *FilteringPolicy) NewQueryPlan(keyspace string, routingKey []byte) QueryPlan {

	child := p.Child.NewQueryPlan(keyspace, routingKey)
	next := func() *Host {
		for h := child.Next(); h != nil; h = child.Next() {
			if p.Accepts(h) {
				return h
			}
		}
		return nil
	}
	if marking, ok := child.(MarkingPlan); ok {
		return &filteredMarkingPlan{next: next, child: marking}
	}
	return PlanFunc(next)
}

type filteredMarkingPlan struct {
	next  func() *Host
	child MarkingPlan
}

func (pl *filteredMarkingPlan) Next() *Host            { return pl.next() }
func (pl *filteredMarkingPlan) Mark(h *Host, err error) { pl.child.Mark(h, err) }

// NewLoadBalancingPolicy builds the policy described by the configuration.
func NewLoadBalancingPolicy(cfg *LoadBalancingConfig) (LoadBalancingPolicy, error) {

	var policy LoadBalancingPolicy
	switch cfg.Type {
	case RoundRobinPolicyType:
		policy = NewRoundRobinPolicy()
	case "", DCAwarePolicyType:
		policy = NewDCAwareRoundRobinPolicy(cfg.LocalDC, cfg.UsedHostsPerRemoteDC)
	case HostPoolPolicyType:
		policy = NewHostPoolPolicy(millis(cfg.HostPoolDecay))
	default:
		return nil, fmt.Errorf("unknown load balancing policy %q", cfg.Type)
	}

	if cfg.TokenAware {
		policy = NewTokenAwarePolicy(policy, cfg.ReplicationFactor, cfg.KeyspaceReplication)
	}

	if len(cfg.Allow) > 0 || len(cfg.Deny) > 0 {
		filtered, err := NewFilteringPolicy(policy, cfg.Allow, cfg.Deny)
		if err != nil {
			return nil, err
		}
		policy = filtered
	}

	return policy, nil
}
