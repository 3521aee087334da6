package tcq

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	h := newHost(HostInfo{Addr: "10.0.0.1:9042", Datacenter: "dc1"})

	assert.True(t, r.add(h))
	assert.False(t, r.add(newHost(HostInfo{Addr: "10.0.0.1:9042"})), "address is the identity")

	got, ok := r.Get("10.0.0.1:9042")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Len())

	removed, ok := r.remove("10.0.0.1:9042")
	require.True(t, ok)
	assert.Same(t, h, removed)
	_, ok = r.remove("10.0.0.1:9042")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRebuildsRingOnChange(t *testing.T) {
	hosts := newTestHosts("dc1", "dc1")
	r := registryOf(hosts...)

	assert.Equal(t, []*Host{hosts[1]}, r.Replicas(1500, 1))

	extra := newHost(HostInfo{Addr: "10.0.0.9:9042", Tokens: []int64{1200}})
	r.add(extra)
	assert.Equal(t, []*Host{extra}, r.Replicas(1100, 1))

	assert.True(t, hosts[0].setInfo(HostInfo{Tokens: []int64{1100}}))
	r.topologyChanged()
	assert.Equal(t, []*Host{hosts[0]}, r.Replicas(1050, 1))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	hosts := newTestHosts("dc1", "dc1", "dc1", "dc1", "dc1", "dc1", "dc1", "dc1")

	wg := &sync.WaitGroup{}
	for _, h := range hosts {
		wg.Add(2)
		go func(h *Host) {
			defer wg.Done()
			r.add(h)
		}(h)
		go func() {
			defer wg.Done()
			_ = r.All()
			_ = r.Replicas(0, 3)
		}()
	}
	wg.Wait()

	assert.Len(t, r.Up(), len(hosts))
}

type recordingListener struct {
	lock   sync.Mutex
	events []string
}

func (l *recordingListener) record(kind string, h *Host) {
	l.lock.Lock()
	l.events = append(l.events, kind+" "+h.Addr())
	l.lock.Unlock()
}

func (l *recordingListener) OnAdd(h *Host)    { l.record("add", h) }
func (l *recordingListener) OnUp(h *Host)     { l.record("up", h) }
func (l *recordingListener) OnDown(h *Host)   { l.record("down", h) }
func (l *recordingListener) OnRemove(h *Host) { l.record("remove", h) }

func (l *recordingListener) snapshot() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]string(nil), l.events...)
}

// hosts returns the addresses that received at least one event of kind.
func (l *recordingListener) hosts(kind string) map[string]bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make(map[string]bool)
	for _, ev := range l.events {
		if addr, ok := strings.CutPrefix(ev, kind+" "); ok {
			out[addr] = true
		}
	}
	return out
}

func TestListenerDispatcherPreservesOrder(t *testing.T) {
	d := newListenerDispatcher()
	defer d.stop()

	l := &recordingListener{}
	d.add(l)
	d.add(HostListenerFuncs{Up: func(*Host) { panic("listener bug") }})

	h := newHost(HostInfo{Addr: "10.0.0.1:9042"})
	d.notify(hostAdded, h)
	d.notify(hostUp, h)
	d.notify(hostDown, h)
	d.notify(hostUp, h)
	d.notify(hostRemoved, h)

	want := []string{
		"add 10.0.0.1:9042",
		"up 10.0.0.1:9042",
		"down 10.0.0.1:9042",
		"up 10.0.0.1:9042",
		"remove 10.0.0.1:9042",
	}
	assert.Eventually(t, func() bool { return len(l.snapshot()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, l.snapshot())
}
