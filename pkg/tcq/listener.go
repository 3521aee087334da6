package tcq

import (
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"k8s.io/klog/v2"
)

// HostStateListener is told about host lifecycle transitions. Calls for a
// given host arrive in the order the transitions happened.
type HostStateListener interface {
	OnAdd(host *Host)
	OnUp(host *Host)
	OnDown(host *Host)
	OnRemove(host *Host)
}

// HostListenerFuncs adapts optional functions to HostStateListener.
type HostListenerFuncs struct {
	Add    func(*Host)
	Up     func(*Host)
	Down   func(*Host)
	Remove func(*Host)
}

// OnAdd calls Add when set.
func (f HostListenerFuncs) OnAdd(h *Host) {
	if f.Add != nil {
		f.Add(h)
	}
}

// OnUp calls Up when set.
func (f HostListenerFuncs) OnUp(h *Host) {
	if f.Up != nil {
		f.Up(h)
	}
}

// OnDown calls Down when set.
func (f HostListenerFuncs) OnDown(h *Host) {
	if f.Down != nil {
		f.Down(h)
	}
}

// OnRemove calls Remove when set.
func (f HostListenerFuncs) OnRemove(h *Host) {
	if f.Remove != nil {
		f.Remove(h)
	}
}

type hostEventKind int

const (
	hostAdded hostEventKind = iota
	hostUp
	hostDown
	hostRemoved
)

func (k hostEventKind) String() string {
	return [...]string{"add", "up", "down", "remove"}[k]
}

type hostEvent struct {
	kind hostEventKind
	host *Host
}

// listenerDispatcher delivers host events to listeners from one goroutine,
// so the transitions of a host are observed in order. Events are queued
// without bound; producers never wait on slow listeners.
type listenerDispatcher struct {
	lock      sync.RWMutex
	listeners []HostStateListener
	events    *queue.Queue
	wg        sync.WaitGroup
}

func newListenerDispatcher() *listenerDispatcher {
	d := &listenerDispatcher{events: queue.New(64)}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *listenerDispatcher) add(l HostStateListener) {
	d.lock.Lock()
	d.listeners = append(d.listeners, l)
	d.lock.Unlock()
}

func (d *listenerDispatcher) notify(kind hostEventKind, h *Host) {
	if err := d.events.Put(hostEvent{kind: kind, host: h}); err != nil {
		klog.V(4).InfoS("Dropping host event after shutdown", "event", kind, "host", h.addr)
	}
}

func (d *listenerDispatcher) loop() {
	defer d.wg.Done()

	for {
		items, err := d.events.Get(32)
		if err != nil {
			return
		}

		d.lock.RLock()
		listeners := d.listeners
		d.lock.RUnlock()

		for _, item := range items {
			ev := item.(hostEvent)
			for _, l := range listeners {
				deliver(l, ev)
			}
		}
	}
}

func deliver(l HostStateListener, ev hostEvent) {
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(nil, "Host listener panicked", "event", ev.kind, "host", ev.host.addr, "panic", r)
		}
	}()

	switch ev.kind {
	case hostAdded:
		l.OnAdd(ev.host)
	case hostUp:
		l.OnUp(ev.host)
	case hostDown:
		l.OnDown(ev.host)
	case hostRemoved:
		l.OnRemove(ev.host)
	}
}

// stop drops undelivered events and waits for the dispatcher to exit.
func (d *listenerDispatcher) stop() {
	d.events.Dispose()
	d.wg.Wait()
}
