package tcq

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/houseofcat/turbocql/pkg/frame"
)

// ResponseFuture is the pending completion of one request on one
// connection. It resolves exactly once, with a frame or an error.
type ResponseFuture struct {
	streamID int16
	done     chan struct{}
	once     sync.Once
	frame    *frame.Frame
	err      error
}

func newResponseFuture() *ResponseFuture {
	return &ResponseFuture{done: make(chan struct{})}
}

// resolve reports whether this call was the one that resolved the future.
func (f *ResponseFuture) resolve(fr *frame.Frame, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.frame = fr
		f.err = err
		resolved = true
		close(f.done)
	})
	return resolved
}

// StreamID is the stream id the request was sent with.
func (f *ResponseFuture) StreamID() int16 { return f.streamID }

// Done is closed once the future resolved.
func (f *ResponseFuture) Done() <-chan struct{} { return f.done }

// Result returns the outcome. Only valid once Done is closed.
func (f *ResponseFuture) Result() (*frame.Frame, error) {
	return f.frame, f.err
}

// streamArena maps stream ids to pending completions. Slots are indexed by
// id; free ids are kept in a FIFO ring so a released id goes back to the
// end of the line and is reused as late as possible.
//
// An abandoned id is orphaned rather than freed: it stays out of the free
// ring until the host answers it or the arena is drained, so a late
// response can never resolve a newer request that reused the id. Orphans
// count against the capacity.
type streamArena struct {
	mu       sync.Mutex
	slots    []*ResponseFuture
	orphaned []bool
	free     []int16
	head     int
	count    int
	closed   bool
	pending  atomic.Int32
	orphans  atomic.Int32
}

func newStreamArena(size int) *streamArena {

	if size <= 0 || size > frame.MaxStreams {
		size = frame.MaxStreams
	}

	a := &streamArena{
		slots:    make([]*ResponseFuture, size),
		orphaned: make([]bool, size),
		free:     make([]int16, size),
		count:    size,
	}
	for i := range a.free {
		a.free[i] = int16(i)
	}
	return a
}

// alloc binds f to a free stream id.
func (a *streamArena) alloc(f *ResponseFuture) (int16, error) {

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrConnectionClosed
	}
	if a.count == 0 {
		return 0, ErrBusy
	}

	id := a.free[a.head]
	a.head = (a.head + 1) % len(a.free)
	a.count--

	a.slots[id] = f
	f.streamID = id
	a.pending.Inc()
	return id, nil
}

func (a *streamArena) putBack(id int16) {
	a.free[(a.head+a.count)%len(a.free)] = id
	a.count++
}

// take frees the slot for id and returns what it held, nil for an id with
// no pending completion. An orphaned id is freed and nil is returned.
func (a *streamArena) take(id int16) *ResponseFuture {

	if id < 0 || int(id) >= len(a.slots) {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f := a.slots[id]
	if f == nil {
		if a.orphaned[id] {
			a.orphaned[id] = false
			a.orphans.Dec()
			a.putBack(id)
		}
		return nil
	}
	a.slots[id] = nil
	a.pending.Dec()
	a.putBack(id)
	return f
}

// release frees the slot of f if it still holds f. Only for requests that
// never reached the wire.
func (a *streamArena) release(f *ResponseFuture) bool {

	id := f.streamID
	if id < 0 || int(id) >= len(a.slots) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.slots[id] != f {
		return false
	}
	a.slots[id] = nil
	a.pending.Dec()
	a.putBack(id)
	return true
}

// orphan detaches f from its id but keeps the id reserved until take sees
// the late response for it.
func (a *streamArena) orphan(f *ResponseFuture) bool {

	id := f.streamID
	if id < 0 || int(id) >= len(a.slots) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.slots[id] != f {
		return false
	}
	a.slots[id] = nil
	a.orphaned[id] = true
	a.pending.Dec()
	a.orphans.Inc()
	return true
}

// drain closes the arena and hands back every pending completion.
func (a *streamArena) drain() []*ResponseFuture {

	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	out := make([]*ResponseFuture, 0, a.pending.Load())
	for id, f := range a.slots {
		switch {
		case f != nil:
			out = append(out, f)
			a.slots[id] = nil
			a.pending.Dec()
			a.putBack(int16(id))
		case a.orphaned[id]:
			a.orphaned[id] = false
			a.orphans.Dec()
			a.putBack(int16(id))
		}
	}
	return out
}

func (a *streamArena) inFlight() int { return int(a.pending.Load()) }

func (a *streamArena) orphanCount() int { return int(a.orphans.Load()) }

// used is the number of ids not available to alloc.
func (a *streamArena) used() int { return int(a.pending.Load() + a.orphans.Load()) }

func (a *streamArena) capacity() int { return len(a.slots) }
