package tcq

import (
	"context"
	"sync"
)

// background owns the goroutines started on behalf of a session so that
// shutdown can cancel and join all of them.
type background struct {
	ctx    context.Context
	cancel context.CancelFunc
	lock   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newBackground(parent context.Context) *background {
	ctx, cancel := context.WithCancel(parent)
	return &background{ctx: ctx, cancel: cancel}
}

// spawn runs fn on a tracked goroutine. It reports false once stopping.
func (b *background) spawn(fn func(ctx context.Context)) bool {

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return false
	}
	b.wg.Add(1)
	b.lock.Unlock()

	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
	return true
}

// stop cancels the context and waits for every spawned goroutine.
func (b *background) stop() {
	b.lock.Lock()
	b.closed = true
	b.lock.Unlock()

	b.cancel()
	b.wg.Wait()
}
