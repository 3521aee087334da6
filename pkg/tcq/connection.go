package tcq

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/houseofcat/turbocql/pkg/frame"
)

// connectionOptions carries what a connection needs from its session.
type connectionOptions struct {
	ApplicationName   string
	Dialer            Dialer
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration // zero disables heartbeats
	HeartbeatTimeout  time.Duration
	MaxStreams        int
	Compressor        frame.Compressor

	// OnEvent receives frames pushed on the event stream.
	OnEvent func(*Connection, *frame.Event)

	// OnDefunct is called once, from one of the connection goroutines, when
	// the connection dies on its own. It must not block.
	OnDefunct func(*Connection, error)
}

// Connection is one multiplexed transport to a host. Requests are tagged
// with a stream id and may complete in any order.
type Connection struct {
	ID   uint64
	addr string

	conn           net.Conn
	opts           connectionOptions
	streams        *streamArena
	writes         chan *frame.Frame
	closing        chan struct{}
	closeOnce      sync.Once
	closed         atomic.Bool
	defunct        atomic.Bool
	compressWrites atomic.Bool
	lastRead       atomic.Int64
	requests       atomic.Uint64
	errLock        sync.Mutex
	lastErr        error
	wg             sync.WaitGroup
}

// openConnection dials addr, starts the connection goroutines and runs the
// OPTIONS / STARTUP handshake, all bounded by the connect timeout.
func openConnection(ctx context.Context, id uint64, addr string, opts connectionOptions) (*Connection, error) {

	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	netConn, err := opts.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := newConnection(id, addr, netConn, opts)

	if err := c.startup(ctx); err != nil {
		c.closeAndWait()
		return nil, fmt.Errorf("startup %s: %w", addr, err)
	}

	if opts.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}

	return c, nil
}

func newConnection(id uint64, addr string, netConn net.Conn, opts connectionOptions) *Connection {

	streams := newStreamArena(opts.MaxStreams)
	c := &Connection{
		ID:      id,
		addr:    addr,
		conn:    netConn,
		opts:    opts,
		streams: streams,
		// a queued frame keeps its stream id at least until it was written
		writes:  make(chan *frame.Frame, streams.capacity()),
		closing: make(chan struct{}),
	}
	c.lastRead.Store(time.Now().UnixNano())

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return c
}

// Addr is the address of the host this connection talks to.
func (c *Connection) Addr() string { return c.addr }

// InFlight is the number of requests waiting for a response.
func (c *Connection) InFlight() int { return c.streams.inFlight() }

// Orphaned is the number of abandoned stream ids still waiting for their
// late response.
func (c *Connection) Orphaned() int { return c.streams.orphanCount() }

// Load is the number of stream ids in use, orphans included.
func (c *Connection) Load() int { return c.streams.used() }

// Capacity is the size of the stream id space.
func (c *Connection) Capacity() int { return c.streams.capacity() }

// IsClosed reports whether the connection was closed or went defunct.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

// IsDefunct reports whether the connection died on its own.
func (c *Connection) IsDefunct() bool { return c.defunct.Load() }

// Requests is the number of requests sent so far.
func (c *Connection) Requests() uint64 { return c.requests.Load() }

// LastError is the cause of the close, if any.
func (c *Connection) LastError() error {
	c.errLock.Lock()
	defer c.errLock.Unlock()
	return c.lastErr
}

// Send allocates a stream id, registers the pending completion and queues
// the frame for writing. It never waits: it returns ErrBusy when no stream
// id is free or the write queue is full.
func (c *Connection) Send(op frame.OpCode, body []byte) (*ResponseFuture, error) {

	if c.closed.Load() {
		return nil, c.closedError()
	}

	fut := newResponseFuture()
	id, err := c.streams.alloc(fut)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return nil, c.closedError()
		}
		return nil, err
	}

	select {
	case c.writes <- frame.New(id, op, body):
	case <-c.closing:
		c.streams.release(fut)
		return nil, c.closedError()
	default:
		c.streams.release(fut)
		return nil, ErrBusy
	}

	c.requests.Inc()
	return fut, nil
}

// Abandon gives up on a pending request. The future resolves at once with
// ErrAbandoned; its stream id stays reserved until the late response
// arrives, which is then dropped.
func (c *Connection) Abandon(fut *ResponseFuture) {
	c.streams.orphan(fut)
	fut.resolve(nil, ErrAbandoned)
}

// Request sends a frame and waits for its response or ctx.
func (c *Connection) Request(ctx context.Context, op frame.OpCode, body []byte) (*frame.Frame, error) {

	fut, err := c.Send(op, body)
	if err != nil {
		return nil, err
	}

	select {
	case <-fut.Done():
		return fut.Result()
	case <-ctx.Done():
		c.Abandon(fut)
		return nil, ctx.Err()
	}
}

// Register subscribes this connection to server push events.
func (c *Connection) Register(ctx context.Context, events ...frame.EventType) error {

	resp, err := c.Request(ctx, frame.OpRegister, frame.RegisterBody(events...))
	if err != nil {
		return err
	}
	return expectOp(resp, frame.OpReady)
}

// Close closes the transport; pending requests resolve with ErrConnectionClosed.
func (c *Connection) Close() {
	c.shutdown(ErrConnectionClosed, false)
}

func (c *Connection) closeAndWait() {
	c.Close()
	c.wg.Wait()
}

func (c *Connection) startup(ctx context.Context) error {

	resp, err := c.Request(ctx, frame.OpOptions, nil)
	if err != nil {
		return err
	}
	if err := expectOp(resp, frame.OpSupported); err != nil {
		return err
	}
	supported, err := frame.ParseSupported(resp.Body)
	if err != nil {
		return err
	}

	options := map[string]string{frame.StartupCQLVersion: frame.DefaultCQLVersion}
	if versions := supported[frame.StartupCQLVersion]; len(versions) > 0 {
		options[frame.StartupCQLVersion] = versions[0]
	}

	compress := false
	if c.opts.Compressor != nil {
		for _, name := range supported[frame.StartupCompression] {
			if name == c.opts.Compressor.Name() {
				options[frame.StartupCompression] = name
				compress = true
			}
		}
		if !compress {
			klog.InfoS("Compression not supported by host, continuing without it",
				"host", c.addr, "compression", c.opts.Compressor.Name())
		}
	}
	if c.opts.ApplicationName != "" {
		options["APPLICATION_NAME"] = c.opts.ApplicationName
	}

	resp, err = c.Request(ctx, frame.OpStartup, frame.StartupBody(options))
	if err != nil {
		return err
	}

	switch resp.Header.OpCode {
	case frame.OpReady:
		c.compressWrites.Store(compress)
		return nil
	case frame.OpAuthenticate:
		return ErrUnsupportedAuthenticator
	default:
		return expectOp(resp, frame.OpReady)
	}
}

func (c *Connection) readLoop() {
	defer c.wg.Done()

	r := bufio.NewReader(c.conn)
	for {
		f, err := frame.ReadFrame(r, c.opts.Compressor)
		if err != nil {
			c.shutdown(err, true)
			return
		}
		c.lastRead.Store(time.Now().UnixNano())

		if f.Header.StreamID < 0 {
			c.handleEvent(f)
			continue
		}

		fut := c.streams.take(f.Header.StreamID)
		if fut == nil {
			klog.V(4).InfoS("Dropping response for a stream with no pending request",
				"host", c.addr, "stream", f.Header.StreamID, "op", f.Header.OpCode)
			continue
		}
		fut.resolve(f, nil)
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()

	w := bufio.NewWriter(c.conn)
	for {
		select {
		case <-c.closing:
			return
		case f := <-c.writes:
			var compressor frame.Compressor
			if c.compressWrites.Load() {
				compressor = c.opts.Compressor
			}
			if err := frame.WriteFrame(w, f, compressor); err != nil {
				c.shutdown(err, true)
				return
			}
			if len(c.writes) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				c.shutdown(err, true)
				return
			}
		}
	}
}

// heartbeatLoop probes the connection with OPTIONS whenever nothing was
// received during the last interval.
func (c *Connection) heartbeatLoop() {
	defer c.wg.Done()

	interval := c.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
		}

		idle := time.Since(time.Unix(0, c.lastRead.Load()))
		if idle < interval {
			continue
		}

		fut, err := c.Send(frame.OpOptions, nil)
		if err != nil {
			if !errors.Is(err, ErrBusy) {
				return
			}
			// every id is taken and nothing came back for a whole heartbeat
			if idle >= interval+c.opts.HeartbeatTimeout {
				c.markHeartbeatFailed()
				return
			}
			continue
		}

		timer := time.NewTimer(c.opts.HeartbeatTimeout)
		select {
		case <-fut.Done():
			timer.Stop()
			if _, err := fut.Result(); err != nil {
				return
			}
			klog.V(4).InfoS("Heartbeat answered", "host", c.addr, "connection", c.ID)
		case <-timer.C:
			c.Abandon(fut)
			c.markHeartbeatFailed()
			return
		case <-c.closing:
			timer.Stop()
			return
		}
	}
}

// markHeartbeatFailed declares the connection defunct. Requests still
// pending on it resolve with an error wrapping ErrHeartbeatTimeout.
func (c *Connection) markHeartbeatFailed() {
	klog.InfoS("Heartbeat timed out, marking connection defunct",
		"host", c.addr, "connection", c.ID, "timeout", c.opts.HeartbeatTimeout)
	c.shutdown(fmt.Errorf("%w after %s", ErrHeartbeatTimeout, c.opts.HeartbeatTimeout), true)
}

func (c *Connection) handleEvent(f *frame.Frame) {

	if f.Header.OpCode != frame.OpEvent {
		klog.V(2).InfoS("Ignoring non event frame on the event stream", "host", c.addr, "op", f.Header.OpCode)
		return
	}

	ev, err := frame.ParseEvent(f.Body)
	if err != nil {
		klog.ErrorS(err, "Could not decode event", "host", c.addr)
		return
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(c, ev)
	}
}

// shutdown closes the transport once and fans the cause out to every
// pending request. defunct marks failures the owner did not ask for.
func (c *Connection) shutdown(cause error, defunct bool) {
	c.closeOnce.Do(func() {
		c.errLock.Lock()
		c.lastErr = cause
		c.errLock.Unlock()

		c.defunct.Store(defunct)
		c.closed.Store(true)
		close(c.closing)
		_ = c.conn.Close()

		pendingErr := c.closedError()
		for _, fut := range c.streams.drain() {
			fut.resolve(nil, pendingErr)
		}

		if defunct {
			klog.V(2).InfoS("Connection defunct", "host", c.addr, "connection", c.ID, "err", cause)
			if c.opts.OnDefunct != nil {
				c.opts.OnDefunct(c, cause)
			}
		}
	})
}

func (c *Connection) closedError() error {
	cause := c.LastError()
	if cause == nil || errors.Is(cause, ErrConnectionClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func expectOp(f *frame.Frame, op frame.OpCode) error {

	if f.Header.OpCode == op {
		return nil
	}
	if f.Header.OpCode == frame.OpError {
		se, err := frame.ParseError(f.Body)
		if err != nil {
			return err
		}
		return se
	}
	return fmt.Errorf("%w: expected %s, got %s", frame.ErrProtocol, op, f.Header.OpCode)
}
