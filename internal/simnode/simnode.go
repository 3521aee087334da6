// Package simnode runs fake cluster nodes that speak enough of the native
// protocol to exercise connections, pools and sessions in tests.
package simnode

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/houseofcat/turbocql/pkg/frame"
)

// Reply describes how a node answers one QUERY.
type Reply struct {
	Op    frame.OpCode
	Body  []byte
	Drop  bool
	Delay time.Duration
}

// QueryHandler decides the reply for a query.
type QueryHandler func(q *frame.Query) Reply

// VoidReply answers with an empty RESULT.
func VoidReply(*frame.Query) Reply {
	return Reply{Op: frame.OpResult, Body: frame.VoidResultBody()}
}

// SilentReply never answers.
func SilentReply(*frame.Query) Reply {
	return Reply{Drop: true}
}

// ErrorReply answers every query with the given server error.
func ErrorReply(e *frame.ServerError) QueryHandler {
	body := frame.ErrorBody(e)
	return func(*frame.Query) Reply {
		return Reply{Op: frame.OpError, Body: body}
	}
}

// Node is a single fake node listening on loopback.
type Node struct {
	ln      net.Listener
	addr    string
	mu      sync.Mutex
	conns   map[*nodeConn]struct{}
	handler QueryHandler
	wg      sync.WaitGroup
	closed  atomic.Bool

	dropOptions atomic.Bool
	dropStartup atomic.Bool
	accepted    atomic.Int64
	queries     atomic.Int64
	options     atomic.Int64
}

type nodeConn struct {
	net.Conn
	writeLock  sync.Mutex
	compressor frame.Compressor
}

// Start listens on an ephemeral loopback port and serves until Close.
func Start() (*Node, error) {

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	n := &Node{
		ln:      ln,
		addr:    ln.Addr().String(),
		conns:   make(map[*nodeConn]struct{}),
		handler: VoidReply,
	}

	n.wg.Add(1)
	go n.acceptLoop()

	return n, nil
}

// Addr is the host:port the node listens on.
func (n *Node) Addr() string { return n.addr }

// SetQueryHandler replaces how queries are answered.
func (n *Node) SetQueryHandler(h QueryHandler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

// DropOptions makes the node stop answering OPTIONS, which both starves
// heartbeats and blocks new connection handshakes.
func (n *Node) DropOptions(drop bool) { n.dropOptions.Store(drop) }

// DropStartup makes the node stop answering STARTUP.
func (n *Node) DropStartup(drop bool) { n.dropStartup.Store(drop) }

// Accepted is the number of connections accepted so far.
func (n *Node) Accepted() int64 { return n.accepted.Load() }

// Queries is the number of QUERY frames received so far.
func (n *Node) Queries() int64 { return n.queries.Load() }

// OptionsReceived is the number of OPTIONS frames received so far.
func (n *Node) OptionsReceived() int64 { return n.options.Load() }

// OpenConnections is the number of currently open client connections.
func (n *Node) OpenConnections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// PushEvent sends an EVENT frame to every open connection.
func (n *Node) PushEvent(t frame.EventType, change, addr string) error {

	body, err := frame.EventBody(t, change, addr)
	if err != nil {
		return err
	}

	for _, c := range n.snapshot() {
		c.write(frame.NewResponse(frame.EventStreamID, frame.OpEvent, body))
	}
	return nil
}

// CloseConnections drops every open client connection but keeps listening.
func (n *Node) CloseConnections() {
	for _, c := range n.snapshot() {
		_ = c.Close()
	}
}

// Close stops the listener, drops all connections and waits for the
// serving goroutines to exit.
func (n *Node) Close() {
	if !n.closed.CompareAndSwap(false, true) {
		return
	}
	_ = n.ln.Close()
	n.CloseConnections()
	n.wg.Wait()
}

func (n *Node) snapshot() []*nodeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*nodeConn, 0, len(n.conns))
	for c := range n.conns {
		out = append(out, c)
	}
	return out
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if !n.closed.Load() && !errors.Is(err, net.ErrClosed) {
				klog.ErrorS(err, "simnode accept failed", "node", n.addr)
			}
			return
		}

		c := &nodeConn{Conn: conn}
		n.mu.Lock()
		n.conns[c] = struct{}{}
		n.mu.Unlock()
		n.accepted.Inc()

		n.wg.Add(1)
		go n.serve(c)
	}
}

func (n *Node) serve(c *nodeConn) {
	defer n.wg.Done()
	defer func() {
		_ = c.Close()
		n.mu.Lock()
		delete(n.conns, c)
		n.mu.Unlock()
	}()

	for {
		f, err := frame.ReadFrame(c, frame.SnappyCompressor{})
		if err != nil {
			return
		}
		n.handle(c, f)
	}
}

func (n *Node) handle(c *nodeConn, f *frame.Frame) {

	id := f.Header.StreamID
	switch f.Header.OpCode {
	case frame.OpOptions:
		n.options.Inc()
		if n.dropOptions.Load() {
			return
		}
		c.write(frame.NewResponse(id, frame.OpSupported, frame.SupportedBody(map[string][]string{
			frame.StartupCQLVersion:  {frame.DefaultCQLVersion},
			frame.StartupCompression: {"snappy"},
		})))
	case frame.OpStartup:
		if n.dropStartup.Load() {
			return
		}
		opts, err := frame.ParseStartup(f.Body)
		if err != nil {
			return
		}
		c.write(frame.NewResponse(id, frame.OpReady, nil))
		if opts[frame.StartupCompression] == "snappy" {
			c.writeLock.Lock()
			c.compressor = frame.SnappyCompressor{}
			c.writeLock.Unlock()
		}
	case frame.OpRegister:
		c.write(frame.NewResponse(id, frame.OpReady, nil))
	case frame.OpQuery:
		n.queries.Inc()
		q, err := frame.ParseQuery(f.Body)
		if err != nil {
			return
		}
		n.mu.Lock()
		h := n.handler
		n.mu.Unlock()

		reply := h(q)
		if reply.Drop {
			return
		}
		resp := frame.NewResponse(id, reply.Op, reply.Body)
		if reply.Delay > 0 {
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				time.Sleep(reply.Delay)
				c.write(resp)
			}()
			return
		}
		c.write(resp)
	default:
		c.write(frame.NewResponse(id, frame.OpError, frame.ErrorBody(&frame.ServerError{
			Code:    frame.ErrCodeProtocol,
			Message: "unsupported opcode " + f.Header.OpCode.String(),
		})))
	}
}

func (c *nodeConn) write(f *frame.Frame) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = frame.WriteFrame(c.Conn, f, c.compressor)
}
