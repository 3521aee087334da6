package tcq

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/houseofcat/turbocql/internal/simnode"
	"github.com/houseofcat/turbocql/pkg/frame"
)

func TestConnectionHandshakeAndQuery(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	c := openTestConnection(t, node.Addr(), testConnectionOptions())
	defer c.closeAndWait()

	resp, err := c.Request(context.Background(), frame.OpQuery, frame.QueryBody("SELECT now() FROM system.local", One, nil))
	require.NoError(t, err)
	assert.Equal(t, frame.OpResult, resp.Header.OpCode)

	kind, err := frame.ParseResultKind(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, frame.ResultVoid, kind)
	assert.Equal(t, 0, c.InFlight())
	assert.Equal(t, int64(1), node.Queries())
}

func TestConnectionWithCompression(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	opts := testConnectionOptions()
	opts.Compressor = frame.SnappyCompressor{}

	c := openTestConnection(t, node.Addr(), opts)
	defer c.closeAndWait()

	assert.True(t, c.compressWrites.Load())

	resp, err := c.Request(context.Background(), frame.OpQuery, frame.QueryBody("SELECT * FROM ks.t", One, nil))
	require.NoError(t, err)
	assert.Equal(t, frame.OpResult, resp.Header.OpCode)
}

func TestConnectionOutOfOrderResponses(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	node.SetQueryHandler(func(q *frame.Query) simnode.Reply {
		reply := simnode.VoidReply(q)
		if q.Statement == "slow" {
			reply.Delay = 200 * time.Millisecond
		}
		return reply
	})

	c := openTestConnection(t, node.Addr(), testConnectionOptions())
	defer c.closeAndWait()

	slow, err := c.Send(frame.OpQuery, frame.QueryBody("slow", One, nil))
	require.NoError(t, err)
	fast, err := c.Send(frame.OpQuery, frame.QueryBody("fast", One, nil))
	require.NoError(t, err)
	assert.NotEqual(t, slow.StreamID(), fast.StreamID())

	select {
	case <-fast.Done():
	case <-slow.Done():
		t.Fatal("slow request resolved before the fast one")
	}
	<-slow.Done()

	_, err = slow.Result()
	assert.NoError(t, err)
}

func TestConnectionBusyWhenStreamsExhausted(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	node.SetQueryHandler(simnode.SilentReply)

	opts := testConnectionOptions()
	opts.MaxStreams = 4
	c := openTestConnection(t, node.Addr(), opts)
	defer c.closeAndWait()

	for i := 0; i < 4; i++ {
		_, err := c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
		require.NoError(t, err)
	}

	_, err := c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, c.IsClosed(), "busy must not close the connection")
}

func TestConnectionAbandonOrphansStream(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	node.SetQueryHandler(simnode.SilentReply)

	c := openTestConnection(t, node.Addr(), testConnectionOptions())
	defer c.closeAndWait()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Request(ctx, frame.OpQuery, frame.QueryBody("q", One, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.InFlight())
	assert.Equal(t, 1, c.Orphaned())
	assert.Equal(t, 1, c.Load())
	assert.False(t, c.IsClosed())
}

func TestConnectionLateResponseNeverReachesReusedStream(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	late := frame.ErrorBody(&frame.ServerError{Code: frame.ErrCodeOverloaded, Message: "late"})
	node.SetQueryHandler(func(q *frame.Query) simnode.Reply {
		if q.Statement == "late" {
			return simnode.Reply{Op: frame.OpError, Body: late, Delay: 300 * time.Millisecond}
		}
		return simnode.VoidReply(q)
	})

	opts := testConnectionOptions()
	opts.MaxStreams = 1
	c := openTestConnection(t, node.Addr(), opts)
	defer c.closeAndWait()

	abandoned, err := c.Send(frame.OpQuery, frame.QueryBody("late", One, nil))
	require.NoError(t, err)
	c.Abandon(abandoned)

	<-abandoned.Done()
	_, err = abandoned.Result()
	assert.ErrorIs(t, err, ErrAbandoned)

	// the only id stays reserved for the late response
	_, err = c.Send(frame.OpQuery, frame.QueryBody("next", One, nil))
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, c.Orphaned())

	require.Eventually(t, func() bool { return c.Orphaned() == 0 }, 2*time.Second, 5*time.Millisecond)

	next, err := c.Send(frame.OpQuery, frame.QueryBody("next", One, nil))
	require.NoError(t, err)
	assert.Equal(t, abandoned.StreamID(), next.StreamID())

	select {
	case <-next.Done():
	case <-time.After(time.Second):
		t.Fatal("request on the reused stream never completed")
	}
	resp, err := next.Result()
	require.NoError(t, err)
	assert.Equal(t, frame.OpResult, resp.Header.OpCode)

	// the abandoned future kept its first outcome
	_, err = abandoned.Result()
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, 0, c.Load())
}

// stalledConnection runs a connection over a pipe whose far end never reads,
// so the first frame blocks the write loop forever.
func stalledConnection(t *testing.T, opts connectionOptions) (*Connection, func()) {
	t.Helper()

	local, remote := net.Pipe()
	c := newConnection(1, "pipe", local, opts)
	return c, func() {
		c.closeAndWait()
		_ = remote.Close()
	}
}

func TestConnectionSendNeverBlocksOnStalledWrites(t *testing.T) {
	defer leaktest.Check(t)()

	opts := testConnectionOptions()
	opts.MaxStreams = 4
	c, closer := stalledConnection(t, opts)
	defer closer()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 64; i++ {
			fut, err := c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
			if err != nil {
				done <- err
				return
			}
			c.Abandon(fut)
		}
		done <- nil
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBusy)
	case <-time.After(time.Second):
		t.Fatal("Send blocked behind abandoned frames")
	}
	assert.Equal(t, 4, c.Orphaned())
	assert.Equal(t, 4, c.Load())
	assert.False(t, c.IsClosed())
}

func TestConnectionHeartbeatFailsWhenStreamsStayExhausted(t *testing.T) {
	defer leaktest.Check(t)()

	defunct := make(chan error, 1)
	opts := testConnectionOptions()
	opts.MaxStreams = 2
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 40 * time.Millisecond
	opts.OnDefunct = func(_ *Connection, err error) { defunct <- err }
	c, closer := stalledConnection(t, opts)
	defer closer()

	pending := make([]*ResponseFuture, 0, 2)
	for i := 0; i < 2; i++ {
		fut, err := c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
		require.NoError(t, err)
		pending = append(pending, fut)
	}

	c.wg.Add(1)
	go c.heartbeatLoop()

	select {
	case err := <-defunct:
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(time.Second):
		t.Fatal("heartbeat never gave up on a connection with no free stream")
	}

	for _, fut := range pending {
		<-fut.Done()
		_, err := fut.Result()
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	}
}

func TestConnectionCloseFailsPendingRequests(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	node.SetQueryHandler(simnode.SilentReply)

	c := openTestConnection(t, node.Addr(), testConnectionOptions())

	futs := make([]*ResponseFuture, 0, 10)
	for i := 0; i < 10; i++ {
		fut, err := c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
		require.NoError(t, err)
		futs = append(futs, fut)
	}

	c.closeAndWait()

	for _, fut := range futs {
		<-fut.Done()
		_, err := fut.Result()
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.False(t, c.IsDefunct())

	_, err := c.Send(frame.OpQuery, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionDefunctWhenPeerCloses(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	node.SetQueryHandler(simnode.SilentReply)

	defunct := make(chan error, 1)
	opts := testConnectionOptions()
	opts.OnDefunct = func(_ *Connection, err error) { defunct <- err }

	c := openTestConnection(t, node.Addr(), opts)
	defer c.closeAndWait()

	fut, err := c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
	require.NoError(t, err)

	node.CloseConnections()

	select {
	case <-defunct:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not marked defunct")
	}
	<-fut.Done()
	_, err = fut.Result()
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, c.IsDefunct())
}

func TestConnectionHeartbeatKeepsIdleConnectionAlive(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	opts := testConnectionOptions()
	opts.HeartbeatInterval = 50 * time.Millisecond
	opts.HeartbeatTimeout = 100 * time.Millisecond

	c := openTestConnection(t, node.Addr(), opts)
	defer c.closeAndWait()

	before := node.OptionsReceived()
	time.Sleep(400 * time.Millisecond)

	assert.False(t, c.IsClosed())
	assert.Greater(t, node.OptionsReceived(), before)
}

func TestConnectionHeartbeatTimeoutMarksDefunct(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	node.SetQueryHandler(simnode.SilentReply)

	defunct := make(chan error, 1)
	opts := testConnectionOptions()
	opts.HeartbeatInterval = 50 * time.Millisecond
	opts.HeartbeatTimeout = 100 * time.Millisecond
	opts.OnDefunct = func(_ *Connection, err error) { defunct <- err }

	c := openTestConnection(t, node.Addr(), opts)
	defer c.closeAndWait()

	pending, err := c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
	require.NoError(t, err)

	node.DropOptions(true)

	select {
	case err := <-defunct:
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not mark the connection defunct")
	}

	<-pending.Done()
	_, err = pending.Result()
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, err, ErrHeartbeatTimeout)
}

func TestConnectionHandshakeBoundedByConnectTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	node.DropOptions(true)

	opts := testConnectionOptions()
	opts.ConnectTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := openConnection(context.Background(), 1, node.Addr(), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectionDeliversEvents(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]

	events := make(chan *frame.Event, 1)
	opts := testConnectionOptions()
	opts.OnEvent = func(_ *Connection, ev *frame.Event) { events <- ev }

	c := openTestConnection(t, node.Addr(), opts)
	defer c.closeAndWait()

	require.NoError(t, c.Register(context.Background(), frame.EventStatusChange))
	require.NoError(t, node.PushEvent(frame.EventStatusChange, frame.ChangeDown, "127.0.0.2:9042"))

	select {
	case ev := <-events:
		assert.Equal(t, frame.EventStatusChange, ev.Type)
		assert.Equal(t, frame.ChangeDown, ev.Change)
		assert.Equal(t, "127.0.0.2:9042", ev.Address)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestConnectionConcurrentRequests(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	node := nodes[0]
	c := openTestConnection(t, node.Addr(), testConnectionOptions())
	defer c.closeAndWait()

	failures := atomic.Int32{}
	wg := &sync.WaitGroup{}
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := c.Request(context.Background(), frame.OpQuery, frame.QueryBody("q", One, nil)); err != nil {
					failures.Inc()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), failures.Load())
	assert.Equal(t, uint64(64*20+2), c.Requests())
	assert.Equal(t, 0, c.InFlight())
}
