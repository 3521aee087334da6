package tcq

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houseofcat/turbocql/internal/simnode"
	"github.com/houseofcat/turbocql/pkg/frame"
)

func testPoolConfig() PoolConfig {
	return PoolConfig{
		LocalConnections:         2,
		RemoteConnections:        1,
		MaxConnectionsPerHost:    3,
		MaxRequestsPerConnection: 8,
		NewConnectionThreshold:   4,
		ShrinkAfterIdleTicks:     2,
		ReplacementRate:          100,
		ReplacementBurst:         10,
	}
}

func newTestPool(t *testing.T, addr string, cfg PoolConfig, onEmpty func(*Host, error)) (*ConnectionPool, *background) {
	t.Helper()

	h := newHost(HostInfo{Addr: addr})
	h.state.Store(int32(HostUp))
	h.setDistance(DistanceLocal)

	opts := testConnectionOptions()
	opts.MaxStreams = cfg.MaxRequestsPerConnection

	bg := newBackground(context.Background())
	return newConnectionPool(h, cfg, opts, bg, onEmpty, nil), bg
}

func TestPoolFillToCoreSize(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()

	pool, bg := newTestPool(t, nodes[0].Addr(), testPoolConfig(), nil)
	defer bg.stop()
	defer pool.Shutdown()

	pool.fill(context.Background())

	assert.Equal(t, 2, pool.OpenCount())
	assert.Equal(t, int64(2), nodes[0].Accepted())
}

func TestPoolBorrowPicksLeastBusy(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	nodes[0].SetQueryHandler(simnode.SilentReply)

	cfg := testPoolConfig()
	cfg.NewConnectionThreshold = 100
	pool, bg := newTestPool(t, nodes[0].Addr(), cfg, nil)
	defer bg.stop()
	defer pool.Shutdown()

	pool.fill(context.Background())
	require.Equal(t, 2, pool.OpenCount())

	first, err := pool.Borrow()
	require.NoError(t, err)
	_, err = first.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
	require.NoError(t, err)

	second, err := pool.Borrow()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, pool.InFlight())
}

func TestPoolBorrowBusyWhenSaturated(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	nodes[0].SetQueryHandler(simnode.SilentReply)

	cfg := testPoolConfig()
	cfg.LocalConnections = 1
	cfg.MaxConnectionsPerHost = 1
	cfg.MaxRequestsPerConnection = 2
	pool, bg := newTestPool(t, nodes[0].Addr(), cfg, nil)
	defer bg.stop()
	defer pool.Shutdown()

	pool.fill(context.Background())

	for i := 0; i < 2; i++ {
		c, err := pool.Borrow()
		require.NoError(t, err)
		_, err = c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
		require.NoError(t, err)
	}

	_, err := pool.Borrow()
	assert.ErrorIs(t, err, ErrNoConnectionAvailable)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestPoolGrowsPastThreshold(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()
	nodes[0].SetQueryHandler(simnode.SilentReply)

	cfg := testPoolConfig()
	cfg.LocalConnections = 1
	cfg.NewConnectionThreshold = 2
	pool, bg := newTestPool(t, nodes[0].Addr(), cfg, nil)
	defer bg.stop()
	defer pool.Shutdown()

	pool.fill(context.Background())
	require.Equal(t, 1, pool.OpenCount())

	for i := 0; i < 3; i++ {
		c, err := pool.Borrow()
		require.NoError(t, err)
		_, err = c.Send(frame.OpQuery, frame.QueryBody("q", One, nil))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return pool.OpenCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestPoolShrinksAfterIdleTicks(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()

	cfg := testPoolConfig()
	cfg.LocalConnections = 1
	pool, bg := newTestPool(t, nodes[0].Addr(), cfg, nil)
	defer bg.stop()
	defer pool.Shutdown()

	pool.desired.Store(3)
	pool.fill(context.Background())
	require.Equal(t, 3, pool.OpenCount())

	for i := 0; i < 10 && pool.OpenCount() > 1; i++ {
		pool.maintain()
	}
	assert.Equal(t, 1, pool.OpenCount())
}

func TestPoolIgnoredDistanceClosesConnections(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()

	pool, bg := newTestPool(t, nodes[0].Addr(), testPoolConfig(), nil)
	defer bg.stop()
	defer pool.Shutdown()

	pool.fill(context.Background())
	require.Equal(t, 2, pool.OpenCount())

	pool.host.setDistance(DistanceIgnored)
	pool.maintain()
	assert.Equal(t, 0, pool.OpenCount())
}

func TestPoolReplacesDefunctConnection(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()

	pool, bg := newTestPool(t, nodes[0].Addr(), testPoolConfig(), nil)
	defer bg.stop()
	defer pool.Shutdown()

	pool.fill(context.Background())
	require.Equal(t, 2, pool.OpenCount())

	pool.poolRWLock.RLock()
	victim := pool.connections[0]
	pool.poolRWLock.RUnlock()
	victim.shutdown(assert.AnError, true)

	assert.Eventually(t, func() bool {
		return pool.OpenCount() == 2 && nodes[0].Accepted() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolReportsEmpty(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()

	emptied := make(chan error, 1)
	cfg := testPoolConfig()
	cfg.LocalConnections = 1
	pool, bg := newTestPool(t, nodes[0].Addr(), cfg, func(_ *Host, err error) { emptied <- err })
	defer bg.stop()
	defer pool.Shutdown()

	pool.fill(context.Background())
	require.Equal(t, 1, pool.OpenCount())

	nodes[0].CloseConnections()

	select {
	case err := <-emptied:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("empty pool was not reported")
	}
	assert.Equal(t, 0, pool.OpenCount())
}

func TestPoolShutdownRefusesConnections(t *testing.T) {
	defer leaktest.Check(t)()

	nodes, closer := startNodes(t, 1)
	defer closer()

	pool, bg := newTestPool(t, nodes[0].Addr(), testPoolConfig(), nil)
	defer bg.stop()

	pool.fill(context.Background())
	pool.Shutdown()

	assert.Equal(t, 0, pool.OpenCount())
	_, err := pool.Borrow()
	assert.ErrorIs(t, err, ErrConnectionPoolClosed)
	_, err = pool.openOne(context.Background())
	assert.ErrorIs(t, err, ErrConnectionPoolClosed)
}
