package tcq

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/houseofcat/turbocql/internal/simnode"
)

// startNodes starts count fake nodes. The closer must run before any
// goroutine leak check.
func startNodes(t *testing.T, count int) ([]*simnode.Node, func()) {
	t.Helper()

	nodes := make([]*simnode.Node, 0, count)
	closer := func() {
		for _, n := range nodes {
			n.Close()
		}
	}
	for i := 0; i < count; i++ {
		n, err := simnode.Start()
		if err != nil {
			closer()
			require.NoError(t, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, closer
}

func nodeAddrs(nodes []*simnode.Node) []string {
	addrs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		addrs = append(addrs, n.Addr())
	}
	return addrs
}

// testSeasoning returns a configuration tuned for loopback nodes.
func testSeasoning(contactPoints ...string) *ClusterSeasoning {
	cs := DefaultSeasoning()
	cs.ContactPoints = contactPoints
	cs.ConnectTimeout = 1000
	cs.RequestTimeout = 2000
	cs.IdleHeartbeatInterval = 0
	cs.MonitorInterval = 50
	cs.PoolConfig.LocalConnections = 1
	cs.PoolConfig.RemoteConnections = 1
	cs.PoolConfig.ReplacementRate = 100
	cs.PoolConfig.ReplacementBurst = 10
	cs.LoadBalancingConfig.Type = RoundRobinPolicyType
	cs.LoadBalancingConfig.TokenAware = false
	cs.ReconnectionConfig.BaseDelay = 50
	cs.ReconnectionConfig.MaxDelay = 200
	return cs
}

func testConnectionOptions() connectionOptions {
	return connectionOptions{
		ApplicationName: "turbocql-test",
		Dialer:          &net.Dialer{},
		ConnectTimeout:  time.Second,
		MaxStreams:      128,
	}
}

func openTestConnection(t *testing.T, addr string, opts connectionOptions) *Connection {
	t.Helper()

	c, err := openConnection(context.Background(), 1, addr, opts)
	require.NoError(t, err)
	return c
}

// newTestHosts builds hosts spread over the given datacenters, each with
// one token, all UP.
func newTestHosts(dcs ...string) []*Host {
	hosts := make([]*Host, 0, len(dcs))
	for i, dc := range dcs {
		h := newHost(HostInfo{
			Addr:       fmt.Sprintf("10.0.0.%d:9042", i+1),
			Datacenter: dc,
			Tokens:     []int64{int64(i+1) * 1000},
		})
		h.state.Store(int32(HostUp))
		hosts = append(hosts, h)
	}
	return hosts
}

func registryOf(hosts ...*Host) *Registry {
	r := NewRegistry()
	for _, h := range hosts {
		r.add(h)
	}
	return r
}

func drainPlan(plan QueryPlan) []string {
	var out []string
	for h := plan.Next(); h != nil; h = plan.Next() {
		out = append(out, h.Addr())
	}
	return out
}
