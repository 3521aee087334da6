package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/houseofcat/turbocql/internal/simnode"
	"github.com/houseofcat/turbocql/pkg/tcq"
)

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeBroker hands out channels recording every publish. failNext makes the
// next publishes fail and closes the channel that saw the failure.
type fakeBroker struct {
	lock     sync.Mutex
	messages []publishedMessage
	dials    atomic.Int32
	closes   atomic.Int32
	failNext atomic.Int32
	dialErr  error
}

type fakeChannel struct {
	broker *fakeBroker
}

func (b *fakeBroker) dial() (Channel, error) {
	b.dials.Inc()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &fakeChannel{broker: b}, nil
}

func (c *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.broker.failNext.Load() > 0 {
		c.broker.failNext.Dec()
		return amqp.ErrClosed
	}
	c.broker.lock.Lock()
	c.broker.messages = append(c.broker.messages, publishedMessage{exchange: exchange, key: key, msg: msg})
	c.broker.lock.Unlock()
	return nil
}

func (c *fakeChannel) Close() error {
	c.broker.closes.Inc()
	return nil
}

func (b *fakeBroker) snapshot() []publishedMessage {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]publishedMessage(nil), b.messages...)
}

func testNotifierConfig() *tcq.NotifierConfig {
	return &tcq.NotifierConfig{
		Exchange:         "turbocql.hosts",
		RoutingKeyPrefix: "host",
		BufferSize:       16,
	}
}

func TestPublisherPublishesInOrder(t *testing.T) {
	defer leaktest.Check(t)()

	broker := &fakeBroker{}
	codec, err := NewCodec(CompressionZstd, "hunter2", "pepper-salt")
	require.NoError(t, err)

	sessionID := uuid.New()
	pub, err := NewHostEventPublisher(testNotifierConfig(), sessionID, "tcq-test", codec, broker.dial, nil)
	require.NoError(t, err)

	h := tcq.NewHost(tcq.HostInfo{Addr: "10.0.0.1:9042", Datacenter: "dc1", Rack: "r1"})
	pub.OnAdd(h)
	pub.OnUp(h)
	pub.OnDown(h)
	pub.OnRemove(h)
	pub.Close()

	messages := broker.snapshot()
	require.Len(t, messages, 4)
	assert.Equal(t, uint64(4), pub.Published())
	assert.Equal(t, int32(1), broker.dials.Load())
	assert.Equal(t, int32(1), broker.closes.Load())

	wantKinds := []string{KindAdded, KindUp, KindDown, KindRemoved}
	for i, m := range messages {
		assert.Equal(t, "turbocql.hosts", m.exchange)
		assert.Equal(t, "host."+wantKinds[i], m.key)
		assert.Equal(t, wantKinds[i], m.msg.Type)
		assert.Equal(t, "tcq-test", m.msg.AppId)

		ev, err := UnmarshalEvent(m.msg.Body, codec)
		require.NoError(t, err)
		assert.Equal(t, wantKinds[i], ev.Kind)
		assert.Equal(t, sessionID, ev.SessionID)
		assert.Equal(t, "10.0.0.1:9042", ev.Address)
		assert.Equal(t, h.HostID(), ev.HostID)
		assert.Equal(t, "dc1", ev.Datacenter)
		assert.Equal(t, ev.EventID.String(), m.msg.MessageId)
	}
}

func TestPublisherRedialsAfterFailure(t *testing.T) {
	defer leaktest.Check(t)()

	broker := &fakeBroker{}
	broker.failNext.Store(1)

	errs := atomic.Int32{}
	pub, err := NewHostEventPublisher(testNotifierConfig(), uuid.New(), "tcq-test", nil, broker.dial, func(error) { errs.Inc() })
	require.NoError(t, err)

	pub.OnDown(tcq.NewHost(tcq.HostInfo{Addr: "10.0.0.2:9042"}))

	assert.Eventually(t, func() bool { return pub.Published() == 1 }, 2*time.Second, 10*time.Millisecond)
	pub.Close()

	assert.Equal(t, int32(2), broker.dials.Load())
	assert.Equal(t, int32(1), errs.Load())
	assert.Equal(t, uint64(0), pub.Failed())
}

func TestPublisherGivesUpAfterAttempts(t *testing.T) {
	defer leaktest.Check(t)()

	broker := &fakeBroker{dialErr: errors.New("broker unreachable")}
	pub, err := NewHostEventPublisher(testNotifierConfig(), uuid.New(), "tcq-test", nil, broker.dial, nil)
	require.NoError(t, err)

	pub.OnUp(tcq.NewHost(tcq.HostInfo{Addr: "10.0.0.3:9042"}))

	assert.Eventually(t, func() bool { return pub.Failed() == 1 }, 2*time.Second, 10*time.Millisecond)
	pub.Close()

	assert.Equal(t, int32(maxPublishAttempts), broker.dials.Load())
	assert.Equal(t, uint64(0), pub.Published())
}

func TestPublisherDropsWhenClosed(t *testing.T) {
	defer leaktest.Check(t)()

	broker := &fakeBroker{}
	pub, err := NewHostEventPublisher(testNotifierConfig(), uuid.New(), "tcq-test", nil, broker.dial, nil)
	require.NoError(t, err)
	pub.Close()

	pub.OnUp(tcq.NewHost(tcq.HostInfo{Addr: "10.0.0.4:9042"}))
	assert.Equal(t, uint64(1), pub.Dropped())
	assert.Empty(t, broker.snapshot())
}

func TestPublisherAsSessionListener(t *testing.T) {
	defer leaktest.Check(t)()

	node, err := simnode.Start()
	require.NoError(t, err)
	defer node.Close()

	broker := &fakeBroker{}
	sessionID := uuid.New()
	pub, err := NewHostEventPublisher(testNotifierConfig(), sessionID, "tcq-test", nil, broker.dial, nil)
	require.NoError(t, err)
	defer pub.Close()

	cs := tcq.DefaultSeasoning()
	cs.ContactPoints = []string{node.Addr()}
	cs.IdleHeartbeatInterval = 0
	cs.LoadBalancingConfig.Type = tcq.RoundRobinPolicyType
	cs.LoadBalancingConfig.TokenAware = false

	s, err := tcq.NewSession(context.Background(), cs, tcq.WithSessionID(sessionID), tcq.WithHostStateListener(pub))
	require.NoError(t, err)
	defer s.Shutdown()
	assert.Equal(t, sessionID, s.ID)

	assert.Eventually(t, func() bool { return len(broker.snapshot()) >= 2 }, 2*time.Second, 10*time.Millisecond)

	messages := broker.snapshot()
	assert.Equal(t, "host."+KindAdded, messages[0].key)
	assert.Equal(t, "host."+KindUp, messages[1].key)

	ev, err := UnmarshalEvent(messages[1].msg.Body, &Codec{})
	require.NoError(t, err)
	assert.Equal(t, node.Addr(), ev.Address)
	assert.Equal(t, "UP", ev.State)
}
