package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/houseofcat/turbocql/pkg/tcq"
)

const (
	maxPublishAttempts   = 3
	sleepOnErrorInterval = 200 * time.Millisecond
)

// Channel is the part of an AMQP channel the publisher uses.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelDialer opens a fresh channel ready to publish to the exchange.
type ChannelDialer func() (Channel, error)

// HostEventPublisher forwards host transitions to an AMQP exchange. It is a
// tcq.HostStateListener: events are queued without blocking and published
// by a single goroutine, so their order per session is kept. Events that do
// not fit the buffer are dropped and counted.
type HostEventPublisher struct {
	SessionID        uuid.UUID
	exchange         string
	routingKeyPrefix string
	appID            string
	codec            *Codec
	dial             ChannelDialer

	chanLock sync.Mutex
	channel  Channel

	events         chan *HostEvent
	shutdownSignal chan struct{}
	wg             sync.WaitGroup
	once           sync.Once

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	errorHandler func(error)
}

var _ tcq.HostStateListener = (*HostEventPublisher)(nil)

// NewHostEventPublisher starts a publisher using dial for its channel. Pass
// the same sessionID to tcq.WithSessionID so events name their session.
func NewHostEventPublisher(
	config *tcq.NotifierConfig,
	sessionID uuid.UUID,
	appID string,
	codec *Codec,
	dial ChannelDialer,
	errorHandler func(error)) (*HostEventPublisher, error) {

	if config == nil {
		return nil, errors.New("notifier config can't be nil")
	}
	if dial == nil {
		return nil, errors.New("channel dialer can't be nil")
	}
	if codec == nil {
		codec = &Codec{}
	}

	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}

	pub := &HostEventPublisher{
		SessionID:        sessionID,
		exchange:         config.Exchange,
		routingKeyPrefix: config.RoutingKeyPrefix,
		appID:            appID,
		codec:            codec,
		dial:             dial,
		events:           make(chan *HostEvent, bufferSize),
		shutdownSignal:   make(chan struct{}),
		errorHandler:     errorHandler,
	}

	pub.wg.Add(1)
	go pub.deliverEvents()

	return pub, nil
}

// NewHostEventPublisherFromConfig builds the codec and an AMQP dialer from
// config and starts a publisher.
func NewHostEventPublisherFromConfig(
	config *tcq.NotifierConfig,
	sessionID uuid.UUID,
	appID string,
	tlsConfig *tcq.TLSConfig,
	errorHandler func(error)) (*HostEventPublisher, error) {

	if config == nil {
		return nil, errors.New("notifier config can't be nil")
	}

	codec, err := NewCodec(config.Compression, config.EncryptionKey, config.EncryptionSalt)
	if err != nil {
		return nil, err
	}
	return NewHostEventPublisher(config, sessionID, appID, codec, AMQPDialer(config, appID, tlsConfig), errorHandler)
}

// OnAdd queues an added event.
func (pub *HostEventPublisher) OnAdd(h *tcq.Host) { pub.queue(KindAdded, h) }

// OnUp queues an up event.
func (pub *HostEventPublisher) OnUp(h *tcq.Host) { pub.queue(KindUp, h) }

// OnDown queues a down event.
func (pub *HostEventPublisher) OnDown(h *tcq.Host) { pub.queue(KindDown, h) }

// OnRemove queues a removed event.
func (pub *HostEventPublisher) OnRemove(h *tcq.Host) { pub.queue(KindRemoved, h) }

// Published is the number of events the broker accepted.
func (pub *HostEventPublisher) Published() uint64 { return pub.published.Load() }

// Failed is the number of events that could not be encoded or published.
func (pub *HostEventPublisher) Failed() uint64 { return pub.failed.Load() }

// Dropped is the number of events discarded on a full queue or after Close.
func (pub *HostEventPublisher) Dropped() uint64 { return pub.dropped.Load() }

func (pub *HostEventPublisher) queue(kind string, h *tcq.Host) {

	ev := newHostEvent(pub.SessionID, kind, h)

	select {
	case <-pub.shutdownSignal:
		pub.dropped.Inc()
		return
	default:
	}

	select {
	case pub.events <- ev:
	default:
		pub.dropped.Inc()
		pub.handleError(fmt.Errorf("host event buffer full, dropping %s %s", kind, h.Addr()))
	}
}

func (pub *HostEventPublisher) deliverEvents() {
	defer pub.wg.Done()

	for {
		select {
		case <-pub.shutdownSignal:
			// flush what is already queued
			for {
				select {
				case ev := <-pub.events:
					pub.publish(ev)
				default:
					return
				}
			}
		case ev := <-pub.events:
			pub.publish(ev)
		}
	}
}

func (pub *HostEventPublisher) publish(ev *HostEvent) {

	body, err := MarshalEvent(ev, pub.codec)
	if err != nil {
		pub.failed.Inc()
		pub.handleError(fmt.Errorf("encoding host event %s: %w", ev.EventID, err))
		return
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID.String(),
		Type:         ev.Kind,
		Timestamp:    time.Now().UTC(),
		AppId:        pub.appID,
	}
	key := pub.routingKey(ev.Kind)

	for attempt := 1; attempt <= maxPublishAttempts; attempt++ {
		err = pub.publishOnce(key, msg)
		if err == nil {
			pub.published.Inc()
			klog.V(4).InfoS("Published host event", "event", ev.EventID, "kind", ev.Kind, "host", ev.Address)
			return
		}

		pub.handleError(fmt.Errorf("publishing host event %s (attempt %d): %w", ev.EventID, attempt, err))
		if attempt < maxPublishAttempts {
			select {
			case <-time.After(sleepOnErrorInterval):
			case <-pub.shutdownSignal:
			}
		}
	}
	pub.failed.Inc()
}

// publishOnce publishes on the cached channel, dialing a new one first when
// needed. A failed channel is discarded.
func (pub *HostEventPublisher) publishOnce(key string, msg amqp.Publishing) error {

	pub.chanLock.Lock()
	defer pub.chanLock.Unlock()

	if pub.channel == nil {
		ch, err := pub.dial()
		if err != nil {
			return err
		}
		pub.channel = ch
	}

	if err := pub.channel.Publish(pub.exchange, key, false, false, msg); err != nil {
		_ = pub.channel.Close()
		pub.channel = nil
		return err
	}
	return nil
}

func (pub *HostEventPublisher) routingKey(kind string) string {
	if pub.routingKeyPrefix == "" {
		return kind
	}
	return pub.routingKeyPrefix + "." + kind
}

// Close publishes what is queued and closes the channel.
func (pub *HostEventPublisher) Close() {
	pub.once.Do(func() {
		close(pub.shutdownSignal)
		pub.wg.Wait()

		pub.chanLock.Lock()
		if pub.channel != nil {
			_ = pub.channel.Close()
			pub.channel = nil
		}
		pub.chanLock.Unlock()
	})
}

func (pub *HostEventPublisher) handleError(err error) {
	klog.V(2).InfoS("Host event publisher", "err", err)
	if pub.errorHandler != nil {
		pub.errorHandler(err)
	}
}
