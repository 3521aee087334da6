package notify

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"github.com/houseofcat/turbocql/pkg/tcq"
)

// amqpChannel owns its connection so closing the channel releases both.
type amqpChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *amqpChannel) Close() error {
	chErr := c.Channel.Close()
	connErr := c.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// AMQPDialer connects to config.URI and declares the exchange as a durable
// topic exchange.
func AMQPDialer(config *tcq.NotifierConfig, appID string, tlsConfig *tcq.TLSConfig) ChannelDialer {
	return func() (Channel, error) {

		var actualTLSConfig *tls.Config
		var err error

		uri := config.URI
		if tlsConfig != nil && tlsConfig.EnableTLS {
			actualTLSConfig, err = tcq.CreateTLSConfig(tlsConfig.PEMCertLocation, tlsConfig.LocalCertLocation)
			if err != nil {
				return nil, err
			}
			actualTLSConfig.ServerName = tlsConfig.CertServerName
		}

		conn, err := amqp.DialConfig(uri, amqp.Config{
			Heartbeat:       time.Duration(config.Heartbeat) * time.Second,
			Dial:            amqp.DefaultDial(time.Duration(config.ConnectionTimeout) * time.Second),
			TLSClientConfig: actualTLSConfig,
			Properties: amqp.Table{
				"connection_name": appID,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", config.Exchange, err)
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}

		if config.Exchange != "" {
			err = ch.ExchangeDeclare(config.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
			if err != nil {
				_ = ch.Close()
				_ = conn.Close()
				return nil, fmt.Errorf("declaring exchange %s: %w", config.Exchange, err)
			}
		}

		return &amqpChannel{Channel: ch, conn: conn}, nil
	}
}
