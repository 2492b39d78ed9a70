package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBroker implements MessageBroker over core NATS subjects.
type NATSBroker struct {
	conn *nats.Conn
}

func NewNATSBroker(url, name string) (*NATSBroker, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}

	return &NATSBroker{conn: conn}, nil
}

func (b *NATSBroker) Publish(_ context.Context, channel string, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	return b.conn.Publish(channel, data)
}

func (b *NATSBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	raw := make(chan *nats.Msg, 64)

	sub, err := b.conn.ChanSubscribe(channel, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	// Make sure the server has registered the interest before returning.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message)

	go func() {
		defer close(messages)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-raw:
				var message Message
				if err := json.Unmarshal(msg.Data, &message); err != nil {
					log.Warn().Err(err).Str("subject", channel).Msg("Message decode error")
					continue
				}

				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return messages, nil
}

func (b *NATSBroker) Close() error {
	b.conn.Close()
	return nil
}
