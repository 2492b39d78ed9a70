package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttTimeout = 5 * time.Second

var errMQTTTimeout = errors.New("mqtt operation timed out")

// MQTTBroker implements MessageBroker on an MQTT broker. Channel names map to
// topics with dots replaced by slashes. The client holds one handler per
// topic, so local subscribers of a topic share a single MQTT subscription.
type MQTTBroker struct {
	client mqtt.Client

	// subMu serializes topic subscribe and unsubscribe round trips.
	subMu sync.Mutex
	mu    sync.Mutex
	subs  map[string]map[*mqttSubscription]struct{}
}

type mqttSubscription struct {
	ctx context.Context

	mu     sync.Mutex
	closed bool
	ch     chan Message
}

func (s *mqttSubscription) deliver(message Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- message:
	case <-s.ctx.Done():
	}
}

func (s *mqttSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	close(s.ch)
}

func NewMQTTBroker(url, clientID string) (*MQTTBroker, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttTimeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})

	client := mqtt.NewClient(opts)

	if err := waitToken(context.Background(), client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &MQTTBroker{client: client, subs: make(map[string]map[*mqttSubscription]struct{})}, nil
}

func mqttTopic(channel string) string {
	return strings.ReplaceAll(channel, ".", "/")
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(mqttTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errMQTTTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTTBroker) Publish(ctx context.Context, channel string, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	return waitToken(ctx, b.client.Publish(mqttTopic(channel), 0, false, data))
}

func (b *MQTTBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	topic := mqttTopic(channel)
	sub := &mqttSubscription{ctx: ctx, ch: make(chan Message, 64)}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	first := len(b.subs[topic]) == 0
	b.mu.Unlock()

	if first {
		if err := waitToken(ctx, b.client.Subscribe(topic, 0, b.route(topic))); err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*mqttSubscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(topic, sub)
	}()

	return sub.ch, nil
}

func (b *MQTTBroker) route(topic string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var message Message
		if err := json.Unmarshal(msg.Payload(), &message); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Message decode error")
			return
		}

		b.mu.Lock()
		subs := make([]*mqttSubscription, 0, len(b.subs[topic]))
		for sub := range b.subs[topic] {
			subs = append(subs, sub)
		}
		b.mu.Unlock()

		for _, sub := range subs {
			sub.deliver(message)
		}
	}
}

func (b *MQTTBroker) unsubscribe(topic string, sub *mqttSubscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	delete(b.subs[topic], sub)
	last := len(b.subs[topic]) == 0
	if last {
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	if last {
		if err := waitToken(context.Background(), b.client.Unsubscribe(topic)); err != nil {
			log.Debug().Err(err).Str("topic", topic).Msg("MQTT unsubscribe failed")
		}
	}

	sub.close()
}

func (b *MQTTBroker) Close() error {
	b.client.Disconnect(250)
	return nil
}
