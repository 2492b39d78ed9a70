package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/device-relay/config"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()

	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func exercise(t *testing.T, b MessageBroker) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := NewChannels("test")

	first, err := b.Subscribe(ctx, channels.Commands)
	require.NoError(t, err)
	second, err := b.Subscribe(ctx, channels.Commands)
	require.NoError(t, err)

	msg := Message{
		Type:     TypeCommand,
		DeviceID: "cane-01",
		Origin:   "hub-a",
		Data:     json.RawMessage(`{"type":"PING"}`),
	}
	require.NoError(t, b.Publish(ctx, channels.Commands, msg))

	for _, ch := range []<-chan Message{first, second} {
		got := receive(t, ch)
		assert.Equal(t, TypeCommand, got.Type)
		assert.Equal(t, "cane-01", got.DeviceID)
		assert.Equal(t, "hub-a", got.Origin)
		assert.JSONEq(t, `{"type":"PING"}`, string(got.Data))
	}

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-first:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "subscription not closed after cancel")
}

func TestMemoryBroker(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	exercise(t, b)
}

func TestMemoryBrokerChannelsAreIsolated(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channels := NewChannels("")
	presence, err := b.Subscribe(ctx, channels.Presence)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, channels.Broadcast, Message{Type: TypeBroadcast}))
	require.NoError(t, b.Publish(ctx, channels.Presence, Message{Type: TypeDeviceOnline, DeviceID: "x"}))

	assert.Equal(t, TypeDeviceOnline, receive(t, presence).Type)
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Close())

	_, err := b.Subscribe(context.Background(), "any")
	assert.ErrorIs(t, err, ErrBrokerClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "any", Message{}), ErrBrokerClosed)
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := NewRedisBroker(mr.Addr())
	require.NoError(t, err)
	defer b.Close()

	exercise(t, b)
}

func TestRedisBrokerUnreachable(t *testing.T) {
	_, err := NewRedisBroker("127.0.0.1:1")
	require.Error(t, err)
}

func TestNATSBroker(t *testing.T) {
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)

	go srv.Start()
	t.Cleanup(srv.Shutdown)

	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded NATS server not ready for connections")
	}

	b, err := NewNATSBroker(srv.ClientURL(), "broker-test")
	require.NoError(t, err)
	defer b.Close()

	exercise(t, b)
}

func TestNewSelectsDriver(t *testing.T) {
	b, err := New(config.BusConfig{Driver: config.BusMemory}, "hub")
	require.NoError(t, err)
	assert.IsType(t, &MemoryBroker{}, b)

	_, err = New(config.BusConfig{Driver: "carrier-pigeon"}, "hub")
	assert.Error(t, err)
}
