// Package relaytest runs an in-process relay hub for tests.
package relaytest

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wailbentafat/device-relay/broker"
	"github.com/wailbentafat/device-relay/presence"
	"github.com/wailbentafat/device-relay/registry"
	"github.com/wailbentafat/device-relay/server"
	"github.com/wailbentafat/device-relay/websocket"
)

type Relay struct {
	URL      string
	Hub      *websocket.Hub
	Manager  *websocket.ClientManager
	Broker   *broker.MemoryBroker
	Presence *presence.MemoryStore
	HTTP     *httptest.Server
}

// Options overrides the transport timings used by Start.
type Options = websocket.Options

// Start runs a hub on an in-memory bus behind an httptest server. Everything
// is torn down when the test ends.
func Start(t testing.TB, opts Options) *Relay {
	t.Helper()

	if opts.PollTimeout == 0 {
		opts.PollTimeout = 500 * time.Millisecond
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}

	bus := broker.NewMemoryBroker()
	channels := broker.NewChannels("test")
	store := presence.NewMemoryStore()

	manager := websocket.NewClientManager(registry.New())
	hub := websocket.NewHub(manager, bus, channels)
	handler := websocket.NewHandler(hub, opts)
	srv := server.NewServer("", handler, hub, store)

	ctx, cancel := context.WithCancel(context.Background())

	events, err := bus.Subscribe(ctx, channels.Presence)
	if err != nil {
		cancel()
		t.Fatalf("subscribe presence: %v", err)
	}

	go func() { _ = hub.Run(ctx) }()
	go presence.Consume(ctx, events, store)

	select {
	case <-hub.Ready():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("hub did not start")
	}

	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		manager.CloseAllConnections(websocket.ReasonServerShutdown)
		ts.Close()
		cancel()
		_ = bus.Close()
	})

	return &Relay{
		URL:      ts.URL,
		Hub:      hub,
		Manager:  manager,
		Broker:   bus,
		Presence: store,
		HTTP:     ts,
	}
}
