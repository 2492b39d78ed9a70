package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/device-relay/broker"
	"github.com/wailbentafat/device-relay/internal/relaytest"
	"github.com/wailbentafat/device-relay/registry"
	"github.com/wailbentafat/device-relay/server"
	"github.com/wailbentafat/device-relay/websocket"
)

func TestHealth(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	resp, err := http.Get(relay.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Status      string   `json:"status"`
		Instance    string   `json:"instance"`
		Connections int      `json:"connections"`
		Devices     []string `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, relay.Hub.Instance(), body.Instance)
	assert.Zero(t, body.Connections)
	assert.Empty(t, body.Devices)
}

func TestDevices(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})
	require.NoError(t, relay.Presence.AddOnlineDevice(context.Background(), "cane-02"))
	require.NoError(t, relay.Presence.AddOnlineDevice(context.Background(), "cane-01"))

	resp, err := http.Get(relay.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"cane-01", "cane-02"}, body["devices"])
}

type brokenStore struct{}

func (brokenStore) AddOnlineDevice(context.Context, string) error { return nil }
func (brokenStore) RemoveOnlineDevice(context.Context, string) error { return nil }
func (brokenStore) GetOnlineDevices(context.Context) ([]string, error) {
	return nil, errors.New("connection refused")
}

func TestDevicesStoreFailure(t *testing.T) {
	hub := websocket.NewHub(websocket.NewClientManager(registry.New()), nil, broker.NewChannels("test"))
	srv := server.NewServer("", websocket.NewHandler(hub, websocket.Options{}), hub, brokenStore{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRoutesRejectWrongMethod(t *testing.T) {
	hub := websocket.NewHub(websocket.NewClientManager(registry.New()), nil, broker.NewChannels("test"))
	srv := server.NewServer("", websocket.NewHandler(hub, websocket.Options{}), hub, brokenStore{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/socket/handshake", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestShutdownClosesSessions(t *testing.T) {
	manager := websocket.NewClientManager(registry.New())
	bus := broker.NewMemoryBroker()
	hub := websocket.NewHub(manager, bus, broker.NewChannels("test"))
	srv := server.NewServer("127.0.0.1:0", websocket.NewHandler(hub, websocket.Options{}), hub, brokenStore{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	session := websocket.NewClientSession("sid-1", nil, "polling", 4)
	manager.AddClient(session)

	done := make(chan struct{})
	go func() {
		srv.Shutdown(2*time.Second, manager, bus)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung")
	}

	assert.False(t, session.Connected())
	_, err := bus.Subscribe(context.Background(), "x")
	assert.ErrorIs(t, err, broker.ErrBrokerClosed)
}
