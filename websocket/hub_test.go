package websocket_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/device-relay/broker"
	"github.com/wailbentafat/device-relay/internal/relaytest"
	"github.com/wailbentafat/device-relay/presence"
	"github.com/wailbentafat/device-relay/protocol"
	"github.com/wailbentafat/device-relay/registry"
	"github.com/wailbentafat/device-relay/server"
	"github.com/wailbentafat/device-relay/websocket"
)

const waitFor = 5 * time.Second

type rawClient struct {
	t    *testing.T
	conn *gws.Conn
	sid  string
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/socket/ws"
}

func connect(t *testing.T, base string) *rawClient {
	t.Helper()

	conn, _, err := gws.DefaultDialer.Dial(wsURL(base), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &rawClient{t: t, conn: conn}

	var hs protocol.Handshake
	require.NoError(t, c.expect(protocol.EventOpen).Decode(&hs))
	require.NotEmpty(t, hs.SID)
	assert.Equal(t, []string{protocol.TransportWebSocket}, hs.Upgrades)
	c.sid = hs.SID

	return c
}

func (c *rawClient) emit(event string, data any) {
	c.t.Helper()

	env, err := protocol.NewEnvelope(event, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *rawClient) next(wait time.Duration) (protocol.Envelope, bool) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))

	var env protocol.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return protocol.Envelope{}, false
	}
	return env, true
}

func (c *rawClient) expect(event string) protocol.Envelope {
	c.t.Helper()

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		env, ok := c.next(time.Until(deadline))
		if !ok {
			break
		}
		if env.Event == event {
			return env
		}
	}

	c.t.Fatalf("no %q event", event)
	return protocol.Envelope{}
}

// expectNone fails if event arrives within wait. The read deadline poisons
// the connection, so this must be the client's last read.
func (c *rawClient) expectNone(event string, wait time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		env, ok := c.next(time.Until(deadline))
		if !ok {
			return
		}
		assert.NotEqual(c.t, event, env.Event, "unexpected %q event", event)
	}
}

func (c *rawClient) register(deviceID string) {
	c.t.Helper()

	c.emit(protocol.EventRegisterDevice, protocol.RegisterRequest{DeviceID: deviceID})

	var reg protocol.Registered
	require.NoError(c.t, c.expect(protocol.EventRegistered).Decode(&reg))
	assert.Equal(c.t, deviceID, reg.DeviceID)
	assert.Equal(c.t, c.sid, reg.SocketID)
}

func sendCommand(c *rawClient, deviceID, command string) protocol.CommandSent {
	c.t.Helper()

	c.emit(protocol.EventSendCommand, protocol.SendCommandRequest{DeviceID: deviceID, Command: json.RawMessage(command)})

	var ack protocol.CommandSent
	require.NoError(c.t, c.expect(protocol.EventCommandSent).Decode(&ack))
	return ack
}

func TestCommandToEmptyRoomIsAckedNotDelivered(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	bystander := connect(t, relay.URL)
	controller := connect(t, relay.URL)

	ack := sendCommand(controller, "cane-01", `{"type":"PING"}`)
	assert.Equal(t, "cane-01", ack.DeviceID)
	assert.JSONEq(t, `{"type":"PING"}`, string(ack.Command))
	assert.InDelta(t, time.Now().UnixMilli(), ack.Timestamp, float64(waitFor.Milliseconds()))

	bystander.expectNone(protocol.EventCommand, 200*time.Millisecond)
}

func TestCommandReachesEveryMember(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	first := connect(t, relay.URL)
	second := connect(t, relay.URL)
	other := connect(t, relay.URL)
	first.register("cane-01")
	second.register("cane-01")
	other.register("cane-02")

	controller := connect(t, relay.URL)
	command := `{"type":"SET_LANGUAGE","payload":{"lang":"fil"}}`
	sendCommand(controller, "cane-01", command)

	assert.JSONEq(t, command, string(first.expect(protocol.EventCommand).Data))
	assert.JSONEq(t, command, string(second.expect(protocol.EventCommand).Data))
	other.expectNone(protocol.EventCommand, 200*time.Millisecond)
}

func TestStaleConnectionIsNotDelivered(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	device := connect(t, relay.URL)
	device.register("cane-01")
	require.Len(t, relay.Manager.Members("cane-01"), 1)

	device.conn.Close()
	require.Eventually(t, func() bool {
		return len(relay.Manager.Members("cane-01")) == 0
	}, waitFor, 10*time.Millisecond)

	controller := connect(t, relay.URL)
	ack := sendCommand(controller, "cane-01", `{"type":"PING"}`)
	assert.Equal(t, "cane-01", ack.DeviceID)

	_, ok := relay.Manager.GetClient(device.sid)
	assert.False(t, ok)
}

func TestTelemetryBroadcastSkipsSender(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	device := connect(t, relay.URL)
	device.register("cane-01")
	controller := connect(t, relay.URL)
	unrelated := connect(t, relay.URL)

	device.emit(protocol.EventDeviceStatus, protocol.DeviceStatus{
		DeviceID:  "cane-01",
		Action:    protocol.ActionLanguageChanged,
		Timestamp: 1,
		Fields:    map[string]any{"language": "fil"},
	})

	for _, c := range []*rawClient{controller, unrelated} {
		var status protocol.DeviceStatus
		require.NoError(t, c.expect(protocol.EventDeviceStatus).Decode(&status))
		assert.Equal(t, protocol.ActionLanguageChanged, status.Action)
		assert.Equal(t, "fil", status.Field("language"))
		assert.Equal(t, device.sid, status.SocketID)
	}

	device.expectNone(protocol.EventDeviceStatus, 200*time.Millisecond)
}

func TestFramesRelayedVerbatim(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	device := connect(t, relay.URL)
	controller := connect(t, relay.URL)

	frame := protocol.FramePacket{DeviceID: "cane-01", Image: []byte{1, 2, 3}, FrameNumber: 7, Timestamp: 99}
	device.emit(protocol.EventPreviewFrame, frame)

	var got protocol.FramePacket
	require.NoError(t, controller.expect(protocol.EventPreviewFrame).Decode(&got))
	assert.Equal(t, frame, got)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	c := connect(t, relay.URL)
	watcher := connect(t, relay.URL)
	watcher.register("cane-01")

	require.NoError(t, c.conn.WriteMessage(gws.TextMessage, []byte("not json")))
	require.NoError(t, c.conn.WriteMessage(gws.TextMessage, []byte(`{"event":"deviceStatus","data":null}`)))
	require.NoError(t, c.conn.WriteMessage(gws.TextMessage, []byte(`{"event":"deviceStatus"}`)))
	require.NoError(t, c.conn.WriteMessage(gws.TextMessage, []byte(`{"event":"deviceStatus","data":[1,2]}`)))
	c.emit(protocol.EventRegisterDevice, protocol.RegisterRequest{})
	c.emit(protocol.EventSendCommand, protocol.SendCommandRequest{Command: json.RawMessage(`{"type":"PING"}`)})
	c.emit(protocol.EventSendCommand, protocol.SendCommandRequest{DeviceID: "cane-01"})
	c.emit("somethingElse", map[string]string{"x": "y"})

	// The session survives and later messages are still handled in order.
	c.register("cane-01")
	assert.Equal(t, []string{"cane-01"}, relay.Manager.Registry().Devices())

	ack := sendCommand(c, "cane-01", `{"type":"PING"}`)
	assert.Equal(t, "cane-01", ack.DeviceID)

	// The only status the watcher sees is the well-formed one.
	c.emit(protocol.EventDeviceStatus, protocol.DeviceStatus{
		DeviceID:  "cane-01",
		Action:    protocol.ActionLanguageChanged,
		Timestamp: 2,
	})
	var status protocol.DeviceStatus
	require.NoError(t, watcher.expect(protocol.EventDeviceStatus).Decode(&status))
	assert.Equal(t, int64(2), status.Timestamp)
	assert.Equal(t, c.sid, status.SocketID)
}

func TestRegisterUnderNewIdentityMoves(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	c := connect(t, relay.URL)
	c.register("cane-01")
	c.register("cane-02")

	assert.Empty(t, relay.Manager.Members("cane-01"))
	assert.Len(t, relay.Manager.Members("cane-02"), 1)
}

func TestPresenceFollowsRegistration(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	online := func() []string {
		devices, err := relay.Presence.GetOnlineDevices(context.Background())
		require.NoError(t, err)
		return devices
	}

	first := connect(t, relay.URL)
	second := connect(t, relay.URL)
	first.register("cane-01")
	second.register("cane-01")

	require.Eventually(t, func() bool { return assert.ObjectsAreEqual([]string{"cane-01"}, online()) }, waitFor, 10*time.Millisecond)

	first.conn.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"cane-01"}, online(), "one member remains")

	second.conn.Close()
	require.Eventually(t, func() bool { return len(online()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestPollingSessionAndUpgrade(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{PollTimeout: 200 * time.Millisecond})

	resp, err := http.Get(relay.URL + "/socket/handshake?deviceId=cane-01")
	require.NoError(t, err)
	var hs protocol.Handshake
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hs))
	resp.Body.Close()

	require.NotEmpty(t, hs.SID)
	assert.Equal(t, []string{protocol.TransportWebSocket}, hs.Upgrades)
	assert.Positive(t, hs.PingInterval)
	assert.Positive(t, hs.PingTimeout)

	session, ok := relay.Manager.GetClient(hs.SID)
	require.True(t, ok)
	assert.Equal(t, "cane-01", session.DeviceHint)
	assert.Equal(t, protocol.TransportPolling, session.Transport())

	pollURL := relay.URL + "/socket/poll?sid=" + hs.SID

	// An idle poll returns an empty batch after the poll timeout.
	batch := poll(t, pollURL)
	assert.Empty(t, batch)

	env, err := protocol.NewEnvelope(protocol.EventRegisterDevice, protocol.RegisterRequest{DeviceID: "cane-01"})
	require.NoError(t, err)
	body, err := json.Marshal([]protocol.Envelope{env})
	require.NoError(t, err)

	resp, err = http.Post(pollURL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	batch = poll(t, pollURL)
	require.Len(t, batch, 1)
	assert.Equal(t, protocol.EventRegistered, batch[0].Event)

	// Queue a command while still polling, then upgrade; it is flushed on the socket.
	controller := connect(t, relay.URL)
	sendCommand(controller, "cane-01", `{"type":"PING"}`)

	conn, _, err := gws.DefaultDialer.Dial(wsURL(relay.URL)+"?sid="+hs.SID, nil)
	require.NoError(t, err)
	defer conn.Close()

	upgraded := &rawClient{t: t, conn: conn, sid: hs.SID}
	assert.JSONEq(t, `{"type":"PING"}`, string(upgraded.expect(protocol.EventCommand).Data))
	assert.Equal(t, protocol.TransportWebSocket, session.Transport())

	resp, err = http.Get(pollURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Same identity membership carries over the upgrade.
	assert.Len(t, relay.Manager.Members("cane-01"), 1)
}

func TestPollUnknownSession(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	resp, err := http.Get(relay.URL + "/socket/poll?sid=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = gws.DefaultDialer.Dial(wsURL(relay.URL)+"?sid=missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollingDisconnectEvent(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	resp, err := http.Get(relay.URL + "/socket/handshake")
	require.NoError(t, err)
	var hs protocol.Handshake
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hs))
	resp.Body.Close()

	body := []byte(`[{"event":"registerDevice","data":{"deviceId":"cane-01"}},{"event":"disconnect"}]`)
	resp, err = http.Post(relay.URL+"/socket/poll?sid="+hs.SID, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		_, ok := relay.Manager.GetClient(hs.SID)
		return !ok
	}, waitFor, 10*time.Millisecond)
	assert.Empty(t, relay.Manager.Members("cane-01"))
}

func TestIdleSessionTimesOut(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{PingTimeout: 100 * time.Millisecond})

	resp, err := http.Get(relay.URL + "/socket/handshake")
	require.NoError(t, err)
	var hs protocol.Handshake
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hs))
	resp.Body.Close()

	require.Eventually(t, func() bool {
		_, ok := relay.Manager.GetClient(hs.SID)
		return !ok
	}, waitFor, 10*time.Millisecond)
}

func TestOriginCheck(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{AllowedOrigins: []string{"https://ops.example"}})

	req, err := http.NewRequest(http.MethodGet, relay.URL+"/socket/handshake", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req.Header.Set("Origin", "https://ops.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://ops.example", resp.Header.Get("Access-Control-Allow-Origin"))

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, _, err = gws.DefaultDialer.Dial(wsURL(relay.URL), header)
	assert.Error(t, err)
}

func poll(t *testing.T, url string) []protocol.Envelope {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var batch []protocol.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
	return batch
}

// startInstance runs one hub on a shared bus, as a second process would.
func startInstance(t *testing.T, bus broker.MessageBroker, channels broker.Channels) string {
	t.Helper()

	manager := websocket.NewClientManager(registry.New())
	hub := websocket.NewHub(manager, bus, channels)
	srv := server.NewServer("", websocket.NewHandler(hub, websocket.Options{}), hub, presence.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	select {
	case <-hub.Ready():
	case <-time.After(waitFor):
		t.Fatal("hub did not start")
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		manager.CloseAllConnections(websocket.ReasonServerShutdown)
		ts.Close()
		cancel()
	})

	return ts.URL
}

func TestRelayAcrossInstances(t *testing.T) {
	bus := broker.NewMemoryBroker()
	t.Cleanup(func() { bus.Close() })
	channels := broker.NewChannels("test")

	hubA := startInstance(t, bus, channels)
	hubB := startInstance(t, bus, channels)

	device := connect(t, hubA)
	device.register("cane-01")

	controller := connect(t, hubB)

	sendCommand(controller, "cane-01", `{"type":"PING"}`)
	assert.JSONEq(t, `{"type":"PING"}`, string(device.expect(protocol.EventCommand).Data))

	local := connect(t, hubA)
	local.register("cane-01")
	local.emit(protocol.EventSendCommand, protocol.SendCommandRequest{
		DeviceID: "cane-01",
		Command:  json.RawMessage(`{"type":"GET_STATUS"}`),
	})

	// The local hub delivers once; its own bus echo is ignored.
	first := local.expect(protocol.EventCommand)
	assert.JSONEq(t, `{"type":"GET_STATUS"}`, string(first.Data))
	local.expectNone(protocol.EventCommand, 200*time.Millisecond)
}
