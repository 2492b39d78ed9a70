package controller

import (
	"context"
	"image"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wailbentafat/device-relay/agent"
	"github.com/wailbentafat/device-relay/client"
	"github.com/wailbentafat/device-relay/config"
	"github.com/wailbentafat/device-relay/internal/relaytest"
	"github.com/wailbentafat/device-relay/protocol"
	"github.com/wailbentafat/device-relay/stream"
)

type recordingActuator struct {
	mock.Mock
}

func (a *recordingActuator) SetLanguage(lang string) error { return a.Called(lang).Error(0) }
func (a *recordingActuator) StartCamera() error { return a.Called().Error(0) }
func (a *recordingActuator) StopCamera() error { return a.Called().Error(0) }
func (a *recordingActuator) Reload() error { return a.Called().Error(0) }

func (a *recordingActuator) CapturePhoto() (image.Image, error) {
	args := a.Called()
	img, _ := args.Get(0).(image.Image)
	return img, args.Error(1)
}

func startDevice(t *testing.T, relay *relaytest.Relay, deviceID string, act agent.Actuator, transports ...string) *agent.Agent {
	t.Helper()

	a := agent.New(agent.Options{
		DeviceID: deviceID,
		Dial: agent.ClientDialer(client.Options{
			ServerURL:  relay.URL,
			DeviceID:   deviceID,
			Transports: transports,
		}),
		Actuator:         act,
		Source:           stream.NewPatternSource(64, 48),
		Stream:           config.StreamConfig{Interval: 20 * time.Millisecond, MaxEdge: 32, Quality: 50},
		Languages:        []string{"en", "fil"},
		MinBackoff:       10 * time.Millisecond,
		MaxBackoff:       100 * time.Millisecond,
		LivenessInterval: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return a.State() == agent.StateRegistered }, 5*time.Second, 10*time.Millisecond)

	return a
}

func startOperator(t *testing.T, relay *relaytest.Relay) *Controller {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, client.Options{ServerURL: relay.URL})
	require.NoError(t, err)

	c := New(conn)
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()
	t.Cleanup(func() {
		stop()
		<-done
		conn.Close()
	})

	return c
}

func TestSetLanguageRoundTrip(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	act := &recordingActuator{}
	act.On("SetLanguage", "fil").Return(nil).Once()
	startDevice(t, relay, "cane-01", act)

	operator := startOperator(t, relay)
	statuses, cancel := operator.Statuses("cane-01")
	defer cancel()

	ctx, cancelSend := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSend()

	sent, err := operator.SendCommand(ctx, "cane-01", protocol.SetLanguage{Lang: "fil"})
	require.NoError(t, err)
	assert.Equal(t, "cane-01", sent.DeviceID)
	assert.NotZero(t, sent.Timestamp)

	select {
	case status := <-statuses:
		assert.Equal(t, "cane-01", status.DeviceID)
		assert.Equal(t, protocol.ActionLanguageChanged, status.Action)
		assert.Equal(t, "fil", status.Field("language"))
		assert.NotEmpty(t, status.SocketID)
	case <-time.After(5 * time.Second):
		t.Fatal("no telemetry")
	}

	act.AssertExpectations(t)
}

func TestCommandToEmptyRoomIsAcked(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})
	operator := startOperator(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sent, err := operator.SendCommand(ctx, "nobody", protocol.Ping{})
	require.NoError(t, err)
	assert.Equal(t, "nobody", sent.DeviceID)
}

func TestPollingDeviceStreamsPreview(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})

	device := startDevice(t, relay, "cane-02", &recordingActuator{}, protocol.TransportPolling)
	operator := startOperator(t, relay)

	frames, cancel := operator.Frames("cane-02")
	defer cancel()

	ctx, cancelSend := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSend()

	_, err := operator.SendCommand(ctx, "cane-02", protocol.StartPreview{})
	require.NoError(t, err)

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case f := <-frames:
			assert.Equal(t, protocol.EventPreviewFrame, f.Event)
			assert.Greater(t, f.FrameNumber, last)
			assert.LessOrEqual(t, f.Width, 32)
			last = f.FrameNumber
		case <-time.After(5 * time.Second):
			t.Fatal("no frames")
		}
	}
	assert.True(t, device.Previewing())

	_, err = operator.SendCommand(ctx, "cane-02", protocol.StopPreview{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !device.Previewing() }, 5*time.Second, 10*time.Millisecond)
}

func TestOnlineDevices(t *testing.T) {
	relay := relaytest.Start(t, relaytest.Options{})
	startDevice(t, relay, "cane-01", &recordingActuator{})

	require.Eventually(t, func() bool {
		devices, err := OnlineDevices(context.Background(), http.DefaultClient, relay.URL)
		return err == nil && assert.ObjectsAreEqual([]string{"cane-01"}, devices)
	}, 5*time.Second, 20*time.Millisecond)
}
