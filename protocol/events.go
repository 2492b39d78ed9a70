// Package protocol defines the named-event messages exchanged between devices,
// controllers and the relay hub.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names carried in Envelope.Event.
const (
	EventOpen           = "open"
	EventRegisterDevice = "registerDevice"
	EventRegistered     = "registered"
	EventSendCommand    = "sendCommand"
	EventCommand        = "command"
	EventCommandSent    = "commandSent"
	EventDeviceStatus   = "deviceStatus"
	EventPreviewFrame   = "previewFrame"
	EventVideoFrame     = "videoFrame"
)

// Transport names reported by sessions.
const (
	TransportPolling   = "polling"
	TransportWebSocket = "websocket"
)

// Envelope is one message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}

	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}

	return json.Unmarshal(e.Data, v)
}

type RegisterRequest struct {
	DeviceID string `json:"deviceId"`
}

type Registered struct {
	DeviceID string `json:"deviceId"`
	SocketID string `json:"socketId"`
}

type SendCommandRequest struct {
	DeviceID string          `json:"deviceId"`
	Command  json.RawMessage `json:"command,omitempty"`
}

// CommandSent acknowledges a dispatch attempt. It does not confirm delivery.
type CommandSent struct {
	DeviceID  string          `json:"deviceId"`
	Command   json.RawMessage `json:"command"`
	Timestamp int64           `json:"timestamp"`
}

// Handshake is returned by the polling handshake endpoint and sent as the
// open event on sessions that start directly on websocket.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

// Millis converts t to Unix milliseconds, the timestamp unit used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// IsNull reports whether raw holds no JSON value.
func IsNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
