// Package broker is the pub/sub bus that links relay hub instances. A command
// or broadcast accepted by one hub is published here so hubs holding the
// target sessions can deliver it.
package broker

import (
	"context"
	"encoding/json"
)

// Message types carried on the bus.
const (
	TypeCommand       = "command"
	TypeBroadcast     = "broadcast"
	TypeDeviceOnline  = "device_online"
	TypeDeviceOffline = "device_offline"
)

type Message struct {
	Type     string          `json:"type,omitempty"`
	Event    string          `json:"event,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Origin   string          `json:"origin"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error

	// Subscribe delivers messages published on channel until ctx is done,
	// then closes the returned channel.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	Close() error
}

// Channels names the bus channels for one deployment prefix.
type Channels struct {
	Commands  string
	Broadcast string
	Presence  string
}

func NewChannels(prefix string) Channels {
	if prefix == "" {
		prefix = "relay"
	}

	return Channels{
		Commands:  prefix + ".commands",
		Broadcast: prefix + ".broadcast",
		Presence:  prefix + ".presence",
	}
}

// MarshalBinary implements encoding.BinaryMarshaler interface
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler interface
func (m *Message) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, m)
}
