package protocol

import (
	"encoding/json"
	"fmt"
)

// Status actions reported by the device agent.
const (
	ActionLanguageChanged = "language_changed"
	ActionCameraStarted   = "camera_started"
	ActionCameraStopped   = "camera_stopped"
	ActionPhotoCaptured   = "photo_captured"
	ActionPreviewStarted  = "preview_started"
	ActionPreviewStopped  = "preview_stopped"
	ActionPong            = "pong"
	ActionStatus          = "status"
	ActionReloading       = "reloading"
	ActionUnknownCommand  = "unknown_command"
	ActionError           = "error"
)

var reservedStatusKeys = map[string]struct{}{
	"deviceId":  {},
	"action":    {},
	"timestamp": {},
	"socketId":  {},
}

// DeviceStatus is a telemetry record. Fields are flattened into the top-level
// JSON object next to deviceId, action and timestamp.
type DeviceStatus struct {
	DeviceID  string
	Action    string
	Timestamp int64
	SocketID  string
	Fields    map[string]any
}

func (s DeviceStatus) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+4)
	for k, v := range s.Fields {
		if _, reserved := reservedStatusKeys[k]; reserved {
			continue
		}
		out[k] = v
	}

	out["deviceId"] = s.DeviceID
	out["action"] = s.Action
	out["timestamp"] = s.Timestamp
	if s.SocketID != "" {
		out["socketId"] = s.SocketID
	}

	return json.Marshal(out)
}

func (s *DeviceStatus) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = DeviceStatus{}

	for key, target := range map[string]any{
		"deviceId":  &s.DeviceID,
		"action":    &s.Action,
		"timestamp": &s.Timestamp,
		"socketId":  &s.SocketID,
	} {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, target); err != nil {
			return fmt.Errorf("status %s: %w", key, err)
		}
		delete(raw, key)
	}

	if len(raw) == 0 {
		return nil
	}

	s.Fields = make(map[string]any, len(raw))
	for key, value := range raw {
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("status %s: %w", key, err)
		}
		s.Fields[key] = v
	}

	return nil
}

// Field returns a flattened field, or nil.
func (s DeviceStatus) Field(key string) any {
	return s.Fields[key]
}
