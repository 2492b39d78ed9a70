package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type CommandType string

const (
	CommandSetLanguage  CommandType = "SET_LANGUAGE"
	CommandStartCamera  CommandType = "START_CAMERA"
	CommandStopCamera   CommandType = "STOP_CAMERA"
	CommandCapturePhoto CommandType = "CAPTURE_PHOTO"
	CommandStartPreview CommandType = "START_PREVIEW"
	CommandStopPreview  CommandType = "STOP_PREVIEW"
	CommandPing         CommandType = "PING"
	CommandGetStatus    CommandType = "GET_STATUS"
	CommandReload       CommandType = "RELOAD"
)

var ErrMissingType = errors.New("command type is required")

// CommandMessage is the wire form of a command.
type CommandMessage struct {
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Command is the closed set of commands a device understands. Unknown carries
// every tag outside that set.
type Command interface {
	Type() CommandType
	isCommand()
}

type SetLanguage struct {
	Lang string `json:"lang"`
}

type StartCamera struct{}

type StopCamera struct{}

type CapturePhoto struct{}

type StartPreview struct{}

type StopPreview struct{}

type Ping struct{}

type GetStatus struct{}

type Reload struct{}

type Unknown struct {
	Tag CommandType
}

func (SetLanguage) Type() CommandType  { return CommandSetLanguage }
func (StartCamera) Type() CommandType  { return CommandStartCamera }
func (StopCamera) Type() CommandType   { return CommandStopCamera }
func (CapturePhoto) Type() CommandType { return CommandCapturePhoto }
func (StartPreview) Type() CommandType { return CommandStartPreview }
func (StopPreview) Type() CommandType  { return CommandStopPreview }
func (Ping) Type() CommandType         { return CommandPing }
func (GetStatus) Type() CommandType    { return CommandGetStatus }
func (Reload) Type() CommandType       { return CommandReload }
func (u Unknown) Type() CommandType    { return u.Tag }

func (SetLanguage) isCommand()  {}
func (StartCamera) isCommand()  {}
func (StopCamera) isCommand()   {}
func (CapturePhoto) isCommand() {}
func (StartPreview) isCommand() {}
func (StopPreview) isCommand()  {}
func (Ping) isCommand()         {}
func (GetStatus) isCommand()    {}
func (Reload) isCommand()       {}
func (Unknown) isCommand()      {}

// ParseCommand maps a wire command onto its variant. A malformed payload for a
// known type is an error; an unrecognised type is not.
func ParseCommand(msg CommandMessage) (Command, error) {
	switch msg.Type {
	case "":
		return nil, ErrMissingType
	case CommandSetLanguage:
		var cmd SetLanguage
		if !IsNull(msg.Payload) {
			if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
				return nil, fmt.Errorf("%s payload: %w", msg.Type, err)
			}
		}
		return cmd, nil
	case CommandStartCamera:
		return StartCamera{}, nil
	case CommandStopCamera:
		return StopCamera{}, nil
	case CommandCapturePhoto:
		return CapturePhoto{}, nil
	case CommandStartPreview:
		return StartPreview{}, nil
	case CommandStopPreview:
		return StopPreview{}, nil
	case CommandPing:
		return Ping{}, nil
	case CommandGetStatus:
		return GetStatus{}, nil
	case CommandReload:
		return Reload{}, nil
	default:
		return Unknown{Tag: msg.Type}, nil
	}
}

// EncodeCommand builds the wire form of cmd stamped with issuedAt (Unix ms).
func EncodeCommand(cmd Command, issuedAt int64) (CommandMessage, error) {
	msg := CommandMessage{Type: cmd.Type(), Timestamp: issuedAt}

	if lang, ok := cmd.(SetLanguage); ok {
		payload, err := json.Marshal(lang)
		if err != nil {
			return CommandMessage{}, err
		}
		msg.Payload = payload
	}

	return msg, nil
}
