package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"slices"
	"time"

	"github.com/wailbentafat/device-relay/protocol"
	"github.com/wailbentafat/device-relay/stream"
)

var (
	errEmptyLanguage = errors.New("language is required")
	errNoPhoto       = errors.New("camera returned no image")
)

// Actuator performs the device-side effects of commands.
type Actuator interface {
	SetLanguage(lang string) error
	StartCamera() error
	StopCamera() error
	CapturePhoto() (image.Image, error)
	Reload() error
}

// SessionInfo describes the agent's connection at the time a command runs.
type SessionInfo struct {
	State     State
	Transport string
	SessionID string
}

// Result is what one command produced: always a status, and a frame for
// CAPTURE_PHOTO.
type Result struct {
	Status protocol.DeviceStatus
	Frame  *protocol.FramePacket
}

// Executor maps each command variant to one side effect and reports the
// outcome. It is not safe for concurrent use; the agent loop owns it.
type Executor struct {
	deviceID  string
	actuator  Actuator
	pipeline  *stream.Pipeline
	languages []string
	maxEdge   int
	quality   int
	now       func() time.Time

	language     string
	cameraActive bool
}

func NewExecutor(deviceID string, actuator Actuator, pipeline *stream.Pipeline, languages []string) *Executor {
	return &Executor{
		deviceID:  deviceID,
		actuator:  actuator,
		pipeline:  pipeline,
		languages: languages,
		maxEdge:   pipeline.MaxEdge,
		quality:   pipeline.Quality,
		now:       time.Now,
	}
}

func (e *Executor) Language() string {
	return e.language
}

func (e *Executor) CameraActive() bool {
	return e.cameraActive
}

// Execute runs one forwarded command. It never panics and always yields
// exactly one status.
func (e *Executor) Execute(raw json.RawMessage, info SessionInfo) (res Result) {
	var msg protocol.CommandMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return e.fail("", fmt.Errorf("malformed command: %w", err))
	}

	cmd, err := protocol.ParseCommand(msg)
	if err != nil {
		return e.fail(msg.Type, err)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("command", string(msg.Type)).Msg("Recovered from command panic")
			res = e.fail(msg.Type, fmt.Errorf("panic: %v", r))
		}
	}()

	res, err = e.run(cmd, info)
	if err != nil {
		return e.fail(msg.Type, err)
	}

	return res
}

func (e *Executor) run(cmd protocol.Command, info SessionInfo) (Result, error) {
	switch c := cmd.(type) {
	case protocol.SetLanguage:
		if c.Lang == "" {
			return Result{}, errEmptyLanguage
		}
		if len(e.languages) > 0 && !slices.Contains(e.languages, c.Lang) {
			return Result{}, fmt.Errorf("unsupported language %q", c.Lang)
		}
		if err := e.actuator.SetLanguage(c.Lang); err != nil {
			return Result{}, err
		}
		e.language = c.Lang
		return e.result(protocol.ActionLanguageChanged, map[string]any{"language": c.Lang}), nil

	case protocol.StartCamera:
		if err := e.actuator.StartCamera(); err != nil {
			return Result{}, err
		}
		e.cameraActive = true
		e.pipeline.Start()
		return e.result(protocol.ActionCameraStarted, nil), nil

	case protocol.StopCamera:
		if err := e.actuator.StopCamera(); err != nil {
			return Result{}, err
		}
		e.cameraActive = false
		e.pipeline.Stop()
		return e.result(protocol.ActionCameraStopped, nil), nil

	case protocol.CapturePhoto:
		return e.capture()

	case protocol.StartPreview:
		e.pipeline.Start()
		return e.result(protocol.ActionPreviewStarted, nil), nil

	case protocol.StopPreview:
		e.pipeline.Stop()
		return e.result(protocol.ActionPreviewStopped, nil), nil

	case protocol.Ping:
		return e.result(protocol.ActionPong, map[string]any{"sessionId": info.SessionID}), nil

	case protocol.GetStatus:
		return e.result(protocol.ActionStatus, map[string]any{
			"state":        info.State.String(),
			"transport":    info.Transport,
			"sessionId":    info.SessionID,
			"previewing":   e.pipeline.Running(),
			"language":     e.language,
			"cameraActive": e.cameraActive,
		}), nil

	case protocol.Reload:
		if err := e.actuator.Reload(); err != nil {
			return Result{}, err
		}
		return e.result(protocol.ActionReloading, nil), nil

	case protocol.Unknown:
		log.Warn().Str("command", string(c.Tag)).Msg("Unknown command")
		return e.result(protocol.ActionUnknownCommand, map[string]any{"type": string(c.Tag)}), nil

	default:
		return Result{}, fmt.Errorf("unhandled command %T", cmd)
	}
}

func (e *Executor) capture() (Result, error) {
	img, err := e.actuator.CapturePhoto()
	if err != nil {
		return Result{}, err
	}
	if img == nil {
		return Result{}, errNoPhoto
	}

	data, w, h, err := stream.Encode(img, e.maxEdge, e.quality)
	if err != nil {
		return Result{}, err
	}

	res := e.result(protocol.ActionPhotoCaptured, map[string]any{
		"width":  w,
		"height": h,
		"bytes":  len(data),
	})
	res.Frame = &protocol.FramePacket{
		DeviceID:  e.deviceID,
		Image:     data,
		Width:     w,
		Height:    h,
		Timestamp: res.Status.Timestamp,
	}

	return res, nil
}

// CameraEvent reconciles a camera start/stop made on the device itself with
// the frame pipeline. Camera commands do this in Execute.
func (e *Executor) CameraEvent(started bool) Result {
	e.cameraActive = started

	if started {
		e.pipeline.Start()
		return e.result(protocol.ActionCameraStarted, map[string]any{"source": "local"})
	}

	e.pipeline.Stop()
	return e.result(protocol.ActionCameraStopped, map[string]any{"source": "local"})
}

func (e *Executor) result(action string, fields map[string]any) Result {
	return Result{Status: protocol.DeviceStatus{
		DeviceID:  e.deviceID,
		Action:    action,
		Timestamp: protocol.Millis(e.now()),
		Fields:    fields,
	}}
}

func (e *Executor) fail(command protocol.CommandType, err error) Result {
	log.Warn().Err(err).Str("command", string(command)).Msg("Command failed")

	return e.result(protocol.ActionError, map[string]any{
		"command": string(command),
		"error":   err.Error(),
	})
}
