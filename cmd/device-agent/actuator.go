package main

import (
	"errors"
	"image"
	"sync"

	"github.com/wailbentafat/device-relay/agent"
	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/stream"
)

var errCameraOff = errors.New("camera is not started")

// headlessActuator stands in for the device UI. toggleCamera plays the part
// of the on-device camera button.
type headlessActuator struct {
	source stream.FrameSource
	agent  *agent.Agent

	mu       sync.Mutex
	language string
	camera   bool
}

var actuatorLog = logger.WithComponent("actuator")

func (h *headlessActuator) SetLanguage(lang string) error {
	h.mu.Lock()
	h.language = lang
	h.mu.Unlock()

	actuatorLog.Info().Str("language", lang).Msg("Language switched")
	return nil
}

func (h *headlessActuator) StartCamera() error {
	h.mu.Lock()
	h.camera = true
	h.mu.Unlock()
	return nil
}

func (h *headlessActuator) StopCamera() error {
	h.mu.Lock()
	h.camera = false
	h.mu.Unlock()
	return nil
}

// toggleCamera flips the camera outside any command and reports it to the
// agent as a local camera event.
func (h *headlessActuator) toggleCamera() {
	h.mu.Lock()
	h.camera = !h.camera
	on := h.camera
	h.mu.Unlock()

	actuatorLog.Info().Bool("camera", on).Msg("Camera toggled locally")
	h.agent.CameraEvent(on)
}

func (h *headlessActuator) CapturePhoto() (image.Image, error) {
	h.mu.Lock()
	on := h.camera
	h.mu.Unlock()

	if !on {
		return nil, errCameraOff
	}

	img, ok, err := h.source.Frame()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("no frame available")
	}
	return img, nil
}

func (h *headlessActuator) Reload() error {
	actuatorLog.Info().Msg("Reload requested, reconnecting")
	go h.agent.Reconnect()
	return nil
}
