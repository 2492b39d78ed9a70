// Package controller is the operator side of the relay: it addresses
// commands to a device identity and watches the telemetry and frames that
// devices broadcast.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/protocol"
)

var log = logger.WithComponent("controller")

var (
	ErrInvalidCommand = errors.New("invalid command")
	ErrClosed         = errors.New("controller closed")

	// ErrAckLost is returned when the hub acknowledged a later command
	// first. The hub acks in order, so this ack was dropped on the way.
	ErrAckLost = errors.New("command ack lost")
)

const subscriptionBuffer = 32

// Conn is the hub connection a controller reads from and writes to.
// *client.Conn implements it.
type Conn interface {
	ID() string
	Emit(event string, data any) error
	Events() <-chan protocol.Envelope
	Done() <-chan struct{}
}

// Frame is a previewFrame or videoFrame received from a device.
type Frame struct {
	Event string
	protocol.FramePacket
}

// pendingCommand is a SendCommand call waiting for the ack that echoes its
// command. The command carries its issue time, which tells apart repeats.
type pendingCommand struct {
	deviceID string
	command  json.RawMessage
	ack      chan protocol.CommandSent
	lost     chan struct{}
}

type subscription[T any] struct {
	deviceID string
	ch       chan T
}

// Controller matches commandSent acks to SendCommand calls and fans device
// broadcasts out to subscribers. Run must be running for acks to arrive.
type Controller struct {
	conn Conn
	now  func() time.Time

	mu       sync.Mutex
	pending  []*pendingCommand
	statuses map[*subscription[protocol.DeviceStatus]]struct{}
	frames   map[*subscription[Frame]]struct{}
	closed   bool

	done chan struct{}
}

func New(conn Conn) *Controller {
	return &Controller{
		conn:     conn,
		now:      time.Now,
		statuses: make(map[*subscription[protocol.DeviceStatus]]struct{}),
		frames:   make(map[*subscription[Frame]]struct{}),
		done:     make(chan struct{}),
	}
}

// SendCommand validates cmd, dispatches it to deviceID and waits for the
// hub's acknowledgment. The ack confirms the hub attempted delivery, not that
// any device received it.
func (c *Controller) SendCommand(ctx context.Context, deviceID string, cmd protocol.Command) (protocol.CommandSent, error) {
	if err := Validate(deviceID, cmd); err != nil {
		return protocol.CommandSent{}, err
	}

	msg, err := protocol.EncodeCommand(cmd, protocol.Millis(c.now()))
	if err != nil {
		return protocol.CommandSent{}, fmt.Errorf("encode command: %w", err)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return protocol.CommandSent{}, fmt.Errorf("encode command: %w", err)
	}

	p := &pendingCommand{
		deviceID: deviceID,
		command:  raw,
		ack:      make(chan protocol.CommandSent, 1),
		lost:     make(chan struct{}),
	}

	// Pending order must match emit order, so enqueue and emit under one lock.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.CommandSent{}, ErrClosed
	}
	c.pending = append(c.pending, p)
	err = c.conn.Emit(protocol.EventSendCommand, protocol.SendCommandRequest{DeviceID: deviceID, Command: raw})
	if err != nil {
		c.pending = c.pending[:len(c.pending)-1]
	}
	c.mu.Unlock()

	if err != nil {
		return protocol.CommandSent{}, fmt.Errorf("send command: %w", err)
	}

	log.Debug().Str("device_id", deviceID).Str("type", string(cmd.Type())).Msg("Command sent")

	select {
	case sent := <-p.ack:
		return sent, nil
	case <-p.lost:
		return protocol.CommandSent{}, ErrAckLost
	case <-c.done:
		return protocol.CommandSent{}, ErrClosed
	case <-ctx.Done():
		c.forget(p)
		return protocol.CommandSent{}, ctx.Err()
	}
}

func (c *Controller) forget(p *pendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Validate rejects commands the hub would silently drop or the device could
// not act on.
func Validate(deviceID string, cmd protocol.Command) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidCommand)
	}
	if cmd == nil || cmd.Type() == "" {
		return fmt.Errorf("%w: command type is required", ErrInvalidCommand)
	}
	if lang, ok := cmd.(protocol.SetLanguage); ok && lang.Lang == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidCommand)
	}
	return nil
}

// Statuses subscribes to telemetry from deviceID, or from every device when
// deviceID is empty. Call cancel to unsubscribe; the channel is then closed.
func (c *Controller) Statuses(deviceID string) (<-chan protocol.DeviceStatus, func()) {
	sub := &subscription[protocol.DeviceStatus]{deviceID: deviceID, ch: make(chan protocol.DeviceStatus, subscriptionBuffer)}
	return sub.ch, subscribe(c, c.statuses, sub)
}

// Frames subscribes to preview and photo frames, filtered like Statuses.
func (c *Controller) Frames(deviceID string) (<-chan Frame, func()) {
	sub := &subscription[Frame]{deviceID: deviceID, ch: make(chan Frame, subscriptionBuffer)}
	return sub.ch, subscribe(c, c.frames, sub)
}

func subscribe[T any](c *Controller, set map[*subscription[T]]struct{}, sub *subscription[T]) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(sub.ch)
		return func() {}
	}
	set[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			if _, ok := set[sub]; ok {
				delete(set, sub)
				close(sub.ch)
			}
		})
	}
}

// publish delivers v to matching subscribers. Slow subscribers miss values
// rather than hold up the event loop.
func publish[T any](c *Controller, set map[*subscription[T]]struct{}, deviceID string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range set {
		if sub.deviceID != "" && sub.deviceID != deviceID {
			continue
		}
		select {
		case sub.ch <- v:
		default:
			log.Debug().Str("device_id", deviceID).Msg("Subscriber behind, dropping value")
		}
	}
}

// Run consumes connection events until ctx is done or the connection closes.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.conn.Done():
			return ErrClosed
		case env := <-c.conn.Events():
			c.handle(env)
		}
	}
}

func (c *Controller) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventCommandSent:
		var sent protocol.CommandSent
		if err := env.Decode(&sent); err != nil {
			log.Warn().Err(err).Msg("Malformed ack")
			return
		}
		c.acknowledge(sent)

	case protocol.EventDeviceStatus:
		var status protocol.DeviceStatus
		if err := env.Decode(&status); err != nil {
			log.Debug().Err(err).Msg("Malformed status")
			return
		}
		publish(c, c.statuses, status.DeviceID, status)

	case protocol.EventPreviewFrame, protocol.EventVideoFrame:
		var frame Frame
		if err := env.Decode(&frame.FramePacket); err != nil {
			log.Debug().Err(err).Msg("Malformed frame")
			return
		}
		frame.Event = env.Event
		publish(c, c.frames, frame.DeviceID, frame)

	case protocol.EventOpen, protocol.EventRegistered, protocol.EventCommand:

	default:
		log.Debug().Str("event", env.Event).Msg("Ignoring event")
	}
}

// acknowledge hands sent to the call whose command it echoes. Calls queued
// ahead of that one will never see their ack and are failed.
func (c *Controller) acknowledge(sent protocol.CommandSent) {
	var echoed bytes.Buffer
	if err := json.Compact(&echoed, sent.Command); err != nil {
		log.Debug().Err(err).Str("device_id", sent.DeviceID).Msg("Ack with malformed command")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p.deviceID != sent.DeviceID || !bytes.Equal(p.command, echoed.Bytes()) {
			continue
		}
		for _, missed := range c.pending[:i] {
			log.Warn().Str("device_id", missed.deviceID).Msg("Command ack lost")
			close(missed.lost)
		}
		c.pending = c.pending[i+1:]
		p.ack <- sent
		return
	}

	log.Debug().Str("device_id", sent.DeviceID).Msg("Ack without pending command")
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.pending = nil

	for sub := range c.statuses {
		close(sub.ch)
	}
	for sub := range c.frames {
		close(sub.ch)
	}
	clear(c.statuses)
	clear(c.frames)
}
