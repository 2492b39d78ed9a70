package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wailbentafat/device-relay/broker"
	"github.com/wailbentafat/device-relay/protocol"
)

// EventDisconnect lets a polling client end its session explicitly.
const EventDisconnect = "disconnect"

const (
	eventQueueSize = 1024
	outboxSize     = 1024
	publishTimeout = 10 * time.Second
)

type eventKind int

const (
	evMessage eventKind = iota
	evDisconnect
	evRemote
)

type hubEvent struct {
	kind     eventKind
	session  *ClientSession
	envelope protocol.Envelope
	reason   string
	remote   broker.Message
}

type outgoing struct {
	channel string
	message broker.Message
}

// Hub is the rendezvous core. A single goroutine (Run) handles every inbound
// message, so one message's registry reads and writes never interleave with
// another's. Sessions only enqueue; the hub never blocks on a socket.
type Hub struct {
	instance string
	manager  *ClientManager
	broker   broker.MessageBroker
	channels broker.Channels

	events  chan hubEvent
	outbox  chan outgoing
	ready   chan struct{}
	stopped chan struct{}
	now     func() time.Time
}

func NewHub(manager *ClientManager, messageBroker broker.MessageBroker, channels broker.Channels) *Hub {
	return &Hub{
		instance: uuid.NewString(),
		manager:  manager,
		broker:   messageBroker,
		channels: channels,
		events:   make(chan hubEvent, eventQueueSize),
		outbox:   make(chan outgoing, outboxSize),
		ready:    make(chan struct{}),
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
}

func (h *Hub) Instance() string {
	return h.instance
}

func (h *Hub) Manager() *ClientManager {
	return h.manager
}

// Ready is closed once Run has subscribed to the bus.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Run processes events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)

	if h.broker != nil {
		for _, channel := range []string{h.channels.Commands, h.channels.Broadcast} {
			remote, err := h.broker.Subscribe(ctx, channel)
			if err != nil {
				return err
			}
			go h.forwardRemote(ctx, remote)
		}
		go h.publishLoop(ctx)
	}

	close(h.ready)

	log.Info().Str("instance", h.instance).Msg("Hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Hub stopped")
			return nil
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) forwardRemote(ctx context.Context, remote <-chan broker.Message) {
	for msg := range remote {
		if msg.Origin == h.instance {
			continue
		}
		select {
		case h.events <- hubEvent{kind: evRemote, remote: msg}:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-h.outbox:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := h.broker.Publish(pubCtx, out.channel, out.message); err != nil {
				log.Error().Err(err).Str("channel", out.channel).Str("type", out.message.Type).Msg("Bus publish failed")
			}
			cancel()
		}
	}
}

// Submit hands an inbound envelope from session to the hub.
func (h *Hub) Submit(session *ClientSession, env protocol.Envelope) {
	h.submit(hubEvent{kind: evMessage, session: session, envelope: env})
}

func (h *Hub) sessionClosed(session *ClientSession, reason string) {
	go h.submit(hubEvent{kind: evDisconnect, session: session, reason: reason})
}

func (h *Hub) submit(ev hubEvent) {
	select {
	case h.events <- ev:
	case <-h.stopped:
	}
}

func (h *Hub) publish(channel string, msg broker.Message) {
	if h.broker == nil {
		return
	}

	msg.Origin = h.instance

	select {
	case h.outbox <- outgoing{channel: channel, message: msg}:
	default:
		log.Warn().Str("channel", channel).Str("type", msg.Type).Msg("Bus outbox full, dropping message")
	}
}

func (h *Hub) handle(ev hubEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", ev.envelope.Event).Msg("Recovered from handler panic")
		}
	}()
	switch ev.kind {
	case evDisconnect:
		h.teardown(ev.session, ev.reason)
	case evRemote:
		h.handleRemote(ev.remote)
	case evMessage:
		h.handleMessage(ev.session, ev.envelope)
	}
}

func (h *Hub) handleMessage(session *ClientSession, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventRegisterDevice:
		h.register(session, env)
	case protocol.EventSendCommand:
		h.dispatch(session, env)
	case protocol.EventDeviceStatus:
		h.relayStatus(session, env)
	case protocol.EventPreviewFrame, protocol.EventVideoFrame:
		h.relayFrame(session, env)
	case EventDisconnect:
		session.Close(ReasonClientDisconnect)
	default:
		log.Debug().Str("sid", session.ID()).Str("event", env.Event).Msg("Ignoring unknown event")
	}
}

func (h *Hub) register(session *ClientSession, env protocol.Envelope) {
	var req protocol.RegisterRequest
	if err := env.Decode(&req); err != nil || req.DeviceID == "" {
		return
	}

	if !session.Connected() {
		return
	}

	reg := h.manager.Registry()
	previous, hadPrevious := reg.Identity(session)

	if reg.Join(req.DeviceID, session) {
		h.publishPresence(broker.TypeDeviceOnline, req.DeviceID)
	}

	if hadPrevious && previous != req.DeviceID && len(reg.Members(previous)) == 0 {
		h.publishPresence(broker.TypeDeviceOffline, previous)
	}

	log.Info().Str("device_id", req.DeviceID).Str("sid", session.ID()).Msg("Device registered")

	session.SendEnvelope(protocol.EventRegistered, protocol.Registered{
		DeviceID: req.DeviceID,
		SocketID: session.ID(),
	})
}

// dispatch forwards a command to every session registered under the target
// identity, here and on other hubs, and acknowledges the attempt to the
// sender whether or not anyone received it.
func (h *Hub) dispatch(session *ClientSession, env protocol.Envelope) {
	var req protocol.SendCommandRequest
	if err := env.Decode(&req); err != nil || req.DeviceID == "" || protocol.IsNull(req.Command) {
		return
	}

	delivered := h.deliverCommand(req.DeviceID, req.Command)

	h.publish(h.channels.Commands, broker.Message{
		Type:     broker.TypeCommand,
		DeviceID: req.DeviceID,
		SocketID: session.ID(),
		Data:     req.Command,
	})

	log.Info().
		Str("device_id", req.DeviceID).
		Str("sid", session.ID()).
		Int("local_members", delivered).
		RawJSON("command", req.Command).
		Msg("Command dispatched")

	session.SendEnvelope(protocol.EventCommandSent, protocol.CommandSent{
		DeviceID:  req.DeviceID,
		Command:   req.Command,
		Timestamp: protocol.Millis(h.now()),
	})
}

func (h *Hub) deliverCommand(deviceID string, command json.RawMessage) int {
	members := h.manager.Members(deviceID)
	if len(members) == 0 {
		return 0
	}

	data, err := encodeEnvelope(protocol.Envelope{Event: protocol.EventCommand, Data: command})
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to encode command")
		return 0
	}

	delivered := 0
	for _, member := range members {
		if member.Send(data) {
			delivered++
		}
	}

	return delivered
}

// relayStatus broadcasts telemetry to every other session, not only to the
// controllers of the issuing device.
func (h *Hub) relayStatus(session *ClientSession, env protocol.Envelope) {
	if protocol.IsNull(env.Data) {
		return
	}
	var fields map[string]json.RawMessage
	if err := env.Decode(&fields); err != nil || fields == nil {
		return
	}

	socketID, _ := json.Marshal(session.ID())
	fields["socketId"] = socketID

	data, err := json.Marshal(fields)
	if err != nil {
		return
	}

	h.broadcast(session, protocol.Envelope{Event: env.Event, Data: data})
}

func (h *Hub) relayFrame(session *ClientSession, env protocol.Envelope) {
	if protocol.IsNull(env.Data) {
		return
	}

	h.broadcast(session, env)
}

func (h *Hub) broadcast(sender *ClientSession, env protocol.Envelope) {
	h.fanOut(sender, env)

	h.publish(h.channels.Broadcast, broker.Message{
		Type:     broker.TypeBroadcast,
		Event:    env.Event,
		SocketID: sender.ID(),
		Data:     env.Data,
	})
}

func (h *Hub) fanOut(sender *ClientSession, env protocol.Envelope) {
	data, err := encodeEnvelope(env)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("Failed to encode broadcast")
		return
	}

	for _, session := range h.manager.Sessions() {
		if sender != nil && session.ID() == sender.ID() {
			continue
		}
		session.Send(data)
	}
}

func (h *Hub) handleRemote(msg broker.Message) {
	switch msg.Type {
	case broker.TypeCommand:
		if msg.DeviceID == "" || protocol.IsNull(msg.Data) {
			return
		}
		h.deliverCommand(msg.DeviceID, msg.Data)
	case broker.TypeBroadcast:
		if msg.Event == "" {
			return
		}
		h.fanOut(nil, protocol.Envelope{Event: msg.Event, Data: msg.Data})
	default:
		log.Debug().Str("type", msg.Type).Msg("Ignoring remote message")
	}
}

// teardown runs on every transport close. Membership is dropped
// unconditionally.
func (h *Hub) teardown(session *ClientSession, reason string) {
	identity, emptied := h.manager.RemoveClient(session)

	log.Info().
		Str("sid", session.ID()).
		Str("device_id", identity).
		Str("reason", reason).
		Msg("Session closed")

	if emptied {
		h.publishPresence(broker.TypeDeviceOffline, identity)
	}
}

func (h *Hub) publishPresence(kind, deviceID string) {
	h.publish(h.channels.Presence, broker.Message{Type: kind, DeviceID: deviceID})
}

func encodeEnvelope(env protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
