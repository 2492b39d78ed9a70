// Package agent runs on the controlled device: it keeps a connection to the
// relay hub alive, executes forwarded commands and streams camera frames.
package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wailbentafat/device-relay/client"
	"github.com/wailbentafat/device-relay/config"
	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/protocol"
	"github.com/wailbentafat/device-relay/stream"
)

var log = logger.WithComponent("agent")

var ErrNotConnected = errors.New("agent not connected")

// Conn is the hub connection the agent drives. *client.Conn implements it.
type Conn interface {
	ID() string
	Transport() string
	Emit(event string, data any) error
	Events() <-chan protocol.Envelope
	Done() <-chan struct{}
	Connected() bool
	Close() error
}

// Dialer opens a new hub connection.
type Dialer func(ctx context.Context) (Conn, error)

// ClientDialer dials the hub with the transport client.
func ClientDialer(opts client.Options) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, err := client.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Options struct {
	DeviceID         string
	Dial             Dialer
	Actuator         Actuator
	Source           stream.FrameSource
	Stream           config.StreamConfig
	Languages        []string
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	LivenessInterval time.Duration
	// OnStateChange is called from the agent loop on every transition.
	OnStateChange func(State)
}

type controlOp int

const (
	opConnect controlOp = iota
	opDisconnect
	opReconnect
	opWake
	opCameraStarted
	opCameraStopped
)

type dialResult struct {
	conn Conn
	err  error
}

// Agent owns the device's connection state machine. All state transitions
// happen on the goroutine running Run.
type Agent struct {
	deviceID string
	dial     Dialer
	opts     Options
	executor *Executor
	pipeline *stream.Pipeline
	policy   *reconnectPolicy

	state atomic.Int32

	connMu sync.RWMutex
	conn   Conn

	control chan controlOp
	dialed  chan dialResult
	stopped chan struct{}

	// loop-owned
	wanted  bool
	dialing bool
	retry   *time.Timer
}

func New(opts Options) *Agent {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = 10 * time.Second
	}

	a := &Agent{
		deviceID: opts.DeviceID,
		dial:     opts.Dial,
		opts:     opts,
		policy:   newReconnectPolicy(opts.MinBackoff, opts.MaxBackoff),
		control:  make(chan controlOp, 16),
		dialed:   make(chan dialResult, 1),
		stopped:  make(chan struct{}),
		wanted:   true,
	}

	a.pipeline = stream.NewPipeline(opts.Stream, opts.DeviceID, opts.Source, a.emitFrame)
	a.executor = NewExecutor(opts.DeviceID, opts.Actuator, a.pipeline, opts.Languages)

	return a
}

func (a *Agent) DeviceID() string {
	return a.deviceID
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) Previewing() bool {
	return a.pipeline.Running()
}

// Connect re-enables connecting after a user-initiated Disconnect.
func (a *Agent) Connect() { a.send(opConnect) }

// Disconnect closes the connection and stops retrying until Connect.
func (a *Agent) Disconnect() { a.send(opDisconnect) }

// Reconnect drops the current connection and dials again immediately.
func (a *Agent) Reconnect() { a.send(opReconnect) }

// Wake signals a foreground transition: when not connected, an attempt is
// made right away instead of waiting for the backoff timer.
func (a *Agent) Wake() { a.send(opWake) }

// CameraEvent reports a local camera start or stop.
func (a *Agent) CameraEvent(started bool) {
	if started {
		a.send(opCameraStarted)
	} else {
		a.send(opCameraStopped)
	}
}

func (a *Agent) send(op controlOp) {
	select {
	case a.control <- op:
	case <-a.stopped:
	}
}

// Run connects and serves commands until ctx is done. It always returns nil;
// transport failures are retried without bound.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.stopped)

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()

	liveness := time.NewTicker(a.opts.LivenessInterval)
	defer liveness.Stop()

	log.Info().Str("device_id", a.deviceID).Msg("Agent started")

	a.attempt(dialCtx)

	for {
		var (
			events <-chan protocol.Envelope
			done   <-chan struct{}
			retry  <-chan time.Time
		)
		if conn := a.current(); conn != nil {
			events = conn.Events()
			done = conn.Done()
		}
		if a.retry != nil {
			retry = a.retry.C
		}

		select {
		case <-ctx.Done():
			a.shutdown()
			return nil

		case <-retry:
			a.retry = nil
			a.attempt(dialCtx)

		case res := <-a.dialed:
			a.dialComplete(dialCtx, res)

		case env, ok := <-events:
			if !ok {
				a.connectionLost("event stream closed")
				continue
			}
			a.handleEnvelope(env)

		case <-done:
			a.connectionLost("transport closed")

		case <-liveness.C:
			a.checkLiveness(dialCtx)

		case op := <-a.control:
			a.handleControl(dialCtx, op)
		}
	}
}

func (a *Agent) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev == s {
		return
	}

	log.Info().Str("device_id", a.deviceID).Stringer("from", prev).Stringer("to", s).Msg("State changed")

	if a.opts.OnStateChange != nil {
		a.opts.OnStateChange(s)
	}
}

func (a *Agent) current() Conn {
	a.connMu.RLock()
	defer a.connMu.RUnlock()

	return a.conn
}

func (a *Agent) setConn(conn Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}

func (a *Agent) attempt(ctx context.Context) {
	if !a.wanted || a.dialing || a.current() != nil {
		return
	}

	a.stopRetry()
	a.dialing = true
	a.setState(StateConnecting)

	go func() {
		conn, err := a.dial(ctx)
		if err == nil && ctx.Err() != nil {
			conn.Close()
			err = ctx.Err()
		}
		a.dialed <- dialResult{conn: conn, err: err}
	}()
}

func (a *Agent) dialComplete(ctx context.Context, res dialResult) {
	a.dialing = false

	if res.err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(res.err).Str("device_id", a.deviceID).Msg("Connection attempt failed")
		a.scheduleRetry()
		return
	}

	if !a.wanted || ctx.Err() != nil {
		res.conn.Close()
		a.setState(StateDisconnected)
		return
	}

	a.policy.Reset()
	a.setConn(res.conn)
	a.setState(StateConnected)

	log.Info().
		Str("device_id", a.deviceID).
		Str("sid", res.conn.ID()).
		Str("transport", res.conn.Transport()).
		Msg("Connected to hub")

	if err := res.conn.Emit(protocol.EventRegisterDevice, protocol.RegisterRequest{DeviceID: a.deviceID}); err != nil {
		log.Warn().Err(err).Msg("Register request failed")
		a.connectionLost("register failed")
	}
}

func (a *Agent) scheduleRetry() {
	if !a.wanted {
		a.setState(StateDisconnected)
		return
	}

	delay := a.policy.Next()
	a.stopRetry()
	a.retry = time.NewTimer(delay)
	a.setState(StateConnecting)

	log.Debug().Str("device_id", a.deviceID).Dur("delay", delay).Msg("Reconnect scheduled")
}

func (a *Agent) stopRetry() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
}

func (a *Agent) dropConn() {
	if conn := a.current(); conn != nil {
		a.setConn(nil)
		conn.Close()
	}
}

func (a *Agent) connectionLost(reason string) {
	log.Warn().Str("device_id", a.deviceID).Str("reason", reason).Msg("Connection lost")

	a.dropConn()
	a.scheduleRetry()
}

func (a *Agent) checkLiveness(ctx context.Context) {
	if !a.wanted {
		return
	}

	conn := a.current()
	switch {
	case conn != nil && !conn.Connected():
		a.connectionLost("liveness check")
	case conn == nil && !a.dialing && a.retry == nil:
		a.attempt(ctx)
	}
}

func (a *Agent) handleControl(ctx context.Context, op controlOp) {
	switch op {
	case opConnect:
		if !a.wanted {
			a.wanted = true
			a.policy.Reset()
		}
		a.attempt(ctx)

	case opDisconnect:
		a.wanted = false
		a.stopRetry()
		a.dropConn()
		a.setState(StateDisconnected)
		log.Info().Str("device_id", a.deviceID).Msg("Disconnected by user")

	case opReconnect:
		a.dropConn()
		a.attempt(ctx)

	case opWake:
		if a.current() == nil {
			a.attempt(ctx)
		}

	case opCameraStarted, opCameraStopped:
		a.emitResult(a.executor.CameraEvent(op == opCameraStarted))
	}
}

func (a *Agent) handleEnvelope(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventRegistered:
		var reg protocol.Registered
		if err := env.Decode(&reg); err != nil || reg.DeviceID != a.deviceID {
			return
		}
		a.setState(StateRegistered)

	case protocol.EventCommand:
		a.emitResult(a.executor.Execute(env.Data, a.sessionInfo()))

	case protocol.EventOpen, protocol.EventDeviceStatus, protocol.EventPreviewFrame, protocol.EventVideoFrame:
		// Broadcast traffic from other parties.

	default:
		log.Debug().Str("event", env.Event).Msg("Ignoring event")
	}
}

func (a *Agent) sessionInfo() SessionInfo {
	info := SessionInfo{State: a.State()}
	if conn := a.current(); conn != nil {
		info.SessionID = conn.ID()
		info.Transport = conn.Transport()
	}
	return info
}

func (a *Agent) emitResult(res Result) {
	conn := a.current()
	if conn == nil {
		log.Debug().Str("action", res.Status.Action).Msg("Not connected, dropping status")
		return
	}

	if err := conn.Emit(protocol.EventDeviceStatus, res.Status); err != nil {
		log.Warn().Err(err).Str("action", res.Status.Action).Msg("Failed to send status")
	}

	if res.Frame != nil {
		if err := conn.Emit(protocol.EventVideoFrame, res.Frame); err != nil {
			log.Warn().Err(err).Msg("Failed to send photo")
		}
	}
}

// emitFrame is called from the pipeline goroutine.
func (a *Agent) emitFrame(packet protocol.FramePacket) error {
	conn := a.current()
	if conn == nil {
		return ErrNotConnected
	}

	return conn.Emit(protocol.EventPreviewFrame, packet)
}

func (a *Agent) shutdown() {
	a.stopRetry()
	a.pipeline.Stop()
	a.dropConn()
	a.setState(StateDisconnected)

	log.Info().Str("device_id", a.deviceID).Msg("Agent stopped")
}
