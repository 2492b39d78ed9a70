package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/wailbentafat/device-relay/protocol"
)

const (
	writeWait           = 5 * time.Second
	activityCheckPeriod = time.Second
	websocketRetryDelay = 200 * time.Millisecond
	writeRetries        = 2
	maxMessageSize      = 8 << 20
	maxPollBatch        = 64
)

// Disconnect reasons reported on teardown.
const (
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
	ReasonClientDisconnect = "client disconnect"
	ReasonServerShutdown   = "server shutting down"
)

// ClientSession is one transport-level session. It starts on either the
// polling or the websocket tier; a polling session may be upgraded once.
// Outbound messages go through a bounded queue drained by the websocket
// writer or by poll requests.
type ClientSession struct {
	id         string
	DeviceHint string
	RemoteAddr string
	UserAgent  string

	mu        sync.Mutex
	conn      *websocket.Conn
	transport string

	send         chan []byte
	upgraded     chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
	lastActivity int64 // UnixNano timestamp
	polling      atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	onClose func(*ClientSession, string)
}

func NewClientSession(id string, r *http.Request, transport string, queueSize int) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())

	s := &ClientSession{
		id:           id,
		transport:    transport,
		send:         make(chan []byte, queueSize),
		upgraded:     make(chan struct{}),
		closed:       make(chan struct{}),
		lastActivity: time.Now().UnixNano(),
		ctx:          ctx,
		cancel:       cancel,
	}

	if r != nil {
		s.DeviceHint = r.URL.Query().Get("deviceId")
		s.RemoteAddr = r.RemoteAddr
		s.UserAgent = r.UserAgent()
	}

	return s
}

func (s *ClientSession) ID() string {
	return s.id
}

func (s *ClientSession) Transport() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transport
}

// Connected reports whether the session is still live.
func (s *ClientSession) Connected() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *ClientSession) Done() <-chan struct{} {
	return s.closed
}

// Send queues an encoded envelope. It never blocks: when the queue is full
// the message is dropped.
func (s *ClientSession) Send(data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		log.Warn().Str("sid", s.id).Msg("Send queue full, dropping message")
		return false
	}
}

func (s *ClientSession) SendEnvelope(event string, data any) bool {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		log.Error().Err(err).Str("sid", s.id).Msg("Failed to encode envelope")
		return false
	}

	return s.sendEnvelope(env)
}

func (s *ClientSession) sendEnvelope(env protocol.Envelope) bool {
	data, err := encodeEnvelope(env)
	if err != nil {
		log.Error().Err(err).Str("sid", s.id).Msg("Failed to encode envelope")
		return false
	}

	return s.Send(data)
}

// attach upgrades the session to the websocket tier.
func (s *ClientSession) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil || !s.Connected() {
		return false
	}

	s.conn = conn
	s.transport = protocol.TransportWebSocket
	close(s.upgraded)

	return true
}

// SafeWrite writes one text frame, retrying briefly on failure.
func (s *ClientSession) SafeWrite(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return websocket.ErrCloseSent
	}

	operation := func() error {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return s.conn.WriteMessage(websocket.TextMessage, data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(websocketRetryDelay), writeRetries),
		s.ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		log.Debug().Err(err).Str("sid", s.id).Dur("retry_in", d).Msg("Retrying WebSocket write")
	})
}

// writePump drains the send queue onto the websocket until the session closes.
func (s *ClientSession) writePump() {
	for {
		select {
		case <-s.closed:
			return
		case data := <-s.send:
			if err := s.SafeWrite(data); err != nil {
				log.Warn().Err(err).Str("sid", s.id).Msg("WebSocket write failed")
				s.Close(ReasonTransportError)
				return
			}
		}
	}
}

// drain waits up to wait for queued messages and returns them. It returns
// early, possibly empty, when the session is upgraded or closed.
func (s *ClientSession) drain(ctx context.Context, wait time.Duration) [][]byte {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var batch [][]byte

	select {
	case data := <-s.send:
		batch = append(batch, data)
	case <-timer.C:
		return nil
	case <-s.upgraded:
		return nil
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return nil
	}

	for len(batch) < maxPollBatch {
		select {
		case data := <-s.send:
			batch = append(batch, data)
		default:
			return batch
		}
	}

	return batch
}

func (s *ClientSession) UpdateActivity() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *ClientSession) StartPingSender(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()

			if conn == nil {
				continue
			}

			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("sid", s.id).Msg("Ping failed")
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// StartActivityChecker closes the session once it has been idle for longer
// than timeout. Pongs, polls and inbound messages all count as activity.
func (s *ClientSession) StartActivityChecker(timeout time.Duration) {
	period := activityCheckPeriod
	if timeout < period {
		period = timeout / 2
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if time.Since(s.LastActivityTime()) > timeout {
				s.Close(ReasonPingTimeout)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Close tears the session down once and reports the reason to the owner.
func (s *ClientSession) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()

		s.mu.Lock()
		if s.conn != nil {
			code := websocket.CloseNormalClosure
			if reason == ReasonServerShutdown {
				code = websocket.CloseGoingAway
			}
			err := s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(writeWait),
			)
			if err != nil {
				log.Debug().Err(err).Str("sid", s.id).Msg("Error sending close message")
			}
			s.conn.Close()
		}
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}
