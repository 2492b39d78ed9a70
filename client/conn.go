// Package client is the device/controller side of the relay transport. Dial
// performs the polling handshake and upgrades to websocket when allowed,
// falling back to long polling when the upgrade fails.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wailbentafat/device-relay/logger"
	"github.com/wailbentafat/device-relay/protocol"
)

var log = logger.WithComponent("client")

var (
	ErrClosed       = errors.New("connection closed")
	ErrNoTransport  = errors.New("no usable transport")
	errUnexpectedOp = errors.New("expected open event")
)

const (
	writeWait        = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	defaultPing      = 25 * time.Second
	defaultPingWait  = 60 * time.Second
)

type Options struct {
	// ServerURL is the hub base URL, http(s)://host:port.
	ServerURL string
	// DeviceID is passed as a query parameter for diagnostics only.
	DeviceID string
	// Transports lists the allowed tiers in order. "polling" first means
	// handshake over HTTP then upgrade if "websocket" is also listed.
	Transports  []string
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	EventBuffer int
}

// Conn is one client session with the hub.
type Conn struct {
	opts Options
	base *url.URL

	mu        sync.Mutex
	id        string
	transport string
	ws        *websocket.Conn
	err       error

	writeMu sync.Mutex

	pingInterval time.Duration
	pingTimeout  time.Duration

	events    chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// Dial connects to the hub using the first transport that works.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	base, err := url.Parse(opts.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", opts.ServerURL)
	}

	if len(opts.Transports) == 0 {
		opts.Transports = []string{protocol.TransportPolling, protocol.TransportWebSocket}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		opts:         opts,
		base:         base,
		pingInterval: defaultPing,
		pingTimeout:  defaultPingWait,
		events:       make(chan protocol.Envelope, opts.EventBuffer),
		closed:       make(chan struct{}),
		ctx:          connCtx,
		cancel:       cancel,
	}

	allowWS := contains(opts.Transports, protocol.TransportWebSocket)

	switch opts.Transports[0] {
	case protocol.TransportPolling:
		if err := c.handshake(ctx); err != nil {
			cancel()
			return nil, err
		}

		if allowWS {
			if err := c.upgrade(ctx); err != nil {
				log.Warn().Err(err).Str("sid", c.id).Msg("WebSocket upgrade failed, staying on polling")
			}
		}

		if c.Transport() == protocol.TransportPolling {
			go c.pollLoop()
		}
	case protocol.TransportWebSocket:
		if err := c.dialWebSocket(ctx); err != nil {
			cancel()
			return nil, err
		}
	default:
		cancel()
		return nil, ErrNoTransport
	}

	return c, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (c *Conn) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Conn) wsEndpoint(query url.Values) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket/ws"
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Conn) diagnosticQuery() url.Values {
	query := url.Values{}
	if c.opts.DeviceID != "" {
		query.Set("deviceId", c.opts.DeviceID)
	}
	return query
}

func (c *Conn) applyHandshake(hs protocol.Handshake) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = hs.SID
	if hs.PingInterval > 0 {
		c.pingInterval = time.Duration(hs.PingInterval) * time.Millisecond
	}
	if hs.PingTimeout > 0 {
		c.pingTimeout = time.Duration(hs.PingTimeout) * time.Millisecond
	}
}

func (c *Conn) handshake(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/socket/handshake", c.diagnosticQuery()), nil)
	if err != nil {
		return err
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("handshake: unexpected status %s", resp.Status)
	}

	var hs protocol.Handshake
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if hs.SID == "" {
		return errors.New("handshake: empty sid")
	}

	c.applyHandshake(hs)
	c.mu.Lock()
	c.transport = protocol.TransportPolling
	c.mu.Unlock()

	return nil
}

func (c *Conn) upgrade(ctx context.Context) error {
	query := c.diagnosticQuery()
	query.Set("sid", c.ID())

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.wsEndpoint(query), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}

	c.attach(ws)

	return nil
}

func (c *Conn) dialWebSocket(ctx context.Context) error {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.wsEndpoint(c.diagnosticQuery()), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial websocket: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		ws.Close()
		return fmt.Errorf("read open: %w", err)
	}
	if env.Event != protocol.EventOpen {
		ws.Close()
		return errUnexpectedOp
	}

	var hs protocol.Handshake
	if err := env.Decode(&hs); err != nil {
		ws.Close()
		return fmt.Errorf("decode open: %w", err)
	}

	c.applyHandshake(hs)
	c.attach(ws)

	return nil
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.transport = protocol.TransportWebSocket
	c.mu.Unlock()

	ws.SetPingHandler(func(data string) error {
		c.extendDeadline(ws)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.extendDeadline(ws)

	go c.readLoop(ws)
}

func (c *Conn) extendDeadline(ws *websocket.Conn) {
	c.mu.Lock()
	wait := c.pingInterval + c.pingTimeout
	c.mu.Unlock()

	_ = ws.SetReadDeadline(time.Now().Add(wait))
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.closeWith(fmt.Errorf("read: %w", err))
			return
		}

		c.extendDeadline(ws)

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Debug().Err(err).Str("sid", c.ID()).Msg("Dropping malformed message")
			continue
		}

		if !c.deliver(env) {
			return
		}
	}
}

func (c *Conn) pollLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		batch, err := c.poll()
		if err != nil {
			c.closeWith(err)
			return
		}

		for _, env := range batch {
			if !c.deliver(env) {
				return
			}
		}
	}
}

func (c *Conn) poll() ([]protocol.Envelope, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.pollURL(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("poll: unexpected status %s", resp.Status)
	}

	var batch []protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}

	return batch, nil
}

func (c *Conn) pollURL() string {
	return c.endpoint("/socket/poll", url.Values{"sid": {c.ID()}})
}

func (c *Conn) deliver(env protocol.Envelope) bool {
	select {
	case c.events <- env:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.id
}

func (c *Conn) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transport
}

// Events delivers inbound envelopes. It is never closed; watch Done.
func (c *Conn) Events() <-chan protocol.Envelope {
	return c.events
}

func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) Connected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Err reports why the connection closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Emit sends one event. It is safe for concurrent use.
func (c *Conn) Emit(event string, data any) error {
	if !c.Connected() {
		return ErrClosed
	}

	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}

		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			go c.closeWith(fmt.Errorf("write: %w", err))
			return err
		}
		return nil
	}

	return c.post(c.ctx, []protocol.Envelope{env})
}

func (c *Conn) post(ctx context.Context, batch []protocol.Envelope) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pollURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("post: unexpected status %s", resp.Status)
	}

	return nil
}

// Close ends the session. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Conn) closeWith(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		ws := c.ws
		c.mu.Unlock()

		if ws != nil {
			c.writeMu.Lock()
			_ = ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.writeMu.Unlock()
			ws.Close()
		} else if errors.Is(reason, ErrClosed) {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			if err := c.post(ctx, []protocol.Envelope{{Event: "disconnect"}}); err != nil {
				log.Debug().Err(err).Str("sid", c.ID()).Msg("Disconnect notice failed")
			}
			cancel()
		}

		close(c.closed)
		c.cancel()

		log.Debug().Err(reason).Str("sid", c.ID()).Msg("Connection closed")
	})
}
