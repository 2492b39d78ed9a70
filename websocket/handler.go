package websocket

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wailbentafat/device-relay/protocol"
)

const maxPollBody = 16 << 20

// Options tunes the transport tiers.
type Options struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	PollTimeout    time.Duration
	SendQueueSize  int
	AllowedOrigins []string
}

type Handler struct {
	hub      *Hub
	manager  *ClientManager
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, opts Options) *Handler {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 60 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 20 * time.Second
	}

	h := &Handler{
		hub:     hub,
		manager: hub.Manager(),
		opts:    opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.CheckOrigin,
	}

	return h
}

// CheckOrigin accepts requests without an Origin header and origins on the
// allow list; "*" allows any origin.
func (h *Handler) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	log.Warn().Str("origin", origin).Str("remote_addr", r.RemoteAddr).Msg("Rejected origin")

	return false
}

func (h *Handler) handshake(session *ClientSession) protocol.Handshake {
	return protocol.Handshake{
		SID:          session.ID(),
		Upgrades:     []string{protocol.TransportWebSocket},
		PingInterval: h.opts.PingInterval.Milliseconds(),
		PingTimeout:  h.opts.PingTimeout.Milliseconds(),
	}
}

// newSession registers a fresh session. Sessions that start on websocket get
// the handshake queued as their first message.
func (h *Handler) newSession(r *http.Request, transport string) *ClientSession {
	session := NewClientSession(uuid.NewString(), r, transport, h.opts.SendQueueSize)
	session.onClose = h.hub.sessionClosed

	if transport == protocol.TransportWebSocket {
		session.SendEnvelope(protocol.EventOpen, h.handshake(session))
	}

	h.manager.AddClient(session)

	go session.StartActivityChecker(h.opts.PingTimeout)

	log.Info().
		Str("sid", session.ID()).
		Str("transport", transport).
		Str("device_hint", session.DeviceHint).
		Str("remote_addr", session.RemoteAddr).
		Str("user_agent", session.UserAgent).
		Msg("Session opened")

	return session
}

func (h *Handler) writeCORS(w http.ResponseWriter, r *http.Request) bool {
	if !h.CheckOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return false
	}

	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// HandleHandshake opens a polling session and tells the client how to upgrade.
func (h *Handler) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	if !h.writeCORS(w, r) {
		return
	}

	session := h.newSession(r, protocol.TransportPolling)

	writeJSON(w, http.StatusOK, h.handshake(session))
}

// HandlePoll serves the polling tier: GET long-polls queued envelopes, POST
// submits a batch of envelopes.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	if !h.writeCORS(w, r) {
		return
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	session, ok := h.manager.GetClient(r.URL.Query().Get("sid"))
	if !ok || !session.Connected() {
		writeError(w, http.StatusBadRequest, "unknown session")
		return
	}

	if session.Transport() != protocol.TransportPolling {
		writeError(w, http.StatusBadRequest, "session upgraded")
		return
	}

	session.UpdateActivity()

	switch r.Method {
	case http.MethodGet:
		h.poll(w, r, session)
	case http.MethodPost:
		h.receive(w, r, session)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request, session *ClientSession) {
	if !session.polling.CompareAndSwap(false, true) {
		writeError(w, http.StatusBadRequest, "overlapping poll")
		return
	}
	defer session.polling.Store(false)

	batch := session.drain(r.Context(), h.opts.PollTimeout)
	session.UpdateActivity()

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, data := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(data)
	}
	buf.WriteByte(']')

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Str("sid", session.ID()).Msg("Poll write failed")
	}
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request, session *ClientSession) {
	var batch []protocol.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPollBody)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed batch")
		return
	}

	h.manager.IncreaseWaitGroup()
	defer h.manager.DecreaseWaitGroup()

	for _, env := range batch {
		h.hub.Submit(session, env)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleWebSocket serves the streaming tier. With ?sid= it upgrades an
// existing polling session; without it opens a new websocket session.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var session *ClientSession

	if sid := r.URL.Query().Get("sid"); sid != "" {
		existing, ok := h.manager.GetClient(sid)
		if !ok || !existing.Connected() {
			writeError(w, http.StatusBadRequest, "unknown session")
			return
		}
		session = existing
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if session == nil {
		session = h.newSession(r, protocol.TransportWebSocket)
	}

	if !session.attach(conn) {
		log.Warn().Str("sid", session.ID()).Msg("Session already upgraded or closed")
		conn.Close()
		return
	}

	log.Info().Str("sid", session.ID()).Msg("Session on websocket transport")

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error { session.UpdateActivity(); return nil })

	go session.writePump()
	go session.StartPingSender(h.opts.PingInterval)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("sid", session.ID()).Msg("Read error")
			}
			break
		}

		session.UpdateActivity()

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Debug().Err(err).Str("sid", session.ID()).Msg("Dropping malformed message")
			continue
		}

		h.hub.Submit(session, env)
	}

	session.Close(ReasonTransportClose)
}
