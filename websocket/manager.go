package websocket

import (
	"sync"

	"github.com/wailbentafat/device-relay/registry"
)

// ClientManager owns the live sessions of this hub instance. Membership
// lives in the registry; the manager adds session lookup and shutdown
// bookkeeping on top of it.
type ClientManager struct {
	registry *registry.Registry
	wg       sync.WaitGroup
}

func NewClientManager(reg *registry.Registry) *ClientManager {
	return &ClientManager{registry: reg}
}

func (m *ClientManager) Registry() *registry.Registry {
	return m.registry
}

func (m *ClientManager) AddClient(session *ClientSession) {
	m.registry.Add(session)
}

// RemoveClient forgets the session and its membership. It returns the
// identity the session had joined and whether that group is now empty.
func (m *ClientManager) RemoveClient(session *ClientSession) (string, bool) {
	return m.registry.Remove(session)
}

func (m *ClientManager) GetClient(sid string) (*ClientSession, bool) {
	if conn, ok := m.registry.Get(sid); ok {
		session, ok := conn.(*ClientSession)
		return session, ok
	}
	return nil, false
}

// Sessions returns every live session.
func (m *ClientManager) Sessions() []*ClientSession {
	return toSessions(m.registry.All())
}

// Members returns the sessions registered under a device identity.
func (m *ClientManager) Members(deviceID string) []*ClientSession {
	return toSessions(m.registry.Members(deviceID))
}

func toSessions(conns []registry.Conn) []*ClientSession {
	sessions := make([]*ClientSession, 0, len(conns))
	for _, conn := range conns {
		if session, ok := conn.(*ClientSession); ok {
			sessions = append(sessions, session)
		}
	}
	return sessions
}

func (m *ClientManager) IncreaseWaitGroup() {
	m.wg.Add(1)
}

func (m *ClientManager) DecreaseWaitGroup() {
	m.wg.Done()
}

func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

func (m *ClientManager) CloseAllConnections(reason string) {
	for _, session := range m.Sessions() {
		log.Info().Str("sid", session.ID()).Str("reason", reason).Msg("Closing connection")
		session.Close(reason)
	}
}
