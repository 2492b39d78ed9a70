// Package registry tracks live connections and the device identity groups
// they have joined.
package registry

import (
	"sort"
	"sync"
)

// Conn is a live transport session.
type Conn interface {
	ID() string
}

// Registry maps connection ids to connections and device identities to the
// set of connections registered under them. An identity is a multicast group
// key: several connections may share it and none is evicted automatically.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]Conn
	rooms      map[string]map[string]Conn
	identities map[string]string
}

func New() *Registry {
	return &Registry{
		conns:      make(map[string]Conn),
		rooms:      make(map[string]map[string]Conn),
		identities: make(map[string]string),
	}
}

// Add tracks a newly opened connection.
func (r *Registry) Add(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID()] = conn
}

// Remove forgets a closed connection together with its membership and returns
// what Leave would have returned.
func (r *Registry) Remove(conn Conn) (identity string, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, conn.ID())

	return r.leaveLocked(conn.ID())
}

// Join adds conn to the identity group. Joining the same group twice has no
// further effect; joining a different group moves the connection. first
// reports whether the group was empty before.
func (r *Registry) Join(identity string, conn Conn) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()

	if current, ok := r.identities[id]; ok {
		if current == identity {
			return false
		}
		r.leaveLocked(id)
	}

	room, ok := r.rooms[identity]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[identity] = room
	}

	first = len(room) == 0
	room[id] = conn
	r.identities[id] = identity

	return first
}

// Leave removes conn from whatever group it belongs to. It is a no-op when the
// connection never joined one.
func (r *Registry) Leave(conn Conn) (identity string, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(conn.ID())
}

func (r *Registry) leaveLocked(id string) (string, bool) {
	identity, ok := r.identities[id]
	if !ok {
		return "", false
	}

	delete(r.identities, id)

	room := r.rooms[identity]
	delete(room, id)

	if len(room) == 0 {
		delete(r.rooms, identity)
		return identity, true
	}

	return identity, false
}

// Members returns the connections currently registered under identity.
func (r *Registry) Members(identity string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[identity]
	members := make([]Conn, 0, len(room))
	for _, conn := range room {
		members = append(members, conn)
	}

	return members
}

func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]

	return conn, ok
}

// Identity returns the group conn has joined, if any.
func (r *Registry) Identity(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.identities[conn.ID()]

	return identity, ok
}

func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		all = append(all, conn)
	}

	return all
}

// Devices lists identities with at least one member, sorted.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]string, 0, len(r.rooms))
	for identity := range r.rooms {
		devices = append(devices, identity)
	}
	sort.Strings(devices)

	return devices
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}
