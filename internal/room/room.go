// Package room tracks which document each connection is subscribed to.
//
// A connection belongs to at most one room at a time. Membership only changes
// through the connection's own JoinOnly/Leave/Disconnect calls.
package room

import (
	"sort"
	"sync"
)

type Manager struct {
	rooms   map[string]map[string]struct{} // docId -> connection ids
	current map[string]string              // connection id -> docId

	mu sync.RWMutex // protects rooms and current
}

func NewManager() *Manager {
	return &Manager{
		rooms:   make(map[string]map[string]struct{}),
		current: make(map[string]string),
	}
}

// must hold m.mu
func (m *Manager) remove(conn string) string {
	docId, ok := m.current[conn]
	if !ok {
		return ""
	}

	members := m.rooms[docId]
	delete(members, conn)
	if len(members) == 0 {
		delete(m.rooms, docId)
	}
	delete(m.current, conn)
	return docId
}

// JoinOnly moves conn out of whatever room it is in and into docId's room as
// one step. It returns the room conn left, or "" if it was in none (or was
// already in docId's room).
func (m *Manager) JoinOnly(conn, docId string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current[conn] == docId {
		return ""
	}

	prev := m.remove(conn)

	members, ok := m.rooms[docId]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[docId] = members
	}
	members[conn] = struct{}{}
	m.current[conn] = docId

	return prev
}

// Leave removes conn from docId's room. It reports whether conn was a member.
func (m *Manager) Leave(conn, docId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current[conn] != docId {
		return false
	}
	m.remove(conn)
	return true
}

// Disconnect drops conn from its room, if any, and returns that room.
func (m *Manager) Disconnect(conn string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remove(conn)
}

// MembersOf returns the connections currently in docId's room, sorted.
func (m *Manager) MembersOf(docId string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]string, 0, len(m.rooms[docId]))
	for conn := range m.rooms[docId] {
		res = append(res, conn)
	}
	sort.Strings(res)
	return res
}

// RoomOf returns the room conn is in.
func (m *Manager) RoomOf(conn string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docId, ok := m.current[conn]
	return docId, ok
}

// Rooms returns the number of non-empty rooms.
func (m *Manager) Rooms() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.rooms)
}
