// Package broadcast delivers server frames either to every member of a
// document's room or to a single connection. Delivery is fire-and-forget.
package broadcast

import (
	"context"
	"sync"

	co "github.com/ilnaes/quillsync/internal/common"
	"github.com/ilnaes/quillsync/internal/metrics"
	"github.com/ilnaes/quillsync/internal/room"
)

// Sink is the outbound side of one connection. Send must not block; it reports
// false when the frame could not be queued.
type Sink interface {
	Send(res co.Response) bool
}

type Broadcaster interface {
	// ToRoom delivers res to every connection in docId's room.
	ToRoom(ctx context.Context, docId string, res co.Response) error
	// ToConn delivers res to one connection only.
	ToConn(conn string, res co.Response)
}

// Hub fans frames out to the connections of this process.
type Hub struct {
	rooms *room.Manager
	sinks map[string]Sink

	mu sync.RWMutex // protects sinks
}

func NewHub(rooms *room.Manager) *Hub {
	return &Hub{
		rooms: rooms,
		sinks: make(map[string]Sink),
	}
}

func (h *Hub) Register(conn string, s Sink) {
	h.mu.Lock()
	h.sinks[conn] = s
	h.mu.Unlock()
}

func (h *Hub) Unregister(conn string) {
	h.mu.Lock()
	delete(h.sinks, conn)
	h.mu.Unlock()
}

func (h *Hub) sink(conn string) Sink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sinks[conn]
}

// Deliver sends res to the local members of docId's room and returns how many
// accepted it.
func (h *Hub) Deliver(docId string, res co.Response) int {
	n := 0
	for _, conn := range h.rooms.MembersOf(docId) {
		if h.send(conn, res) {
			n++
		}
	}
	return n
}

func (h *Hub) send(conn string, res co.Response) bool {
	s := h.sink(conn)
	if s == nil || !s.Send(res) {
		// connection is going away; not an error
		metrics.FramesDropped.Inc()
		return false
	}
	return true
}

func (h *Hub) ToRoom(_ context.Context, docId string, res co.Response) error {
	h.Deliver(docId, res)
	return nil
}

func (h *Hub) ToConn(conn string, res co.Response) {
	h.send(conn, res)
}

var _ Broadcaster = (*Hub)(nil)
