package ws

import (
	"sync"

	"clinicRealtime/backend/internal/protocol"
)

// Hub 维护房间到连接集合的映射。
// 房间里存的是连接而不是 userID：一个用户可开多个标签页，
// 广播要逐连接发。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[room]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

// LeaveAll 在连接关闭时把它从所有房间摘掉。
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, conns := range h.rooms {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) Broadcast(room string, env protocol.Envelope) {
	h.mu.RLock()
	conns := h.rooms[room]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(env)
	}
}

// BroadcastExcept 给房间里除 skip 外的连接发（比如把自己的 join 广播给别人）。
func (h *Hub) BroadcastExcept(room string, skip *Conn, env protocol.Envelope) {
	h.mu.RLock()
	conns := h.rooms[room]
	targets := make([]*Conn, 0, len(conns))
	for c := range conns {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(env)
	}
}
