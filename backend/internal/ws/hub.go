package ws

import (
	"sync"

	"otServer/backend/internal/session"
)

// Hub 维护 (文档, 字段) 房间到连接的映射
type Hub struct {
	mu sync.RWMutex
	// 一个用户可开多个标签页，广播要逐连接发，所以存连接而不是 userID
	rooms map[session.Key]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[session.Key]map[*Conn]struct{})}
}

// Join 将连接加入房间
func (h *Hub) Join(key session.Key, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*Conn]struct{})
	}
	h.rooms[key][c] = struct{}{}
}

// Leave 将连接移出房间，空房间直接删除
func (h *Hub) Leave(key session.Key, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[key]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, key)
		}
	}
}

// Broadcast 发给房间内除 except 以外的所有连接；except 为 nil 时发给所有人
func (h *Hub) Broadcast(key session.Key, except *Conn, msg OutboundMessage) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[key]))
	for c := range h.rooms[key] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Enqueue(msg)
	}
	return len(targets)
}

// RoomSize 房间内的连接数
func (h *Hub) RoomSize(key session.Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[key])
}
