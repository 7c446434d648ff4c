package ws

import (
	"sync"

	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/ot"
)

// Hub 按会话分房间的连接集合。
// presence 是外部存储（Redis）的读写句柄，本身不存数据，
// 用来落地/共享在线状态与光标信息。
// rooms 这类 map 在并发下必须由锁保护：加入/离开房间、广播时都会先加锁。
type Hub struct {
	presence cache.PresenceCache
	mu       sync.RWMutex
	// sessionID -> set of connections
	// 房间里存的是连接而不是 userID：一个用户可开多个标签页/设备（多连接），
	// 广播要逐连接发，不能只按 userID 发一次。
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定会话房间
func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

// Leave 将连接从指定会话房间移除
func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

func (h *Hub) connsOf(sessionID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		out = append(out, c)
	}
	return out
}

// BroadcastOperation 把已应用的操作推给房间内其他连接（发起连接自己收 ack）。
func (h *Hub) BroadcastOperation(sessionID string, from *Conn, op ot.Operation) {
	env := OperationEnvelope(sessionID, op.AuthorID, op)
	for _, c := range h.connsOf(sessionID) {
		if c == from {
			continue
		}
		c.enqueue(env)
	}
}

func (h *Hub) BroadcastCursor(sessionID, userID string, position int) {
	env := CursorEnvelope(sessionID, userID, position)
	for _, c := range h.connsOf(sessionID) {
		c.enqueue(env)
	}
}

func (h *Hub) BroadcastPresence(sessionID string, data PresenceData) {
	env := PresenceEnvelope(sessionID, "", data)
	for _, c := range h.connsOf(sessionID) {
		c.enqueue(env)
	}
}

// BroadcastSessionEnded 会话结束通知，发给房间内所有连接。
func (h *Hub) BroadcastSessionEnded(sessionID string) {
	env := SyncEnvelope(sessionID, "", 0, SyncData{Action: SyncSessionEnded})
	for _, c := range h.connsOf(sessionID) {
		c.enqueue(env)
	}
}
