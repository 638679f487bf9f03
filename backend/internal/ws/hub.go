package ws

import (
	"sync"
)

type Hub struct {
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// 所有在线连接，包括还没加入房间的
	conns map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Conn]struct{}),
		conns: make(map[*Conn]struct{}),
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// CloseAll 关闭所有连接。http.Server.Shutdown 不会关闭已升级的 websocket，
// 退出前要先调用它，让读循环结束、不再执行新命令
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Len 返回在线连接数
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个用户可开多个标签页，房间按连接记录
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// Emit 把事件推给房间内的所有连接（collab.Emitter）。
// 发送队列满的连接会丢消息，不阻塞提交
func (h *Hub) Emit(docID, event string, payload any) {
	msg := EventMessage{Type: event, DocID: docID, Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[docID] {
		c.SendMessage_Enqueue(msg)
	}
}
