package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabBridge/backend/internal/collab"
	"collabBridge/backend/internal/ot/delta"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
		"tauri://localhost",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string { return m.Type }
func (m EventMessage) MessageType() string  { return m.Type }

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	clientID string
	// 已加入的房间
	rooms map[string]struct{}

	mu     sync.Mutex
	closed bool
	send   chan OutboundMessage

	svc *collab.Service
	// 信号量控制
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, svc *collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		clientID: uuid.NewString(),
		rooms:    make(map[string]struct{}),
		send:     make(chan OutboundMessage, 64),
		svc:      svc,
		sem:      sem,
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
		log.Printf("ws send queue full, drop %s client=%s", msg.MessageType(), c.clientID)
	}
}

func (c *Conn) close() {
	for docID := range c.rooms {
		c.hub.Leave(docID, c)
	}
	c.hub.unregister(c)
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *Conn) join(docID string) {
	if _, ok := c.rooms[docID]; ok {
		return
	}
	c.rooms[docID] = struct{}{}
	c.hub.Join(docID, c)
}

func (c *Conn) leave(docID string) {
	delete(c.rooms, docID)
	c.hub.Leave(docID, c)
}

func errorMessage(req ClientMessage, code string, err error) ServerMessage {
	return ServerMessage{Type: TypeError, RequestID: req.RequestID, DocID: req.DocID, Code: code, Error: err.Error()}
}

// handle 执行一条命令并返回应答。
// 文档相关的命令会把连接加入该文档的房间，之后就能收到 doc-diff
func (c *Conn) handle(ctx context.Context, msg ClientMessage) ServerMessage {
	if msg.DocID == "" {
		return ServerMessage{Type: TypeIgnored, RequestID: msg.RequestID, Error: "missing docId"}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if c.sem != nil {
		if err := c.sem.Acquire(cmdCtx); err != nil {
			return errorMessage(msg, "BUSY", err)
		}
		defer c.sem.Release()
	}

	reply := ServerMessage{RequestID: msg.RequestID, DocID: msg.DocID}
	switch msg.Type {
	case TypeJoin:
		c.join(msg.DocID)
		reply.Type = TypeJoined

	case TypeLeave:
		c.leave(msg.DocID)
		reply.Type = TypeLeft

	case TypeGetTextValue:
		c.join(msg.DocID)
		value, err := c.svc.GetTextValue(cmdCtx, msg.DocID, msg.Path)
		if err != nil {
			return errorMessage(msg, collab.ErrorCode(err), err)
		}
		reply.Type, reply.Value = TypeTextValue, value

	case TypeApplyDelta:
		c.join(msg.DocID)
		var d delta.Delta
		if len(msg.Delta) > 0 {
			if err := json.Unmarshal(msg.Delta, &d); err != nil {
				return errorMessage(msg, collab.ErrorCode(err), err)
			}
		}
		update, err := c.svc.ApplyDelta(cmdCtx, msg.DocID, msg.Path, msg.Origin, d)
		if err != nil {
			return errorMessage(msg, collab.ErrorCode(err), err)
		}
		reply.Type, reply.Update = TypeDeltaApplied, update

	case TypeImport:
		c.join(msg.DocID)
		if err := c.svc.Import(cmdCtx, msg.DocID, msg.Origin, msg.Update); err != nil {
			return errorMessage(msg, collab.ErrorCode(err), err)
		}
		reply.Type = TypeImported

	case TypeSubscribe:
		id, err := c.svc.Subscribe(cmdCtx, msg.DocID, msg.ContainerID)
		if err != nil {
			return errorMessage(msg, collab.ErrorCode(err), err)
		}
		c.join(msg.DocID)
		reply.Type, reply.SubscriptionID = TypeSubscribed, id

	case TypeUnsubscribe:
		if err := c.svc.Unsubscribe(cmdCtx, msg.DocID, msg.SubscriptionID); err != nil {
			return errorMessage(msg, collab.ErrorCode(err), err)
		}
		reply.Type, reply.SubscriptionID = TypeUnsubscribed, msg.SubscriptionID

	default:
		// 忽略未知类型，回一条提示
		reply.Type, reply.Error = TypeIgnored, "Unknown message type"
	}
	return reply
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read error (client=%s): %v", c.clientID, err)
			}
			return
		}
		var clientMessage ClientMessage
		if err := json.Unmarshal(raw, &clientMessage); err != nil {
			// 解析失败只回错误，不断开连接
			c.SendMessage_Enqueue(errorMessage(clientMessage, "BAD_REQUEST", err))
			continue
		}
		c.SendMessage_Enqueue(c.handle(ctx, clientMessage))
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("write json error (client=%s): %v", c.clientID, err)
		}
	}
}

type Manager struct {
	h   *Hub
	svc *collab.Service
	sem *collab.SemaphoreControl
}

func NewManager(h *Hub, svc *collab.Service, sem *collab.SemaphoreControl) *Manager {
	return &Manager{h: h, svc: svc, sem: sem}
}

// WebSocketConnect 升级连接；带 docId 时直接加入该文档的房间
func (m *Manager) WebSocketConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	// defer：用于延迟执行（延迟至return处）
	defer conn.Close()

	wsConn := NewConn(conn, m.h, m.svc, m.sem)
	m.h.register(wsConn)
	docID := c.Query("docId")
	if docID != "" {
		wsConn.join(docID)
	}

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: TypeWelcome, ClientID: wsConn.clientID, DocID: docID})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
