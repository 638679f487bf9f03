package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabBridge/backend/internal/collab"
	"collabBridge/backend/internal/ot/delta"
)

type received struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId"`
	DocID          string          `json:"docId"`
	ClientID       string          `json:"clientId"`
	Code           string          `json:"code"`
	Value          json.RawMessage `json:"value"`
	Update         []byte          `json:"update"`
	SubscriptionID uint32          `json:"subscriptionId"`
	Payload        json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	svc := collab.NewService(collab.NewRegistry(hub, collab.RegistryOptions{}), collab.ServiceOptions{})
	m := NewManager(hub, svc, collab.NewSemaphoreControl(4))
	r := gin.New()
	r.GET("/collab/ws", m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rawDelta(t *testing.T, ops ...delta.Op) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(delta.Delta(ops))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return raw
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestConn_ApplyDeltaPushesDocDiff(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, "?docId=doc1")
	if w := read(t, a); w.Type != TypeWelcome || w.ClientID == "" {
		t.Fatalf("welcome = %+v", w)
	}
	b := dial(t, srv, "?docId=doc1")
	read(t, b)

	err := a.WriteJSON(ClientMessage{
		Type: TypeApplyDelta, RequestID: "r1", DocID: "doc1", Path: "body", Origin: "userA",
		Delta: rawDelta(t, delta.Insert("Hello", nil)),
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	// 事件先于应答
	ev := read(t, a)
	if ev.Type != collab.EventDocDiff {
		t.Fatalf("first message = %+v, want doc-diff", ev)
	}
	want := `{"origin":"userA","docId":"doc1","diff":[{"id":"body","type":"text","diff":[{"insert":"Hello"}]}]}`
	if string(ev.Payload) != want {
		t.Fatalf("payload = %s", ev.Payload)
	}
	ack := read(t, a)
	if ack.Type != TypeDeltaApplied || ack.RequestID != "r1" || len(ack.Update) == 0 {
		t.Fatalf("ack = %+v", ack)
	}

	if other := read(t, b); other.Type != collab.EventDocDiff || string(other.Payload) != want {
		t.Fatalf("peer message = %+v", other)
	}
}

func TestConn_GetTextValueAndErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv, "")
	read(t, c)

	_ = c.WriteJSON(ClientMessage{Type: TypeApplyDelta, DocID: "doc2", Path: "body", Delta: rawDelta(t, delta.Retain(4, nil))})
	if e := read(t, c); e.Type != TypeError || e.Code != "INVALID_DELTA" {
		t.Fatalf("reply = %+v", e)
	}

	_ = c.WriteJSON(ClientMessage{Type: TypeSubscribe, DocID: "doc2", ContainerID: "nope"})
	if e := read(t, c); e.Type != TypeError || e.Code != "INVALID_CONTAINER_ID" {
		t.Fatalf("reply = %+v", e)
	}

	_ = c.WriteJSON(ClientMessage{Type: TypeGetTextValue, DocID: "doc2", Path: "body"})
	if v := read(t, c); v.Type != TypeTextValue || string(v.Value) != "[]" {
		t.Fatalf("reply = %+v (%s)", v, v.Value)
	}

	_ = c.WriteJSON(ClientMessage{Type: "bogus", DocID: "doc2"})
	if v := read(t, c); v.Type != TypeIgnored {
		t.Fatalf("reply = %+v", v)
	}
}

func TestConn_SubscribeReceivesContainerDiff(t *testing.T) {
	srv, hub := newTestServer(t)
	c := dial(t, srv, "")
	read(t, c)

	_ = c.WriteJSON(ClientMessage{Type: TypeSubscribe, DocID: "doc3", ContainerID: "cid:root-body:Text"})
	sub := read(t, c)
	if sub.Type != TypeSubscribed || sub.SubscriptionID == 0 {
		t.Fatalf("reply = %+v", sub)
	}
	if hub.RoomSize("doc3") != 1 {
		t.Fatalf("room size = %d", hub.RoomSize("doc3"))
	}

	_ = c.WriteJSON(ClientMessage{Type: TypeApplyDelta, DocID: "doc3", Path: "body", Delta: rawDelta(t, delta.Insert("x", nil))})
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[read(t, c).Type] = true
	}
	if !seen[collab.EventDocDiff] || !seen[collab.EventContainerDiff] || !seen[TypeDeltaApplied] {
		t.Fatalf("messages = %v", seen)
	}

	_ = c.WriteJSON(ClientMessage{Type: TypeUnsubscribe, DocID: "doc3", SubscriptionID: sub.SubscriptionID})
	if r := read(t, c); r.Type != TypeUnsubscribed {
		t.Fatalf("reply = %+v", r)
	}
}

func TestConn_MalformedDeltaKeepsConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv, "")
	read(t, c)

	raw := `{"type":"apply_delta","requestId":"bad","docId":"doc5","path":"body","delta":[{"retain":-1}]}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if got := read(t, c); got.Type != TypeError || got.Code != "INVALID_DELTA" || got.RequestID != "bad" {
		t.Fatalf("reply = %+v, want INVALID_DELTA error", got)
	}

	// 不是 JSON 的消息也只回错误
	if err := c.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if got := read(t, c); got.Type != TypeError || got.Code != "BAD_REQUEST" {
		t.Fatalf("reply = %+v, want BAD_REQUEST error", got)
	}

	// 连接仍然可用
	_ = c.WriteJSON(ClientMessage{Type: TypeGetTextValue, RequestID: "ok", DocID: "doc5", Path: "body"})
	if got := read(t, c); got.Type != TypeTextValue || got.RequestID != "ok" {
		t.Fatalf("reply = %+v, want text_value", got)
	}
}

func TestHub_CloseAllDisconnects(t *testing.T) {
	srv, hub := newTestServer(t)
	c := dial(t, srv, "")
	read(t, c)
	if hub.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", hub.Len())
	}

	hub.CloseAll()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatalf("ReadMessage() after CloseAll succeeded")
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Len() = %d after CloseAll", hub.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
