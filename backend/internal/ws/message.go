package ws

import "encoding/json"

// 客户端命令
const (
	TypeJoin          = "join"
	TypeLeave         = "leave"
	TypeGetTextValue  = "get_text_value"
	TypeApplyDelta    = "apply_delta"
	TypeImport        = "import"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeWelcome       = "welcome"
	TypeError         = "error"
	TypeTextValue     = "text_value"
	TypeDeltaApplied  = "delta_applied"
	TypeImported      = "imported"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeJoined        = "joined"
	TypeLeft          = "left"
	TypeIgnored       = "ignored"
)

type ClientMessage struct {
	Type string `json:"type"`
	// 原样带回到应答里，方便客户端对应请求
	RequestID      string      `json:"requestId,omitempty"`
	DocID          string      `json:"docId"`
	Path           string      `json:"path,omitempty"`
	Origin         string      `json:"origin,omitempty"`
	// 在 handle 里再解码，坏的 op 只影响这一条命令
	Delta          json.RawMessage `json:"delta,omitempty"`
	Update         []byte          `json:"update,omitempty"` // base64
	ContainerID    string          `json:"containerId,omitempty"`
	SubscriptionID uint32          `json:"subscriptionId,omitempty"`
}

type ServerMessage struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId,omitempty"`
	DocID          string `json:"docId,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
	Value          any    `json:"value,omitempty"`
	Update         []byte `json:"update,omitempty"`
	SubscriptionID uint32 `json:"subscriptionId,omitempty"`
}

// EventMessage 是推给房间内所有连接的 doc-diff / container-diff
type EventMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId"`
	Payload any    `json:"payload"`
}
