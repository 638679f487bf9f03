package collab

import (
	"time"

	"collabBridge/backend/internal/crdt"
)

const EventTypeChangeSetExported = "CHANGESET_EXPORTED"

// ChangeSetEvent 是 ApplyDelta 导出的 change-set，按 docId 分区发到 kafka
type ChangeSetEvent struct {
	EventType  string             `json:"eventType"` // 固定 "CHANGESET_EXPORTED"
	DocID      string             `json:"docId"`
	Origin     string             `json:"origin"`
	Update     []byte             `json:"update"` // base64
	Version    crdt.VersionVector `json:"version"`
	ExportedAt time.Time          `json:"exportedAt"`
}
