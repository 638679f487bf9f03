package collab

import (
	"log"
	"sync"

	"collabBridge/backend/internal/huly"
)

const (
	EventDocDiff       = "doc-diff"
	EventContainerDiff = "container-diff"
)

// Emitter 是宿主侧的事件出口（websocket 房间、redis 频道等）。
// Emit 在提交所在的 goroutine 上同步调用，实现不应长时间阻塞
type Emitter interface {
	Emit(docID, event string, payload any)
}

type EmitterFunc func(docID, event string, payload any)

func (f EmitterFunc) Emit(docID, event string, payload any) { f(docID, event, payload) }

// FanoutEmitter 把同一个事件依次交给多个出口
type FanoutEmitter struct {
	mu    sync.RWMutex
	sinks []Emitter
}

func NewFanoutEmitter(sinks ...Emitter) *FanoutEmitter {
	return &FanoutEmitter{sinks: sinks}
}

func (f *FanoutEmitter) Add(e Emitter) {
	f.mu.Lock()
	f.sinks = append(f.sinks, e)
	f.mu.Unlock()
}

func (f *FanoutEmitter) Emit(docID, event string, payload any) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(docID, event, payload)
	}
}

// LogEmitter 只打日志，没有配置任何出口时使用
type LogEmitter struct{}

func (LogEmitter) Emit(docID, event string, _ any) {
	log.Printf("emit %s doc=%s", event, docID)
}

// ContainerDiffEvent 是按容器订阅时推送的事件
type ContainerDiffEvent struct {
	SubscriptionID uint32       `json:"subscriptionId"`
	Payload        huly.DocDiff `json:"payload"`
}
