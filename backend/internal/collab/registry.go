package collab

import (
	"log"
	"sort"
	"sync"

	"collabBridge/backend/internal/crdt"
	"collabBridge/backend/internal/huly"
	"collabBridge/backend/internal/metrics"
)

// 默认使用 expand-after 的样式
var DefaultExpandAfter = []string{"bold", "italic", "list", "indent", "link"}

func StyleConfig(expandAfter []string) crdt.StyleConfigMap {
	cfg := make(crdt.StyleConfigMap, len(expandAfter))
	for _, k := range expandAfter {
		cfg[k] = crdt.StyleConfig{Expand: crdt.ExpandAfter}
	}
	return cfg
}

type entry struct {
	doc *crdt.Doc
	// root 订阅，创建文档时安装，之后不会取消
	sub crdt.SubID
}

// Registry 持有进程内所有打开的文档。文档第一次被引用时创建，之后一直存在
type Registry struct {
	mu      sync.Mutex
	docs    map[string]*entry
	emitter Emitter
	styles  crdt.StyleConfigMap
	peer    crdt.PeerID
}

type RegistryOptions struct {
	// 为 0 时每个文档随机分配 peer id
	PeerID      crdt.PeerID
	ExpandAfter []string
}

func NewRegistry(emitter Emitter, opt RegistryOptions) *Registry {
	if emitter == nil {
		emitter = LogEmitter{}
	}
	expand := opt.ExpandAfter
	if len(expand) == 0 {
		expand = DefaultExpandAfter
	}
	return &Registry{
		docs:    make(map[string]*entry),
		emitter: emitter,
		styles:  StyleConfig(expand),
		peer:    opt.PeerID,
	}
}

// GetOrCreate 返回 id 对应的文档，不存在则创建。
// 创建、样式配置和 root 订阅都在同一把锁内完成，同一个 id 只会创建一次
func (r *Registry) GetOrCreate(id string) *crdt.Doc {
	return r.getOrCreate(id).doc
}

func (r *Registry) getOrCreate(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.docs[id]; ok {
		return e
	}

	var opts []crdt.Option
	if r.peer != 0 {
		opts = append(opts, crdt.WithPeerID(r.peer))
	}
	doc := crdt.NewDoc(opts...)
	doc.ConfigTextStyle(r.styles)
	e := &entry{doc: doc}
	e.sub = doc.SubscribeRoot(rootHandler(id, r.emitter))
	r.docs[id] = e

	metrics.DocumentsOpen.Set(float64(len(r.docs)))
	log.Printf("document opened doc=%s peer=%d", id, doc.PeerID())
	return e
}

// 只持有文档 id 和出口，不引用 registry
func rootHandler(docID string, emitter Emitter) crdt.Subscriber {
	return func(ev crdt.DiffEvent) {
		emitter.Emit(docID, EventDocDiff, huly.TranslateDocDiff(docID, ev))
		metrics.DiffsEmitted.WithLabelValues(EventDocDiff).Inc()
	}
}

// lookup 只查找，不创建
func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.docs[id]
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
