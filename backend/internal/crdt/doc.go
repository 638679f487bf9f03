package crdt

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Doc 是一个富文本 CRDT 文档。
//
// 修改先记录在隐式事务里，在 Commit/CommitWith、ExportFrom、Import 或
// 下一次 Transact 开始时提交。每次提交产生一个 Change 和一条 DiffEvent，
// 事件按提交顺序在提交所在的 goroutine 上同步派发（此时不持有任何内部锁）。
type Doc struct {
	// 串行化 Transact
	txnMu sync.Mutex

	mu        sync.Mutex
	peer      PeerID
	nextCtr   int32
	lamport   uint32
	vv        VersionVector
	frontiers Frontiers
	changes   []*Change
	pending   []*Change
	texts     map[string]*textState
	styles    StyleConfigMap
	txn       *txn

	subs    []*subscription
	nextSub SubID

	queue    []DiffEvent
	draining bool
}

type txn struct {
	ops   []op
	track *tracker
}

// tracker 记录一次提交中每个被触碰字符的“之前”状态
type tracker struct {
	before map[string]map[ID]elemImage
	order  []string
}

func newTracker() *tracker {
	return &tracker{before: make(map[string]map[ID]elemImage)}
}

func (tr *tracker) container(t *textState) map[ID]elemImage {
	key := t.id.String()
	m, ok := tr.before[key]
	if !ok {
		m = make(map[ID]elemImage)
		tr.before[key] = m
		tr.order = append(tr.order, key)
	}
	return m
}

func (tr *tracker) touch(t *textState, e *element) {
	m := tr.container(t)
	if _, ok := m[e.id]; !ok {
		m[e.id] = imageOf(e)
	}
}

func (tr *tracker) created(t *textState, e *element) {
	m := tr.container(t)
	if _, ok := m[e.id]; !ok {
		m[e.id] = elemImage{}
	}
}

type Option func(*Doc)

func WithPeerID(p PeerID) Option {
	return func(d *Doc) { d.peer = p }
}

func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		peer:   PeerID(rand.Uint64()),
		vv:     VersionVector{},
		texts:  make(map[string]*textState),
		styles: StyleConfigMap{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Doc) PeerID() PeerID { return d.peer }

func (d *Doc) ConfigTextStyle(cfg StyleConfigMap) {
	d.mu.Lock()
	d.styles = cfg.Clone()
	d.mu.Unlock()
}

// GetText 获取（不存在则创建）一个 root 文本容器
func (d *Doc) GetText(id ContainerID) (*TextHandler, error) {
	if id.Type != ContainerText {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidContainer, id, id.Type)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.texts[id.String()]; !ok {
		if !id.Root {
			return nil, fmt.Errorf("%w: %s not found", ErrInvalidContainer, id)
		}
		d.texts[id.String()] = newTextState(id)
	}
	return &TextHandler{doc: d, id: id}, nil
}

func (d *Doc) GetTextByName(name string) (*TextHandler, error) {
	return d.GetText(NewRootID(name, ContainerText))
}

// 调用方持有 mu
func (d *Doc) textLocked(id ContainerID) *textState {
	key := id.String()
	t, ok := d.texts[key]
	if !ok {
		t = newTextState(id)
		d.texts[key] = t
	}
	return t
}

func (d *Doc) txnLocked() *txn {
	if d.txn == nil {
		d.txn = &txn{track: newTracker()}
	}
	return d.txn
}

// nextOp 为本地 op 分配 counter/lamport
func (d *Doc) nextOp(o *op) {
	o.Counter = d.nextCtr
	o.Lamport = d.lamport
	n := o.atomLen()
	d.nextCtr += n
	d.lamport += uint32(n)
}

type CommitOptions struct {
	Origin string
}

func (d *Doc) Commit() { d.CommitWith(CommitOptions{}) }

func (d *Doc) CommitWith(opts CommitOptions) {
	d.mu.Lock()
	d.commitLocked(opts.Origin)
	d.mu.Unlock()
	d.drain()
}

// commitLocked 把隐式事务封装成 Change 并把事件放进队列
func (d *Doc) commitLocked(origin string) {
	t := d.txn
	d.txn = nil
	if t == nil || len(t.ops) == 0 {
		return
	}
	c := &Change{
		Peer:      d.peer,
		Counter:   t.ops[0].Counter,
		Lamport:   t.ops[0].Lamport,
		Deps:      append(Frontiers(nil), d.frontiers...),
		Timestamp: time.Now().Unix(),
		Ops:       t.ops,
	}
	d.changes = append(d.changes, c)
	d.vv.extend(c.Peer, c.End())
	d.frontiers = d.frontiers.advance(c.Deps, ID{Peer: c.Peer, Counter: c.End() - 1})
	d.enqueueLocked(d.eventLocked(t.track, origin, true))
}

// rollbackLocked 撤销未提交的隐式事务
func (d *Doc) rollbackLocked() {
	t := d.txn
	d.txn = nil
	if t == nil {
		return
	}
	for _, key := range t.track.order {
		ts := d.texts[key]
		created := make(map[ID]bool)
		for id, img := range t.track.before[key] {
			if !img.exists {
				created[id] = true
				continue
			}
			if e, ok := ts.index[id]; ok {
				e.restore(img)
			}
		}
		if len(created) > 0 {
			ts.remove(created)
		}
	}
	if len(t.ops) > 0 {
		d.nextCtr = t.ops[0].Counter
		d.lamport = t.ops[0].Lamport
	}
}

// Transact 在一个事务里执行 fn，并以 origin 提交。
// fn 返回错误时回滚 fn 内的所有修改。事件在释放 txnMu 之后派发，
// 订阅者可以再次进入本文档（包括调用 Transact）。
// fn 里不能再调用 Transact。
func (d *Doc) Transact(origin string, fn func() error) error {
	err := d.transactLocked(origin, fn)
	d.drain()
	return err
}

func (d *Doc) transactLocked(origin string, fn func() error) error {
	d.txnMu.Lock()
	defer d.txnMu.Unlock()

	d.mu.Lock()
	d.commitLocked("")
	d.mu.Unlock()

	if err := fn(); err != nil {
		d.mu.Lock()
		d.rollbackLocked()
		d.mu.Unlock()
		return err
	}

	d.mu.Lock()
	d.commitLocked(origin)
	d.mu.Unlock()
	return nil
}

func (d *Doc) StateVV() VersionVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vv.Clone()
}

func (d *Doc) Frontiers() Frontiers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frontiers.sorted()
}

// ExportFrom 导出 from 之后的所有 change（会先提交隐式事务）
func (d *Doc) ExportFrom(from VersionVector) []byte {
	d.mu.Lock()
	d.commitLocked("")
	var out []*Change
	for _, c := range d.changes {
		if from[c.Peer] < c.End() {
			out = append(out, c)
		}
	}
	d.mu.Unlock()
	d.drain()
	return encodeChanges(out)
}

func (d *Doc) Import(data []byte) error { return d.ImportWith(data, "") }

// ImportWith 导入一组 change。重复导入是幂等的；依赖尚未到达的 change
// 暂存起来，等依赖到齐后再应用
func (d *Doc) ImportWith(data []byte, origin string) error {
	changes, err := decodeChanges(data)
	if err != nil {
		return err
	}
	for _, c := range changes {
		if err := validateChange(c); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.commitLocked("")
	d.pending = append(d.pending, changes...)
	tr := newTracker()
	for {
		progressed := false
		rest := d.pending[:0]
		for _, c := range d.pending {
			switch {
			case c.End() <= d.vv[c.Peer]:
				// 已经有了
				progressed = true
			case c.Counter <= d.vv[c.Peer] && d.depsReadyLocked(c):
				d.applyChangeLocked(c, tr)
				progressed = true
			default:
				rest = append(rest, c)
			}
		}
		d.pending = rest
		if !progressed || len(rest) == 0 {
			break
		}
	}
	d.enqueueLocked(d.eventLocked(tr, origin, false))
	d.mu.Unlock()
	d.drain()
	return nil
}

func validateChange(c *Change) error {
	if c == nil || c.Counter < 0 {
		return fmt.Errorf("%w: bad change header", ErrInvalidUpdate)
	}
	for i := range c.Ops {
		o := &c.Ops[i]
		if _, err := ParseContainerID(o.Container); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		switch o.Kind {
		case opInsert, opDelete, opMark:
		default:
			return fmt.Errorf("%w: unknown op kind %q", ErrInvalidUpdate, o.Kind)
		}
	}
	return nil
}

func (d *Doc) depsReadyLocked(c *Change) bool {
	for _, dep := range c.Deps {
		if !d.vv.Includes(dep) {
			return false
		}
	}
	return true
}

func (d *Doc) applyChangeLocked(c *Change, tr *tracker) {
	for i := range c.Ops {
		o := &c.Ops[i]
		cid, _ := ParseContainerID(o.Container)
		if cid.Type != ContainerText {
			continue
		}
		t := d.textLocked(cid)
		switch o.Kind {
		case opInsert:
			for _, e := range t.applyInsert(o, c.Peer) {
				tr.created(t, e)
			}
		case opDelete:
			for _, e := range t.elementsIn(o.Targets) {
				tr.touch(t, e)
				e.deleted = true
			}
		case opMark:
			for _, e := range t.elementsIn(o.Targets) {
				tr.touch(t, e)
				e.setStyle(o.Key, styleValue{value: o.Value, lamport: o.Lamport, peer: c.Peer})
			}
		}
		if end := o.Lamport + uint32(o.atomLen()); end > d.lamport {
			d.lamport = end
		}
	}
	// 自己 peer 的 change（例如重启后从归档恢复）：本地计数器跳过已用的 ID
	if c.Peer == d.peer && c.End() > d.nextCtr {
		d.nextCtr = c.End()
	}
	d.changes = append(d.changes, c)
	d.vv.extend(c.Peer, c.End())
	d.frontiers = d.frontiers.advance(c.Deps, ID{Peer: c.Peer, Counter: c.End() - 1})
}

func (d *Doc) eventLocked(tr *tracker, origin string, local bool) DiffEvent {
	ev := DiffEvent{Origin: origin, Local: local}
	for _, key := range tr.order {
		t := d.texts[key]
		diff := t.diff(tr.before[key])
		if len(diff) == 0 {
			continue
		}
		ev.Diffs = append(ev.Diffs, ContainerDiff{ID: t.id, Diff: diff})
	}
	return ev
}

func (d *Doc) SubscribeRoot(fn Subscriber) SubID {
	return d.subscribe(&subscription{root: true, fn: fn})
}

func (d *Doc) Subscribe(id ContainerID, fn Subscriber) SubID {
	return d.subscribe(&subscription{cid: id.String(), fn: fn})
}

// SubscribeWithID 与 Subscribe 相同，但回调在订阅生效前就拿到自己的 id
func (d *Doc) SubscribeWithID(id ContainerID, mk func(SubID) Subscriber) SubID {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &subscription{cid: id.String()}
	d.addSubLocked(s)
	s.fn = mk(s.id)
	return s.id
}

func (d *Doc) subscribe(s *subscription) SubID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addSubLocked(s)
	return s.id
}

func (d *Doc) addSubLocked(s *subscription) {
	d.nextSub++
	s.id = d.nextSub
	d.subs = append(d.subs, s)
}

func (d *Doc) Unsubscribe(id SubID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Doc) enqueueLocked(ev DiffEvent) {
	if len(ev.Diffs) == 0 {
		return
	}
	d.queue = append(d.queue, ev)
}

// drain 按提交顺序派发事件。已经有 goroutine 在派发时直接返回，
// 由它负责把队列里剩下的事件发完
func (d *Doc) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.draining = false
			d.mu.Unlock()
			panic(r)
		}
	}()
	for len(d.queue) > 0 {
		ev := d.queue[0]
		d.queue = d.queue[1:]
		subs := append([]*subscription(nil), d.subs...)
		d.mu.Unlock()
		for _, s := range subs {
			if filtered, ok := s.filter(ev); ok {
				s.fn(filtered)
			}
		}
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}
