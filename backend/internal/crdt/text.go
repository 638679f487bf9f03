package crdt

import (
	"strings"

	"collabBridge/backend/internal/ot/delta"
)

// 样式寄存器：最后写入者胜（lamport, peer）
type styleValue struct {
	value   any
	lamport uint32
	peer    PeerID
}

// 序列中的一个字符。删除只打墓碑，不真正移除
type element struct {
	id      ID
	lamport uint32
	r       rune
	deleted bool
	styles  map[string]styleValue
}

func (e *element) styleMap() map[string]any {
	var out map[string]any
	for k, sv := range e.styles {
		if sv.value == nil {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(e.styles))
		}
		out[k] = sv.value
	}
	return out
}

func (e *element) setStyle(key string, v styleValue) bool {
	if cur, ok := e.styles[key]; ok && !idGreater(v.lamport, v.peer, cur.lamport, cur.peer) {
		return false
	}
	if e.styles == nil {
		e.styles = make(map[string]styleValue)
	}
	e.styles[key] = v
	return true
}

// 事务开始前某个字符的状态，用于计算 diff
type elemImage struct {
	exists  bool
	visible bool
	styles  map[string]any
	regs    map[string]styleValue
}

func imageOf(e *element) elemImage {
	img := elemImage{exists: true, visible: !e.deleted, styles: e.styleMap()}
	if len(e.styles) > 0 {
		img.regs = make(map[string]styleValue, len(e.styles))
		for k, v := range e.styles {
			img.regs[k] = v
		}
	}
	return img
}

// restore 把字符恢复到 img 记录的状态（事务回滚用）
func (e *element) restore(img elemImage) {
	e.deleted = !img.visible
	e.styles = img.regs
}

type textState struct {
	id    ContainerID
	elems []*element
	index map[ID]*element
}

func newTextState(id ContainerID) *textState {
	return &textState{id: id, index: make(map[ID]*element)}
}

func (t *textState) visibleLen() int {
	n := 0
	for _, e := range t.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (t *textState) String() string {
	var b strings.Builder
	for _, e := range t.elems {
		if !e.deleted {
			b.WriteRune(e.r)
		}
	}
	return b.String()
}

func (t *textState) richValue() delta.Delta {
	out := make(delta.Delta, 0)
	for _, e := range t.elems {
		if e.deleted {
			continue
		}
		out = append(out, delta.Insert(string(e.r), e.styleMap()))
	}
	return out.Compact()
}

// visibleAt 返回第 pos 个可见字符在 elems 中的下标
func (t *textState) visibleAt(pos int) int {
	n := 0
	for i, e := range t.elems {
		if e.deleted {
			continue
		}
		if n == pos {
			return i
		}
		n++
	}
	return -1
}

// visibleRange 返回 [pos, pos+n) 内的可见字符
func (t *textState) visibleRange(pos, n int) []*element {
	out := make([]*element, 0, n)
	idx := 0
	for _, e := range t.elems {
		if e.deleted {
			continue
		}
		if idx >= pos && idx < pos+n {
			out = append(out, e)
		}
		idx++
		if idx >= pos+n {
			break
		}
	}
	return out
}

// neighbours 返回可见位置 pos 左右两侧的可见字符（可能为 nil）
func (t *textState) neighbours(pos int) (left, right *element) {
	if pos > 0 {
		if i := t.visibleAt(pos - 1); i >= 0 {
			left = t.elems[i]
		}
	}
	if i := t.visibleAt(pos); i >= 0 {
		right = t.elems[i]
	}
	return left, right
}

// inheritStyles 按扩展策略计算在 pos 处插入时继承的样式
func (t *textState) inheritStyles(pos int, cfg StyleConfigMap) map[string]any {
	left, right := t.neighbours(pos)
	var out map[string]any
	put := func(k string, v any) {
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	if left != nil {
		for k, v := range left.styleMap() {
			if e := cfg.expandOf(k); e == ExpandAfter || e == ExpandBoth {
				put(k, v)
			}
		}
	}
	if right != nil {
		for k, v := range right.styleMap() {
			if _, ok := out[k]; ok {
				continue
			}
			if e := cfg.expandOf(k); e == ExpandBefore || e == ExpandBoth {
				put(k, v)
			}
		}
	}
	return out
}

func (t *textState) indexOf(id ID) int {
	for i, e := range t.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// integrate 按 RGA 规则把一个新字符放到 origin 之后：
// 跳过所有比它“新”的字符（它们及其子孙都排在前面）
func (t *textState) integrate(e *element, origin *ID) {
	i := 0
	if origin != nil {
		i = t.indexOf(*origin) + 1
	}
	for i < len(t.elems) {
		cur := t.elems[i]
		if !idGreater(cur.lamport, cur.id.Peer, e.lamport, e.id.Peer) {
			break
		}
		i++
	}
	t.elems = append(t.elems, nil)
	copy(t.elems[i+1:], t.elems[i:])
	t.elems[i] = e
	t.index[e.id] = e
}

// applyInsert 把 insert op 落到状态上，返回新建的字符
func (t *textState) applyInsert(o *op, peer PeerID) []*element {
	origin := o.Origin
	created := make([]*element, 0, len(o.Text))
	i := int32(0)
	for _, r := range o.Text {
		id := ID{Peer: peer, Counter: o.Counter + i}
		lamport := o.Lamport + uint32(i)
		i++
		if _, ok := t.index[id]; ok {
			// 重复导入
			prev := id
			origin = &prev
			continue
		}
		e := &element{id: id, lamport: lamport, r: r}
		for k, v := range o.Styles {
			e.setStyle(k, styleValue{value: v, lamport: lamport, peer: peer})
		}
		t.integrate(e, origin)
		created = append(created, e)
		prev := id
		origin = &prev
	}
	return created
}

// remove 删除指定字符（只用于回滚本地未提交的插入）
func (t *textState) remove(ids map[ID]bool) {
	kept := t.elems[:0]
	for _, e := range t.elems {
		if ids[e.id] {
			delete(t.index, e.id)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(t.elems); i++ {
		t.elems[i] = nil
	}
	t.elems = kept
}

func (t *textState) elementsIn(spans []IDSpan) []*element {
	var out []*element
	for _, s := range spans {
		for c := s.Start; c < s.End; c++ {
			if e, ok := t.index[ID{Peer: s.Peer, Counter: c}]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// diffItem 是计算 diff 时的中间结果（单字符粒度）
type diffItem struct {
	kind  opKind // insert/delete 或 "" 表示 retain
	r     rune
	attrs StyleMeta
}

// diff 对比事务前后的状态生成文本 diff
func (t *textState) diff(before map[ID]elemImage) TextDiff {
	items := make([]diffItem, 0, len(t.elems))
	for _, e := range t.elems {
		img, touched := before[e.id]
		wasVisible := !e.deleted
		var oldStyles map[string]any
		if touched {
			wasVisible = img.exists && img.visible
			oldStyles = img.styles
		} else {
			oldStyles = e.styleMap()
		}
		nowVisible := !e.deleted

		switch {
		case wasVisible && nowVisible:
			var changes StyleMeta
			if touched {
				changes = styleDiff(oldStyles, e.styleMap())
			}
			items = append(items, diffItem{attrs: changes})
		case wasVisible && !nowVisible:
			items = append(items, diffItem{kind: opDelete})
		case !wasVisible && nowVisible:
			items = append(items, diffItem{kind: opInsert, r: e.r, attrs: StyleMeta(e.styleMap())})
		}
	}
	return buildTextDiff(items)
}

// buildTextDiff 合并单字符结果：
// - 连续 retain 按属性合并
// - 两个 retain 之间的 insert/delete 组成一段，insert 按属性合并成若干 Replace，
//   删除总数挂在最后一个 Replace 上
// - 去掉末尾无属性的 retain
func buildTextDiff(items []diffItem) TextDiff {
	var out TextDiff
	i := 0
	for i < len(items) {
		it := items[i]
		if it.kind == "" {
			n := 1
			for i+n < len(items) && items[i+n].kind == "" && items[i+n].attrs.equal(it.attrs) {
				n++
			}
			out = append(out, Retain{Len: n, Attr: it.attrs})
			i += n
			continue
		}

		var (
			replaces []Replace
			deleted  int
			text     strings.Builder
			attrs    StyleMeta
			open     bool
		)
		flush := func() {
			if open {
				replaces = append(replaces, Replace{Value: text.String(), Attr: attrs})
				text.Reset()
				open = false
			}
		}
		for i < len(items) && items[i].kind != "" {
			cur := items[i]
			if cur.kind == opDelete {
				deleted++
			} else {
				if open && !cur.attrs.equal(attrs) {
					flush()
				}
				if !open {
					attrs = cur.attrs
					open = true
				}
				text.WriteRune(cur.r)
			}
			i++
		}
		flush()
		if len(replaces) == 0 {
			replaces = append(replaces, Replace{})
		}
		replaces[len(replaces)-1].Delete = deleted
		for _, r := range replaces {
			out = append(out, r)
		}
	}

	for len(out) > 0 {
		if r, ok := out[len(out)-1].(Retain); ok && r.Attr.IsEmpty() {
			out = out[:len(out)-1]
			continue
		}
		break
	}
	return out
}
