package crdt

import (
	"fmt"
	"unicode/utf8"

	"collabBridge/backend/internal/ot/delta"
)

// TextHandler 是文本容器的句柄，位置都以 rune 计
type TextHandler struct {
	doc *Doc
	id  ContainerID
}

func (h *TextHandler) ID() ContainerID { return h.id }

func (h *TextHandler) Len() int {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	return h.doc.textLocked(h.id).visibleLen()
}

func (h *TextHandler) String() string {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	return h.doc.textLocked(h.id).String()
}

// GetRichTextValue 返回当前内容：按样式分段的 insert 序列
func (h *TextHandler) GetRichTextValue() delta.Delta {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()
	return h.doc.textLocked(h.id).richValue()
}

// Insert 在 pos 处插入文本，样式按扩展策略从相邻字符继承
func (h *TextHandler) Insert(pos int, s string) error {
	d := h.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.textLocked(h.id)
	if pos < 0 || pos > t.visibleLen() {
		return fmt.Errorf("%w: insert at %d, len %d", ErrIndexOutOfBound, pos, t.visibleLen())
	}
	d.insertLocked(t, pos, s, t.inheritStyles(pos, d.styles))
	return nil
}

func (h *TextHandler) Delete(pos, n int) error {
	d := h.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.textLocked(h.id)
	if pos < 0 || n < 0 || pos > t.visibleLen() || n > t.visibleLen()-pos {
		return fmt.Errorf("%w: delete [%d,%d), len %d", ErrIndexOutOfBound, pos, pos+n, t.visibleLen())
	}
	d.deleteLocked(t, pos, n)
	return nil
}

// Mark 给 [start, end) 设置样式；value 为 nil 表示移除
func (h *TextHandler) Mark(start, end int, key string, value any) error {
	d := h.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.textLocked(h.id)
	if start < 0 || start > end || end > t.visibleLen() {
		return fmt.Errorf("%w: mark [%d,%d), len %d", ErrIndexOutOfBound, start, end, t.visibleLen())
	}
	d.markLocked(t, start, end-start, key, value)
	return nil
}

func (h *TextHandler) Unmark(start, end int, key string) error {
	return h.Mark(start, end, key, nil)
}

// ApplyDelta 从头回放一个 delta。先整体校验，校验失败时什么都不修改。
// 不带属性的 insert 按扩展策略继承样式；带属性的 insert 只使用给定的样式。
func (h *TextHandler) ApplyDelta(dl delta.Delta) error {
	d := h.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.textLocked(h.id)
	if err := validateDelta(dl, t.visibleLen()); err != nil {
		return err
	}

	pos := 0
	for _, o := range dl {
		switch o.Kind {
		case delta.KindRetain:
			for k, v := range o.Attrs {
				d.markLocked(t, pos, o.Count, k, v)
			}
			pos += o.Count
		case delta.KindInsert:
			styles := map[string]any(nil)
			if len(o.Attrs) > 0 {
				for k, v := range o.Attrs {
					if v == nil {
						continue
					}
					if styles == nil {
						styles = make(map[string]any, len(o.Attrs))
					}
					styles[k] = v
				}
			} else {
				styles = t.inheritStyles(pos, d.styles)
			}
			d.insertLocked(t, pos, o.Text, styles)
			pos += utf8.RuneCountInString(o.Text)
		case delta.KindDelete:
			d.deleteLocked(t, pos, o.Count)
		}
	}
	return nil
}

func validateDelta(dl delta.Delta, length int) error {
	pos := 0
	for i, o := range dl {
		switch o.Kind {
		case delta.KindRetain:
			// 用减法比较，Count 很大时 pos+Count 会溢出
			if o.Count < 0 || o.Count > length-pos {
				return fmt.Errorf("%w: op %d retains past end (pos %d, len %d)", ErrInvalidDelta, i, pos, length)
			}
			pos += o.Count
		case delta.KindInsert:
			n := utf8.RuneCountInString(o.Text)
			pos += n
			length += n
		case delta.KindDelete:
			if o.Count < 0 || o.Count > length-pos {
				return fmt.Errorf("%w: op %d deletes past end (pos %d, len %d)", ErrInvalidDelta, i, pos, length)
			}
			length -= o.Count
		default:
			return fmt.Errorf("%w: op %d has unknown kind %q", ErrInvalidDelta, i, o.Kind)
		}
	}
	return nil
}

func (d *Doc) insertLocked(t *textState, pos int, s string, styles map[string]any) {
	if s == "" {
		return
	}
	tx := d.txnLocked()
	o := op{Container: t.id.String(), Kind: opInsert, Text: s, Styles: styles}
	if pos > 0 {
		left, _ := t.neighbours(pos)
		origin := left.id
		o.Origin = &origin
	}
	d.nextOp(&o)
	for _, e := range t.applyInsert(&o, d.peer) {
		tx.track.created(t, e)
	}
	tx.ops = append(tx.ops, o)
}

func (d *Doc) deleteLocked(t *textState, pos, n int) {
	if n == 0 {
		return
	}
	tx := d.txnLocked()
	targets := t.visibleRange(pos, n)
	ids := make([]ID, 0, len(targets))
	for _, e := range targets {
		tx.track.touch(t, e)
		e.deleted = true
		ids = append(ids, e.id)
	}
	o := op{Container: t.id.String(), Kind: opDelete, Targets: spansOf(ids)}
	d.nextOp(&o)
	tx.ops = append(tx.ops, o)
}

func (d *Doc) markLocked(t *textState, pos, n int, key string, value any) {
	if n == 0 {
		return
	}
	tx := d.txnLocked()
	targets := t.visibleRange(pos, n)
	ids := make([]ID, 0, len(targets))
	for _, e := range targets {
		ids = append(ids, e.id)
	}
	o := op{Container: t.id.String(), Kind: opMark, Key: key, Value: value, Targets: spansOf(ids)}
	d.nextOp(&o)
	for _, e := range targets {
		tx.track.touch(t, e)
		e.setStyle(key, styleValue{value: value, lamport: o.Lamport, peer: d.peer})
	}
	tx.ops = append(tx.ops, o)
}
