package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// ErrInvalidOp 表示无法解析的操作（字段缺失/多选/类型不对/长度为负）
var ErrInvalidOp = errors.New("INVALID_DELTA_OP")

// 样式属性：key 为样式名（bold/italic/list/indent/link...）
// value 为 nil 时表示“移除该样式”，序列化为 JSON null
type Attributes map[string]any

func (a Attributes) Clone() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !reflect.DeepEqual(v, w) {
			return false
		}
	}
	return true
}

// 内部统一使用带标签的 Op，只有在 JSON 边界处才展开成“看哪个字段存在”的格式
type Op struct {
	Kind  Kind       // "retain" / "insert" / "delete"
	Count int        // retain/delete 的长度
	Text  string     // insert 的文本
	Attrs Attributes // 样式属性（粗体/颜色等），空表示不携带
}

type Delta []Op

// "ops":[{"retain":5},{"insert":"Hello"}]

func Retain(n int, attrs Attributes) Op { return Op{Kind: KindRetain, Count: n, Attrs: attrs} }
func Insert(text string, attrs Attributes) Op {
	return Op{Kind: KindInsert, Text: text, Attrs: attrs}
}
func Delete(n int) Op { return Op{Kind: KindDelete, Count: n} }

// Len 返回操作覆盖的字符数（按 rune 计）
func (op Op) Len() int {
	if op.Kind == KindInsert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Count
}

// 线上格式
type wireOp struct {
	Insert     json.RawMessage `json:"insert,omitempty"`
	Retain     *int            `json:"retain,omitempty"`
	Delete     *int            `json:"delete,omitempty"`
	Attributes Attributes      `json:"attributes,omitempty"`
}

func (op Op) MarshalJSON() ([]byte, error) {
	var attrs Attributes
	if len(op.Attrs) > 0 {
		attrs = op.Attrs
	}
	switch op.Kind {
	case KindRetain:
		return json.Marshal(struct {
			Retain     int        `json:"retain"`
			Attributes Attributes `json:"attributes,omitempty"`
		}{op.Count, attrs})
	case KindInsert:
		return json.Marshal(struct {
			Insert     string     `json:"insert"`
			Attributes Attributes `json:"attributes,omitempty"`
		}{op.Text, attrs})
	case KindDelete:
		return json.Marshal(struct {
			Delete int `json:"delete"`
		}{op.Count})
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
}

func (op *Op) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	// insert/retain/delete 必须且只能出现一个
	set := 0
	if len(w.Insert) > 0 && !bytes.Equal(w.Insert, []byte("null")) {
		set++
	}
	if w.Retain != nil {
		set++
	}
	if w.Delete != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: expect exactly one of insert/retain/delete", ErrInvalidOp)
	}

	switch {
	case w.Retain != nil:
		if *w.Retain < 0 {
			return fmt.Errorf("%w: negative retain %d", ErrInvalidOp, *w.Retain)
		}
		*op = Op{Kind: KindRetain, Count: *w.Retain, Attrs: w.Attributes.Clone()}
	case w.Delete != nil:
		if *w.Delete < 0 {
			return fmt.Errorf("%w: negative delete %d", ErrInvalidOp, *w.Delete)
		}
		if len(w.Attributes) > 0 {
			return fmt.Errorf("%w: delete carries attributes", ErrInvalidOp)
		}
		*op = Op{Kind: KindDelete, Count: *w.Delete}
	default:
		// 只支持文本插入，embed（对象）不支持
		var text string
		if err := json.Unmarshal(w.Insert, &text); err != nil {
			return fmt.Errorf("%w: insert must be a string", ErrInvalidOp)
		}
		*op = Op{Kind: KindInsert, Text: text, Attrs: w.Attributes.Clone()}
	}
	return nil
}

// InsertLen 返回所有 insert 的字符总数
func (d Delta) InsertLen() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindInsert {
			n += op.Len()
		}
	}
	return n
}

// Compact 合并相邻的同类操作（属性相同才合并），丢弃长度为 0 的操作
func (d Delta) Compact() Delta {
	out := make(Delta, 0, len(d))
	for _, op := range d {
		if op.Len() == 0 {
			continue
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Kind == op.Kind && last.Attrs.Equal(op.Attrs) {
				switch op.Kind {
				case KindInsert:
					last.Text += op.Text
					continue
				case KindRetain, KindDelete:
					last.Count += op.Count
					continue
				}
			}
		}
		out = append(out, op)
	}
	return out
}
