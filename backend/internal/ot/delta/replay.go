package delta

import (
	"errors"
	"fmt"
)

var ErrOutOfRange = errors.New("DELTA_OUT_OF_RANGE")

type richChar struct {
	r     rune
	attrs Attributes
}

// Apply 把 change 重放到 doc 上，doc 必须是只包含 insert 的“文档 delta”（富文本值）。
// 用来在宿主侧/测试中验证：事件里的 diff 重放后和引擎物化的结果一致。
func Apply(doc Delta, change Delta) (Delta, error) {
	chars := make([]richChar, 0, doc.InsertLen())
	for _, op := range doc {
		if op.Kind != KindInsert {
			return nil, fmt.Errorf("%w: document delta must only contain inserts", ErrInvalidOp)
		}
		for _, r := range op.Text {
			chars = append(chars, richChar{r: r, attrs: op.Attrs})
		}
	}

	out := make([]richChar, 0, len(chars)+change.InsertLen())
	pos := 0
	for _, op := range change {
		switch op.Kind {
		case KindRetain:
			if pos+op.Count > len(chars) {
				return nil, fmt.Errorf("%w: retain %d at %d, len %d", ErrOutOfRange, op.Count, pos, len(chars))
			}
			for _, c := range chars[pos : pos+op.Count] {
				if len(op.Attrs) > 0 {
					c.attrs = mergeAttrs(c.attrs, op.Attrs)
				}
				out = append(out, c)
			}
			pos += op.Count
		case KindInsert:
			attrs := mergeAttrs(nil, op.Attrs)
			for _, r := range op.Text {
				out = append(out, richChar{r: r, attrs: attrs})
			}
		case KindDelete:
			if pos+op.Count > len(chars) {
				return nil, fmt.Errorf("%w: delete %d at %d, len %d", ErrOutOfRange, op.Count, pos, len(chars))
			}
			pos += op.Count
		default:
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
		}
	}
	// 末尾隐式 retain
	out = append(out, chars[pos:]...)

	res := make(Delta, 0)
	for _, c := range out {
		res = append(res, Insert(string(c.r), c.attrs))
	}
	return res.Compact(), nil
}

// nil 值表示移除
func mergeAttrs(base, change Attributes) Attributes {
	out := make(Attributes, len(base)+len(change))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range change {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
