// Package huly 把引擎内部的 diff 转成宿主 UI 使用的外部 delta 格式
package huly

import (
	"errors"
	"fmt"

	"collabBridge/backend/internal/crdt"
	"collabBridge/backend/internal/ot/delta"
)

// ErrUnsupportedContainerKind 表示收到了非文本容器的 diff。
// 这是内部约定被破坏，翻译时直接 panic
var ErrUnsupportedContainerKind = errors.New("UNSUPPORTED_CONTAINER_KIND")

const KindText = "text"

// DocDiff 是发给宿主的完整事件
type DocDiff struct {
	Origin string          `json:"origin"`
	DocID  string          `json:"docId"`
	Diff   []ContainerDiff `json:"diff"`
}

type ContainerDiff struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Diff delta.Delta `json:"diff"`
}

// Style 空集合返回 nil（序列化时省略 attributes 字段）
func Style(attrs crdt.StyleMeta) delta.Attributes {
	if attrs.IsEmpty() {
		return nil
	}
	return delta.Attributes(attrs.ToJSONValue())
}

// TranslateTextDiffItem 把一个 diff 片段转成 0~2 个外部操作。
// Replace 固定先 insert 后 delete；两者都为空时不输出
func TranslateTextDiffItem(item crdt.TextDiffItem) []delta.Op {
	switch v := item.(type) {
	case crdt.Retain:
		return []delta.Op{delta.Retain(v.Len, Style(v.Attr))}
	case crdt.Replace:
		ops := make([]delta.Op, 0, 2)
		if v.Value != "" {
			ops = append(ops, delta.Insert(v.Value, Style(v.Attr)))
		}
		if v.Delete > 0 {
			ops = append(ops, delta.Delete(v.Delete))
		}
		return ops
	default:
		panic(fmt.Sprintf("huly: unknown text diff item %T", item))
	}
}

func TranslateTextDiff(diff crdt.TextDiff) delta.Delta {
	out := make(delta.Delta, 0, len(diff))
	for _, item := range diff {
		out = append(out, TranslateTextDiffItem(item)...)
	}
	return out
}

func TranslateContainerDiff(cd crdt.ContainerDiff) ContainerDiff {
	switch cd.ID.Type {
	case crdt.ContainerText:
		diff, ok := cd.Diff.(crdt.TextDiff)
		if !ok {
			panic(fmt.Errorf("%w: %s carries %T", ErrUnsupportedContainerKind, cd.ID, cd.Diff))
		}
		return ContainerDiff{ID: cd.ID.DisplayName(), Type: KindText, Diff: TranslateTextDiff(diff)}
	case crdt.ContainerMap, crdt.ContainerList, crdt.ContainerMovableList, crdt.ContainerTree, crdt.ContainerCounter:
		panic(fmt.Errorf("%w: %s", ErrUnsupportedContainerKind, cd.ID.Type))
	default:
		panic(fmt.Errorf("%w: %s", ErrUnsupportedContainerKind, cd.ID.Type))
	}
}

func TranslateDocDiff(docID string, ev crdt.DiffEvent) DocDiff {
	out := DocDiff{Origin: ev.Origin, DocID: docID, Diff: make([]ContainerDiff, 0, len(ev.Diffs))}
	for _, cd := range ev.Diffs {
		out.Diff = append(out.Diff, TranslateContainerDiff(cd))
	}
	return out
}
