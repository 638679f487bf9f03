package crdt

// DiffEvent 是一次提交（本地事务或导入）之后派发给订阅者的事件
type DiffEvent struct {
	Origin string
	// Local 为 false 表示变更来自 Import
	Local bool
	Diffs []ContainerDiff
}

type ContainerDiff struct {
	ID   ContainerID
	Diff Diff
}

// Diff 是容器 diff 的闭集合；目前只有文本容器会产生 diff
type Diff interface {
	isDiff()
}

// TextDiff 是文本容器的 diff，按顺序由 Retain / Replace 组成
type TextDiff []TextDiffItem

func (TextDiff) isDiff() {}

type TextDiffItem interface {
	isTextDiffItem()
}

// Retain 跳过 Len 个字符；Attr 非空时表示这些字符的样式发生了变化
type Retain struct {
	Len  int
	Attr StyleMeta
}

// Replace 在当前位置插入 Value，随后删除 Delete 个字符
type Replace struct {
	Value  string
	Attr   StyleMeta
	Delete int
}

func (Retain) isTextDiffItem()  {}
func (Replace) isTextDiffItem() {}

type SubID uint32

// Subscriber 在提交线程上同步调用
type Subscriber func(e DiffEvent)

type subscription struct {
	id   SubID
	root bool
	cid  string
	fn   Subscriber
}

// filter 返回订阅者关心的那部分事件；没有相关内容时返回 false
func (s *subscription) filter(e DiffEvent) (DiffEvent, bool) {
	if s.root {
		return e, len(e.Diffs) > 0
	}
	var diffs []ContainerDiff
	for _, d := range e.Diffs {
		if d.ID.String() == s.cid {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) == 0 {
		return DiffEvent{}, false
	}
	return DiffEvent{Origin: e.Origin, Local: e.Local, Diffs: diffs}, true
}
