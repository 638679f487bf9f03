package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

type opKind string

const (
	opInsert opKind = "insert"
	opDelete opKind = "delete"
	opMark   opKind = "mark"
)

// IDSpan：同一 peer 下 [Start, End) 的连续 counter
type IDSpan struct {
	Peer  PeerID `json:"p"`
	Start int32  `json:"s"`
	End   int32  `json:"e"`
}

// op 是 change 内部的原子操作。
// insert 占用 rune 数个 counter；delete/mark 各占用 1 个
type op struct {
	Container string `json:"c"`
	Kind      opKind `json:"k"`
	Counter   int32  `json:"n"`
	Lamport   uint32 `json:"l"`

	// insert
	Origin *ID            `json:"o,omitempty"`
	Text   string         `json:"t,omitempty"`
	Styles map[string]any `json:"s,omitempty"`

	// mark
	Key   string `json:"key,omitempty"`
	Value any    `json:"val,omitempty"`

	// delete / mark
	Targets []IDSpan `json:"r,omitempty"`
}

func (o *op) atomLen() int32 {
	if o.Kind == opInsert {
		return int32(utf8.RuneCountInString(o.Text))
	}
	return 1
}

// Change 是一次提交产生的操作集合
type Change struct {
	Peer      PeerID    `json:"peer"`
	Counter   int32     `json:"ctr"`
	Lamport   uint32    `json:"lamport"`
	Deps      Frontiers `json:"deps,omitempty"`
	Timestamp int64     `json:"ts"`
	Ops       []op      `json:"ops"`
}

func (c *Change) atomLen() int32 {
	var n int32
	for i := range c.Ops {
		n += c.Ops[i].atomLen()
	}
	return n
}

func (c *Change) End() int32 { return c.Counter + c.atomLen() }

// 把一组 ID 压缩成 span
func spansOf(ids []ID) []IDSpan {
	sorted := append([]ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Peer != sorted[j].Peer {
			return sorted[i].Peer < sorted[j].Peer
		}
		return sorted[i].Counter < sorted[j].Counter
	})
	var out []IDSpan
	for _, id := range sorted {
		if n := len(out); n > 0 && out[n-1].Peer == id.Peer && out[n-1].End == id.Counter {
			out[n-1].End++
			continue
		}
		out = append(out, IDSpan{Peer: id.Peer, Start: id.Counter, End: id.Counter + 1})
	}
	return out
}

const changeSetVersion = 1

type changeSet struct {
	Version int       `json:"v"`
	Changes []*Change `json:"changes"`
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func encodeChanges(changes []*Change) []byte {
	raw, err := json.Marshal(changeSet{Version: changeSetVersion, Changes: changes})
	if err != nil {
		// 只包含基础类型和样式值，序列化失败说明样式值里有不可序列化的东西
		panic(fmt.Sprintf("crdt: encode change set: %v", err))
	}
	return zstdEncoder.EncodeAll(raw, nil)
}

func decodeChanges(data []byte) ([]*Change, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	var cs changeSet
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if cs.Version != changeSetVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidUpdate, cs.Version)
	}
	return cs.Changes, nil
}
