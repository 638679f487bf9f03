package crdt

import (
	"fmt"
	"strconv"
	"strings"
)

// 容器类型（闭集合）。引擎只会创建 Text，其余类型只用于解析外部传入的容器 ID
type ContainerType int

const (
	ContainerText ContainerType = iota
	ContainerMap
	ContainerList
	ContainerMovableList
	ContainerTree
	ContainerCounter
)

var containerTypeNames = [...]string{
	ContainerText:        "Text",
	ContainerMap:         "Map",
	ContainerList:        "List",
	ContainerMovableList: "MovableList",
	ContainerTree:        "Tree",
	ContainerCounter:     "Counter",
}

func (t ContainerType) String() string {
	if int(t) < 0 || int(t) >= len(containerTypeNames) {
		return "Unknown(" + strconv.Itoa(int(t)) + ")"
	}
	return containerTypeNames[t]
}

func parseContainerType(s string) (ContainerType, bool) {
	for i, name := range containerTypeNames {
		if name == s {
			return ContainerType(i), true
		}
	}
	return 0, false
}

// ContainerID 标识文档内的一个容器。
//
//	root:   cid:root-<name>:<Type>
//	normal: cid:<counter>@<peer>:<Type>
type ContainerID struct {
	Root    bool
	Name    string // 仅 root
	Peer    PeerID // 仅 normal
	Counter int32  // 仅 normal
	Type    ContainerType
}

func NewRootID(name string, t ContainerType) ContainerID {
	return ContainerID{Root: true, Name: name, Type: t}
}

func (id ContainerID) String() string {
	if id.Root {
		return "cid:root-" + id.Name + ":" + id.Type.String()
	}
	return fmt.Sprintf("cid:%d@%d:%s", id.Counter, id.Peer, id.Type)
}

// DisplayName 对 root 容器返回名字，其它容器返回完整 ID
func (id ContainerID) DisplayName() string {
	if id.Root {
		return id.Name
	}
	return id.String()
}

func ParseContainerID(s string) (ContainerID, error) {
	rest, ok := strings.CutPrefix(s, "cid:")
	if !ok {
		return ContainerID{}, fmt.Errorf("%w: %q", ErrInvalidContainerID, s)
	}
	sep := strings.LastIndexByte(rest, ':')
	if sep < 0 {
		return ContainerID{}, fmt.Errorf("%w: %q missing type", ErrInvalidContainerID, s)
	}
	typ, ok := parseContainerType(rest[sep+1:])
	if !ok {
		return ContainerID{}, fmt.Errorf("%w: %q unknown type", ErrInvalidContainerID, s)
	}
	body := rest[:sep]

	if name, ok := strings.CutPrefix(body, "root-"); ok {
		if name == "" {
			return ContainerID{}, fmt.Errorf("%w: %q empty root name", ErrInvalidContainerID, s)
		}
		return NewRootID(name, typ), nil
	}

	counterStr, peerStr, ok := strings.Cut(body, "@")
	if !ok {
		return ContainerID{}, fmt.Errorf("%w: %q", ErrInvalidContainerID, s)
	}
	counter, err := strconv.ParseInt(counterStr, 10, 32)
	if err != nil {
		return ContainerID{}, fmt.Errorf("%w: %q bad counter", ErrInvalidContainerID, s)
	}
	peer, err := strconv.ParseUint(peerStr, 10, 64)
	if err != nil {
		return ContainerID{}, fmt.Errorf("%w: %q bad peer", ErrInvalidContainerID, s)
	}
	return ContainerID{Peer: PeerID(peer), Counter: int32(counter), Type: typ}, nil
}
