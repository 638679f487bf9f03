package crdt

import "sort"

type PeerID uint64

// ID 唯一标识一个操作单元（一个字符/一次删除/一次标记）
type ID struct {
	Peer    PeerID `json:"p"`
	Counter int32  `json:"c"`
}

// lamport 相同时用 peer 打破平局，得到全序
func idGreater(lamportA uint32, peerA PeerID, lamportB uint32, peerB PeerID) bool {
	if lamportA != lamportB {
		return lamportA > lamportB
	}
	return peerA > peerB
}

// VersionVector: peer -> 已知的下一个 counter（开区间终点）
type VersionVector map[PeerID]int32

func (vv VersionVector) Includes(id ID) bool {
	return id.Counter < vv[id.Peer]
}

func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for p, c := range vv {
		out[p] = c
	}
	return out
}

func (vv VersionVector) extend(peer PeerID, end int32) {
	if vv[peer] < end {
		vv[peer] = end
	}
}

// Frontiers 是版本 DAG 的“最新端点”集合
type Frontiers []ID

func (f Frontiers) sorted() Frontiers {
	out := append(Frontiers(nil), f...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].Counter < out[j].Counter
	})
	return out
}

// advance：应用一个 change 后更新 frontiers
func (f Frontiers) advance(deps Frontiers, last ID) Frontiers {
	out := make(Frontiers, 0, len(f)+1)
	for _, id := range f {
		if id.Peer == last.Peer {
			continue
		}
		covered := false
		for _, d := range deps {
			if d == id {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, id)
		}
	}
	return append(out, last).sorted()
}
