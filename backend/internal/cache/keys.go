package cache

import "fmt"

// 键语义：
// - diffChannel(prefix, docID): 发布 doc-diff / container-diff 事件的频道（Pub/Sub）
// - activeDocsKey(prefix):      最近有事件的文档（ZSet<docID, lastEmitUnix>）

const (
	defaultPrefix    = "collab"
	keyDiffChanFmt   = "%s:diff:{docID:%s}"
	keyActiveDocsFmt = "%s:docs:active"
)

func diffChannel(prefix, docID string) string { return fmt.Sprintf(keyDiffChanFmt, prefix, docID) }
func activeDocsKey(prefix string) string      { return fmt.Sprintf(keyActiveDocsFmt, prefix) }
