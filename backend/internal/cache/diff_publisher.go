package cache

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DiffMessage 是发布到 redis 频道上的消息
type DiffMessage struct {
	Event   string          `json:"event"`
	DocID   string          `json:"docId"`
	Payload json.RawMessage `json:"payload"`
}

// RedisDiffPublisher 把发给宿主的事件同时发布到 redis，
// 供其它网关实例转发给各自的连接
type RedisDiffPublisher struct {
	rdb     *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisDiffPublisher(rdb *redis.Client, prefix string) *RedisDiffPublisher {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisDiffPublisher{rdb: rdb, prefix: strings.TrimSuffix(prefix, ":"), timeout: 200 * time.Millisecond}
}

// Emit 在提交线程上调用，失败只打日志
func (p *RedisDiffPublisher) Emit(docID, event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, docID, event, payload); err != nil {
		log.Printf("redis publish %s doc=%s failed: %v", event, docID, err)
	}
}

func (p *RedisDiffPublisher) Publish(ctx context.Context, docID, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(DiffMessage{Event: event, DocID: docID, Payload: raw})
	if err != nil {
		return err
	}
	tx := p.rdb.TxPipeline()
	tx.Publish(ctx, diffChannel(p.prefix, docID), msg)
	tx.ZAdd(ctx, activeDocsKey(p.prefix), redis.Z{Score: float64(time.Now().Unix()), Member: docID})
	_, err = tx.Exec(ctx)
	return err
}

// ActiveDocuments 返回 since 之后有过事件的文档，同时清理更早的记录
func (p *RedisDiffPublisher) ActiveDocuments(ctx context.Context, since time.Time) ([]string, error) {
	key := activeDocsKey(p.prefix)
	cutoff := strconv.FormatInt(since.Unix(), 10)
	if err := p.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
		return nil, err
	}
	return p.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
}

// Subscribe 订阅一个文档的事件频道。调用方负责关闭返回的 PubSub
func (p *RedisDiffPublisher) Subscribe(ctx context.Context, docID string) *redis.PubSub {
	return p.rdb.Subscribe(ctx, diffChannel(p.prefix, docID))
}
