package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"collabBridge/backend/internal/metrics"
)

// KafkaDispatcher：把导出的 change-set 转发到 kafka。本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主提交流程（ApplyDelta 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan ChangeSetEvent
	wg    sync.WaitGroup
	// closed 之后 Enqueue 直接返回错误；持读锁发送，Close 持写锁关闭队列
	mu     sync.RWMutex
	closed bool

	// sem 限制并发的 SendMessage 数量。
	kafkatSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkatSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan ChangeSetEvent, opt.QueueSize),
		kafkatSem:   kafkatSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误 （kafka不要求强一致性，不是每个事件都必须送达）
// - Close 之后返回 ErrDispatcherClosed
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt ChangeSetEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.KafkaDropped.Inc()
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		metrics.KafkaDropped.Inc()
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) Start() {
	workers := d.workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等队列里剩下的事件发送完（或放弃）后返回。
// 可以重复调用
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt ChangeSetEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkatSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkatSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkatSem != nil {
			_ = d.kafkatSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop change-set doc=%s origin=%s bytes=%d worker=%d err=%v",
				evt.DocID, evt.Origin, len(evt.Update), workerID, err)
			metrics.KafkaDropped.Inc()
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt ChangeSetEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
