package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"collabBridge/backend/internal/crdt"
	"collabBridge/backend/internal/huly"
	"collabBridge/backend/internal/metrics"
	"collabBridge/backend/internal/ot/delta"
)

var ErrSubscriptionNotFound = errors.New("SUBSCRIPTION_NOT_FOUND")

// ChangeSink 接收 ApplyDelta 导出的 change-set（kafka 转发）
type ChangeSink interface {
	Enqueue(ctx context.Context, evt ChangeSetEvent) error
}

// UpdateArchive 持久化导出的 change-set
type UpdateArchive interface {
	SaveUpdate(ctx context.Context, docID, origin string, update []byte, version string) error
}

// Service 是对外的命令入口，HTTP 和 websocket 都调用它
type Service struct {
	registry *Registry
	emitter  Emitter
	relay    ChangeSink
	archive  UpdateArchive

	enqueueTimeout time.Duration
	bg             sync.WaitGroup
}

type ServiceOptions struct {
	Relay   ChangeSink
	Archive UpdateArchive
	// 往 relay 入队的最长等待
	EnqueueTimeout time.Duration
}

func NewService(registry *Registry, opt ServiceOptions) *Service {
	timeout := opt.EnqueueTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &Service{
		registry:       registry,
		emitter:        registry.emitter,
		relay:          opt.Relay,
		archive:        opt.Archive,
		enqueueTimeout: timeout,
	}
}

func (s *Service) Registry() *Registry { return s.registry }

// Close 等待后台归档写完
func (s *Service) Close() { s.bg.Wait() }

var tracer = otel.Tracer("collab")

func startSpan(ctx context.Context, name, docID string) (context.Context, trace.Span, *prometheus.Timer) {
	ctx, span := tracer.Start(ctx, "collab.Service."+name,
		trace.WithAttributes(attribute.String("doc_id", docID)))
	return ctx, span, prometheus.NewTimer(metrics.CommandDuration.WithLabelValues(name))
}

func endSpan(span trace.Span, timer *prometheus.Timer, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	timer.ObserveDuration()
	span.End()
}

// ResolveContainer 把 path 解析成容器 id：
// "cid:" 开头按完整容器 id 解析，否则当作 root 文本容器的名字
func ResolveContainer(path string) (crdt.ContainerID, error) {
	if strings.HasPrefix(path, "cid:") {
		return crdt.ParseContainerID(path)
	}
	if path == "" {
		return crdt.ContainerID{}, fmt.Errorf("%w: empty path", crdt.ErrInvalidContainerID)
	}
	return crdt.NewRootID(path, crdt.ContainerText), nil
}

func (s *Service) text(docID, path string) (*crdt.Doc, *crdt.TextHandler, error) {
	cid, err := ResolveContainer(path)
	if err != nil {
		return nil, nil, err
	}
	doc := s.registry.GetOrCreate(docID)
	text, err := doc.GetText(cid)
	if err != nil {
		return nil, nil, err
	}
	return doc, text, nil
}

// GetTextValue 返回容器当前的富文本值，不修改文档
func (s *Service) GetTextValue(ctx context.Context, docID, path string) (value delta.Delta, err error) {
	_, span, timer := startSpan(ctx, "GetTextValue", docID)
	defer func() { endSpan(span, timer, err) }()

	_, text, err := s.text(docID, path)
	if err != nil {
		return nil, err
	}
	return text.GetRichTextValue(), nil
}

// ApplyDelta 应用 delta 并以 origin 提交。返回前 doc-diff 已经派发；
// 返回值是提交前版本之后的全部 change（可直接 Import 到其它副本）
func (s *Service) ApplyDelta(ctx context.Context, docID, path, origin string, d delta.Delta) (update []byte, err error) {
	ctx, span, timer := startSpan(ctx, "ApplyDelta", docID)
	span.SetAttributes(attribute.String("origin", origin), attribute.Int("ops", len(d)))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.DeltasApplied.WithLabelValues(result).Inc()
		endSpan(span, timer, err)
	}()

	doc, text, err := s.text(docID, path)
	if err != nil {
		return nil, err
	}

	var pre crdt.VersionVector
	err = doc.Transact(origin, func() error {
		pre = doc.StateVV()
		return text.ApplyDelta(d)
	})
	if err != nil {
		return nil, err
	}

	update = doc.ExportFrom(pre)
	metrics.ChangeSetBytes.Observe(float64(len(update)))
	span.SetAttributes(attribute.Int("update_bytes", len(update)))
	s.handOff(ctx, docID, origin, update, doc.StateVV())
	return update, nil
}

// handOff 把 change-set 交给 kafka 和归档，不等待它们完成
func (s *Service) handOff(ctx context.Context, docID, origin string, update []byte, vv crdt.VersionVector) {
	if s.relay != nil {
		evt := ChangeSetEvent{
			EventType:  EventTypeChangeSetExported,
			DocID:      docID,
			Origin:     origin,
			Update:     update,
			Version:    vv,
			ExportedAt: time.Now(),
		}
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.enqueueTimeout)
		if err := s.relay.Enqueue(ectx, evt); err != nil {
			log.Printf("change-set relay enqueue failed doc=%s err=%v", docID, err)
		}
		cancel()
	}

	if s.archive != nil {
		version, _ := json.Marshal(vv)
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.archive.SaveUpdate(context.Background(), docID, origin, update, string(version)); err != nil {
				log.Printf("archive change-set failed doc=%s err=%v", docID, err)
			}
		}()
	}
}

// Subscribe 为 containerID 安装一个额外的订阅，事件以 container-diff 推送。
// containerID 必须是完整的容器 id
func (s *Service) Subscribe(ctx context.Context, docID, containerID string) (id uint32, err error) {
	_, span, timer := startSpan(ctx, "Subscribe", docID)
	defer func() { endSpan(span, timer, err) }()

	cid, err := crdt.ParseContainerID(containerID)
	if err != nil {
		return 0, err
	}
	doc := s.registry.GetOrCreate(docID)

	emitter := s.emitter
	sid := doc.SubscribeWithID(cid, func(id crdt.SubID) crdt.Subscriber {
		return func(ev crdt.DiffEvent) {
			payload := ContainerDiffEvent{SubscriptionID: uint32(id), Payload: huly.TranslateDocDiff(docID, ev)}
			emitter.Emit(docID, EventContainerDiff, payload)
			metrics.DiffsEmitted.WithLabelValues(EventContainerDiff).Inc()
		}
	})
	return uint32(sid), nil
}

// Unsubscribe 取消 Subscribe 返回的订阅。root 订阅不能取消
func (s *Service) Unsubscribe(ctx context.Context, docID string, id uint32) (err error) {
	_, span, timer := startSpan(ctx, "Unsubscribe", docID)
	defer func() { endSpan(span, timer, err) }()

	e, ok := s.registry.lookup(docID)
	if !ok || crdt.SubID(id) == e.sub || !e.doc.Unsubscribe(crdt.SubID(id)) {
		return fmt.Errorf("%w: doc=%s id=%d", ErrSubscriptionNotFound, docID, id)
	}
	return nil
}

// Import 应用其它副本导出的 change-set，事件的 origin 为传入的 origin
func (s *Service) Import(ctx context.Context, docID, origin string, update []byte) (err error) {
	_, span, timer := startSpan(ctx, "Import", docID)
	span.SetAttributes(attribute.Int("update_bytes", len(update)))
	defer func() { endSpan(span, timer, err) }()

	return s.registry.GetOrCreate(docID).ImportWith(update, origin)
}

type VersionInfo struct {
	VV        crdt.VersionVector `json:"vv"`
	Frontiers crdt.Frontiers     `json:"frontiers"`
}

func (s *Service) Version(ctx context.Context, docID string) (_ VersionInfo, err error) {
	_, span, timer := startSpan(ctx, "Version", docID)
	defer func() { endSpan(span, timer, err) }()

	doc := s.registry.GetOrCreate(docID)
	return VersionInfo{VV: doc.StateVV(), Frontiers: doc.Frontiers()}, nil
}
