package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"collabBridge/backend/internal/huly"
	"collabBridge/backend/internal/ot/delta"
)

type emitted struct {
	docID   string
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) Emit(docID, event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, emitted{docID, event, payload})
	r.mu.Unlock()
}

func (r *recordingEmitter) byEvent(name string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitted
	for _, e := range r.events {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func TestRegistry_GetOrCreateConcurrent(t *testing.T) {
	em := &recordingEmitter{}
	reg := NewRegistry(em, RegistryOptions{})

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[any]int)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc := reg.GetOrCreate("doc1")
			mu.Lock()
			seen[doc]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 1 || reg.Len() != 1 {
		t.Fatalf("created %d documents, registry len %d", len(seen), reg.Len())
	}

	// 只装了一个 root 订阅：一次提交只产生一个 doc-diff
	svc := NewService(reg, ServiceOptions{})
	if _, err := svc.ApplyDelta(context.Background(), "doc1", "body", "userA", delta.Delta{delta.Insert("x", nil)}); err != nil {
		t.Fatalf("ApplyDelta() error = %v", err)
	}
	if got := len(em.byEvent(EventDocDiff)); got != 1 {
		t.Fatalf("doc-diff emitted %d times, want 1", got)
	}
}

func TestRegistry_IDs(t *testing.T) {
	reg := NewRegistry(nil, RegistryOptions{PeerID: 9})
	reg.GetOrCreate("b")
	reg.GetOrCreate("a")
	reg.GetOrCreate("b")
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("IDs() = %v", ids)
	}
	if p := reg.GetOrCreate("a").PeerID(); p != 9 {
		t.Fatalf("PeerID() = %d, want 9", p)
	}
}

func TestRegistry_EndToEndPayload(t *testing.T) {
	em := &recordingEmitter{}
	svc := NewService(NewRegistry(em, RegistryOptions{}), ServiceOptions{})
	ctx := context.Background()

	if _, err := svc.ApplyDelta(ctx, "doc1", "body", "userA", delta.Delta{delta.Insert("Hello", nil)}); err != nil {
		t.Fatalf("ApplyDelta() error = %v", err)
	}
	if _, err := svc.ApplyDelta(ctx, "doc1", "body", "userA", delta.Delta{delta.Retain(5, nil), delta.Insert(" World", nil)}); err != nil {
		t.Fatalf("ApplyDelta() error = %v", err)
	}

	events := em.byEvent(EventDocDiff)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	want := []string{
		`{"origin":"userA","docId":"doc1","diff":[{"id":"body","type":"text","diff":[{"insert":"Hello"}]}]}`,
		`{"origin":"userA","docId":"doc1","diff":[{"id":"body","type":"text","diff":[{"retain":5},{"insert":" World"}]}]}`,
	}
	for i, e := range events {
		if _, ok := e.payload.(huly.DocDiff); !ok {
			t.Fatalf("payload type = %T", e.payload)
		}
		raw, _ := json.Marshal(e.payload)
		if string(raw) != want[i] {
			t.Fatalf("event %d = %s\nwant %s", i, raw, want[i])
		}
	}
}
