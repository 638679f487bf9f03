package crdt

import (
	"errors"
	"math"
	"testing"
	"time"

	"collabBridge/backend/internal/ot/delta"
)

func newTestDoc(t *testing.T, peer PeerID) (*Doc, *TextHandler) {
	t.Helper()
	d := NewDoc(WithPeerID(peer))
	text, err := d.GetTextByName("body")
	if err != nil {
		t.Fatalf("GetTextByName() error = %v", err)
	}
	return d, text
}

func collect(d *Doc) *[]DiffEvent {
	var events []DiffEvent
	d.SubscribeRoot(func(e DiffEvent) { events = append(events, e) })
	return &events
}

func TestDoc_InsertEmitsReplace(t *testing.T) {
	d, text := newTestDoc(t, 1)
	events := collect(d)

	err := d.Transact("userA", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("Hello", nil)})
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	if len(*events) != 1 {
		t.Fatalf("events = %d, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.Origin != "userA" || !ev.Local {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.Diffs) != 1 || ev.Diffs[0].ID.String() != "cid:root-body:Text" {
		t.Fatalf("diffs = %+v", ev.Diffs)
	}
	diff := ev.Diffs[0].Diff.(TextDiff)
	if len(diff) != 1 {
		t.Fatalf("diff = %+v", diff)
	}
	r, ok := diff[0].(Replace)
	if !ok || r.Value != "Hello" || r.Delete != 0 || !r.Attr.IsEmpty() {
		t.Fatalf("diff[0] = %+v", diff[0])
	}
}

func TestDoc_RetainThenInsert(t *testing.T) {
	d, text := newTestDoc(t, 1)
	_ = d.Transact("userA", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("Hello", nil)})
	})
	events := collect(d)

	err := d.Transact("userA", func() error {
		return text.ApplyDelta(delta.Delta{delta.Retain(5, nil), delta.Insert(" World", nil)})
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	diff := (*events)[0].Diffs[0].Diff.(TextDiff)
	if len(diff) != 2 {
		t.Fatalf("diff = %+v", diff)
	}
	if r, ok := diff[0].(Retain); !ok || r.Len != 5 || !r.Attr.IsEmpty() {
		t.Fatalf("diff[0] = %+v", diff[0])
	}
	if r, ok := diff[1].(Replace); !ok || r.Value != " World" {
		t.Fatalf("diff[1] = %+v", diff[1])
	}
	if got := text.String(); got != "Hello World" {
		t.Fatalf("String() = %q", got)
	}
}

func TestDoc_ReplaceGroupsInsertAndDelete(t *testing.T) {
	d, text := newTestDoc(t, 1)
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("abcdef", nil)})
	})
	events := collect(d)

	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Retain(1, nil), delta.Delete(2), delta.Insert("XY", nil)})
	})
	diff := (*events)[0].Diffs[0].Diff.(TextDiff)
	if len(diff) != 2 {
		t.Fatalf("diff = %+v", diff)
	}
	r, ok := diff[1].(Replace)
	if !ok || r.Value != "XY" || r.Delete != 2 {
		t.Fatalf("diff[1] = %+v", diff[1])
	}
	if got := text.String(); got != "aXYdef" {
		t.Fatalf("String() = %q", got)
	}
}

func TestDoc_ExpandAfterInheritsStyle(t *testing.T) {
	d, text := newTestDoc(t, 1)
	d.ConfigTextStyle(StyleConfigMap{"bold": {Expand: ExpandAfter}})
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("Hi", delta.Attributes{"bold": true})})
	})
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Retain(2, nil), delta.Insert("!", nil)})
	})

	v := text.GetRichTextValue()
	if len(v) != 1 || v[0].Text != "Hi!" || v[0].Attrs["bold"] != true {
		t.Fatalf("GetRichTextValue() = %+v", v)
	}
}

func TestDoc_ExpandNoneDoesNotInherit(t *testing.T) {
	d, text := newTestDoc(t, 1)
	d.ConfigTextStyle(StyleConfigMap{"link": {Expand: ExpandNone}})
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("go", delta.Attributes{"link": "https://go.dev"})})
	})
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Retain(2, nil), delta.Insert("!", nil)})
	})
	v := text.GetRichTextValue()
	if len(v) != 2 || v[1].Text != "!" || v[1].Attrs != nil {
		t.Fatalf("GetRichTextValue() = %+v", v)
	}
}

func TestDoc_RetainAttributesEmitStyleChange(t *testing.T) {
	d, text := newTestDoc(t, 1)
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("Hello", nil)})
	})
	events := collect(d)
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Retain(1, nil), delta.Retain(3, delta.Attributes{"italic": true})})
	})
	diff := (*events)[0].Diffs[0].Diff.(TextDiff)
	if len(diff) != 2 {
		t.Fatalf("diff = %+v", diff)
	}
	r, ok := diff[1].(Retain)
	if !ok || r.Len != 3 || r.Attr["italic"] != true {
		t.Fatalf("diff[1] = %+v", diff[1])
	}
}

func TestDoc_InvalidDeltaAppliesNothing(t *testing.T) {
	d, text := newTestDoc(t, 1)
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("abc", nil)})
	})
	before := d.StateVV()
	events := collect(d)

	err := d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("zz", nil), delta.Retain(10, nil)})
	})
	if !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("Transact() error = %v, want ErrInvalidDelta", err)
	}
	if text.String() != "abc" || len(*events) != 0 {
		t.Fatalf("state changed: %q, events %d", text.String(), len(*events))
	}
	if after := d.StateVV(); after[1] != before[1] {
		t.Fatalf("vv changed: %v -> %v", before, after)
	}
}

func TestDoc_TransactRollback(t *testing.T) {
	d, text := newTestDoc(t, 1)
	_ = d.Transact("", func() error { return text.Insert(0, "keep") })
	boom := errors.New("boom")

	err := d.Transact("", func() error {
		_ = text.Insert(4, " me")
		_ = text.Delete(0, 2)
		_ = text.Mark(0, 2, "bold", true)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transact() error = %v", err)
	}
	v := text.GetRichTextValue()
	if len(v) != 1 || v[0].Text != "keep" || v[0].Attrs != nil {
		t.Fatalf("GetRichTextValue() = %+v", v)
	}

	// 回滚后 counter 复用，导出的 change 仍然连续
	_ = d.Transact("", func() error { return text.Insert(4, "!") })
	other := NewDoc(WithPeerID(2))
	if err := other.Import(d.ExportFrom(VersionVector{})); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	ot, _ := other.GetTextByName("body")
	if ot.String() != "keep!" {
		t.Fatalf("imported = %q", ot.String())
	}
}

func TestDoc_GetTextRejectsOtherKinds(t *testing.T) {
	d := NewDoc()
	_, err := d.GetText(NewRootID("meta", ContainerMap))
	if !errors.Is(err, ErrInvalidContainer) {
		t.Fatalf("GetText() error = %v, want ErrInvalidContainer", err)
	}
	_, err = d.GetText(ContainerID{Peer: 7, Counter: 3, Type: ContainerText})
	if !errors.Is(err, ErrInvalidContainer) {
		t.Fatalf("GetText() error = %v, want ErrInvalidContainer", err)
	}
}

func TestDoc_ExportImportConverges(t *testing.T) {
	a, ta := newTestDoc(t, 1)
	var pre VersionVector
	_ = a.Transact("userA", func() error {
		pre = a.StateVV()
		return ta.ApplyDelta(delta.Delta{delta.Insert("Hello", delta.Attributes{"bold": true})})
	})
	update := a.ExportFrom(pre)

	b, tb := newTestDoc(t, 2)
	events := collect(b)
	if err := b.ImportWith(update, "remote"); err != nil {
		t.Fatalf("ImportWith() error = %v", err)
	}
	if len(*events) != 1 || (*events)[0].Origin != "remote" || (*events)[0].Local {
		t.Fatalf("events = %+v", *events)
	}
	if tb.String() != "Hello" || tb.GetRichTextValue()[0].Attrs["bold"] != true {
		t.Fatalf("imported = %+v", tb.GetRichTextValue())
	}

	// 重复导入不产生事件
	if err := b.Import(update); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(*events) != 1 {
		t.Fatalf("duplicate import emitted %d events", len(*events)-1)
	}
}

func TestDoc_ConcurrentInsertsConverge(t *testing.T) {
	a, ta := newTestDoc(t, 1)
	_ = a.Transact("", func() error { return ta.Insert(0, "ac") })
	b, tb := newTestDoc(t, 2)
	if err := b.Import(a.ExportFrom(VersionVector{})); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	preA, preB := a.StateVV(), b.StateVV()
	_ = a.Transact("", func() error { return ta.Insert(1, "X") })
	_ = b.Transact("", func() error { return tb.Insert(1, "Y") })
	_ = b.Transact("", func() error { return tb.Delete(0, 1) })

	if err := a.Import(b.ExportFrom(preB)); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if err := b.Import(a.ExportFrom(preA)); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if ta.String() != tb.String() {
		t.Fatalf("diverged: %q vs %q", ta.String(), tb.String())
	}
	if len(ta.String()) != 3 {
		t.Fatalf("String() = %q", ta.String())
	}
}

func TestDoc_ImportBuffersMissingDeps(t *testing.T) {
	a, ta := newTestDoc(t, 1)
	_ = a.Transact("", func() error { return ta.Insert(0, "ab") })
	mid := a.StateVV()
	first := a.ExportFrom(VersionVector{})
	_ = a.Transact("", func() error { return ta.Insert(2, "cd") })
	second := a.ExportFrom(mid)

	b, tb := newTestDoc(t, 2)
	if err := b.Import(second); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if tb.String() != "" {
		t.Fatalf("applied out of order: %q", tb.String())
	}
	if err := b.Import(first); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if tb.String() != "abcd" {
		t.Fatalf("String() = %q", tb.String())
	}
}

func TestDoc_ImportRejectsGarbage(t *testing.T) {
	d := NewDoc()
	if err := d.Import([]byte("not zstd")); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("Import() error = %v, want ErrInvalidUpdate", err)
	}
}

func TestDoc_ContainerSubscription(t *testing.T) {
	d, body := newTestDoc(t, 1)
	title, _ := d.GetTextByName("title")
	var got []DiffEvent
	id := d.Subscribe(title.ID(), func(e DiffEvent) { got = append(got, e) })

	_ = d.Transact("", func() error { return body.Insert(0, "x") })
	_ = d.Transact("", func() error { return title.Insert(0, "T") })
	if len(got) != 1 || got[0].Diffs[0].ID != title.ID() {
		t.Fatalf("events = %+v", got)
	}

	if !d.Unsubscribe(id) {
		t.Fatalf("Unsubscribe() = false")
	}
	if d.Unsubscribe(id) {
		t.Fatalf("second Unsubscribe() = true")
	}
	_ = d.Transact("", func() error { return title.Insert(1, "i") })
	if len(got) != 1 {
		t.Fatalf("delivered after unsubscribe")
	}
}

func TestDoc_EventsDeliveredInCommitOrder(t *testing.T) {
	d, text := newTestDoc(t, 1)
	var origins []string
	d.SubscribeRoot(func(e DiffEvent) {
		origins = append(origins, e.Origin)
		if e.Origin == "first" {
			// 在回调里再提交：事件排队，等当前回调结束后派发
			_ = text.Insert(text.Len(), "!")
			d.CommitWith(CommitOptions{Origin: "nested"})
		}
	})
	_ = d.Transact("first", func() error { return text.Insert(0, "a") })
	if len(origins) != 2 || origins[0] != "first" || origins[1] != "nested" {
		t.Fatalf("origins = %v", origins)
	}
}

func TestDoc_ReplayMatchesEngine(t *testing.T) {
	d, text := newTestDoc(t, 1)
	d.ConfigTextStyle(StyleConfigMap{"bold": {Expand: ExpandAfter}})
	_ = d.Transact("", func() error {
		return text.ApplyDelta(delta.Delta{delta.Insert("Hello World", nil)})
	})
	before := text.GetRichTextValue()
	events := collect(d)

	change := delta.Delta{
		delta.Retain(2, delta.Attributes{"bold": true}),
		delta.Insert("++", nil),
		delta.Delete(3),
		delta.Retain(2, nil),
		delta.Insert("x", delta.Attributes{"italic": true}),
	}
	if err := d.Transact("", func() error { return text.ApplyDelta(change) }); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	var ext delta.Delta
	for _, item := range (*events)[0].Diffs[0].Diff.(TextDiff) {
		switch v := item.(type) {
		case Retain:
			ext = append(ext, delta.Retain(v.Len, delta.Attributes(v.Attr)))
		case Replace:
			if v.Value != "" {
				ext = append(ext, delta.Insert(v.Value, delta.Attributes(v.Attr)))
			}
			if v.Delete > 0 {
				ext = append(ext, delta.Delete(v.Delete))
			}
		}
	}
	replayed, err := delta.Apply(before, ext)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := text.GetRichTextValue()
	if len(replayed) != len(want) {
		t.Fatalf("replayed = %+v, want %+v", replayed, want)
	}
	for i := range want {
		if replayed[i].Text != want[i].Text || !replayed[i].Attrs.Equal(want[i].Attrs) {
			t.Fatalf("replayed[%d] = %+v, want %+v", i, replayed[i], want[i])
		}
	}
}

func TestDoc_HugeCountsAreInvalidDelta(t *testing.T) {
	d, text := newTestDoc(t, 1)
	_ = d.Transact("", func() error { return text.Insert(0, "Hi") })
	cases := []delta.Delta{
		{delta.Retain(1, nil), delta.Delete(math.MaxInt)},
		{delta.Retain(math.MaxInt, nil)},
		{delta.Retain(1, delta.Attributes{"bold": true}), delta.Retain(math.MaxInt, delta.Attributes{"bold": true})},
	}
	for _, dl := range cases {
		err := d.Transact("", func() error { return text.ApplyDelta(dl) })
		if !errors.Is(err, ErrInvalidDelta) {
			t.Fatalf("ApplyDelta(%+v) error = %v, want ErrInvalidDelta", dl, err)
		}
	}
	if err := text.Delete(1, math.MaxInt); !errors.Is(err, ErrIndexOutOfBound) {
		t.Fatalf("Delete() error = %v, want ErrIndexOutOfBound", err)
	}
	if text.String() != "Hi" {
		t.Fatalf("text = %q", text.String())
	}
}

func TestDoc_SubscriberCanTransactAgain(t *testing.T) {
	d, text := newTestDoc(t, 1)
	var origins []string
	d.SubscribeRoot(func(e DiffEvent) {
		origins = append(origins, e.Origin)
		if e.Origin == "userA" {
			err := d.Transact("echo", func() error {
				return text.ApplyDelta(delta.Delta{delta.Retain(text.Len(), nil), delta.Insert("!", nil)})
			})
			if err != nil {
				t.Errorf("nested Transact() error = %v", err)
			}
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- d.Transact("userA", func() error { return text.Insert(0, "Hi") })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Transact() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Transact() did not return")
	}
	if text.String() != "Hi!" {
		t.Fatalf("text = %q", text.String())
	}
	if len(origins) != 2 || origins[0] != "userA" || origins[1] != "echo" {
		t.Fatalf("origins = %v", origins)
	}
}

func TestDoc_ImportOwnPeerThenEdit(t *testing.T) {
	a, ta := newTestDoc(t, 7)
	_ = a.Transact("", func() error { return ta.ApplyDelta(delta.Delta{delta.Insert("Hello", nil)}) })

	// 同一个 peer id 重启后从归档恢复
	b, tb := newTestDoc(t, 7)
	if err := b.Import(a.ExportFrom(VersionVector{})); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	pre := b.StateVV()
	err := b.Transact("", func() error {
		return tb.ApplyDelta(delta.Delta{delta.Retain(5, nil), delta.Insert(" World", nil)})
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	if tb.String() != "Hello World" {
		t.Fatalf("text = %q, want %q", tb.String(), "Hello World")
	}

	// 新的 change 接在已导入的之后，对端能合并
	if err := a.Import(b.ExportFrom(pre)); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if ta.String() != "Hello World" {
		t.Fatalf("merged = %q", ta.String())
	}
}

func TestDoc_SubscribeWithIDKnowsItsID(t *testing.T) {
	d, body := newTestDoc(t, 1)
	var seen []SubID
	id := d.SubscribeWithID(body.ID(), func(id SubID) Subscriber {
		return func(DiffEvent) { seen = append(seen, id) }
	})
	_ = d.Transact("", func() error { return body.Insert(0, "x") })
	if id == 0 || len(seen) != 1 || seen[0] != id {
		t.Fatalf("seen = %v, id = %d", seen, id)
	}
}
