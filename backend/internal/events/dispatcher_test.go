package events

import (
	"sync"
	"testing"
)

func TestDispatch_ByKind(t *testing.T) {
	d := NewDispatcher()

	var applied, moved int
	d.AddListener(KindOperationApplied, func(evt CollaborationEvent) { applied++ })
	d.AddListener(KindCursorMoved, func(evt CollaborationEvent) { moved++ })

	d.Dispatch(CollaborationEvent{Kind: KindOperationApplied, SessionID: "s1"})
	d.Dispatch(CollaborationEvent{Kind: KindOperationApplied, SessionID: "s1"})
	d.Dispatch(CollaborationEvent{Kind: KindCursorMoved, SessionID: "s1"})

	if applied != 2 || moved != 1 {
		t.Fatalf("applied=%d moved=%d, want 2/1", applied, moved)
	}
}

func TestDispatch_MultipleListenersSameKind(t *testing.T) {
	d := NewDispatcher()

	var a, b int
	d.AddListener(KindSessionEnded, func(evt CollaborationEvent) { a++ })
	d.AddListener(KindSessionEnded, func(evt CollaborationEvent) { b++ })

	d.Dispatch(CollaborationEvent{Kind: KindSessionEnded, SessionID: "s1"})
	if a != 1 || b != 1 {
		t.Fatalf("a=%d b=%d, want both listeners called", a, b)
	}
}

func TestRemoveListener_ById(t *testing.T) {
	d := NewDispatcher()

	var kept, removed int
	keepID := d.AddListener(KindOperationApplied, func(evt CollaborationEvent) { kept++ })
	removeID := d.AddListener(KindOperationApplied, func(evt CollaborationEvent) { removed++ })
	if keepID == removeID {
		t.Fatalf("subscription ids must be unique")
	}

	d.RemoveListener(KindOperationApplied, removeID)
	d.Dispatch(CollaborationEvent{Kind: KindOperationApplied, SessionID: "s1"})

	if kept != 1 || removed != 0 {
		t.Fatalf("kept=%d removed=%d, want 1/0", kept, removed)
	}

	// 重复注销和注销未知 ID 都应是安静的 no-op
	d.RemoveListener(KindOperationApplied, removeID)
	d.RemoveListener(KindCursorMoved, 999)
}

func TestDispatch_PanicIsolation(t *testing.T) {
	d := NewDispatcher()

	var after int
	d.AddListener(KindOperationApplied, func(evt CollaborationEvent) { panic("boom") })
	d.AddListener(KindOperationApplied, func(evt CollaborationEvent) { after++ })

	// 第一个 handler panic 不应拖垮分发
	d.Dispatch(CollaborationEvent{Kind: KindOperationApplied, SessionID: "s1"})
	if after != 1 {
		t.Fatalf("surviving handler called %d times, want 1", after)
	}

	// 分发器本身仍可用
	d.Dispatch(CollaborationEvent{Kind: KindOperationApplied, SessionID: "s1"})
	if after != 2 {
		t.Fatalf("dispatcher unusable after handler panic")
	}
}

func TestDispatch_ConcurrentSafe(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	count := 0
	d.AddListener(KindOperationApplied, func(evt CollaborationEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(CollaborationEvent{Kind: KindOperationApplied, SessionID: "s1"})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 20 {
		t.Fatalf("count = %d, want 20", count)
	}
}
