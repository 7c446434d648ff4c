package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"collabCore/backend/internal/collab"
	"collabCore/backend/internal/ot"
	"collabCore/backend/internal/session"
	"collabCore/backend/internal/ws"
)

// 可编程假传输：按脚本决定每次 Connect 的结果，记录每个发出的信封
type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error // 依次消费；耗尽后恒成功
	connectGate chan struct{}
	connects    int
	sent        []ws.Envelope
	sendErr     error
	closed      int

	onMessage func(ws.Envelope)
	onClose   func(error)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	gate := f.connectGate
	f.mu.Unlock()
	if gate != nil {
		// 测试用闸门：把重连挡在这里，直到调用方就绪
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Send(env ws.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) OnMessage(h func(ws.Envelope)) { f.onMessage = h }
func (f *fakeTransport) OnClose(h func(error))         { f.onClose = h }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) sentOfType(t ws.MessageType) []ws.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// 快速退避，测试不真等
func fastOptions() Options {
	return Options{
		ConnectTimeout:    time.Second,
		HeartbeatInterval: time.Hour, // 心跳不参与这些用例
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        8 * time.Millisecond,
		MaxReconnect:      5,
	}
}

func newTestService(t *testing.T) (collab.Service, string) {
	t.Helper()
	engine := collab.NewEngine(session.NewRegistry(nil, time.Minute), collab.EngineOptions{})
	s, err := engine.StartSession(context.Background(), "doc-1", session.Settings{}, "u1", "User One")
	if err != nil {
		t.Fatalf("StartSession error: %v", err)
	}
	return engine, s.ID
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for: %s", msg)
}

func TestBackoffDelay_Sequence(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := backoffDelay(base, max, i+1); got != w {
			t.Fatalf("backoffDelay(attempt=%d) = %v, want %v", i+1, got, w)
		}
	}
	// 超过上限后封顶
	if got := backoffDelay(base, max, 6); got != max {
		t.Fatalf("backoffDelay(attempt=6) = %v, want cap %v", got, max)
	}
	if got := backoffDelay(base, 10*time.Second, 5); got != 10*time.Second {
		t.Fatalf("backoffDelay with low cap = %v, want 10s", got)
	}
}

func TestConnect_Success(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)
	defer m.Dispose()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("State = %q, want connected", m.State())
	}
}

func TestConnect_Failure(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{connectErrs: []error{errors.New("dial refused")}}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)
	defer m.Dispose()

	if err := m.Connect(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect = %v, want ErrConnectionFailed", err)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("State = %q, want disconnected", m.State())
	}
}

func TestSendOperation_QueuedWhileOffline(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)
	defer m.Dispose()

	acc, err := m.SendOperation(context.Background(), ot.Operation{
		Kind: ot.KindInsert, Position: 0, Content: "hi", AuthorID: "u1",
	})
	if err != nil {
		t.Fatalf("SendOperation error: %v", err)
	}
	// 引擎照常应用（本地显示不等网络），传输层排队
	if acc.Version != 1 {
		t.Fatalf("engine version = %d, want 1", acc.Version)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", m.PendingCount())
	}
	if got := tr.sentOfType(ws.TypeOperation); len(got) != 0 {
		t.Fatalf("offline send leaked to transport: %+v", got)
	}
}

func TestSendOperation_TransmitsWhenConnected(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)
	defer m.Dispose()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if _, err := m.SendOperation(context.Background(), ot.Operation{
		Kind: ot.KindInsert, Position: 0, Content: "hi", AuthorID: "u1",
	}); err != nil {
		t.Fatalf("SendOperation error: %v", err)
	}

	ops := tr.sentOfType(ws.TypeOperation)
	if len(ops) != 1 {
		t.Fatalf("transmitted ops = %d, want 1", len(ops))
	}
	if m.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", m.PendingCount())
	}
}

func TestReconnect_ReplaysQueueInOrder(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)
	defer m.Dispose()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	// 断开，前两次重连失败；闸门先把重连挡住，确保队列在重连完成前堆满
	gate := make(chan struct{})
	tr.mu.Lock()
	tr.connectErrs = []error{errors.New("down"), errors.New("down")}
	tr.connectGate = gate
	tr.mu.Unlock()
	tr.onClose(errors.New("peer reset"))

	if m.State() != StateReconnecting {
		t.Fatalf("State = %q, want reconnecting", m.State())
	}

	// 掉线期间的编辑进队列
	for _, content := range []string{"a", "b", "c"} {
		if _, err := m.SendOperation(context.Background(), ot.Operation{
			Kind: ot.KindInsert, Position: 0, Content: content, AuthorID: "u1",
		}); err != nil {
			t.Fatalf("SendOperation error: %v", err)
		}
	}
	if m.PendingCount() != 3 {
		t.Fatalf("PendingCount = %d, want 3", m.PendingCount())
	}
	close(gate)

	waitFor(t, func() bool { return m.State() == StateConnected && m.PendingCount() == 0 },
		"reconnect and queue drain")

	// 恰好一次、按原始顺序重放
	ops := tr.sentOfType(ws.TypeOperation)
	if len(ops) != 3 {
		t.Fatalf("replayed ops = %d, want 3", len(ops))
	}
	for i, want := range []string{"a", "b", "c"} {
		var op ot.Operation
		if err := json.Unmarshal(ops[i].Data, &op); err != nil {
			t.Fatalf("bad op envelope: %v", err)
		}
		if op.Content != want {
			t.Fatalf("replay[%d] content = %q, want %q", i, op.Content, want)
		}
	}
	// 队列冲洗后请求版本界定的重放
	syncs := tr.sentOfType(ws.TypeSync)
	if len(syncs) != 1 {
		t.Fatalf("sync requests = %d, want 1", len(syncs))
	}
	var sd ws.SyncData
	if err := json.Unmarshal(syncs[0].Data, &sd); err != nil {
		t.Fatalf("bad sync envelope: %v", err)
	}
	if sd.Action != ws.SyncOperationReply || sd.FromVersion != 3 {
		t.Fatalf("sync request = %+v, want operation_replay from version 3", sd)
	}
}

func TestReconnect_ExhaustionIsFatal(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	opt := fastOptions()
	opt.MaxReconnect = 3
	m := NewManager(tr, svc, sessionID, "u1", opt, nil)
	defer m.Dispose()

	fatal := make(chan error, 1)
	m.OnStateChange(func(s State, err error) {
		if s == StateDisconnected && err != nil {
			fatal <- err
		}
	})

	// 断线前的编辑先进队列，之后每次重连都失败
	if _, err := m.SendOperation(context.Background(), ot.Operation{
		Kind: ot.KindInsert, Position: 0, Content: "x", AuthorID: "u1",
	}); err != nil {
		t.Fatalf("SendOperation error: %v", err)
	}
	tr.mu.Lock()
	tr.connectErrs = []error{errors.New("down"), errors.New("down"), errors.New("down")}
	tr.mu.Unlock()
	tr.onClose(errors.New("peer reset"))

	select {
	case err := <-fatal:
		if !errors.Is(err, ErrMaxReconnectAttempts) {
			t.Fatalf("fatal error = %v, want ErrMaxReconnectAttempts", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for fatal state change")
	}
	if m.State() != StateDisconnected {
		t.Fatalf("State = %q, want disconnected", m.State())
	}
	tr.mu.Lock()
	connects := tr.connects
	tr.mu.Unlock()
	if connects != 3 {
		t.Fatalf("connect attempts = %d, want 3", connects)
	}
	// fatal 后队列保留，等调用方手动处置
	if m.PendingCount() != 1 {
		t.Fatalf("PendingCount after fatal = %d, want 1 (queue preserved)", m.PendingCount())
	}
}

func TestUpdateCursor_NeverQueued(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)
	defer m.Dispose()

	// 离线时光标只更新引擎状态，不排队
	if err := m.UpdateCursor(context.Background(), 7); err != nil {
		t.Fatalf("UpdateCursor error: %v", err)
	}
	if m.PendingCount() != 0 {
		t.Fatalf("cursor leaked into pending queue")
	}
	if got := tr.sentOfType(ws.TypeCursor); len(got) != 0 {
		t.Fatalf("offline cursor sent: %+v", got)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := m.UpdateCursor(context.Background(), 9); err != nil {
		t.Fatalf("UpdateCursor error: %v", err)
	}
	if got := tr.sentOfType(ws.TypeCursor); len(got) != 1 {
		t.Fatalf("cursor envelopes = %d, want 1", len(got))
	}
}

func TestHandleMessage_RemoteOperationApplied(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)
	defer m.Dispose()

	remote := ot.Operation{ID: "r1", Kind: ot.KindInsert, Position: 0, Content: "hi",
		AuthorID: "u2", SequenceNo: 1, CreatedAt: time.Now()}
	tr.onMessage(ws.OperationEnvelope(sessionID, "u2", remote))

	if v := svc.CurrentVersion(sessionID); v != 1 {
		t.Fatalf("version after remote op = %d, want 1", v)
	}

	// 重复投递与过期序号都应安静消化（打日志丢弃，不 panic 不改状态）
	tr.onMessage(ws.OperationEnvelope(sessionID, "u2", remote))
	stale := remote
	stale.ID = "r-stale"
	tr.onMessage(ws.OperationEnvelope(sessionID, "u2", stale))
	if v := svc.CurrentVersion(sessionID); v != 1 {
		t.Fatalf("version after dup/stale = %d, want 1", v)
	}
}

func TestHandleMessage_SyncReplay(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)
	defer m.Dispose()

	ops := []ot.Operation{
		{ID: "r1", Kind: ot.KindInsert, Position: 0, Content: "a", AuthorID: "u2", SequenceNo: 1, CreatedAt: time.Now()},
		{ID: "r2", Kind: ot.KindInsert, Position: 1, Content: "b", AuthorID: "u2", SequenceNo: 2, CreatedAt: time.Now()},
	}
	tr.onMessage(ws.SyncEnvelope(sessionID, "u2", 2, ws.SyncData{
		Action: ws.SyncOperationReply,
		Ops:    ops,
	}))

	if v := svc.CurrentVersion(sessionID); v != 2 {
		t.Fatalf("version after sync replay = %d, want 2", v)
	}
}

func TestDispose_Idempotent(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose error: %v", err)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("second Dispose error: %v", err)
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if closed != 1 {
		t.Fatalf("transport closed %d times, want 1", closed)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("State after Dispose = %q, want disconnected", m.State())
	}
}

func TestDispose_FlushesQueueWhenAsked(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	opt := fastOptions()
	opt.FlushOnDispose = true
	m := NewManager(tr, svc, sessionID, "u1", opt, nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	// 人为塞一个待发操作，模拟断线窗口里的遗留
	m.mu.Lock()
	m.pending = append(m.pending, ot.Operation{ID: "q1", Kind: ot.KindInsert, Position: 0, Content: "q", AuthorID: "u1", SequenceNo: 1})
	m.mu.Unlock()

	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose error: %v", err)
	}
	if got := tr.sentOfType(ws.TypeOperation); len(got) != 1 {
		t.Fatalf("flushed ops = %d, want 1", len(got))
	}
}

func TestDispose_DiscardsQueueByDefault(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	m := NewManager(tr, svc, sessionID, "u1", fastOptions(), nil)

	if _, err := m.SendOperation(context.Background(), ot.Operation{
		Kind: ot.KindInsert, Position: 0, Content: "x", AuthorID: "u1",
	}); err != nil {
		t.Fatalf("SendOperation error: %v", err)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose error: %v", err)
	}
	if got := tr.sentOfType(ws.TypeOperation); len(got) != 0 {
		t.Fatalf("default Dispose must discard, sent %+v", got)
	}
	if m.PendingCount() != 0 {
		t.Fatalf("PendingCount after Dispose = %d, want 0", m.PendingCount())
	}
}

func TestHeartbeat_TicksWhileConnected(t *testing.T) {
	svc, sessionID := newTestService(t)
	tr := &fakeTransport{}
	opt := fastOptions()
	opt.HeartbeatInterval = 5 * time.Millisecond
	m := NewManager(tr, svc, sessionID, "u1", opt, nil)
	defer m.Dispose()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitFor(t, func() bool { return len(tr.sentOfType(ws.TypeHeartbeat)) >= 2 }, "heartbeat ticks")
}
