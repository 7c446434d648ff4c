package collab

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/events"
	"collabCore/backend/internal/oplog"
	"collabCore/backend/internal/ot"
	"collabCore/backend/internal/session"
	"collabCore/backend/internal/telemetry"
)

var (
	// 来不及应用就已经落后于水位线的操作：网络抖动下的正常现象，打日志后丢弃
	ErrStaleOperation = errors.New("STALE_OPERATION")
)

// 快照存储接口（实现在 store 包）
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, sessionID string, version uint64, content string) error
}

// Accepted 一次提交的结果：实际进入日志的操作序列（冲突裁决后可能与提交的不同）、
// 裁决记录（无冲突时为 nil）、应用后的会话版本。
type Accepted struct {
	Ops        []ot.Operation
	Resolution *ot.ConflictResolution
	Version    uint64
}

// Service 协作引擎对外接口（UI/调用方消费）。
type Service interface {
	StartSession(ctx context.Context, resourceID string, settings session.Settings, ownerID, ownerName string) (*session.Session, error)
	JoinSession(ctx context.Context, sessionID, participantID, displayName string, role session.Role) (*session.Session, []ot.Operation, error)
	LeaveSession(ctx context.Context, sessionID, participantID string) error
	SendOperation(ctx context.Context, sessionID string, op ot.Operation) (Accepted, error)
	ApplyRemote(ctx context.Context, sessionID string, op ot.Operation) error
	ResolveManual(ctx context.Context, sessionID string, chosen ot.Operation) (Accepted, error)
	UpdateCursor(ctx context.Context, sessionID, participantID string, cursor session.CursorPosition) error
	EndSession(ctx context.Context, sessionID string) error
	GetSession(sessionID string) (*session.Session, error)
	GetActiveSessions() []*session.Session
	CurrentVersion(sessionID string) uint64
	OpsSince(sessionID string, version uint64) []ot.Operation
	AddEventListener(kind events.Kind, h events.Handler) uint64
	RemoveEventListener(kind events.Kind, id uint64)
}

// 单个会话的运行期状态。
// 日志是单写者（会话 worker），跨会话互不阻塞。
type sessionRuntime struct {
	mu      sync.Mutex
	log     *oplog.Log
	buf     Buffer
	applied map[string]struct{} // 已应用的操作 ID（幂等窗口）
	// 乱序到达的远端操作，按 SequenceNo 暂存，等因果前驱应用后再放行
	pendingSeq       map[uint64]ot.Operation
	opsSinceSnapshot int
}

// Engine 把操作日志、OT 引擎、会话注册表、事件分发串成应用管线。
// 显式构造按引用传递，不搞包级单例。
type Engine struct {
	registry   *session.Registry
	transform  *ot.Engine
	dispatcher *events.Dispatcher

	mu       sync.RWMutex
	runtimes map[string]*sessionRuntime

	// 依赖注入，均可为 nil（降级为纯内存/静默）
	opStore   oplog.Store
	snapshots SnapshotStore
	presence  cache.PresenceCache
	kafka     *KafkaPublisher
	metrics   telemetry.Sink

	// autoSave 开启时每隔多少个操作落一次快照
	snapshotEvery int
}

type EngineOptions struct {
	OT            ot.EngineOptions
	OpStore       oplog.Store
	Snapshots     SnapshotStore
	Presence      cache.PresenceCache
	Kafka         *KafkaPublisher
	Metrics       telemetry.Sink
	SnapshotEvery int
}

func NewEngine(registry *session.Registry, opt EngineOptions) *Engine {
	e := &Engine{
		registry:      registry,
		dispatcher:    events.NewDispatcher(),
		runtimes:      make(map[string]*sessionRuntime),
		opStore:       opt.OpStore,
		snapshots:     opt.Snapshots,
		presence:      opt.Presence,
		kafka:         opt.Kafka,
		metrics:       opt.Metrics,
		snapshotEvery: opt.SnapshotEvery,
	}
	if e.metrics == nil {
		e.metrics = telemetry.Nop{}
	}
	if e.snapshotEvery <= 0 {
		e.snapshotEvery = 25
	}
	// OT 引擎通过 History 接口回读本引擎的日志做冲突窗口扫描
	e.transform = ot.NewEngine(e, opt.OT)
	return e
}

var _ Service = (*Engine)(nil)
var _ ot.History = (*Engine)(nil)

// Recent 实现 ot.History：返回会话日志里时间窗口内的操作。
func (e *Engine) Recent(sessionID string, window time.Duration) []ot.Operation {
	rt := e.runtime(sessionID)
	if rt == nil {
		return nil
	}
	return rt.log.Recent(window)
}

func (e *Engine) runtime(sessionID string) *sessionRuntime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runtimes[sessionID]
}

func (e *Engine) getOrCreateRuntime(sessionID string) *sessionRuntime {
	e.mu.RLock()
	rt := e.runtimes[sessionID]
	e.mu.RUnlock()
	if rt != nil {
		return rt
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt = e.runtimes[sessionID]; rt == nil {
		rt = &sessionRuntime{
			log:        oplog.NewLog(sessionID, e.opStore),
			buf:        NewPieceTable(""),
			applied:    make(map[string]struct{}),
			pendingSeq: make(map[uint64]ot.Operation),
		}
		e.runtimes[sessionID] = rt
	}
	return rt
}

// StartSession 创建会话，发起者为唯一 owner。
func (e *Engine) StartSession(ctx context.Context, resourceID string, settings session.Settings, ownerID, ownerName string) (*session.Session, error) {
	s := e.registry.Start(ctx, resourceID, settings, ownerID, ownerName)
	e.getOrCreateRuntime(s.ID)
	e.mirrorPresence(ctx, s.ID, ownerID, ownerName)
	e.metrics.Gauge(ctx, telemetry.MetricActiveSessions, int64(len(e.registry.Active())))
	return s, nil
}

// JoinSession 加入会话。成功前先做版本界定的重放（新成员从 0，重连成员从
// 各自 watermark），追平后才标 online。满员/不存在/已结束原样上抛。
func (e *Engine) JoinSession(ctx context.Context, sessionID, participantID, displayName string, role session.Role) (*session.Session, []ot.Operation, error) {
	watermark, err := e.registry.Join(ctx, sessionID, participantID, displayName, role)
	if err != nil {
		return nil, nil, err
	}
	rt := e.getOrCreateRuntime(sessionID)
	replay := rt.log.Since(watermark)

	e.registry.SetWatermark(sessionID, participantID, rt.log.CurrentVersion())
	e.registry.MarkOnline(sessionID, participantID)
	e.mirrorPresence(ctx, sessionID, participantID, displayName)

	s, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	e.dispatch(events.CollaborationEvent{
		Kind:      events.KindParticipantJoined,
		SessionID: sessionID,
		AuthorID:  participantID,
		Payload:   map[string]any{"displayName": displayName, "role": role},
		Version:   rt.log.CurrentVersion(),
	})
	return s, replay, nil
}

func (e *Engine) LeaveSession(ctx context.Context, sessionID, participantID string) error {
	ended, err := e.registry.Leave(ctx, sessionID, participantID)
	if err != nil {
		return err
	}
	e.dispatch(events.CollaborationEvent{
		Kind:      events.KindParticipantLeft,
		SessionID: sessionID,
		AuthorID:  participantID,
	})
	if ended {
		e.afterEnded(ctx, sessionID)
	}
	return nil
}

// SendOperation 本地/权威路径：校验、鉴权、冲突检测与裁决、入日志、应用、扇出。
// 幂等：op.ID 已应用过则整个调用为 no-op（防御重连后的重复投递）。
func (e *Engine) SendOperation(ctx context.Context, sessionID string, op ot.Operation) (Accepted, error) {
	s, err := e.registry.Get(sessionID)
	if err != nil {
		return Accepted{}, err
	}
	if s.Status == session.StatusEnded {
		return Accepted{}, session.ErrSessionEnded
	}
	if !e.registry.HasPermission(sessionID, op.AuthorID, session.PermWrite) {
		return Accepted{}, session.ErrPermissionDenied
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	op.SessionID = sessionID
	if err := op.Validate(); err != nil {
		return Accepted{}, err
	}

	rt := e.getOrCreateRuntime(sessionID)
	acc, resolved, err := e.submitLocked(ctx, rt, sessionID, s.Settings.ConflictResolution, op)
	if err != nil {
		return Accepted{}, err
	}
	// 锁外做扇出/遥测/快照：handler 可能回调引擎
	if resolved {
		e.metrics.Count(ctx, telemetry.MetricConflictResolved, 1)
		e.dispatch(events.CollaborationEvent{
			Kind:      events.KindConflictResolved,
			SessionID: sessionID,
			AuthorID:  op.AuthorID,
			Payload:   *acc.Resolution,
			Version:   acc.Version,
		})
		e.publish(ctx, events.CollaborationEvent{
			ID:        uuid.NewString(),
			Kind:      events.KindConflictResolved,
			SessionID: sessionID,
			AuthorID:  op.AuthorID,
			Payload:   *acc.Resolution,
			Version:   acc.Version,
			Timestamp: time.Now(),
		})
	}
	if len(acc.Ops) > 0 {
		e.afterApply(ctx, sessionID, op.AuthorID, acc)
	}
	return acc, nil
}

// submitLocked 持锁核心：幂等检查、冲突检测、裁决输出入日志。
// 返回 resolved=true 表示发生过冲突裁决（含 manual 未决）。
func (e *Engine) submitLocked(ctx context.Context, rt *sessionRuntime, sessionID string, strategy ot.Strategy, op ot.Operation) (Accepted, bool, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, dup := rt.applied[op.ID]; dup {
		// 重复投递：状态不变
		return Accepted{Version: rt.log.CurrentVersion()}, false, nil
	}

	conflicts := e.transform.DetectConflicts(sessionID, op)
	if len(conflicts) == 0 {
		// 常见情况：直接应用
		applied, err := e.apply(ctx, rt, op)
		if err != nil {
			return Accepted{}, false, err
		}
		return Accepted{Ops: []ot.Operation{applied}, Version: rt.log.CurrentVersion()}, false, nil
	}

	res := e.transform.Resolve(sessionID, append(conflicts, op), strategy)
	acc := Accepted{Resolution: &res}
	if strategy == ot.StrategyManual {
		// 只记录未决集合并上浮事件，等调用方重新提交选定结果
		acc.Version = rt.log.CurrentVersion()
		return acc, true, nil
	}

	// merge/last_wins：裁决输出里尚未应用的操作按序入日志
	for _, out := range res.Output {
		if _, dup := rt.applied[out.ID]; dup {
			continue
		}
		applied, err := e.apply(ctx, rt, out)
		if err != nil {
			return Accepted{}, false, err
		}
		acc.Ops = append(acc.Ops, applied)
	}
	acc.Version = rt.log.CurrentVersion()
	return acc, true, nil
}

// apply 入日志 + 落缓冲 + 记幂等窗口。调用方持有 rt.mu。
func (e *Engine) apply(ctx context.Context, rt *sessionRuntime, op ot.Operation) (ot.Operation, error) {
	seq, err := rt.log.Append(ctx, op)
	if err != nil {
		return ot.Operation{}, err // STORAGE_UNAVAILABLE
	}
	op.SequenceNo = seq
	if err := rt.buf.Apply(op); err != nil {
		return ot.Operation{}, err
	}
	rt.applied[op.ID] = struct{}{}
	rt.opsSinceSnapshot++
	return op, nil
}

// afterApply 应用成功后的公共尾部：事件扇出、Kafka、遥测、watermark、快照。
func (e *Engine) afterApply(ctx context.Context, sessionID, authorID string, acc Accepted) {
	e.registry.Touch(sessionID)
	e.registry.SetWatermark(sessionID, authorID, acc.Version)
	e.metrics.Count(ctx, telemetry.MetricOperationSent, int64(len(acc.Ops)))

	for _, op := range acc.Ops {
		evt := events.CollaborationEvent{
			ID:        uuid.NewString(),
			Kind:      events.KindOperationApplied,
			SessionID: sessionID,
			AuthorID:  op.AuthorID,
			Payload:   op,
			Version:   op.SequenceNo,
			Timestamp: time.Now(),
		}
		e.dispatcher.Dispatch(evt)
		e.publish(ctx, evt)
	}
	e.maybeSnapshot(ctx, sessionID)
}

// ApplyRemote 镜像路径：应用远端已定序的操作。
// - 按 op.ID 幂等（重连重放会重复投递）
// - 低于水位线的序号视为过期，返回 ErrStaleOperation（调用方打日志后丢弃）
// - 超前的序号先缓存，等因果前驱应用后依次放行
func (e *Engine) ApplyRemote(ctx context.Context, sessionID string, op ot.Operation) error {
	rt := e.getOrCreateRuntime(sessionID)

	rt.mu.Lock()
	if _, dup := rt.applied[op.ID]; dup {
		rt.mu.Unlock()
		return nil
	}
	version := rt.log.CurrentVersion()
	switch {
	case op.SequenceNo != 0 && op.SequenceNo <= version:
		rt.mu.Unlock()
		return ErrStaleOperation
	case op.SequenceNo > version+1:
		rt.pendingSeq[op.SequenceNo] = op
		rt.mu.Unlock()
		return nil
	}

	var appliedOps []ot.Operation
	applied, err := e.apply(ctx, rt, op)
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	appliedOps = append(appliedOps, applied)
	// 放行已就绪的后继
	for {
		next, ok := rt.pendingSeq[rt.log.CurrentVersion()+1]
		if !ok {
			break
		}
		delete(rt.pendingSeq, next.SequenceNo)
		applied, err = e.apply(ctx, rt, next)
		if err != nil {
			rt.mu.Unlock()
			return err
		}
		appliedOps = append(appliedOps, applied)
	}
	rt.mu.Unlock()

	e.registry.Touch(sessionID)
	for _, a := range appliedOps {
		e.registry.SetWatermark(sessionID, a.AuthorID, a.SequenceNo)
		e.dispatch(events.CollaborationEvent{
			Kind:      events.KindOperationApplied,
			SessionID: sessionID,
			AuthorID:  a.AuthorID,
			Payload:   a,
			Version:   a.SequenceNo,
		})
	}
	return nil
}

// ResolveManual 手工裁决路径：UI 选定/合并出单个操作后重新提交。
// 跳过冲突检测（裁决已经发生过），权限门禁照走。
func (e *Engine) ResolveManual(ctx context.Context, sessionID string, chosen ot.Operation) (Accepted, error) {
	if !e.registry.HasPermission(sessionID, chosen.AuthorID, session.PermWrite) {
		return Accepted{}, session.ErrPermissionDenied
	}
	if chosen.ID == "" {
		chosen.ID = uuid.NewString()
	}
	if chosen.CreatedAt.IsZero() {
		chosen.CreatedAt = time.Now()
	}
	chosen.SessionID = sessionID
	if err := chosen.Validate(); err != nil {
		return Accepted{}, err
	}

	rt := e.getOrCreateRuntime(sessionID)
	rt.mu.Lock()
	if _, dup := rt.applied[chosen.ID]; dup {
		v := rt.log.CurrentVersion()
		rt.mu.Unlock()
		return Accepted{Version: v}, nil
	}
	applied, err := e.apply(ctx, rt, chosen)
	if err != nil {
		rt.mu.Unlock()
		return Accepted{}, err
	}
	acc := Accepted{Ops: []ot.Operation{applied}, Version: rt.log.CurrentVersion()}
	rt.mu.Unlock()

	e.afterApply(ctx, sessionID, chosen.AuthorID, acc)
	return acc, nil
}

// UpdateCursor 光标是纯广播状态：不进操作日志，永不做冲突检查。
func (e *Engine) UpdateCursor(ctx context.Context, sessionID, participantID string, cursor session.CursorPosition) error {
	if err := e.registry.UpdatePresence(sessionID, participantID, &cursor); err != nil {
		return err
	}
	if e.presence != nil {
		if err := e.presence.SetCursor(ctx, sessionID, participantID, cursor.Position, 30*time.Second); err != nil {
			log.Printf("set cursor failed (session=%s, user=%s): %v", sessionID, participantID, err)
		}
	}
	e.dispatch(events.CollaborationEvent{
		Kind:      events.KindCursorMoved,
		SessionID: sessionID,
		AuthorID:  participantID,
		Payload:   cursor,
	})
	return nil
}

func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	if err := e.registry.End(ctx, sessionID); err != nil {
		return err
	}
	e.afterEnded(ctx, sessionID)
	return nil
}

func (e *Engine) afterEnded(ctx context.Context, sessionID string) {
	// 结束前尽力落一份终版快照
	e.snapshot(ctx, sessionID, true)
	evt := events.CollaborationEvent{
		ID:        uuid.NewString(),
		Kind:      events.KindSessionEnded,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
	e.dispatcher.Dispatch(evt)
	e.publish(ctx, evt)
	e.metrics.Gauge(ctx, telemetry.MetricActiveSessions, int64(len(e.registry.Active())))
}

func (e *Engine) GetSession(sessionID string) (*session.Session, error) {
	return e.registry.Get(sessionID)
}

func (e *Engine) GetActiveSessions() []*session.Session {
	return e.registry.Active()
}

func (e *Engine) Registry() *session.Registry {
	return e.registry
}

func (e *Engine) CurrentVersion(sessionID string) uint64 {
	rt := e.runtime(sessionID)
	if rt == nil {
		return 0
	}
	return rt.log.CurrentVersion()
}

// OpsSince 版本界定的重放（握手/追平用）。
func (e *Engine) OpsSince(sessionID string, version uint64) []ot.Operation {
	rt := e.runtime(sessionID)
	if rt == nil {
		return nil
	}
	return rt.log.Since(version)
}

// DocumentContent 当前文档文本与版本。
func (e *Engine) DocumentContent(sessionID string) (string, uint64) {
	rt := e.runtime(sessionID)
	if rt == nil {
		return "", 0
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buf.String(), rt.log.CurrentVersion()
}

// Resolutions 某会话的冲突裁决历史（审计用）。
func (e *Engine) Resolutions(sessionID string) []ot.ConflictResolution {
	return e.transform.Resolutions(sessionID)
}

func (e *Engine) AddEventListener(kind events.Kind, h events.Handler) uint64 {
	return e.dispatcher.AddListener(kind, h)
}

func (e *Engine) RemoveEventListener(kind events.Kind, id uint64) {
	e.dispatcher.RemoveListener(kind, id)
}

// StartSweeper 周期清理闲置超时的 ended 会话，ctx 取消即停。
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				removed := e.registry.Sweep(now)
				if len(removed) == 0 {
					continue
				}
				e.mu.Lock()
				for _, id := range removed {
					delete(e.runtimes, id)
				}
				e.mu.Unlock()
				log.Printf("swept %d ended session(s)", len(removed))
				e.metrics.Gauge(ctx, telemetry.MetricActiveSessions, int64(len(e.registry.Active())))
			}
		}
	}()
}

func (e *Engine) maybeSnapshot(ctx context.Context, sessionID string) {
	s, err := e.registry.Get(sessionID)
	if err != nil || !s.Settings.AutoSave {
		return
	}
	rt := e.runtime(sessionID)
	if rt == nil {
		return
	}
	rt.mu.Lock()
	due := rt.opsSinceSnapshot >= e.snapshotEvery
	rt.mu.Unlock()
	if due {
		e.snapshot(ctx, sessionID, false)
	}
}

// snapshot 落一份物化文本。尽力而为：失败只打日志。
// force 为 true 时（会话结束）忽略计数阈值。
func (e *Engine) snapshot(ctx context.Context, sessionID string, force bool) {
	if e.snapshots == nil {
		return
	}
	rt := e.runtime(sessionID)
	if rt == nil {
		return
	}
	rt.mu.Lock()
	if !force && rt.opsSinceSnapshot == 0 {
		rt.mu.Unlock()
		return
	}
	content := rt.buf.String()
	version := rt.log.CurrentVersion()
	rt.opsSinceSnapshot = 0
	rt.mu.Unlock()
	if err := e.snapshots.SaveDocumentSnapshot(ctx, sessionID, version, content); err != nil {
		log.Printf("save snapshot failed (session=%s, version=%d): %v", sessionID, version, err)
	}
}

// dispatch 本地同步扇出（填公共字段的便捷入口）。
func (e *Engine) dispatch(evt events.CollaborationEvent) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e.dispatcher.Dispatch(evt)
}

// publish 异步发 Kafka（不阻塞主流程，入队超时即放弃）。
func (e *Engine) publish(ctx context.Context, evt events.CollaborationEvent) {
	if e.kafka == nil {
		return
	}
	enqCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := e.kafka.Enqueue(enqCtx, evt); err != nil {
		log.Printf("kafka enqueue dropped (session=%s, kind=%s): %v", evt.SessionID, evt.Kind, err)
	}
}

func (e *Engine) mirrorPresence(ctx context.Context, sessionID, participantID, displayName string) {
	if e.presence == nil {
		return
	}
	if err := e.presence.AddMember(ctx, sessionID, participantID, displayName, 600*time.Second); err != nil {
		log.Printf("presence add member failed (session=%s, user=%s): %v", sessionID, participantID, err)
	}
}
