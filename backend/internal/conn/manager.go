package conn

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"collabCore/backend/internal/collab"
	"collabCore/backend/internal/ot"
	"collabCore/backend/internal/session"
	"collabCore/backend/internal/telemetry"
	"collabCore/backend/internal/ws"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

type Options struct {
	ConnectTimeout    time.Duration // 默认 10s
	HeartbeatInterval time.Duration // 默认 30s
	BaseBackoff       time.Duration // 默认 1000ms
	MaxBackoff        time.Duration // 默认 30000ms
	MaxReconnect      int           // 默认 5
	// Dispose 时待发队列的处理方式：true = 先冲洗再关，false = 直接丢弃
	FlushOnDispose bool
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxReconnect <= 0 {
		o.MaxReconnect = 5
	}
	return o
}

// backoffDelay 第 attempt 次重连（从 1 数起）前的退避时长：
// min(base * 2^(attempt-1), max)。默认参数下依次为 1s,2s,4s,8s,16s。
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// Manager 单个会话的传输生命周期：连接、心跳、指数退避重连、离线队列重放。
// 状态机 Disconnected→Connecting→Connected→Reconnecting→Disconnected，
// 只有显式 Dispose 才是终点。
// 会话 worker 就是这里的各 goroutine：入站消息、队列冲洗、心跳 tick。
type Manager struct {
	transport Transport
	engine    collab.Service
	sessionID string
	userID    string
	opt       Options
	metrics   telemetry.Sink

	mu      sync.Mutex
	state   State
	pending []ot.Operation // 离线期间的待发队列，fatal 断开后也保留，直到 Dispose
	// 当前连接世代的心跳停止函数
	stopHeartbeat context.CancelFunc
	disposed      bool

	ctx    context.Context
	cancel context.CancelFunc

	// 状态变化通知（可选）；fatal 错误也从这里上报
	onStateChange func(State, error)
}

func NewManager(transport Transport, engine collab.Service, sessionID, userID string, opt Options, metrics telemetry.Sink) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: transport,
		engine:    engine,
		sessionID: sessionID,
		userID:    userID,
		opt:       opt.withDefaults(),
		metrics:   metrics,
		state:     StateDisconnected,
		ctx:       ctx,
		cancel:    cancel,
	}
	if m.metrics == nil {
		m.metrics = telemetry.Nop{}
	}
	transport.OnMessage(m.handleMessage)
	transport.OnClose(m.handleClose)
	return m
}

// OnStateChange 注册状态回调（重连失败等 fatal 错误也从这里上报）。
func (m *Manager) OnStateChange(h func(State, error)) {
	m.mu.Lock()
	m.onStateChange = h
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PendingCount 待发队列长度（测试与调用方诊断用）。
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	m.state = s
	h := m.onStateChange
	m.mu.Unlock()
	if h != nil {
		h(s, err)
	}
}

// Connect 打开传输会话。超时（默认 10s）或失败时保持 Disconnected
// 并返回 CONNECTION_FAILED。成功后重置重试计数、启动心跳。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrConnectionFailed
	}
	m.mu.Unlock()

	m.setState(StateConnecting, nil)
	dialCtx, cancel := context.WithTimeout(ctx, m.opt.ConnectTimeout)
	defer cancel()
	if err := m.transport.Connect(dialCtx); err != nil {
		m.setState(StateDisconnected, ErrConnectionFailed)
		return ErrConnectionFailed
	}
	m.setState(StateConnected, nil)
	m.startHeartbeat()
	return nil
}

// SendOperation 本地编辑入口：先过引擎管线（入日志），
// 连接在线就即刻发送，离线/重连中则进待发队列。
// 队列存在期间操作绝不静默丢失。
func (m *Manager) SendOperation(ctx context.Context, op ot.Operation) (collab.Accepted, error) {
	acc, err := m.engine.SendOperation(ctx, m.sessionID, op)
	if err != nil {
		return collab.Accepted{}, err
	}

	m.mu.Lock()
	connected := m.state == StateConnected
	if !connected {
		m.pending = append(m.pending, acc.Ops...)
	}
	m.mu.Unlock()

	if connected {
		for _, accepted := range acc.Ops {
			m.transmit(ctx, accepted)
		}
	}
	return acc, nil
}

// UpdateCursor 光标更新：只广播，不排队不重放（过期的光标没有价值）。
func (m *Manager) UpdateCursor(ctx context.Context, position int) error {
	if err := m.engine.UpdateCursor(ctx, m.sessionID, m.userID, session.CursorPosition{Position: position}); err != nil {
		return err
	}
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()
	if connected {
		if err := m.transport.Send(ws.CursorEnvelope(m.sessionID, m.userID, position)); err != nil {
			log.Printf("cursor send failed (session=%s): %v", m.sessionID, err)
		}
	}
	return nil
}

func (m *Manager) transmit(ctx context.Context, op ot.Operation) {
	if err := m.transport.Send(ws.OperationEnvelope(m.sessionID, m.userID, op)); err != nil {
		// 发送失败按断开处理，操作回到队列等待重连后重放
		m.mu.Lock()
		m.pending = append(m.pending, op)
		m.mu.Unlock()
		m.handleClose(err)
		return
	}
	m.metrics.Count(ctx, telemetry.MetricOperationSent, 1)
}

// handleMessage 入站信封处理（会话 worker 的入站分支）。
func (m *Manager) handleMessage(env ws.Envelope) {
	ctx := m.ctx
	if !env.Timestamp.IsZero() {
		m.metrics.Timing(ctx, telemetry.MetricMessageLatency, time.Since(env.Timestamp).Milliseconds())
	}

	switch env.Type {
	case ws.TypeOperation:
		var op ot.Operation
		if err := json.Unmarshal(env.Data, &op); err != nil {
			log.Printf("bad operation envelope (session=%s): %v", m.sessionID, err)
			return
		}
		if op.SequenceNo == 0 {
			op.SequenceNo = env.Version
		}
		if err := m.engine.ApplyRemote(ctx, m.sessionID, op); err != nil {
			if errors.Is(err, collab.ErrStaleOperation) {
				// 网络抖动下的预期现象，打日志后丢弃
				log.Printf("stale operation dropped (session=%s, seq=%d)", m.sessionID, op.SequenceNo)
				return
			}
			log.Printf("apply remote failed (session=%s, seq=%d): %v", m.sessionID, op.SequenceNo, err)
		}

	case ws.TypeCursor:
		var c ws.CursorData
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return
		}
		if env.UserID == m.userID {
			return
		}
		_ = m.engine.UpdateCursor(ctx, m.sessionID, env.UserID, session.CursorPosition{Position: c.Position})

	case ws.TypeSync:
		var s ws.SyncData
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return
		}
		for _, op := range s.Ops {
			if err := m.engine.ApplyRemote(ctx, m.sessionID, op); err != nil && !errors.Is(err, collab.ErrStaleOperation) {
				log.Printf("replay apply failed (session=%s, seq=%d): %v", m.sessionID, op.SequenceNo, err)
			}
		}

	case ws.TypeHeartbeat:
		// 保活回包，无需处理

	case ws.TypeError:
		var e ws.ErrorData
		_ = json.Unmarshal(env.Data, &e)
		log.Printf("server error (session=%s): %s %s", m.sessionID, e.Code, e.Message)
	}
}

// handleClose 非预期断开：转入 Reconnecting 并按指数退避重试。
// 重试耗尽后转 Disconnected 并上报 MAX_RECONNECT_ATTEMPTS_EXCEEDED
// （fatal，等调用方手动重连；队列保留）。
func (m *Manager) handleClose(cause error) {
	m.mu.Lock()
	if m.disposed || m.state == StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	h := m.onStateChange
	m.mu.Unlock()
	if h != nil {
		h(StateReconnecting, nil)
	}

	log.Printf("transport closed (session=%s): %v", m.sessionID, cause)
	m.haltHeartbeat()

	go func() {
		for attempt := 1; attempt <= m.opt.MaxReconnect; attempt++ {
			delay := backoffDelay(m.opt.BaseBackoff, m.opt.MaxBackoff, attempt)
			select {
			case <-m.ctx.Done():
				// Dispose 中断退避
				return
			case <-time.After(delay):
			}

			dialCtx, cancel := context.WithTimeout(m.ctx, m.opt.ConnectTimeout)
			err := m.transport.Connect(dialCtx)
			cancel()
			if err == nil {
				m.setState(StateConnected, nil)
				m.startHeartbeat()
				m.syncOfflineOperations()
				return
			}
			log.Printf("reconnect attempt %d/%d failed (session=%s): %v", attempt, m.opt.MaxReconnect, m.sessionID, err)
		}
		m.setState(StateDisconnected, ErrMaxReconnectAttempts)
	}()
}

// syncOfflineOperations 重连成功后：按原始顺序一次性重放待发队列（恰好一次），
// 然后请求对端做版本界定的重放，补齐离线期间错过的操作。
func (m *Manager) syncOfflineOperations() {
	m.mu.Lock()
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, op := range queued {
		if err := m.transport.Send(ws.OperationEnvelope(m.sessionID, m.userID, op)); err != nil {
			// 发不出去的部分放回队头，等下一轮重连
			m.mu.Lock()
			m.pending = append([]ot.Operation{op}, m.pending...)
			m.mu.Unlock()
			m.handleClose(err)
			return
		}
		m.metrics.Count(m.ctx, telemetry.MetricOperationSent, 1)
	}

	version := m.engine.CurrentVersion(m.sessionID)
	req := ws.SyncEnvelope(m.sessionID, m.userID, version, ws.SyncData{
		Action:      ws.SyncOperationReply,
		FromVersion: version,
	})
	if err := m.transport.Send(req); err != nil {
		log.Printf("replay request failed (session=%s): %v", m.sessionID, err)
	}
}

func (m *Manager) startHeartbeat() {
	hbCtx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
	}
	m.stopHeartbeat = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.opt.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := m.transport.Send(ws.HeartbeatEnvelope(m.sessionID, m.userID)); err != nil {
					// 心跳发不出去视为断开
					m.handleClose(err)
					return
				}
			}
		}
	}()
}

func (m *Manager) haltHeartbeat() {
	m.mu.Lock()
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
	m.mu.Unlock()
}

// Dispose 终态：中断在途的重连退避，按 FlushOnDispose 决定
// 冲洗或丢弃待发队列，然后关闭传输。幂等。
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	flush := m.opt.FlushOnDispose && m.state == StateConnected
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.cancel() // 打断退避 sleep 与心跳
	if flush {
		for _, op := range queued {
			if err := m.transport.Send(ws.OperationEnvelope(m.sessionID, m.userID, op)); err != nil {
				log.Printf("flush on dispose failed (session=%s, op=%s): %v", m.sessionID, op.ID, err)
				break
			}
		}
	}
	err := m.transport.Close()
	m.setState(StateDisconnected, nil)
	return err
}
