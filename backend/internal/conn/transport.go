package conn

import (
	"context"
	"errors"

	"collabCore/backend/internal/ws"
)

var (
	ErrConnectionFailed     = errors.New("CONNECTION_FAILED")
	ErrMaxReconnectAttempts = errors.New("MAX_RECONNECT_ATTEMPTS_EXCEEDED")
)

// Transport 可插拔的传输层。
// OT/韧性逻辑只依赖这个接口：测试注入假实现，部署时换真实 websocket。
type Transport interface {
	// Connect 打开传输会话；ctx 超时/取消须及时返回
	Connect(ctx context.Context) error
	Send(env ws.Envelope) error
	// OnMessage 注册入站信封回调（Connect 前调用）
	OnMessage(h func(ws.Envelope))
	// OnClose 注册非预期断开回调；主动 Close 不触发
	OnClose(h func(err error))
	Close() error
}
