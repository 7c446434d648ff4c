package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var errNotConnected = errors.New("transport not connected")

// ClientTransport 基于 gorilla/websocket 的拨号端传输，
// 实现 conn 包的 Transport 接口（Connect/Send/OnMessage/OnClose/Close）。
// gorilla 的连接只允许单写者，出站统一走 send 通道由 writeLoop 消费。
type ClientTransport struct {
	url    string
	header http.Header

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{} // 当前连接世代的结束信号
	onMsg   func(Envelope)
	onClose func(err error)
	closed  bool
}

func NewClientTransport(url string, header http.Header) *ClientTransport {
	return &ClientTransport{url: url, header: header}
}

func (t *ClientTransport) OnMessage(h func(Envelope)) {
	t.mu.Lock()
	t.onMsg = h
	t.mu.Unlock()
}

func (t *ClientTransport) OnClose(h func(err error)) {
	t.mu.Lock()
	t.onClose = h
	t.mu.Unlock()
}

func (t *ClientTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errNotConnected
	}
	if t.conn != nil {
		// 重连前丢弃旧连接
		_ = t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	c, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}

	t.mu.Lock()
	t.conn = c
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.readLoop(c, done)
	return nil
}

func (t *ClientTransport) Send(env Envelope) error {
	// WriteJSON 并发不安全，靠互斥串行化写
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errNotConnected
	}
	return t.conn.WriteJSON(env)
}

func (t *ClientTransport) readLoop(c *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var env Envelope
		if err := c.ReadJSON(&env); err != nil {
			t.mu.Lock()
			// 只有当前世代的连接断开才算非预期关闭
			current := t.conn == c
			closed := t.closed
			onClose := t.onClose
			if current {
				t.conn = nil
			}
			t.mu.Unlock()
			if current && !closed && onClose != nil {
				onClose(err)
			}
			return
		}
		t.mu.Lock()
		h := t.onMsg
		t.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (t *ClientTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}
