package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"collabCore/backend/internal/collab"
	"collabCore/backend/internal/ot"
	"collabCore/backend/internal/session"
)

// Conn 服务端的一条 websocket 连接。
// send 是只能存放 Envelope 的通道，writeLoop 持续消费；
// 读写分离，gorilla 连接的单写者约束由 writeLoop 保证。
type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	sessionID string
	userID    string
	username  string
	send      chan Envelope
	// 协作引擎服务
	svc collab.Service
	// 信号量控制（限制并发提交）
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{ws: ws, hub: hub, userID: userID, username: username, send: make(chan Envelope, 32), svc: svc, sem: sem}
}

func (c *Conn) enqueue(env Envelope) {
	select {
	case c.send <- env:
	default:
		// 队列满了则丢弃：慢消费者不反压整个房间
	}
}

func (c *Conn) handleOperation(ctx context.Context, env Envelope) {
	opCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(opCtx); err != nil {
		c.enqueue(ErrorEnvelope(env.SessionID, "BUSY", err.Error()))
		return
	}
	defer c.sem.Release()

	var op ot.Operation
	if err := json.Unmarshal(env.Data, &op); err != nil {
		c.enqueue(ErrorEnvelope(env.SessionID, "BAD_OPERATION", err.Error()))
		return
	}
	op.AuthorID = c.userID

	acc, err := c.svc.SendOperation(opCtx, env.SessionID, op)
	if err != nil {
		// 哨兵错误的字符串就是机器可读错误码
		c.enqueue(ErrorEnvelope(env.SessionID, err.Error(), err.Error()))
		return
	}

	// ack：把裁决后实际入日志的操作序列回给提交方，并广播给房间内其他连接
	for _, applied := range acc.Ops {
		c.enqueue(OperationEnvelope(env.SessionID, c.userID, applied))
		c.hub.BroadcastOperation(env.SessionID, c, applied)
	}
	if acc.Resolution != nil && len(acc.Ops) == 0 {
		// manual 策略：未决集合原样回给提交方处理
		if b, err := json.Marshal(acc.Resolution); err == nil {
			c.enqueue(Envelope{Type: TypeSync, SessionID: env.SessionID, Data: b, Timestamp: time.Now(), Version: acc.Version})
		}
	}
}

func (c *Conn) handlePresence(ctx context.Context, env Envelope) {
	var p PresenceData
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.enqueue(ErrorEnvelope(env.SessionID, "BAD_PRESENCE", err.Error()))
		return
	}

	switch p.Action {
	case PresenceJoin:
		displayName := p.DisplayName
		if displayName == "" {
			displayName = c.username
		}
		_, replay, err := c.svc.JoinSession(ctx, env.SessionID, c.userID, displayName, p.Role)
		if err != nil {
			c.enqueue(ErrorEnvelope(env.SessionID, err.Error(), err.Error()))
			return
		}
		if c.sessionID != "" && c.sessionID != env.SessionID {
			// 动态切房：先离开旧房间
			c.hub.Leave(c.sessionID, c)
		}
		c.sessionID = env.SessionID
		c.hub.Join(env.SessionID, c)

		// 加入前先追平：新成员从 0 重放，重连成员从各自水位线重放
		c.enqueue(SyncEnvelope(env.SessionID, c.userID, c.svc.CurrentVersion(env.SessionID), SyncData{
			Action: SyncSessionStart,
			Ops:    replay,
		}))
		c.broadcastMembers(ctx, env.SessionID)

	case PresenceLeave:
		if err := c.svc.LeaveSession(ctx, env.SessionID, c.userID); err != nil {
			c.enqueue(ErrorEnvelope(env.SessionID, err.Error(), err.Error()))
			return
		}
		c.hub.Leave(env.SessionID, c)
		c.sessionID = ""
		c.broadcastMembers(ctx, env.SessionID)

	default:
		c.enqueue(ErrorEnvelope(env.SessionID, "BAD_PRESENCE", "unknown action"))
	}
}

func (c *Conn) broadcastMembers(ctx context.Context, sessionID string) {
	if c.hub.presence == nil {
		return
	}
	members, err := c.hub.presence.GetAliveMembers(ctx, sessionID)
	if err != nil {
		log.Printf("get alive members error (session=%s): %v", sessionID, err)
		return
	}
	c.hub.BroadcastPresence(sessionID, PresenceData{Members: members})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.send)
	defer func() {
		if c.sessionID != "" {
			c.hub.Leave(c.sessionID, c)
		}
	}()

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			log.Printf("read json error (user=%s, session=%s): %v", c.userID, c.sessionID, err)
			return
		}

		switch env.Type {
		case TypeHeartbeat:
			// 刷新在线 TTL，回一个保活包
			if c.hub.presence != nil && c.sessionID != "" {
				if err := c.hub.presence.AddMember(ctx, c.sessionID, c.userID, c.username, 600*time.Second); err != nil {
					log.Printf("add member error: %v", err)
				}
			}
			c.enqueue(HeartbeatEnvelope(c.sessionID, c.userID))

		case TypePresence:
			c.handlePresence(ctx, env)

		case TypeOperation:
			c.handleOperation(ctx, env)

		case TypeCursor:
			var cur CursorData
			if err := json.Unmarshal(env.Data, &cur); err != nil {
				continue
			}
			if err := c.svc.UpdateCursor(ctx, env.SessionID, c.userID, session.CursorPosition{Position: cur.Position}); err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					continue
				}
				log.Printf("update cursor error (user=%s): %v", c.userID, err)
				continue
			}
			c.hub.BroadcastCursor(env.SessionID, c.userID, cur.Position)

		case TypeSync:
			// 版本界定的重放请求（重连追平）
			ops := c.svc.OpsSince(env.SessionID, env.Version)
			c.enqueue(SyncEnvelope(env.SessionID, c.userID, c.svc.CurrentVersion(env.SessionID), SyncData{
				Action:      SyncOperationReply,
				FromVersion: env.Version,
				Ops:         ops,
			}))

		default:
			// 忽略未知类型，回一条提示
			c.enqueue(ErrorEnvelope(env.SessionID, "UNKNOWN_TYPE", "unknown message type"))
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的 Envelope
	for env := range c.send {
		_ = c.ws.WriteJSON(env)
	}
}
