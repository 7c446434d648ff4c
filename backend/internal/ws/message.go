package ws

import (
	"encoding/json"
	"time"

	"collabCore/backend/internal/cache"
	"collabCore/backend/internal/ot"
	"collabCore/backend/internal/session"
)

type MessageType string

const (
	TypeOperation MessageType = "operation"
	TypeCursor    MessageType = "cursor"
	TypePresence  MessageType = "presence"
	TypeSync      MessageType = "sync"
	TypeHeartbeat MessageType = "heartbeat"
	TypeError     MessageType = "error"
)

// Envelope 与传输/在线状态后端交换的统一信封，与具体线上格式解耦。
// Data 按 Type 解释：operation 带序列化的操作记录，cursor 带 {position}，
// presence 带 {action, participant}，sync 带握手/重放数据，error 带机器可读错误码。
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Version   uint64          `json:"version,omitempty"`
}

type CursorData struct {
	Position int `json:"position"`
}

type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

type PresenceData struct {
	Action      PresenceAction `json:"action"`
	DisplayName string         `json:"displayName,omitempty"`
	Role        session.Role   `json:"role,omitempty"`
	// 广播在线名单时带上
	Members []cache.PresenceMember `json:"members,omitempty"`
}

type SyncAction string

const (
	SyncSessionStart   SyncAction = "session_start"
	SyncOperationReply SyncAction = "operation_replay"
	SyncSessionEnded   SyncAction = "session_ended"
)

type SyncData struct {
	Action      SyncAction     `json:"action"`
	FromVersion uint64         `json:"fromVersion,omitempty"`
	Ops         []ot.Operation `json:"ops,omitempty"`
	Content     string         `json:"content,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// 构造带负载的信封；负载序列化失败属编程错误，这里直接置空 Data
func newEnvelope(t MessageType, sessionID, userID string, version uint64, payload any) Envelope {
	env := Envelope{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		Version:   version,
		Timestamp: time.Now(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			env.Data = b
		}
	}
	return env
}

func OperationEnvelope(sessionID, userID string, op ot.Operation) Envelope {
	return newEnvelope(TypeOperation, sessionID, userID, op.SequenceNo, op)
}

func CursorEnvelope(sessionID, userID string, position int) Envelope {
	return newEnvelope(TypeCursor, sessionID, userID, 0, CursorData{Position: position})
}

func PresenceEnvelope(sessionID, userID string, data PresenceData) Envelope {
	return newEnvelope(TypePresence, sessionID, userID, 0, data)
}

func SyncEnvelope(sessionID, userID string, version uint64, data SyncData) Envelope {
	return newEnvelope(TypeSync, sessionID, userID, version, data)
}

func HeartbeatEnvelope(sessionID, userID string) Envelope {
	return newEnvelope(TypeHeartbeat, sessionID, userID, 0, nil)
}

func ErrorEnvelope(sessionID, code, message string) Envelope {
	return newEnvelope(TypeError, sessionID, "", 0, ErrorData{Code: code, Message: message})
}
