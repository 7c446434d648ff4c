package events

import "time"

type Kind string

const (
	KindOperationApplied  Kind = "operation_applied"
	KindCursorMoved       Kind = "cursor_moved"
	KindParticipantJoined Kind = "participant_joined"
	KindParticipantLeft   Kind = "participant_left"
	KindConflictResolved  Kind = "conflict_resolved"
	KindSessionEnded      Kind = "session_ended"
)

// CollaborationEvent 分发单元，只读，构造后不再改动。
type CollaborationEvent struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId"`
	AuthorID  string    `json:"authorId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Version   uint64    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
