package ot

import (
	"errors"
	"time"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindRetain Kind = "retain"
	KindFormat Kind = "format"
)

// Operation 协同编辑的最小单元。
// SequenceNo 由操作日志（oplog）统一分配，作为会话内的版本号：
// 基于版本 n 创建的操作，逻辑上晚于所有 SequenceNo <= n 的操作。
// 一旦入日志即不可变。
type Operation struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	Kind       Kind           `json:"kind"`
	Position   int            `json:"position"`
	Content    string         `json:"content,omitempty"`          // insert 的文本
	Length     int            `json:"length,omitempty"`           // delete/retain 的长度
	Attributes map[string]any `json:"attributes,omitempty"`       // 样式属性（粗体/颜色等）
	AuthorID   string         `json:"authorId"`
	SequenceNo uint64         `json:"sequenceNo,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

var (
	ErrInvalidPosition = errors.New("INVALID_POSITION")
	ErrMissingContent  = errors.New("MISSING_CONTENT")
	ErrMissingLength   = errors.New("MISSING_LENGTH")
	ErrUnknownKind     = errors.New("UNKNOWN_OPERATION_KIND")
)

// Validate 校验结构不变式。入日志前必须通过。
func (op Operation) Validate() error {
	if op.Position < 0 {
		return ErrInvalidPosition
	}
	switch op.Kind {
	case KindInsert:
		if op.Content == "" {
			return ErrMissingContent
		}
	case KindDelete:
		if op.Length <= 0 {
			return ErrMissingLength
		}
	case KindRetain, KindFormat:
		// retain/format 不修改文本，length 可为 0
	default:
		return ErrUnknownKind
	}
	return nil
}

// LengthDelta 该操作对文档长度的净影响。
// 位置修正（Merge 策略）与快照缓冲都依赖它。
func (op Operation) LengthDelta() int {
	switch op.Kind {
	case KindInsert:
		return len([]rune(op.Content))
	case KindDelete:
		return -op.Length
	}
	return 0
}
