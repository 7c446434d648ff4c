package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collabCore/backend/internal/ot"
)

var ErrStorageUnavailable = errors.New("STORAGE_UNAVAILABLE")

// Store 可选的落库后端（MySQL 实现在 store 包）。
// 为 nil 时日志纯内存运行。
type Store interface {
	AppendOperation(ctx context.Context, op ot.Operation) error
}

// Log 单会话的只追加操作日志，SequenceNo/版本号的唯一来源。
// 写入方只有会话 worker（单写者），读可并发。
// 不变式：操作一经追加绝不重排、绝不删除；Since(0) 重放即完整历史。
type Log struct {
	mu        sync.RWMutex
	sessionID string
	ops       []ot.Operation
	store     Store
}

func NewLog(sessionID string, store Store) *Log {
	return &Log{sessionID: sessionID, store: store}
}

// Append 分配下一个序号并存储操作，返回分配的序号。
// 只会因存储不可用而失败（落库失败时内存状态不变）。
func (l *Log) Append(ctx context.Context, op ot.Operation) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op.SequenceNo = uint64(len(l.ops)) + 1
	if l.store != nil {
		if err := l.store.AppendOperation(ctx, op); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	l.ops = append(l.ops, op)
	return op.SequenceNo, nil
}

// Since 返回所有 SequenceNo > version 的操作，升序。
// 纯读，可重复调用；后加入者追平和冲突窗口扫描都走这里。
func (l *Log) Since(version uint64) []ot.Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if version >= uint64(len(l.ops)) {
		return nil
	}
	// ops[i].SequenceNo == i+1，直接切片即可
	return append([]ot.Operation(nil), l.ops[version:]...)
}

// Recent 返回 createdAt 落在 window 内的操作（冲突检测用）。
func (l *Log) Recent(window time.Duration) []ot.Operation {
	cutoff := time.Now().Add(-window)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []ot.Operation
	// 日志按时间近似有序，从尾部回扫
	for i := len(l.ops) - 1; i >= 0; i-- {
		if l.ops[i].CreatedAt.Before(cutoff) {
			break
		}
		out = append(out, l.ops[i])
	}
	return out
}

// CurrentVersion 当前版本号 = 日志长度。生命周期内单调不减。
func (l *Log) CurrentVersion() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.ops))
}
