package ot

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 冲突解决策略
type Strategy string

const (
	StrategyMerge    Strategy = "merge"
	StrategyLastWins Strategy = "last_wins"
	StrategyManual   Strategy = "manual"
)

// ConflictResolution 一次冲突裁决的完整记录，追加进历史后只读。
type ConflictResolution struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionId"`
	Input      []Operation `json:"inputOperations"`
	Strategy   Strategy    `json:"strategy"`
	Output     []Operation `json:"outputOperations"`
	ResolvedAt time.Time   `json:"resolvedAt"`
}

// History 供冲突检测扫描的近期操作来源（由协作引擎基于 oplog 实现）。
type History interface {
	Recent(sessionID string, window time.Duration) []Operation
}

// EngineOptions 检测窗口参数。
// 源系统的 5s/10 只是示意值，不是行为契约，所以做成可配置。
type EngineOptions struct {
	ConflictWindow    time.Duration // 时间窗口，默认 5s
	PositionProximity int           // 位置邻近阈值，默认 10
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = 5 * time.Second
	}
	if o.PositionProximity <= 0 {
		o.PositionProximity = 10
	}
	return o
}

// Engine 冲突检测 + 裁决。
// 刻意用 时间窗口+位置邻近 的廉价启发式而不是完整 CRDT：
// 人类速度的编辑突发下，检测成本只有 O(窗口大小)。
type Engine struct {
	opt     EngineOptions
	history History

	mu sync.RWMutex
	// sessionID -> 裁决历史（审计用，只追加）
	resolutions map[string][]ConflictResolution
}

func NewEngine(history History, opt EngineOptions) *Engine {
	return &Engine{
		opt:         opt.withDefaults(),
		history:     history,
		resolutions: make(map[string][]ConflictResolution),
	}
}

// DetectConflicts 扫描时间窗口内、其他作者、位置落在邻近阈值内的已应用操作。
// 返回空集就是常见情况：直接应用即可。
func (e *Engine) DetectConflicts(sessionID string, op Operation) []Operation {
	recent := e.history.Recent(sessionID, e.opt.ConflictWindow)
	var out []Operation
	for _, prev := range recent {
		if prev.AuthorID == op.AuthorID {
			continue
		}
		if abs(prev.Position-op.Position) <= e.opt.PositionProximity {
			out = append(out, prev)
		}
	}
	return out
}

// Resolve 按策略裁决冲突集，并把结果追加进裁决历史。
// conflictSet 应包含引发冲突的新操作本身。
func (e *Engine) Resolve(sessionID string, conflictSet []Operation, strategy Strategy) ConflictResolution {
	res := ConflictResolution{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Input:      conflictSet,
		Strategy:   strategy,
		ResolvedAt: time.Now(),
	}

	switch strategy {
	case StrategyLastWins:
		res.Output = []Operation{lastWriter(conflictSet)}
	case StrategyMerge:
		res.Output = mergeOrdered(conflictSet)
	default:
		// manual：原样保留，由上层（UI）选定后重新提交。
		// 这里只负责记录未决集合并通过 ConflictResolved 事件上浮。
		res.Strategy = StrategyManual
		res.Output = append([]Operation(nil), conflictSet...)
	}

	e.mu.Lock()
	e.resolutions[sessionID] = append(e.resolutions[sessionID], res)
	e.mu.Unlock()
	return res
}

// Resolutions 返回某会话的裁决历史副本。
func (e *Engine) Resolutions(sessionID string) []ConflictResolution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ConflictResolution(nil), e.resolutions[sessionID]...)
}

// lastWriter createdAt 最大者胜出；时间戳相同时按 authorId 字典序取大，保证各端裁决一致。
func lastWriter(ops []Operation) Operation {
	win := ops[0]
	for _, op := range ops[1:] {
		if op.CreatedAt.After(win.CreatedAt) {
			win = op
			continue
		}
		if op.CreatedAt.Equal(win.CreatedAt) && op.AuthorID > win.AuthorID {
			win = op
		}
	}
	return win
}

// mergeOrdered 按 createdAt 升序排列，然后对每个操作做位置修正：
// 排序中先于它、且目标位置不超过它的操作，按净长度增量（insert +len，delete -length）
// 依次平移它的 position。这样整个序列按序应用不会破坏偏移。
func mergeOrdered(ops []Operation) []Operation {
	sorted := append([]Operation(nil), ops...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].AuthorID < sorted[j].AuthorID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make([]Operation, len(sorted))
	for i, op := range sorted {
		shift := 0
		for j := 0; j < i; j++ {
			if sorted[j].Position <= op.Position {
				shift += sorted[j].LengthDelta()
			}
		}
		op.Position += shift
		if op.Position < 0 {
			op.Position = 0
		}
		out[i] = op
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
