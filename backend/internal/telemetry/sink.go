package telemetry

import "context"

// 遥测事件名（名称, 单位）
const (
	MetricOperationSent    = "collaboration_operation_sent"    // count
	MetricMessageLatency   = "collaboration_message_latency"   // ms
	MetricConflictResolved = "collaboration_conflict_resolved" // count
	MetricActiveSessions   = "collaboration_active_sessions"   // count
)

// Sink 命名数值事件的接收端。如何可视化不归这里管。
type Sink interface {
	Count(ctx context.Context, name string, delta int64)
	Timing(ctx context.Context, name string, ms int64)
	Gauge(ctx context.Context, name string, value int64)
}

// Nop 静默实现，未配置遥测后端时注入。
type Nop struct{}

func (Nop) Count(context.Context, string, int64)  {}
func (Nop) Timing(context.Context, string, int64) {}
func (Nop) Gauge(context.Context, string, int64)  {}
