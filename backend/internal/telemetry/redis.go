package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// 键名
// metrics:count:{name}    累计计数 INCRBY
// metrics:gauge:{name}    最新值 SET
// metrics:timing:{name}   最近一次耗时 SET（毫秒）
const (
	countKeyPrefix  = "metrics:count:"
	gaugeKeyPrefix  = "metrics:gauge:"
	timingKeyPrefix = "metrics:timing:"
)

// RedisSink 把命名数值事件落到 Redis 计数器。
// 写失败只打日志：遥测绝不反压协作主链路。
type RedisSink struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisSink(rdb redis.UniversalClient) *RedisSink {
	return &RedisSink{rdb: rdb, ttl: 7 * 24 * time.Hour}
}

func (s *RedisSink) Count(ctx context.Context, name string, delta int64) {
	key := countKeyPrefix + name
	pipe := s.rdb.TxPipeline()
	pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("telemetry count failed (name=%s): %v", name, err)
	}
}

func (s *RedisSink) Timing(ctx context.Context, name string, ms int64) {
	if err := s.rdb.Set(ctx, timingKeyPrefix+name, ms, s.ttl).Err(); err != nil {
		log.Printf("telemetry timing failed (name=%s): %v", name, err)
	}
}

func (s *RedisSink) Gauge(ctx context.Context, name string, value int64) {
	if err := s.rdb.Set(ctx, gaugeKeyPrefix+name, value, s.ttl).Err(); err != nil {
		log.Printf("telemetry gauge failed (name=%s): %v", name, err)
	}
}
