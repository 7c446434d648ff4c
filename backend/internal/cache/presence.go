package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

type PresenceCache interface {
	AddMember(ctx context.Context, sessionID, participantID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, participantID string) error
	GetSessions(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, sessionID, participantID string, position int, ttl time.Duration) error
	GetCursor(ctx context.Context, sessionID, participantID string) (int, error)
}

type PresenceMember struct {
	ParticipantID string
	DisplayName   string
}

// 具体实现：基于 redis 的 PresenceCache。
// 成员在线状态用 ZSET 的 score 表达逻辑 TTL（expireAt Unix 秒），
// 读取时先用 Lua 原子清理过期成员。
type redisPresence struct {
	rdb redis.UniversalClient
	// 并发的同会话成员扫描合并成一次 Redis 往返
	sf singleflight.Group
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, sessionID, participantID, displayName string, ttl time.Duration) error {
	// 刷新TTL也直接调用AddMember即可
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: participantID})
	tx.HSet(ctx, namesKey(sessionID), participantID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, sessionID, participantID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), participantID)
	tx.HDel(ctx, namesKey(sessionID), participantID)
	tx.Del(ctx, cursorKey(sessionID, participantID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetSessions(ctx context.Context) ([]string, error) {
	var sessions []string
	iter := p.rdb.Scan(ctx, 0, "presence:room:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也以 presence:room: 开头，需要过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "presence:room:{sessionID:"), "}")
		if id != "" {
			sessions = append(sessions, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, sessionID, participantID string, position int, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(sessionID, participantID), position, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, sessionID, participantID string) (int, error) {
	v, err := p.rdb.Get(ctx, cursorKey(sessionID, participantID)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// singleflight：同会话的并发读合并
	v, err, _ := p.sf.Do(sessionID, func() (interface{}, error) {
		return p.aliveMembers(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	members, _ := v.([]PresenceMember)
	return members, nil
}

func (p *redisPresence) aliveMembers(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	// step1: 清理过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(sessionID)
	-- KEYS[2] = namesKey(sessionID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(sessionID), namesKey(sessionID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{ParticipantID: aliveIDs[i], DisplayName: name})
	}
	return members, nil
}
