package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):    会话在线成员（ZSet<participantId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):   会话内 participantId→displayName 映射（Hash）
// - cursorKey(...):        参与者光标位置（String，带 TTL）

// {} 包住 sessionID：Redis Cluster 只对 {} 内部做 CRC16，
// 同一会话的各个键落在同一槽位，Lua 脚本才能原子操作。

const (
	keyRoomFmt   = "presence:room:{sessionID:%s}"       // ZSet<participantId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{sessionID:%s}" // Hash<participantId -> displayName>
	keyCursorFmt = "presence:cursor:{sessionID:%s}:%s"  // String<position>
)

func roomKey(sessionID string) string  { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string { return fmt.Sprintf(keyNamesFmt, sessionID) }
func cursorKey(sessionID, participantID string) string {
	return fmt.Sprintf(keyCursorFmt, sessionID, participantID)
}
