package cache

import "fmt"

// 键语义：
// - roomKey(sessionID):           会话在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(sessionID):          会话内 userId→username 映射（Hash）
// - colorsKey(sessionID):         会话内 userId→颜色 映射（Hash）
// - infoKey(sessionID):           会话元信息（Hash<field -> value>）
// - cursorKey(sessionID, userID): 光标位置（String，带 TTL）

const (
	keyRoomFmt   = "presence:session:{sessionID:%s}"        // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:session:names:{sessionID:%s}"  // Hash<userId -> username>
	keyColorsFmt = "presence:session:colors:{sessionID:%s}" // Hash<userId -> color>
	keyInfoFmt   = "presence:session:info:{sessionID:%s}"   // Hash<name -> ...>
	keyCursorFmt = "presence:cursor:%s:%s"
)

func roomKey(sessionID string) string   { return fmt.Sprintf(keyRoomFmt, sessionID) }
func namesKey(sessionID string) string  { return fmt.Sprintf(keyNamesFmt, sessionID) }
func colorsKey(sessionID string) string { return fmt.Sprintf(keyColorsFmt, sessionID) }
func infoKey(sessionID string) string   { return fmt.Sprintf(keyInfoFmt, sessionID) }
func cursorKey(sessionID, userID string) string {
	return fmt.Sprintf(keyCursorFmt, sessionID, userID)
}
