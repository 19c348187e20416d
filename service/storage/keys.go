// Package storage 定义共享状态存储（Redis）中的 key 布局。
// 匹配池相关 key 共用 {pool} hash-tag，保证匹配脚本涉及的 key 落在同一 slot。
package storage

const (
	poolPrefix = "mm:{pool}:"

	ActiveSessionsKey  = "ws:active_sessions" // ZSET userId -> lastSeen(ms)
	OnlineCountKey     = "stats:online_users"
	ProcessSetKey      = "active_servers" // ZSET processId -> lastAnnounce(ms)
	ActiveChatsKey     = "chat:active_sessions"
	QueueEntryPrefix   = poolPrefix + "entry:"
	UserChatPrefix     = "user:chat:"
	SessionPrefix      = "chat:session:"
	RateLimitKeyPrefix = "rate:"
)

// PoolKey 按偏好分区的等待池
func PoolKey(pref string) string { return poolPrefix + pref }

// PoolUnionKey 仅用于监控的全量等待池
func PoolUnionKey() string { return poolPrefix + "queue" }

func QueueEntryKey(userID string) string { return QueueEntryPrefix + userID }

func PresenceKey(userID string) string { return "ws:session:" + userID }

func MailboxKey(processID string) string { return "server:" + processID + ":messages" }

func ProcessAliveKey(processID string) string { return "server:" + processID + ":alive" }

func SessionKey(sessionID string) string { return SessionPrefix + sessionID }

func SessionGamesKey(sessionID string) string { return SessionPrefix + sessionID + ":games" }

func UserChatKey(userID string) string { return UserChatPrefix + userID }

func GameKey(gameID string) string { return "game:break_ice:" + gameID }

func RateLimitKey(action, userID string) string { return RateLimitKeyPrefix + action + ":" + userID }

func UserCacheKey(userID string) string { return "user:cache:" + userID }
