// Package presence 记录每个在线用户当前连接在哪个进程上，是跨进程投递的唯一寻址依据。
package presence

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"RandChat/logger"
	"RandChat/service/metrics"
	"RandChat/service/storage"
	"RandChat/tools/errs"
	"RandChat/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ===== 配置 =====
type Config struct {
	TTL           time.Duration    // 在线记录存活期，心跳续期
	ReapEvery     time.Duration    // 过期记录清理周期
	ReapBatch     int              // 单轮最多清理条数
	ProcessTTL    time.Duration    // 进程存活标记 TTL
	AnnounceEvery time.Duration    // 进程存活标记刷新周期
	Clock         func() time.Time // 可注入时钟（单测用）
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.ReapEvery <= 0 {
		c.ReapEvery = 60 * time.Second
	}
	if c.ReapBatch <= 0 {
		c.ReapBatch = 500
	}
	if c.ProcessTTL <= 0 {
		c.ProcessTTL = 30 * time.Second
	}
	if c.AnnounceEvery <= 0 {
		c.AnnounceEvery = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Record struct {
	UserID      string
	ProcessID   string
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// ReapFunc 被清理用户的后续处理（结束会话、离开队列）
type ReapFunc func(ctx context.Context, userID string)

type Registry struct {
	rdb  redis.UniversalClient
	conf Config

	mu     sync.RWMutex
	onReap ReapFunc

	luaRegister   *redis.Script
	luaUnregister *redis.Script
	luaHeartbeat  *redis.Script
}

// ===== Lua 脚本 =====

// KEYS[1] = ws:session:<uid>  KEYS[2] = ws:active_sessions  KEYS[3] = stats:online_users
// ARGV[1] = userId  ARGV[2] = processId  ARGV[3] = nowMs  ARGV[4] = ttlSec
// 返回：1 新上线；0 覆盖已有记录（重连）
const luaRegister = `
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "userId", ARGV[1], "serverId", ARGV[2], "connectedAt", ARGV[3], "lastSeen", ARGV[3])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[4]))
local added = redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
if added == 1 then
  redis.call("INCR", KEYS[3])
end
return added
`

// KEYS 同上
// ARGV[1] = userId  ARGV[2] = owner（空串不校验）  ARGV[3] = staleBeforeMs（0 不校验）
// 返回：1 已下线；0 未处理（归属不符 / 已续期 / 本来就不在线）
const luaUnregister = `
local exists = redis.call("EXISTS", KEYS[1])
if exists == 1 then
  if ARGV[2] ~= "" and redis.call("HGET", KEYS[1], "serverId") ~= ARGV[2] then
    return 0
  end
  local cutoff = tonumber(ARGV[3])
  if cutoff > 0 then
    local seen = tonumber(redis.call("HGET", KEYS[1], "lastSeen") or "0")
    if seen > cutoff then
      return 0
    end
  end
  redis.call("DEL", KEYS[1])
end
local removed = redis.call("ZREM", KEYS[2], ARGV[1])
if removed == 1 then
  if redis.call("DECR", KEYS[3]) < 0 then
    redis.call("SET", KEYS[3], "0")
  end
  return 1
end
return exists
`

// KEYS 同上
// ARGV[1] = userId  ARGV[2] = nowMs  ARGV[3] = ttlSec
// 返回：1 续期成功；0 记录不存在
const luaHeartbeat = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "lastSeen", ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
if redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1]) == 1 then
  redis.call("INCR", KEYS[3])
end
return 1
`

func NewRegistry(rdb redis.UniversalClient, conf Config) *Registry {
	conf.norm()
	return &Registry{
		rdb:           rdb,
		conf:          conf,
		luaRegister:   redis.NewScript(luaRegister),
		luaUnregister: redis.NewScript(luaUnregister),
		luaHeartbeat:  redis.NewScript(luaHeartbeat),
	}
}

func (r *Registry) OnReap(fn ReapFunc) {
	r.mu.Lock()
	r.onReap = fn
	r.mu.Unlock()
}

func (r *Registry) keys(userID string) []string {
	return []string{storage.PresenceKey(userID), storage.ActiveSessionsKey, storage.OnlineCountKey}
}

func (r *Registry) nowMs() string {
	return strconv.FormatInt(r.conf.Clock().UnixMilli(), 10)
}

func (r *Registry) ttlSec() int64 {
	return int64(r.conf.TTL / time.Second)
}

// Register 写入在线记录；同一用户重连会覆盖旧记录
func (r *Registry) Register(ctx context.Context, userID, processID string) error {
	if userID == "" || processID == "" {
		return errs.ErrArgs.WrapMsg("register", "userId", userID, "processId", processID)
	}
	_, err := r.luaRegister.Run(ctx, r.rdb, r.keys(userID), userID, processID, r.nowMs(), r.ttlSec()).Int()
	if err != nil {
		return errs.WrapMsg(err, "presence register", "userId", userID)
	}
	return nil
}

// Unregister 删除在线记录；processID 非空时只删除归属该进程的记录。幂等。
func (r *Registry) Unregister(ctx context.Context, userID, processID string) (bool, error) {
	return r.unregister(ctx, userID, processID, 0)
}

func (r *Registry) unregister(ctx context.Context, userID, owner string, staleBeforeMs int64) (bool, error) {
	n, err := r.luaUnregister.Run(ctx, r.rdb, r.keys(userID), userID, owner, staleBeforeMs).Int()
	if err != nil {
		return false, errs.WrapMsg(err, "presence unregister", "userId", userID)
	}
	return n == 1, nil
}

// Heartbeat 刷新 lastSeen 并续期 TTL；记录不存在返回 false
func (r *Registry) Heartbeat(ctx context.Context, userID string) (bool, error) {
	n, err := r.luaHeartbeat.Run(ctx, r.rdb, r.keys(userID), userID, r.nowMs(), r.ttlSec()).Int()
	if err != nil {
		return false, errs.WrapMsg(err, "presence heartbeat", "userId", userID)
	}
	return n == 1, nil
}

// Locate 返回持有该用户连接的进程
func (r *Registry) Locate(ctx context.Context, userID string) (string, bool, error) {
	pid, err := r.rdb.HGet(ctx, storage.PresenceKey(userID), "serverId").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapMsg(err, "presence locate", "userId", userID)
	}
	return pid, pid != "", nil
}

// Lookup 返回完整在线记录；不在线返回 nil
func (r *Registry) Lookup(ctx context.Context, userID string) (*Record, error) {
	m, err := r.rdb.HGetAll(ctx, storage.PresenceKey(userID)).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "presence lookup", "userId", userID)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return &Record{
		UserID:      m["userId"],
		ProcessID:   m["serverId"],
		ConnectedAt: msToTime(m["connectedAt"]),
		LastSeenAt:  msToTime(m["lastSeen"]),
	}, nil
}

func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	n, err := r.rdb.Get(ctx, storage.OnlineCountKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.WrapMsg(err, "online count")
	}
	return n, nil
}

// Reap 强制下线 lastSeen 早于 TTL 窗口的记录，返回被清理的用户
func (r *Registry) Reap(ctx context.Context) ([]string, error) {
	cutoff := r.conf.Clock().Add(-r.conf.TTL).UnixMilli()
	users, err := r.rdb.ZRangeByScore(ctx, storage.ActiveSessionsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(cutoff, 10),
		Count: int64(r.conf.ReapBatch),
	}).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "presence reap scan")
	}

	var reaped []string
	for _, uid := range users {
		ok, err := r.unregister(ctx, uid, "", cutoff)
		if err != nil {
			return reaped, err
		}
		if ok {
			reaped = append(reaped, uid)
		}
	}
	if len(reaped) > 0 {
		metrics.PresenceReaped.Add(float64(len(reaped)))
	}
	return reaped, nil
}

// ===== 进程存活 =====

func (r *Registry) AnnounceProcess(ctx context.Context, processID string) error {
	now := r.conf.Clock().UnixMilli()
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, storage.ProcessAliveKey(processID), now, r.conf.ProcessTTL)
		p.ZAdd(ctx, storage.ProcessSetKey, redis.Z{Score: float64(now), Member: processID})
		return nil
	})
	return errs.WrapMsg(err, "announce process", "processId", processID)
}

func (r *Registry) RetireProcess(ctx context.Context, processID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, storage.ProcessAliveKey(processID))
		p.ZRem(ctx, storage.ProcessSetKey, processID)
		return nil
	})
	return errs.WrapMsg(err, "retire process", "processId", processID)
}

// LiveProcesses 最近 ProcessTTL 内报到过的进程
func (r *Registry) LiveProcesses(ctx context.Context) ([]string, error) {
	cutoff := r.conf.Clock().Add(-r.conf.ProcessTTL).UnixMilli()
	if err := r.rdb.ZRemRangeByScore(ctx, storage.ProcessSetKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, errs.WrapMsg(err, "live processes trim")
	}
	out, err := r.rdb.ZRange(ctx, storage.ProcessSetKey, 0, -1).Result()
	if err != nil {
		return nil, errs.WrapMsg(err, "live processes")
	}
	return out, nil
}

// Run 后台：进程报到 + 过期记录清理，阻塞到 ctx 结束
func (r *Registry) Run(ctx context.Context, processID string) {
	if err := r.AnnounceProcess(ctx, processID); err != nil {
		logger.Warn("[Presence] announce failed", zap.String("processId", processID), zap.Error(err))
	}

	announce := time.NewTicker(r.conf.AnnounceEvery)
	reap := time.NewTicker(r.conf.ReapEvery)
	defer announce.Stop()
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-announce.C:
			if err := r.AnnounceProcess(ctx, processID); err != nil {
				logger.Warn("[Presence] announce failed", zap.String("processId", processID), zap.Error(err))
			}
		case <-reap.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce 清理一轮并对每个被清理的用户执行 OnReap 回调
func (r *Registry) ReapOnce(ctx context.Context) []string {
	users, err := r.Reap(ctx)
	if err != nil {
		logger.Warn("[Presence] reap failed", zap.Error(err))
	}
	if len(users) == 0 {
		return nil
	}
	logger.Info("[Presence] reaped stale users", zap.Int("count", len(users)))

	r.mu.RLock()
	fn := r.onReap
	r.mu.RUnlock()
	if fn == nil {
		return users
	}
	for _, uid := range users {
		uid := uid
		safe.Run("presence.onReap", func() { fn(ctx, uid) })
	}
	return users
}

func msToTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
