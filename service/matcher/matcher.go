// Package matcher 陌生人匹配：在兼容的等待池里原子地“取一个或入队”。
package matcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"RandChat/logger"
	"RandChat/service/metrics"
	"RandChat/service/session"
	"RandChat/service/storage"
	"RandChat/tools/errs"
	"RandChat/tools/ids"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ===== 配置 =====
type Config struct {
	ProcessID       string
	StaleAfter      time.Duration // 等待超过该时长视为过期
	SweepEvery      time.Duration
	SessionTTL      time.Duration // 匹配脚本写入的会话 TTL
	DisableDegraded bool // 共享存储不可用时不启用本地队列，直接返回未匹配
	Clock           func() time.Time
}

func (c *Config) norm() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 60 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 2 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Entry struct {
	UserID     string
	Preference Preference
	EnqueuedAt time.Time
	ProcessID  string
}

type Result struct {
	Matched   bool
	Session   *session.Session
	PartnerID string
	Partner   Entry
	Degraded  bool // 由本地队列撮合
}

type Stats struct {
	Male   int64 `json:"male"`
	Female int64 `json:"female"`
	Both   int64 `json:"both"`
	Total  int64 `json:"total"`
}

// SessionCreator 降级匹配成功后创建本进程会话；共享路径的会话由匹配脚本直接写入
type SessionCreator interface {
	CreateLocal(ctx context.Context, userA, userB string) (*session.Session, error)
}

type Matcher struct {
	rdb      redis.UniversalClient
	sessions SessionCreator
	conf     Config
	local    *LocalQueue

	luaMatch *redis.Script
	luaLeave *redis.Script
	luaSweep *redis.Script
}

// ===== Lua 脚本 =====

// 匹配或入队（单步原子），匹配成功时在同一脚本里写入会话
// KEYS[1..3] = male/female/both 分区  KEYS[4] = 全量监控池  KEYS[5] = chat:active_sessions
// ARGV[1] = userId ARGV[2] = preference ARGV[3] = processId ARGV[4] = nowMs
// ARGV[5] = staleCutoffMs ARGV[6] = entryTTLSec ARGV[7] = entry key 前缀
// ARGV[8] = 新会话 id ARGV[9] = user:chat: 前缀 ARGV[10] = chat:session: 前缀 ARGV[11] = sessionTTLSec
// ARGV[12..] = 需要扫描的分区名
// 返回：{0} 已入队；{1, partnerId, partnerPref, partnerProcess, partnerEnqueuedAt}；
// {2, sessionId} 请求者已在活跃会话中，未入队
const luaMatch = `
local uid, pref, pid = ARGV[1], ARGV[2], ARGV[3]
local now, cutoff, ttl, prefix = ARGV[4], ARGV[5], tonumber(ARGV[6]), ARGV[7]
local sid, chatPrefix, sessPrefix, sessTTL = ARGV[8], ARGV[9], ARGV[10], tonumber(ARGV[11])
local pools = {male = KEYS[1], female = KEYS[2], both = KEYS[3]}

local function activeSession(u)
  local cur = redis.call("GET", chatPrefix .. u)
  if cur and redis.call("HGET", sessPrefix .. cur, "status") == "active" then
    return cur
  end
  return nil
end

local function dequeue(u)
  for i = 1, 4 do
    redis.call("ZREM", KEYS[i], u)
  end
  redis.call("DEL", prefix .. u)
end

for i = 1, 4 do
  redis.call("ZREMRANGEBYSCORE", KEYS[i], "-inf", "(" .. cutoff)
end
dequeue(uid)

local mine = activeSession(uid)
if mine then
  return {2, mine}
end

local best, bestScore, bestPref
for i = 12, #ARGV do
  local p = ARGV[i]
  for _ = 1, 16 do
    local head = redis.call("ZRANGE", pools[p], 0, 0, "WITHSCORES")
    if not head[1] then
      break
    end
    if activeSession(head[1]) then
      -- 已经配上的人不再留在队列里
      dequeue(head[1])
    else
      local score = tonumber(head[2])
      if best == nil or score < bestScore then
        best, bestScore, bestPref = head[1], score, p
      end
      break
    end
  end
end

if best then
  local ek = prefix .. best
  local owner = redis.call("HGET", ek, "serverId") or ""
  local at = redis.call("HGET", ek, "enqueuedAt") or ""
  dequeue(best)

  local sk = sessPrefix .. sid
  redis.call("HSET", sk, "id", sid, "userA", best, "userB", uid, "status", "active", "createdAt", now)
  redis.call("EXPIRE", sk, sessTTL)
  redis.call("SADD", KEYS[5], sid)
  redis.call("SET", chatPrefix .. best, sid, "EX", sessTTL)
  redis.call("SET", chatPrefix .. uid, sid, "EX", sessTTL)
  return {1, best, bestPref, owner, at}
end

redis.call("ZADD", pools[pref], now, uid)
redis.call("ZADD", KEYS[4], now, uid)
local ek = prefix .. uid
redis.call("HSET", ek, "userId", uid, "preference", pref, "serverId", pid, "enqueuedAt", now)
redis.call("EXPIRE", ek, ttl)
return {0}
`

// KEYS 同上；ARGV[1] = userId ARGV[2] = entry key 前缀
// 返回：移除的条目数（0 表示本来就不在队列）
const luaLeave = `
local n = 0
for i = 1, 3 do
  n = n + redis.call("ZREM", KEYS[i], ARGV[1])
end
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("DEL", ARGV[2] .. ARGV[1])
return n
`

// KEYS 同上；ARGV[1] = staleCutoffMs ARGV[2] = entry key 前缀
// 返回：被清理的 userId 列表
const luaSweep = `
local seen, out = {}, {}
for i = 1, 4 do
  local victims = redis.call("ZRANGEBYSCORE", KEYS[i], "-inf", "(" .. ARGV[1])
  for _, v in ipairs(victims) do
    if not seen[v] then
      seen[v] = true
      table.insert(out, v)
    end
  end
  redis.call("ZREMRANGEBYSCORE", KEYS[i], "-inf", "(" .. ARGV[1])
end
for _, v in ipairs(out) do
  redis.call("DEL", ARGV[2] .. v)
end
return out
`

func NewMatcher(rdb redis.UniversalClient, sessions SessionCreator, conf Config) *Matcher {
	conf.norm()
	return &Matcher{
		rdb:      rdb,
		sessions: sessions,
		conf:     conf,
		local:    NewLocalQueue(conf.StaleAfter),
		luaMatch: redis.NewScript(luaMatch),
		luaLeave: redis.NewScript(luaLeave),
		luaSweep: redis.NewScript(luaSweep),
	}
}

func poolKeys() []string {
	return []string{
		storage.PoolKey(string(Male)),
		storage.PoolKey(string(Female)),
		storage.PoolKey(string(Both)),
		storage.PoolUnionKey(),
	}
}

// RequestMatch 匹配成功返回会话；否则已入队，返回 Matched=false。
// 共享存储异常不向上抛：降级到本地队列或直接返回未匹配。
func (m *Matcher) RequestMatch(ctx context.Context, userID string, pref Preference) (Result, error) {
	if userID == "" || len(Partitions(pref)) == 0 {
		return Result{}, errs.ErrArgs.WrapMsg("request match", "userId", userID, "preference", pref)
	}
	now := m.conf.Clock()
	me := Entry{UserID: userID, Preference: pref, EnqueuedAt: now, ProcessID: m.conf.ProcessID}

	sid := ids.GenerateString()
	partner, matched, err := m.matchShared(ctx, me, sid, now)
	if err != nil {
		if errs.Code(err) == errs.AlreadyInSessionError {
			return Result{}, err
		}
		logger.Warn("[Matcher] shared match unavailable", zap.String("userId", userID), zap.Error(err))
		if m.conf.DisableDegraded {
			metrics.MatchTotal.WithLabelValues("failed").Inc()
			return Result{}, nil
		}
		return m.matchLocal(ctx, me, now)
	}

	// 共享路径已生效，清掉可能残留的降级条目
	m.local.Leave(userID)
	if !matched {
		metrics.MatchTotal.WithLabelValues("enqueued").Inc()
		return Result{}, nil
	}
	m.local.Leave(partner.UserID)
	return m.matched(session.Matched(sid, partner.UserID, userID, now), partner, false), nil
}

func matchKeys() []string {
	return append(poolKeys(), storage.ActiveChatsKey)
}

func (m *Matcher) matchShared(ctx context.Context, me Entry, sid string, now time.Time) (Entry, bool, error) {
	parts := Partitions(me.Preference)
	args := make([]any, 0, 11+len(parts))
	args = append(args,
		me.UserID,
		string(me.Preference),
		me.ProcessID,
		now.UnixMilli(),
		now.Add(-m.conf.StaleAfter).UnixMilli(),
		int64(m.conf.StaleAfter/time.Second),
		storage.QueueEntryPrefix,
		sid,
		storage.UserChatPrefix,
		storage.SessionPrefix,
		int64(m.conf.SessionTTL/time.Second),
	)
	for _, p := range parts {
		args = append(args, string(p))
	}

	res, err := m.luaMatch.Run(ctx, m.rdb, matchKeys(), args...).Slice()
	if err != nil {
		return Entry{}, false, errs.ErrStoreUnavailable.WrapMsg("match script", "err", err)
	}
	if len(res) == 0 {
		return Entry{}, false, nil
	}
	switch toInt(res[0]) {
	case 1:
	case 2:
		cur := ""
		if len(res) > 1 {
			cur = toString(res[1])
		}
		return Entry{}, false, errs.ErrAlreadyInSession.WrapMsg("request match", "userId", me.UserID, "sessionId", cur)
	default:
		return Entry{}, false, nil
	}
	if len(res) < 5 {
		return Entry{}, false, errs.ErrStoreUnavailable.WrapMsg("match script reply", "len", len(res))
	}
	partner := Entry{
		UserID:     toString(res[1]),
		Preference: Preference(toString(res[2])),
		ProcessID:  toString(res[3]),
	}
	if ms, err := strconv.ParseInt(toString(res[4]), 10, 64); err == nil {
		partner.EnqueuedAt = time.UnixMilli(ms)
	}
	return partner, true, nil
}

func (m *Matcher) matchLocal(ctx context.Context, me Entry, now time.Time) (Result, error) {
	partner, ok := m.local.MatchOrEnqueue(me, now)
	if !ok {
		metrics.MatchTotal.WithLabelValues("degraded_enqueued").Inc()
		return Result{}, nil
	}
	s, err := m.sessions.CreateLocal(ctx, partner.UserID, me.UserID)
	if err != nil {
		logger.Error("[Matcher] create local session failed, requeue partner",
			zap.String("userId", me.UserID), zap.String("partnerId", partner.UserID), zap.Error(err))
		m.requeue(ctx, partner, true)
		metrics.MatchTotal.WithLabelValues("failed").Inc()
		return Result{}, nil
	}
	return m.matched(s, partner, true), nil
}

// matched 每次匹配只产生一个会话
func (m *Matcher) matched(s *session.Session, partner Entry, degraded bool) Result {
	outcome := "matched"
	if degraded {
		outcome = "degraded_matched"
	}
	metrics.MatchTotal.WithLabelValues(outcome).Inc()
	logger.Info("[Matcher] matched",
		zap.String("sessionId", s.ID),
		zap.String("userId", s.UserB),
		zap.String("partnerId", partner.UserID),
		zap.Bool("degraded", degraded))

	return Result{
		Matched:   true,
		Session:   s,
		PartnerID: partner.UserID,
		Partner:   partner,
		Degraded:  degraded,
	}
}

// requeue 把已被摘下的对方放回原位（保留原入队时间）
func (m *Matcher) requeue(ctx context.Context, e Entry, degraded bool) {
	if degraded {
		m.local.MatchOrEnqueue(e, m.conf.Clock())
		return
	}
	score := float64(e.EnqueuedAt.UnixMilli())
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, storage.PoolKey(string(e.Preference)), redis.Z{Score: score, Member: e.UserID})
		p.ZAdd(ctx, storage.PoolUnionKey(), redis.Z{Score: score, Member: e.UserID})
		p.HSet(ctx, storage.QueueEntryKey(e.UserID),
			"userId", e.UserID,
			"preference", string(e.Preference),
			"serverId", e.ProcessID,
			"enqueuedAt", e.EnqueuedAt.UnixMilli())
		p.Expire(ctx, storage.QueueEntryKey(e.UserID), m.conf.StaleAfter)
		return nil
	})
	if err != nil {
		logger.Warn("[Matcher] requeue failed", zap.String("userId", e.UserID), zap.Error(err))
	}
}

// LeaveQueue 从所有分区移除该用户；不在队列时不报错
func (m *Matcher) LeaveQueue(ctx context.Context, userID string) (bool, error) {
	localRemoved := m.local.Leave(userID)
	n, err := m.luaLeave.Run(ctx, m.rdb, poolKeys(), userID, storage.QueueEntryPrefix).Int()
	if err != nil {
		return localRemoved, errs.ErrStoreUnavailable.WrapMsg("leave queue", "userId", userID, "err", err)
	}
	return localRemoved || n > 0, nil
}

// Waiting 查询用户当前的排队条目；不在队列返回 nil
func (m *Matcher) Waiting(ctx context.Context, userID string) (*Entry, error) {
	h, err := m.rdb.HGetAll(ctx, storage.QueueEntryKey(userID)).Result()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("queue entry", "userId", userID, "err", err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	e := &Entry{UserID: userID, Preference: Preference(h["preference"]), ProcessID: h["serverId"]}
	if ms, err := strconv.ParseInt(h["enqueuedAt"], 10, 64); err == nil {
		e.EnqueuedAt = time.UnixMilli(ms)
	}
	return e, nil
}

// Sweep 清理等待过久的条目（共享池 + 本地池）
func (m *Matcher) Sweep(ctx context.Context) (int, error) {
	now := m.conf.Clock()
	n := m.local.Sweep(now)

	cutoff := now.Add(-m.conf.StaleAfter).UnixMilli()
	victims, err := m.luaSweep.Run(ctx, m.rdb, poolKeys(), cutoff, storage.QueueEntryPrefix).StringSlice()
	if err != nil {
		return n, errs.ErrStoreUnavailable.WrapMsg("sweep queue", "err", err)
	}
	n += len(victims)
	if n > 0 {
		metrics.QueueSwept.Add(float64(n))
	}
	return n, nil
}

func (m *Matcher) QueueStats(ctx context.Context) (Stats, error) {
	var cmds []*redis.IntCmd
	_, err := m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range poolKeys() {
			cmds = append(cmds, p.ZCard(ctx, k))
		}
		return nil
	})
	if err != nil {
		return Stats{}, errs.ErrStoreUnavailable.WrapMsg("queue stats", "err", err)
	}
	return Stats{
		Male:   cmds[0].Val(),
		Female: cmds[1].Val(),
		Both:   cmds[2].Val(),
		Total:  cmds[3].Val(),
	}, nil
}

// Run 周期清理，阻塞到 ctx 结束
func (m *Matcher) Run(ctx context.Context) {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				logger.Warn("[Matcher] sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("[Matcher] swept stale entries", zap.Int("count", n))
			}
		}
	}
}

func toInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return fmt.Sprint(v)
}
