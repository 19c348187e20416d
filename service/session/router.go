// Package session 会话登记与路由：成员查找、向双方扇出事件、幂等结束。
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"RandChat/logger"
	"RandChat/service/metrics"
	"RandChat/service/protocol"
	"RandChat/service/storage"
	"RandChat/tools/errs"
	"RandChat/tools/ids"
	"RandChat/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Session struct {
	ID        string
	UserA     string
	UserB     string
	Status    Status
	CreatedAt time.Time
	EndedAt   time.Time
	EndedBy   string
	Degraded  bool // 仅存在于本进程内存（共享存储不可用时创建）
}

func (s *Session) Has(userID string) bool {
	return userID != "" && (s.UserA == userID || s.UserB == userID)
}

// Partner 返回另一方
func (s *Session) Partner(userID string) (string, bool) {
	switch userID {
	case s.UserA:
		return s.UserB, true
	case s.UserB:
		return s.UserA, true
	}
	return "", false
}

func (s *Session) Members() []string { return []string{s.UserA, s.UserB} }

func (s *Session) Active() bool { return s.Status == StatusActive }

// Deliverer 消息总线
type Deliverer interface {
	Deliver(ctx context.Context, userID string, ev protocol.Event) (bool, error)
}

// EndHook 会话结束后的附加动作（取消小游戏、落库等）
type EndHook func(ctx context.Context, s *Session)

type Config struct {
	TTL         time.Duration // 活跃会话缓存 TTL
	EndedTTL    time.Duration // 结束后保留多久（迟到的帧还能查到成员）
	Clock       func() time.Time
	DisableSync bool // 单测：hooks 同步执行
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = 2 * time.Hour
	}
	if c.EndedTTL <= 0 {
		c.EndedTTL = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Router struct {
	rdb  redis.UniversalClient
	bus  Deliverer
	conf Config

	hookMu sync.RWMutex
	hooks  []EndHook

	// 降级：共享存储不可用时在本进程内维护会话
	localMu     sync.Mutex
	local       map[string]*Session
	localByUser map[string]string

	luaCreate *redis.Script
	luaEnd    *redis.Script
}

// ===== Lua 脚本 =====

// KEYS[1] = chat:session:<sid>  KEYS[2] = chat:active_sessions
// KEYS[3] = user:chat:<a>       KEYS[4] = user:chat:<b>
// ARGV[1] = sid ARGV[2] = a ARGV[3] = b ARGV[4] = nowMs ARGV[5] = ttlSec
const luaCreate = `
redis.call("HSET", KEYS[1], "id", ARGV[1], "userA", ARGV[2], "userB", ARGV[3], "status", "active", "createdAt", ARGV[4])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[5]))
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[1], "EX", tonumber(ARGV[5]))
redis.call("SET", KEYS[4], ARGV[1], "EX", tonumber(ARGV[5]))
return 1
`

// 状态 CAS：只有第一个调用者能把 active 改成 ended
// KEYS[1] = chat:session:<sid>  KEYS[2] = chat:active_sessions
// ARGV[1] = sid ARGV[2] = endedBy ARGV[3] = nowMs ARGV[4] = user:chat: 前缀 ARGV[5] = endedTTLSec
// 返回：1 本次结束；0 已结束；-1 不存在
const luaEnd = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return -1
end
if status ~= "active" then
  return 0
end
redis.call("HSET", KEYS[1], "status", "ended", "endedAt", ARGV[3], "endedBy", ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[5]))
redis.call("SREM", KEYS[2], ARGV[1])
for _, f in ipairs({"userA", "userB"}) do
  local u = redis.call("HGET", KEYS[1], f)
  if u then
    local k = ARGV[4] .. u
    if redis.call("GET", k) == ARGV[1] then
      redis.call("DEL", k)
    end
  end
end
return 1
`

func NewRouter(rdb redis.UniversalClient, bus Deliverer, conf Config) *Router {
	conf.norm()
	return &Router{
		rdb:         rdb,
		bus:         bus,
		conf:        conf,
		local:       make(map[string]*Session),
		localByUser: make(map[string]string),
		luaCreate:   redis.NewScript(luaCreate),
		luaEnd:      redis.NewScript(luaEnd),
	}
}

// SetDeliverer 总线与路由互相依赖时在装配阶段补上
func (r *Router) SetDeliverer(bus Deliverer) { r.bus = bus }

func (r *Router) OnEnd(h EndHook) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hookMu.Unlock()
}

// Matched 匹配脚本已在共享存储里原子写好的会话
func Matched(sessionID, userA, userB string, at time.Time) *Session {
	return &Session{ID: sessionID, UserA: userA, UserB: userB, Status: StatusActive, CreatedAt: at}
}

// Create 直接登记一个共享会话；存储写失败时返回错误，不回退到本地
func (r *Router) Create(ctx context.Context, userA, userB string) (*Session, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, errs.ErrArgs.WrapMsg("create session", "userA", userA, "userB", userB)
	}
	now := r.conf.Clock()
	s := Matched(ids.GenerateString(), userA, userB, now)
	keys := []string{
		storage.SessionKey(s.ID), storage.ActiveChatsKey,
		storage.UserChatKey(userA), storage.UserChatKey(userB),
	}
	ttl := int64(r.conf.TTL / time.Second)
	if err := r.luaCreate.Run(ctx, r.rdb, keys, s.ID, userA, userB, now.UnixMilli(), ttl).Err(); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("create session", "sessionId", s.ID, "err", err)
	}
	return s, nil
}

// CreateLocal 共享存储不可用时的降级会话，只存在于本进程；双方都在本进程才会走到这里
func (r *Router) CreateLocal(_ context.Context, userA, userB string) (*Session, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, errs.ErrArgs.WrapMsg("create local session", "userA", userA, "userB", userB)
	}
	s := Matched(ids.GenerateString(), userA, userB, r.conf.Clock())
	s.Degraded = true

	r.localMu.Lock()
	defer r.localMu.Unlock()
	for _, uid := range s.Members() {
		if cur, ok := r.local[r.localByUser[uid]]; ok && cur.Active() {
			return nil, errs.ErrAlreadyInSession.WrapMsg("create local session", "userId", uid, "sessionId", cur.ID)
		}
	}
	r.local[s.ID] = s
	r.localByUser[userA] = s.ID
	r.localByUser[userB] = s.ID
	cp := *s
	return &cp, nil
}

// Get 查会话（含已结束、在保留期内的）
func (r *Router) Get(ctx context.Context, sessionID string) (*Session, error) {
	if s := r.getLocal(sessionID); s != nil {
		return s, nil
	}
	m, err := r.rdb.HGetAll(ctx, storage.SessionKey(sessionID)).Result()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("get session", "sessionId", sessionID, "err", err)
	}
	if len(m) == 0 {
		return nil, errs.ErrSessionNotFound.WrapMsg("get session", "sessionId", sessionID)
	}
	return fromHash(sessionID, m), nil
}

// ActiveFor 用户当前的活跃会话；没有返回 nil
func (r *Router) ActiveFor(ctx context.Context, userID string) (*Session, error) {
	r.localMu.Lock()
	sid, ok := r.localByUser[userID]
	r.localMu.Unlock()
	if !ok {
		var err error
		sid, err = r.rdb.Get(ctx, storage.UserChatKey(userID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, errs.ErrStoreUnavailable.WrapMsg("active session", "userId", userID, "err", err)
		}
	}
	s, err := r.Get(ctx, sid)
	if err != nil {
		if errs.IsProtocolViolation(err) {
			return nil, nil
		}
		return nil, err
	}
	if !s.Active() || !s.Has(userID) {
		return nil, nil
	}
	return s, nil
}

// Member 校验用户属于某个活跃会话
func (r *Router) Member(ctx context.Context, sessionID, userID string) (*Session, error) {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Has(userID) {
		return nil, errs.ErrNotMember.WrapMsg("session member", "sessionId", sessionID, "userId", userID)
	}
	if !s.Active() {
		return nil, errs.ErrSessionEnded.WrapMsg("session member", "sessionId", sessionID)
	}
	return s, nil
}

// RouteToSession 向会话成员（排除 excludeUserID）投递事件
func (r *Router) RouteToSession(ctx context.Context, sessionID string, ev protocol.Event, excludeUserID string) error {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	r.routeTo(ctx, s, ev, excludeUserID)
	return nil
}

func (r *Router) routeTo(ctx context.Context, s *Session, ev protocol.Event, exclude string) {
	for _, uid := range s.Members() {
		if uid == exclude {
			continue
		}
		if _, err := r.bus.Deliver(ctx, uid, ev); err != nil {
			logger.Warn("[Session] deliver failed",
				zap.String("sessionId", s.ID), zap.String("userId", uid),
				zap.String("type", ev.Type), zap.Error(err))
		}
	}
}

// EndSession 幂等：只有第一次调用会通知另一方并触发 hooks，返回 true
func (r *Router) EndSession(ctx context.Context, sessionID, endedBy string) (bool, error) {
	now := r.conf.Clock()
	if s := r.getLocal(sessionID); s != nil {
		return r.endLocal(ctx, s, endedBy, now), nil
	}

	keys := []string{storage.SessionKey(sessionID), storage.ActiveChatsKey}
	endedTTL := int64(r.conf.EndedTTL / time.Second)
	n, err := r.luaEnd.Run(ctx, r.rdb, keys, sessionID, endedBy, now.UnixMilli(), storage.UserChatPrefix, endedTTL).Int()
	if err != nil {
		return false, errs.ErrStoreUnavailable.WrapMsg("end session", "sessionId", sessionID, "err", err)
	}
	switch n {
	case -1:
		return false, errs.ErrSessionNotFound.WrapMsg("end session", "sessionId", sessionID)
	case 0:
		return false, nil
	}

	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return true, err
	}
	r.afterEnd(ctx, s, endedBy)
	return true, nil
}

func (r *Router) afterEnd(ctx context.Context, s *Session, endedBy string) {
	metrics.SessionsEnded.Inc()
	logger.Info("[Session] ended", zap.String("sessionId", s.ID), zap.String("endedBy", endedBy))

	r.routeTo(ctx, s, protocol.NewEvent(protocol.EvtChatSkipped, protocol.ChatSkipped{
		SessionID: s.ID,
		SkippedBy: endedBy,
	}), endedBy)

	r.hookMu.RLock()
	hooks := append([]EndHook(nil), r.hooks...)
	r.hookMu.RUnlock()

	run := func() {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, h := range hooks {
			h := h
			safe.Run("session.endHook", func() { h(hctx, s) })
		}
	}
	if r.conf.DisableSync {
		run()
		return
	}
	safe.Go("session.endHooks", run)
}

// ===== 降级会话 =====

func (r *Router) getLocal(sessionID string) *Session {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	s, ok := r.local[sessionID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (r *Router) endLocal(ctx context.Context, snapshot *Session, endedBy string, now time.Time) bool {
	r.localMu.Lock()
	s, ok := r.local[snapshot.ID]
	if !ok || !s.Active() {
		r.localMu.Unlock()
		return false
	}
	s.Status = StatusEnded
	s.EndedAt = now
	s.EndedBy = endedBy
	for _, uid := range s.Members() {
		if r.localByUser[uid] == s.ID {
			delete(r.localByUser, uid)
		}
	}
	cp := *s
	r.localMu.Unlock()

	r.afterEnd(ctx, &cp, endedBy)
	return true
}

// Run 定期清理已结束的降级会话
func (r *Router) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := r.PruneLocal(now.Add(-r.conf.EndedTTL)); n > 0 {
				logger.Debug("[Session] pruned local sessions", zap.Int("count", n))
			}
		}
	}
}

// PruneLocal 清掉已结束的降级会话
func (r *Router) PruneLocal(olderThan time.Time) int {
	r.localMu.Lock()
	defer r.localMu.Unlock()
	n := 0
	for id, s := range r.local {
		if !s.Active() && s.EndedAt.Before(olderThan) {
			delete(r.local, id)
			n++
		}
	}
	return n
}

func fromHash(sessionID string, m map[string]string) *Session {
	s := &Session{
		ID:      sessionID,
		UserA:   m["userA"],
		UserB:   m["userB"],
		Status:  Status(m["status"]),
		EndedBy: m["endedBy"],
	}
	if ms, err := strconv.ParseInt(m["createdAt"], 10, 64); err == nil {
		s.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(m["endedAt"], 10, 64); err == nil {
		s.EndedAt = time.UnixMilli(ms)
	}
	return s
}
