// Package ratelimit 按 (用户, 动作) 的固定窗口计数限流。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"RandChat/logger"
	"RandChat/service/metrics"
	"RandChat/service/storage"
	"RandChat/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ActionMessage     = "message"
	ActionMatchmaking = "matchmaking"
)

type Rule struct {
	Max    int64
	Window time.Duration
}

// DefaultRules 聊天 30 条/分钟，匹配 10 次/分钟
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionMessage:     {Max: 30, Window: time.Minute},
		ActionMatchmaking: {Max: 10, Window: time.Minute},
	}
}

type Decision struct {
	Allowed bool
	Count   int64
	Limit   int64
	ResetAt time.Time
}

// KEYS[1] = rate:<action>:<uid>  ARGV[1] = windowMs
// 窗口内第一次计数时设置过期；返回 {count, pttl}
const luaIncr = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`

type Limiter struct {
	rdb   redis.UniversalClient
	clock func() time.Time

	mu    sync.RWMutex
	rules map[string]Rule

	lua *redis.Script
}

func NewLimiter(rdb redis.UniversalClient, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{rdb: rdb, clock: time.Now, rules: rules, lua: redis.NewScript(luaIncr)}
}

// SetLimit 运行时调整（远程配置热更新）
func (l *Limiter) SetLimit(action string, r Rule) {
	if r.Max <= 0 || r.Window <= 0 {
		return
	}
	l.mu.Lock()
	l.rules[action] = r
	l.mu.Unlock()
}

func (l *Limiter) Rule(action string) (Rule, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.rules[action]
	return r, ok
}

// Allow 计数并判断；未配置的动作不限流，存储异常时放行
func (l *Limiter) Allow(ctx context.Context, userID, action string) (Decision, error) {
	rule, ok := l.Rule(action)
	if !ok {
		return Decision{Allowed: true}, nil
	}
	res, err := l.lua.Run(ctx, l.rdb, []string{storage.RateLimitKey(action, userID)}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		logger.Warn("[RateLimit] store unavailable, allowing",
			zap.String("userId", userID), zap.String("action", action), zap.Error(err))
		return Decision{Allowed: true, Limit: rule.Max}, nil
	}
	d := Decision{
		Count:   res[0],
		Limit:   rule.Max,
		ResetAt: l.clock().Add(time.Duration(res[1]) * time.Millisecond),
	}
	d.Allowed = d.Count <= rule.Max
	if !d.Allowed {
		metrics.RateLimited.WithLabelValues(action).Inc()
		return d, errs.ErrRateLimited.WrapMsg("rate limited", "userId", userID, "action", action, "count", d.Count)
	}
	return d, nil
}

// Reset 清除某个用户某个动作的计数
func (l *Limiter) Reset(ctx context.Context, userID, action string) error {
	return l.rdb.Del(ctx, storage.RateLimitKey(action, userID)).Err()
}
