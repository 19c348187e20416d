// Package game 破冰小游戏：双方各答一次，恰好一次揭晓或取消。
package game

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"RandChat/logger"
	"RandChat/service/metrics"
	"RandChat/service/protocol"
	"RandChat/service/session"
	"RandChat/service/storage"
	"RandChat/tools/errs"
	"RandChat/tools/ids"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type State string

const (
	StateStarted   State = "started"
	StateAwaiting  State = "awaiting_partner"
	StateRevealed  State = "revealed"
	StateCancelled State = "cancelled"
)

// PartnerWaitingMessage 先答者的对方收到的提示
const PartnerWaitingMessage = "O teu parceiro já respondeu, estás quase!"

// ===== 配置 =====
type Config struct {
	RoundTTL     time.Duration // 未完成的回合最长保留
	CleanupDelay time.Duration // 终态后延迟删除
	Clock        func() time.Time
}

func (c *Config) norm() {
	if c.RoundTTL <= 0 {
		c.RoundTTL = 30 * time.Minute
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Round struct {
	ID          string
	SessionID   string
	Question    string
	InitiatorID string
	UserA       string
	UserB       string
	Responses   map[string]string
	Active      bool
	State       State
	IgnoredBy   string
	CreatedAt   time.Time
}

// Router 会话路由
type Router interface {
	Member(ctx context.Context, sessionID, userID string) (*session.Session, error)
	RouteToSession(ctx context.Context, sessionID string, ev protocol.Event, excludeUserID string) error
}

type Machine struct {
	rdb    redis.UniversalClient
	router Router
	conf   Config

	cleanupDelay atomic.Int64 // ns，可热更新

	luaStart   *redis.Script
	luaRespond *redis.Script
	luaCancel  *redis.Script
}

// ===== Lua 脚本 =====

// KEYS[1] = game:break_ice:<gid>  KEYS[2] = chat:session:<sid>:games
// ARGV: gid sid question initiator userA userB nowMs ttlSec
// 返回：1 创建；0 gameId 已存在
const luaStart = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "sessionId", ARGV[2], "question", ARGV[3],
  "initiatorId", ARGV[4], "userA", ARGV[5], "userB", ARGV[6],
  "active", "1", "state", "started", "createdAt", ARGV[7])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[8]))
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("EXPIRE", KEYS[2], tonumber(ARGV[8]))
return 1
`

// KEYS[1] = game:break_ice:<gid>
// ARGV[1] = userId ARGV[2] = answer ARGV[3] = cleanupMs ARGV[4] = nowMs
// 返回：{-1} 不存在 {-2} 已终态 {-3} 重复作答 {-4} 非成员
//      {1, other, sid} 第一份答案；{2, other, theirs, question, sid} 揭晓
const luaRespond = `
local g = redis.call("HMGET", KEYS[1], "active", "userA", "userB", "sessionId", "question")
if not g[1] then
  return {-1}
end
if g[1] ~= "1" then
  return {-2}
end
local uid, other = ARGV[1], nil
if uid == g[2] then
  other = g[3]
elseif uid == g[3] then
  other = g[2]
else
  return {-4}
end
local mine = "resp:" .. uid
if redis.call("HEXISTS", KEYS[1], mine) == 1 then
  return {-3}
end
redis.call("HSET", KEYS[1], mine, ARGV[2])
local theirs = redis.call("HGET", KEYS[1], "resp:" .. other)
if not theirs then
  redis.call("HSET", KEYS[1], "state", "awaiting_partner")
  return {1, other, g[4]}
end
redis.call("HSET", KEYS[1], "active", "0", "state", "revealed", "endedAt", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {2, other, theirs, g[5], g[4]}
`

// 忽略或随会话结束取消
// KEYS[1] = game:break_ice:<gid>
// ARGV[1] = userId（为空表示会话结束触发）ARGV[2] = cleanupMs ARGV[3] = nowMs
// 返回：{-1} {-2} {-4} 同上；{1, other, sid}
const luaCancel = `
local g = redis.call("HMGET", KEYS[1], "active", "userA", "userB", "sessionId")
if not g[1] then
  return {-1}
end
if g[1] ~= "1" then
  return {-2}
end
local uid, other = ARGV[1], ""
if uid ~= "" then
  if uid == g[2] then
    other = g[3]
  elseif uid == g[3] then
    other = g[2]
  else
    return {-4}
  end
end
redis.call("HSET", KEYS[1], "active", "0", "state", "cancelled", "ignoredBy", uid, "endedAt", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {1, other, g[4]}
`

func NewMachine(rdb redis.UniversalClient, router Router, conf Config) *Machine {
	conf.norm()
	m := &Machine{
		rdb:        rdb,
		router:     router,
		conf:       conf,
		luaStart:   redis.NewScript(luaStart),
		luaRespond: redis.NewScript(luaRespond),
		luaCancel:  redis.NewScript(luaCancel),
	}
	m.cleanupDelay.Store(int64(conf.CleanupDelay))
	return m
}

// SetCleanupDelay 揭晓或取消后回合的保留时长；可在运行期并发调用
func (m *Machine) SetCleanupDelay(d time.Duration) {
	if d > 0 {
		m.cleanupDelay.Store(int64(d))
	}
}

func (m *Machine) CleanupDelay() time.Duration {
	return time.Duration(m.cleanupDelay.Load())
}

// Start 发起一轮；gameID 为空时由服务端生成。问题只发给对方。
func (m *Machine) Start(ctx context.Context, sessionID, gameID, question, initiatorID string) (*Round, error) {
	if question == "" {
		return nil, errs.ErrArgs.WrapMsg("break ice question empty", "sessionId", sessionID)
	}
	s, err := m.router.Member(ctx, sessionID, initiatorID)
	if err != nil {
		return nil, err
	}
	if gameID == "" {
		gameID = ids.NewGameID()
	}
	now := m.conf.Clock()
	keys := []string{storage.GameKey(gameID), storage.SessionGamesKey(sessionID)}
	n, err := m.luaStart.Run(ctx, m.rdb, keys,
		gameID, sessionID, question, initiatorID, s.UserA, s.UserB,
		now.UnixMilli(), int64(m.conf.RoundTTL/time.Second)).Int()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("start game", "gameId", gameID, "err", err)
	}
	if n == 0 {
		return nil, errs.ErrGameDuplicate.WrapMsg("game id exists", "gameId", gameID)
	}

	ev := protocol.NewEvent(protocol.EvtBreakIceQuestion, protocol.QuestionReceived{
		GameID:      gameID,
		Question:    question,
		InitiatorID: initiatorID,
	})
	if err := m.router.RouteToSession(ctx, sessionID, ev, initiatorID); err != nil {
		logger.Warn("[Game] route question failed", zap.String("gameId", gameID), zap.Error(err))
	}
	logger.Debug("[Game] started", zap.String("gameId", gameID), zap.String("sessionId", sessionID))

	return &Round{
		ID:          gameID,
		SessionID:   sessionID,
		Question:    question,
		InitiatorID: initiatorID,
		UserA:       s.UserA,
		UserB:       s.UserB,
		Responses:   map[string]string{},
		Active:      true,
		State:       StateStarted,
		CreatedAt:   now,
	}, nil
}

// Respond 记录答案；第二份答案触发揭晓，双方各收到自己视角的结果。
// 重复作答、已终态等情况返回协议违规错误，调用方静默忽略。
func (m *Machine) Respond(ctx context.Context, gameID, userID, answer string) (State, error) {
	now := m.conf.Clock()
	res, err := m.luaRespond.Run(ctx, m.rdb, []string{storage.GameKey(gameID)},
		userID, answer, m.CleanupDelay().Milliseconds(), now.UnixMilli()).Slice()
	if err != nil {
		return "", errs.ErrStoreUnavailable.WrapMsg("game respond", "gameId", gameID, "err", err)
	}
	if err := rejectCode(res, gameID, userID); err != nil {
		return "", err
	}

	other := str(res, 1)
	if toInt(res[0]) == 1 {
		sid := str(res, 2)
		ev := protocol.NewEvent(protocol.EvtBreakIcePartnerWaiting, protocol.PartnerWaiting{
			GameID:  gameID,
			Message: PartnerWaitingMessage,
		})
		if err := m.router.RouteToSession(ctx, sid, ev, userID); err != nil {
			logger.Warn("[Game] route waiting failed", zap.String("gameId", gameID), zap.Error(err))
		}
		return StateAwaiting, nil
	}

	theirs, question, sid := str(res, 2), str(res, 3), str(res, 4)
	same := answer == theirs
	mine := protocol.NewEvent(protocol.EvtBreakIceReveal, protocol.RevealResults{
		GameID: gameID, Question: question, YourResponse: answer, TheirResponse: theirs, SameAnswer: same,
	})
	partner := protocol.NewEvent(protocol.EvtBreakIceReveal, protocol.RevealResults{
		GameID: gameID, Question: question, YourResponse: theirs, TheirResponse: answer, SameAnswer: same,
	})
	if err := m.router.RouteToSession(ctx, sid, mine, other); err != nil {
		logger.Warn("[Game] route reveal failed", zap.String("gameId", gameID), zap.String("userId", userID), zap.Error(err))
	}
	if err := m.router.RouteToSession(ctx, sid, partner, userID); err != nil {
		logger.Warn("[Game] route reveal failed", zap.String("gameId", gameID), zap.String("userId", other), zap.Error(err))
	}
	m.untrack(ctx, sid, gameID)
	metrics.GameTerminal.WithLabelValues(string(StateRevealed)).Inc()
	return StateRevealed, nil
}

// Ignore 取消本轮，只通知对方
func (m *Machine) Ignore(ctx context.Context, gameID, userID string) error {
	if userID == "" {
		return errs.ErrArgs.WrapMsg("ignore game without user", "gameId", gameID)
	}
	sid, _, err := m.cancel(ctx, gameID, userID)
	if err != nil {
		return err
	}
	ev := protocol.NewEvent(protocol.EvtBreakIceIgnored, protocol.GameIgnored{GameID: gameID, UserID: userID})
	if err := m.router.RouteToSession(ctx, sid, ev, userID); err != nil {
		logger.Warn("[Game] route ignored failed", zap.String("gameId", gameID), zap.Error(err))
	}
	return nil
}

func (m *Machine) cancel(ctx context.Context, gameID, userID string) (sid, other string, err error) {
	now := m.conf.Clock()
	res, err := m.luaCancel.Run(ctx, m.rdb, []string{storage.GameKey(gameID)},
		userID, m.CleanupDelay().Milliseconds(), now.UnixMilli()).Slice()
	if err != nil {
		return "", "", errs.ErrStoreUnavailable.WrapMsg("game cancel", "gameId", gameID, "err", err)
	}
	if err := rejectCode(res, gameID, userID); err != nil {
		return "", "", err
	}
	sid, other = str(res, 2), str(res, 1)
	m.untrack(ctx, sid, gameID)
	metrics.GameTerminal.WithLabelValues(string(StateCancelled)).Inc()
	return sid, other, nil
}

// CancelSession 会话结束时取消其下所有进行中的回合，不发通知
func (m *Machine) CancelSession(ctx context.Context, s *session.Session) {
	gids, err := m.rdb.SMembers(ctx, storage.SessionGamesKey(s.ID)).Result()
	if err != nil {
		logger.Warn("[Game] list session games failed", zap.String("sessionId", s.ID), zap.Error(err))
		return
	}
	for _, gid := range gids {
		if _, _, err := m.cancel(ctx, gid, ""); err != nil && !errs.IsProtocolViolation(err) {
			logger.Warn("[Game] cancel on session end failed", zap.String("gameId", gid), zap.Error(err))
		}
	}
	_ = m.rdb.Del(ctx, storage.SessionGamesKey(s.ID)).Err()
}

func (m *Machine) untrack(ctx context.Context, sid, gameID string) {
	if sid == "" {
		return
	}
	if err := m.rdb.SRem(ctx, storage.SessionGamesKey(sid), gameID).Err(); err != nil {
		logger.Debug("[Game] untrack failed", zap.String("gameId", gameID), zap.Error(err))
	}
}

// Get 读取回合（终态回合在清理延迟内仍可读）
func (m *Machine) Get(ctx context.Context, gameID string) (*Round, error) {
	h, err := m.rdb.HGetAll(ctx, storage.GameKey(gameID)).Result()
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("get game", "gameId", gameID, "err", err)
	}
	if len(h) == 0 {
		return nil, errs.ErrGameNotFound.WrapMsg("get game", "gameId", gameID)
	}
	r := &Round{
		ID:          gameID,
		SessionID:   h["sessionId"],
		Question:    h["question"],
		InitiatorID: h["initiatorId"],
		UserA:       h["userA"],
		UserB:       h["userB"],
		Responses:   map[string]string{},
		Active:      h["active"] == "1",
		State:       State(h["state"]),
		IgnoredBy:   h["ignoredBy"],
	}
	for _, u := range []string{r.UserA, r.UserB} {
		if v, ok := h["resp:"+u]; ok {
			r.Responses[u] = v
		}
	}
	if ms, err := strconv.ParseInt(h["createdAt"], 10, 64); err == nil {
		r.CreatedAt = time.UnixMilli(ms)
	}
	return r, nil
}

func rejectCode(res []any, gameID, userID string) error {
	if len(res) == 0 {
		return errs.ErrStoreUnavailable.WrapMsg("empty game script reply", "gameId", gameID)
	}
	switch toInt(res[0]) {
	case -1:
		return errs.ErrGameNotFound.WrapMsg("game", "gameId", gameID)
	case -2:
		return errs.ErrGameInactive.WrapMsg("game", "gameId", gameID)
	case -3:
		return errs.ErrGameDuplicate.WrapMsg("duplicate response", "gameId", gameID, "userId", userID)
	case -4:
		return errs.ErrNotMember.WrapMsg("game", "gameId", gameID, "userId", userID)
	}
	return nil
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

func str(res []any, i int) string {
	if i >= len(res) {
		return ""
	}
	if s, ok := res[i].(string); ok {
		return s
	}
	return ""
}
