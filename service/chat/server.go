package chat

import (
	"context"
	"net/http"
	"time"

	"RandChat/logger"
	"RandChat/module/chat/archive"
	"RandChat/module/chat/model"
	"RandChat/service/bus"
	"RandChat/service/game"
	"RandChat/service/matcher"
	"RandChat/service/presence"
	"RandChat/service/protocol"
	"RandChat/service/ratelimit"
	"RandChat/service/session"
	"RandChat/tools/safe"

	"go.uber.org/zap"
)

// ===== 配置 =====

type Config struct {
	ProcessID   string
	PingEvery   time.Duration // 服务端 ping 周期
	PongWait    time.Duration // 超过该时长没有任何入站帧/pong 视为掉线
	WriteWait   time.Duration
	CheckOrigin func(r *http.Request) bool // nil => 全部放行
}

func (c *Config) norm() {
	if c.PingEvery <= 0 {
		c.PingEvery = 30 * time.Second
	}
	if c.PongWait <= c.PingEvery {
		c.PongWait = c.PingEvery*2 + 10*time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Deps 进程启动时构造一次的组件
type Deps struct {
	Conns    *ConnManager
	Presence *presence.Registry
	Matcher  *matcher.Matcher
	Sessions *session.Router
	Games    *game.Machine
	Limiter  *ratelimit.Limiter
	Bus      *bus.Bus

	Profiles Profiles       // 可选
	Ledger   SessionLedger  // 可选
	Archive  archive.Writer // 可选
	Tokens   TokenVerifier  // 可选：配置后 authenticate 必须带 token
}

// Server websocket 网关：持有本进程连接，把入站帧分发到各组件
type Server struct {
	conf Config
	Deps
	disp *Dispatcher
}

func NewServer(conf Config, d Deps) *Server {
	conf.norm()
	if d.Archive == nil {
		d.Archive = archive.NopWriter{}
	}
	s := &Server{conf: conf, Deps: d, disp: NewDispatcher()}

	if d.Games != nil {
		d.Sessions.OnEnd(d.Games.CancelSession)
	}
	if d.Ledger != nil {
		d.Sessions.OnEnd(s.recordEnd)
	}
	d.Presence.OnReap(s.onReap)
	return s
}

func (s *Server) ProcessID() string { return s.conf.ProcessID }

func (s *Server) Disp() *Dispatcher { return s.disp }

// Send 按用户投递：本进程直写，否则经消息总线
func (s *Server) Send(ctx context.Context, userID string, ev protocol.Event) bool {
	ok, err := s.Bus.Deliver(ctx, userID, ev)
	if err != nil {
		logger.Warn("[Gateway] deliver failed", zap.String("userId", userID), zap.String("type", ev.Type), zap.Error(err))
	}
	return ok
}

// Allow 限流；被拒绝时明确告知客户端重置时间
func (s *Server) Allow(ctx context.Context, c *Client, action string) bool {
	d, err := s.Limiter.Allow(ctx, c.UserID(), action)
	if err == nil {
		return true
	}
	if !d.Allowed {
		c.Send(protocol.NewEvent(protocol.EvtRateLimitExceeded, protocol.RateLimited{
			Action:    action,
			ResetTime: d.ResetAt.UnixMilli(),
			Message:   "Rate limit exceeded. Please slow down.",
		}))
		return false
	}
	return true
}

// Authenticate 绑定用户并登记在线；同一用户在本进程的旧连接被关闭，不做下线清理
func (s *Server) Authenticate(ctx context.Context, c *Client, userID string) {
	if old := s.Conns.Bind(c, userID); old != nil {
		logger.Info("[Gateway] replacing older connection",
			zap.String("userId", userID), zap.String("old", old.ConnID), zap.String("new", c.ConnID))
		old.Close()
	}
	if err := s.Presence.Register(ctx, userID, s.conf.ProcessID); err != nil {
		logger.Warn("[Gateway] presence register failed", zap.String("userId", userID), zap.Error(err))
	}
	c.Send(protocol.NewEvent(protocol.EvtAuthenticated, protocol.Authenticated{
		UserID:    userID,
		ProcessID: s.conf.ProcessID,
	}))
	logger.Info("[Gateway] authenticated", zap.String("userId", userID), zap.String("connId", c.ConnID))
}

// Touch 任意入站帧或 pong 续期在线记录
func (s *Server) Touch(ctx context.Context, c *Client) {
	uid := c.UserID()
	if uid == "" {
		return
	}
	if _, err := s.Presence.Heartbeat(ctx, uid); err != nil {
		logger.Debug("[Gateway] heartbeat failed", zap.String("userId", uid), zap.Error(err))
	}
}

// NotifyMatched 双方各收到一份带对方资料的 chat_matched
func (s *Server) NotifyMatched(ctx context.Context, sess *session.Session) {
	for _, uid := range sess.Members() {
		partner, _ := sess.Partner(uid)
		info := protocol.PartnerInfo{Username: "Usuário"}
		if s.Profiles != nil {
			info = s.Profiles.PartnerInfo(ctx, uid, partner)
		}
		s.Send(ctx, uid, protocol.NewEvent(protocol.EvtChatMatched, protocol.ChatMatched{
			SessionID:   sess.ID,
			PartnerID:   partner,
			PartnerInfo: info,
		}))
	}

	if s.Ledger == nil {
		return
	}
	rec := model.ChatSession{ID: sess.ID, User1ID: sess.UserA, User2ID: sess.UserB, Status: string(sess.Status), CreatedAt: sess.CreatedAt}
	safe.Go("ledger.create", func() {
		lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Ledger.CreateChatSession(lctx, rec); err != nil {
			logger.Warn("[Gateway] ledger create failed", zap.String("sessionId", rec.ID), zap.Error(err))
		}
	})
}

// ArchiveMessage 异步持久化一条聊天消息
func (s *Server) ArchiveMessage(m model.Message) {
	safe.Go("archive.message", func() {
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Archive.CreateMessage(actx, m); err != nil {
			logger.Warn("[Gateway] archive message failed", zap.String("sessionId", m.SessionID), zap.Error(err))
		}
	})
}

func (s *Server) recordEnd(ctx context.Context, sess *session.Session) {
	at := sess.EndedAt
	if at.IsZero() {
		at = time.Now()
	}
	if err := s.Ledger.EndChatSession(ctx, sess.ID, sess.EndedBy, at); err != nil {
		logger.Warn("[Gateway] ledger end failed", zap.String("sessionId", sess.ID), zap.Error(err))
	}
}

// ===== 下线清理 =====

// Disconnect 连接关闭时调用。被顶掉的旧连接、或用户已在别的进程重连时不清理。
func (s *Server) Disconnect(ctx context.Context, c *Client) {
	if !s.Conns.Remove(c) {
		return
	}
	uid := c.UserID()
	owned, err := s.Presence.Unregister(ctx, uid, s.conf.ProcessID)
	if err != nil {
		// 共享存储不可用时仍做本地清理（降级会话）
		logger.Warn("[Gateway] presence unregister failed", zap.String("userId", uid), zap.Error(err))
	} else if !owned {
		logger.Info("[Gateway] user reconnected elsewhere, skip cleanup", zap.String("userId", uid))
		return
	}
	s.ReleaseUser(ctx, uid)
}

// ReleaseUser 离开队列并结束活跃会话；关闭回调与在线清理共用，重复调用无副作用
func (s *Server) ReleaseUser(ctx context.Context, userID string) {
	if _, err := s.Matcher.LeaveQueue(ctx, userID); err != nil {
		logger.Warn("[Gateway] leave queue failed", zap.String("userId", userID), zap.Error(err))
	}
	sess, err := s.Sessions.ActiveFor(ctx, userID)
	if err != nil {
		logger.Warn("[Gateway] active session lookup failed", zap.String("userId", userID), zap.Error(err))
		return
	}
	if sess == nil {
		return
	}
	if _, err := s.Sessions.EndSession(ctx, sess.ID, userID); err != nil {
		logger.Warn("[Gateway] end session failed", zap.String("sessionId", sess.ID), zap.Error(err))
	}
}

// onReap 在线记录过期：清理后关掉本进程残留的连接
func (s *Server) onReap(ctx context.Context, userID string) {
	s.ReleaseUser(ctx, userID)
	if c := s.Conns.Get(userID); c != nil {
		c.Close()
	}
}
