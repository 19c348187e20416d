package handlers

import (
	"context"

	"RandChat/logger"
	"RandChat/service/chat"
	"RandChat/service/matcher"
	"RandChat/service/protocol"
	"RandChat/service/ratelimit"
	"RandChat/tools/errs"

	"go.uber.org/zap"
)

type JoinQueueHandler struct{ s *chat.Server }

func NewJoinQueueHandler(s *chat.Server) chat.Handler { return &JoinQueueHandler{s: s} }
func (h *JoinQueueHandler) Type() string             { return protocol.TypeJoinQueue }

func (h *JoinQueueHandler) Handle(ctx context.Context, c *chat.Client, f *protocol.Frame) error {
	uid := c.UserID()
	pref, ok := matcher.ParsePreference(f.Pref())
	if !ok {
		return errs.ErrArgs.WrapMsg("bad preference", "userId", uid, "preference", f.Pref())
	}
	if !h.s.Allow(ctx, c, ratelimit.ActionMatchmaking) {
		return nil
	}

	// 重新排队前先结束当前会话，对方收到 chat_skipped
	if cur, err := h.s.Sessions.ActiveFor(ctx, uid); err == nil && cur != nil {
		if _, err := h.s.Sessions.EndSession(ctx, cur.ID, uid); err != nil {
			logger.Warn("[Queue] end previous session failed", zap.String("sessionId", cur.ID), zap.Error(err))
		}
	}

	res, err := h.s.Matcher.RequestMatch(ctx, uid, pref)
	if errs.Code(err) == errs.AlreadyInSessionError {
		// 结束旧会话与重新排队之间被别人配走了，chat_matched 已由对方那一侧发出
		logger.Debug("[Queue] already paired, skip enqueue", zap.String("userId", uid), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Matched {
		c.Send(protocol.NewEvent(protocol.EvtQueueJoined, protocol.QueueJoined{Preference: string(pref)}))
		return nil
	}
	h.s.NotifyMatched(ctx, res.Session)
	return nil
}

type LeaveQueueHandler struct{ s *chat.Server }

func NewLeaveQueueHandler(s *chat.Server) chat.Handler { return &LeaveQueueHandler{s: s} }
func (h *LeaveQueueHandler) Type() string             { return protocol.TypeLeaveQueue }

func (h *LeaveQueueHandler) Handle(ctx context.Context, c *chat.Client, _ *protocol.Frame) error {
	if _, err := h.s.Matcher.LeaveQueue(ctx, c.UserID()); err != nil {
		return err
	}
	c.Send(protocol.NewEvent(protocol.EvtQueueLeft, nil))
	return nil
}
