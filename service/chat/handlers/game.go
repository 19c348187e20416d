package handlers

import (
	"context"

	"RandChat/logger"
	"RandChat/service/chat"
	"RandChat/service/protocol"
	"RandChat/tools/errs"

	"go.uber.org/zap"
)

type BreakIceStartHandler struct{ s *chat.Server }

func NewBreakIceStartHandler(s *chat.Server) chat.Handler { return &BreakIceStartHandler{s: s} }
func (h *BreakIceStartHandler) Type() string             { return protocol.TypeBreakIceStart }

// Handle 发起人以连接身份为准，帧里的 initiatorId 只做校验
func (h *BreakIceStartHandler) Handle(ctx context.Context, c *chat.Client, f *protocol.Frame) error {
	uid := c.UserID()
	if ini := f.InitiatorID.String(); ini != "" && ini != uid {
		return errs.ErrNotMember.WrapMsg("initiator mismatch", "userId", uid, "initiatorId", ini)
	}
	r, err := h.s.Games.Start(ctx, f.SessionID.String(), f.GameID.String(), f.Question, uid)
	if err != nil {
		return err
	}
	logger.Debug("[BreakIce] round started", zap.String("gameId", r.ID), zap.String("userId", uid))
	return nil
}

type BreakIceResponseHandler struct{ s *chat.Server }

func NewBreakIceResponseHandler(s *chat.Server) chat.Handler { return &BreakIceResponseHandler{s: s} }
func (h *BreakIceResponseHandler) Type() string             { return protocol.TypeBreakIceResponse }

func (h *BreakIceResponseHandler) Handle(ctx context.Context, c *chat.Client, f *protocol.Frame) error {
	_, err := h.s.Games.Respond(ctx, f.GameID.String(), c.UserID(), f.Response)
	return err
}

type BreakIceIgnoreHandler struct{ s *chat.Server }

func NewBreakIceIgnoreHandler(s *chat.Server) chat.Handler { return &BreakIceIgnoreHandler{s: s} }
func (h *BreakIceIgnoreHandler) Type() string             { return protocol.TypeBreakIceIgnore }

func (h *BreakIceIgnoreHandler) Handle(ctx context.Context, c *chat.Client, f *protocol.Frame) error {
	return h.s.Games.Ignore(ctx, f.GameID.String(), c.UserID())
}
