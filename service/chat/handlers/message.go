package handlers

import (
	"context"
	"time"

	"RandChat/module/chat/model"
	"RandChat/service/chat"
	"RandChat/service/protocol"
	"RandChat/service/ratelimit"
	"RandChat/tools/errs"
	"RandChat/tools/ids"
)

type MessageHandler struct{ s *chat.Server }

func NewMessageHandler(s *chat.Server) chat.Handler { return &MessageHandler{s: s} }
func (h *MessageHandler) Type() string             { return protocol.TypeRandomMessage }

// Handle 会话双方都收到（发送方用作回执），随后异步归档
func (h *MessageHandler) Handle(ctx context.Context, c *chat.Client, f *protocol.Frame) error {
	uid := c.UserID()
	sid := f.SessionID.String()
	if f.Content == "" && len(f.Metadata) == 0 {
		return errs.ErrArgs.WrapMsg("empty message", "sessionId", sid)
	}
	if !h.s.Allow(ctx, c, ratelimit.ActionMessage) {
		return nil
	}
	sess, err := h.s.Sessions.Member(ctx, sid, uid)
	if err != nil {
		return err
	}

	typ := f.MessageType
	if typ == "" {
		typ = "text"
	}
	now := time.Now()
	ev := protocol.NewEvent(protocol.EvtRandomMessage, protocol.RandomMessage{
		SessionID: sid,
		SenderID:  uid,
		Content:   f.Content,
		Type:      typ,
		Metadata:  f.Metadata,
		Timestamp: now.UnixMilli(),
	})
	if err := h.s.Sessions.RouteToSession(ctx, sid, ev, ""); err != nil {
		return err
	}

	partner, _ := sess.Partner(uid)
	h.s.ArchiveMessage(model.Message{
		ID:         ids.GenerateString(),
		SessionID:  sid,
		SenderID:   uid,
		ReceiverID: partner,
		Content:    f.Content,
		Type:       typ,
		Metadata:   string(f.Metadata),
		CreatedAt:  now,
	})
	return nil
}

type SkipHandler struct{ s *chat.Server }

func NewSkipHandler(s *chat.Server) chat.Handler { return &SkipHandler{s: s} }
func (h *SkipHandler) Type() string             { return protocol.TypeSkipChat }

func (h *SkipHandler) Handle(ctx context.Context, c *chat.Client, f *protocol.Frame) error {
	uid := c.UserID()
	sid := f.SessionID.String()
	if sid == "" {
		// 没带 sessionId 时结束当前会话
		cur, err := h.s.Sessions.ActiveFor(ctx, uid)
		if err != nil || cur == nil {
			return err
		}
		sid = cur.ID
	}
	if _, err := h.s.Sessions.Member(ctx, sid, uid); err != nil {
		return err
	}
	_, err := h.s.Sessions.EndSession(ctx, sid, uid)
	return err
}
