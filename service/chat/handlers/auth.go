package handlers

import (
	"context"

	"RandChat/service/chat"
	"RandChat/service/protocol"
	"RandChat/tools/errs"
)

type AuthHandler struct{ s *chat.Server }

func NewAuthHandler(s *chat.Server) chat.Handler { return &AuthHandler{s: s} }
func (h *AuthHandler) Type() string             { return protocol.TypeAuthenticate }

func (h *AuthHandler) Handle(ctx context.Context, c *chat.Client, f *protocol.Frame) error {
	uid := f.UserID.String()
	if h.s.Tokens != nil {
		sub, err := h.s.Tokens.VerifyUser(f.Token)
		if err != nil {
			return err
		}
		if uid == "" {
			uid = sub
		}
		if uid != sub {
			return errs.ErrTokenInvalid.WrapMsg("token subject mismatch", "userId", uid)
		}
	}
	if uid == "" {
		return errs.ErrArgs.WrapMsg("authenticate without userId")
	}
	// 一条连接只认第一次认证的身份
	if cur := c.UserID(); cur != "" && cur != uid {
		return errs.ErrProtocolViolation.WrapMsg("re-authenticate as another user", "current", cur, "userId", uid)
	}
	h.s.Authenticate(ctx, c, uid)
	return nil
}
