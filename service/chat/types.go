package chat

import (
	"context"
	"time"

	"RandChat/module/chat/model"
	"RandChat/service/protocol"
)

type Handler interface {
	Type() string
	Handle(ctx context.Context, c *Client, f *protocol.Frame) error
}

// Profiles 匹配通知里的对方资料
type Profiles interface {
	PartnerInfo(ctx context.Context, viewerID, partnerID string) protocol.PartnerInfo
}

// SessionLedger 会话台账
type SessionLedger interface {
	CreateChatSession(ctx context.Context, s model.ChatSession) error
	EndChatSession(ctx context.Context, id, endedBy string, at time.Time) error
	GetRecentChatSessions(ctx context.Context, userID string, limit int) ([]model.ChatSession, error)
}

// TokenVerifier authenticate 帧里的 token 校验
type TokenVerifier interface {
	VerifyUser(token string) (string, error)
}
