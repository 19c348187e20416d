package handlers

import (
	"context"

	"RandChat/service/chat"
	"RandChat/service/protocol"
)

// PingHandler 应用层心跳；在线续期已在分发前完成
type PingHandler struct{ s *chat.Server }

func NewPingHandler(s *chat.Server) chat.Handler { return &PingHandler{s: s} }
func (h *PingHandler) Type() string             { return protocol.TypePing }

func (h *PingHandler) Handle(_ context.Context, c *chat.Client, _ *protocol.Frame) error {
	c.Send(protocol.NewEvent(protocol.EvtPong, nil))
	return nil
}
