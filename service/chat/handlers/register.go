// Package handlers 每种入站帧一个 handler。
package handlers

import "RandChat/service/chat"

// RegisterAll 把全部入站帧类型挂到网关的分发器上
func RegisterAll(s *chat.Server) {
	for _, h := range []chat.Handler{
		NewAuthHandler(s),
		NewPingHandler(s),
		NewJoinQueueHandler(s),
		NewLeaveQueueHandler(s),
		NewMessageHandler(s),
		NewSkipHandler(s),
		NewBreakIceStartHandler(s),
		NewBreakIceResponseHandler(s),
		NewBreakIceIgnoreHandler(s),
	} {
		s.Disp().Register(h)
	}
}
