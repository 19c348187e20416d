package chat

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"RandChat/logger"
	"RandChat/service/protocol"
	"RandChat/tools/errs"
	"RandChat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWS ===== WebSocket 处理 =====
func (s *Server) HandleWS(c *gin.Context) {
	s.ServeWS(c.Writer, c.Request)
}

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: s.conf.CheckOrigin}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Info("[WS] upgrade websocket error", zap.Error(err))
		return
	}

	cl := s.Conns.Add(ws)
	pumpDone := make(chan struct{})
	safe.Go("ws.write", func() {
		defer close(pumpDone)
		s.writePump(cl)
	})

	s.readLoop(cl)

	// ---- 退出阶段：下线清理（被新连接顶掉的不清理），等写协程收尾 ----
	cl.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.Disconnect(ctx, cl)
	cancel()
	<-pumpDone
	logger.Info("[WS] closed", zap.String("connId", cl.ConnID), zap.String("userId", cl.UserID()))
}

// ---- 读循环：只读，不写；出错即退出 ----
func (s *Server) readLoop(cl *Client) {
	ws := cl.WS
	ws.SetReadLimit(protocol.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Touch(ctx, cl)
		cancel()
		return nil
	})

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Info("[WS] peer closed", zap.String("connId", cl.ConnID), zap.String("userId", cl.UserID()))
			case errors.Is(rerr, websocket.ErrReadLimit):
				logger.Warn("[WS] frame over limit, closing", zap.String("connId", cl.ConnID), zap.String("userId", cl.UserID()))
			case errors.As(rerr, &ne) && ne.Timeout():
				logger.Info("[WS] read timeout", zap.String("connId", cl.ConnID), zap.String("userId", cl.UserID()))
			default:
				logger.Debug("[WS] read err", zap.String("connId", cl.ConnID), zap.Error(rerr))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, perr := protocol.ParseFrame(data)
		if perr != nil {
			// 只打印简短样本
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Debug("[WS] bad frame", zap.String("connId", cl.ConnID), zap.ByteString("sample", sample), zap.Error(perr))
			continue
		}
		s.handleFrame(cl, f)
	}
}

func (s *Server) handleFrame(cl *Client, f *protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cl.UserID() == "" && f.Type != protocol.TypeAuthenticate && f.Type != protocol.TypePing {
		logger.Debug("[WS] frame before authenticate ignored", zap.String("connId", cl.ConnID), zap.String("type", f.Type))
		return
	}
	s.Touch(ctx, cl)

	var err error
	safe.Run("ws.dispatch."+f.Type, func() { err = s.disp.Dispatch(ctx, cl, f) })
	if err == nil {
		return
	}
	// 乱序/重复帧在并发投递下属于预期，只记日志
	if errs.IsProtocolViolation(err) || errs.Code(err) == errs.ArgsError {
		logger.Debug("[WS] frame ignored", zap.String("type", f.Type), zap.String("userId", cl.UserID()), zap.Error(err))
		return
	}
	logger.Warn("[WS] handle frame failed", zap.String("type", f.Type), zap.String("userId", cl.UserID()), zap.Error(err))
}

// ---- 写协程：业务帧 + 定时 ping，统一在这里写 socket ----
func (s *Server) writePump(cl *Client) {
	ticker := time.NewTicker(s.conf.PingEvery)
	defer func() {
		ticker.Stop()
		// 统一由写协程发 Close 并关闭底层连接
		_ = cl.WS.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		cl.Close()
	}()

	for {
		select {
		case <-cl.Done():
			return
		case payload := <-cl.send:
			_ = cl.WS.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := cl.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("[WS] write payload err", zap.String("connId", cl.ConnID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := cl.WS.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.conf.WriteWait)); err != nil {
				logger.Debug("[WS] ping err", zap.String("connId", cl.ConnID), zap.Error(err))
				return
			}
		}
	}
}
