package chat

import (
	"net/http"
	"strconv"

	"RandChat/global"
	midsec "RandChat/middleware/security"
	"RandChat/module/chat/ledger"
	"RandChat/service/matcher"
	"RandChat/tools/errs"

	"github.com/gin-gonic/gin"
)

type statsResp struct {
	ProcessID      string        `json:"processId"`
	Transport      string        `json:"transport"`
	Queue          matcher.Stats `json:"queue"`
	OnlineUsers    int64         `json:"onlineUsers"`
	LiveProcesses  []string      `json:"liveProcesses"`
	LocalConns     int           `json:"localConnections"`
	LocalUsers     int           `json:"localUsers"`
	StoreAvailable bool          `json:"storeAvailable"`
}

// HandleStats GET /api/stats
func (s *Server) HandleStats(c *gin.Context) {
	ctx := c.Request.Context()
	resp := statsResp{ProcessID: s.conf.ProcessID, Transport: s.Bus.Transport(), StoreAvailable: true}
	resp.LocalConns, resp.LocalUsers = s.Conns.Count()

	var err error
	if resp.Queue, err = s.Matcher.QueueStats(ctx); err != nil {
		resp.StoreAvailable = false
	}
	if resp.OnlineUsers, err = s.Presence.OnlineCount(ctx); err != nil {
		resp.StoreAvailable = false
	}
	if resp.LiveProcesses, err = s.Presence.LiveProcesses(ctx); err != nil {
		resp.StoreAvailable = false
	}
	c.JSON(http.StatusOK, global.Success(resp))
}

// HandleRecentSessions GET /api/sessions/recent?limit=20，需要认证
func (s *Server) HandleRecentSessions(c *gin.Context) {
	if s.Ledger == nil {
		c.JSON(http.StatusServiceUnavailable, global.Fail(http.StatusServiceUnavailable, errs.ErrStoreUnavailable.WrapMsg("session ledger disabled")))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(ledger.DefaultRecentLimit)))
	list, err := s.Ledger.GetRecentChatSessions(c.Request.Context(), midsec.UserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, global.Fail(http.StatusInternalServerError, err))
		return
	}
	c.JSON(http.StatusOK, global.Success(gin.H{"sessions": list}))
}
